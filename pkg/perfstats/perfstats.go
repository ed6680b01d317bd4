// Package perfstats accumulates running statistics of training: mean loss and batch timings.
package perfstats

import (
	"math"
	"time"
)

// Mean is a weighted running mean
type Mean struct {
	weight int64
	sum    float64
}

// Add a value that stands for 'weight' items, eg the mean loss of a batch of 'weight' examples
func (m *Mean) Add(v float64, weight int) {
	m.weight += int64(weight)
	m.sum += v * float64(weight)
}

// Zero if nothing was added
func (m *Mean) Value() float64 {
	if m.weight == 0 {
		return 0
	}
	return m.sum / float64(m.weight)
}

// False once any NaN or infinite value has been added
func (m *Mean) Finite() bool {
	return !math.IsNaN(m.sum) && !math.IsInf(m.sum, 0)
}

// Timer records how long repeated operations take
type Timer struct {
	count int64
	total time.Duration
	max   time.Duration
}

// Record the time elapsed since start
func (t *Timer) Record(start time.Time) {
	d := time.Since(start)
	t.count++
	t.total += d
	t.max = max(t.max, d)
}

func (t *Timer) Count() int64 {
	return t.count
}

func (t *Timer) Mean() time.Duration {
	if t.count == 0 {
		return 0
	}
	return t.total / time.Duration(t.count)
}

func (t *Timer) Max() time.Duration {
	return t.max
}
