// Package dataset loads labeled object detection examples from disk.
// The canonical layout is Pascal VOC: a directory of images, and a directory of XML annotation files,
// one per image. An AutoML style CSV file is also supported.
package dataset

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/odmaker/pkg/labelmap"
	"github.com/cyclopcam/odmaker/pkg/nn"
)

// ErrDataset is returned for malformed or missing input data
var ErrDataset = errors.New("dataset error")

// Object is a single labeled box inside an image
type Object struct {
	Class     int     `json:"class"` // Index into Dataset.Labels
	Box       nn.Rect `json:"box"`   // Pixel coordinates
	Difficult bool    `json:"difficult,omitempty"`
	Truncated bool    `json:"truncated,omitempty"`
}

// Example is an image and its labeled boxes.
// An example with zero objects is a background-only image.
type Example struct {
	ID      string   `json:"id"`    // eg "cat-001" (the annotation file name, without extension)
	Image   string   `json:"image"` // Path to the image file
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Objects []Object `json:"objects"`
}

func (e *Example) ImageInfo() nn.ImageInfo {
	return nn.ImageInfo{
		Path:   e.Image,
		Width:  e.Width,
		Height: e.Height,
	}
}

// Dataset is an ordered set of examples, sharing one label map.
// A Dataset is not modified after it is loaded.
type Dataset struct {
	Labels   *labelmap.LabelMap
	Examples []*Example
}

// Number of examples
func (d *Dataset) Size() int {
	return len(d.Examples)
}

// Total number of labeled boxes
func (d *Dataset) NumObjects() int {
	n := 0
	for _, ex := range d.Examples {
		n += len(ex.Objects)
	}
	return n
}

// Number of boxes of each class, indexed by class
func (d *Dataset) ClassCounts() []int {
	counts := make([]int, d.Labels.Len())
	for _, ex := range d.Examples {
		for _, obj := range ex.Objects {
			counts[obj.Class]++
		}
	}
	return counts
}

// Split returns the first 'fraction' of the examples, and the remainder.
// Both datasets share the label map. The split is deterministic.
func (d *Dataset) Split(fraction float64) (*Dataset, *Dataset) {
	fraction = max(0, min(1, fraction))
	n := int(float64(len(d.Examples)) * fraction)
	a := &Dataset{Labels: d.Labels, Examples: d.Examples[:n:n]}
	b := &Dataset{Labels: d.Labels, Examples: d.Examples[n:]}
	return a, b
}

// Validate checks the invariants of every example: class indices are inside the label map,
// and boxes lie inside the image.
func (d *Dataset) Validate() error {
	for _, ex := range d.Examples {
		for i, obj := range ex.Objects {
			if obj.Class < 0 || obj.Class >= d.Labels.Len() {
				return fmt.Errorf("%w: %v object %v has invalid class index %v", ErrDataset, ex.ID, i, obj.Class)
			}
			if obj.Box.IsEmpty() || !obj.Box.InsideImage(ex.Width, ex.Height) {
				return fmt.Errorf("%w: %v object %v box %v is outside the %vx%v image", ErrDataset, ex.ID, i, obj.Box, ex.Width, ex.Height)
			}
		}
	}
	return nil
}

// Build a box from corner coordinates, clipping up to 'tolerance' pixels of overshoot.
// Returns false if the box is empty, or extends more than 'tolerance' pixels outside the image.
func makeBox(x1, y1, x2, y2 float64, width, height int, tolerance float64) (nn.Rect, bool) {
	w := float64(width)
	h := float64(height)
	if x1 < -tolerance || y1 < -tolerance || x2 > w+tolerance || y2 > h+tolerance {
		return nn.Rect{}, false
	}
	x1 = max(0, x1)
	y1 = max(0, y1)
	x2 = min(w, x2)
	y2 = min(h, y2)
	r := nn.MakeRect(round32(x1), round32(y1), round32(x2), round32(y2))
	if r.IsEmpty() {
		return nn.Rect{}, false
	}
	return r, true
}

func round32(v float64) int32 {
	if v < 0 {
		return int32(v - 0.5)
	}
	return int32(v + 0.5)
}
