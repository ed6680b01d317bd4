package train

import (
	"fmt"

	"github.com/cyclopcam/odmaker/pkg/modelspec"
)

// RemainderPolicy decides what happens to the examples left over when the training set size
// is not a multiple of the batch size.
type RemainderPolicy int

const (
	RemainderPartial RemainderPolicy = iota // The last batch of each epoch is short
	RemainderDrop                           // The leftover examples are not seen during the epoch
)

func (p RemainderPolicy) String() string {
	switch p {
	case RemainderPartial:
		return "partial"
	case RemainderDrop:
		return "drop"
	}
	return fmt.Sprintf("RemainderPolicy(%d)", int(p))
}

func ParseRemainderPolicy(s string) (RemainderPolicy, error) {
	switch s {
	case "partial", "":
		return RemainderPartial, nil
	case "drop":
		return RemainderDrop, nil
	}
	return RemainderPartial, fmt.Errorf("Unknown remainder policy '%v'", s)
}

func (p RemainderPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *RemainderPolicy) UnmarshalText(b []byte) error {
	v, err := ParseRemainderPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Default learning rate of the detection head
const DefaultLearningRate = 0.08

type Hyperparameters struct {
	Epochs          int             `json:"epochs"`
	BatchSize       int             `json:"batchSize"`
	TrainWholeModel bool            `json:"trainWholeModel"` // If false, only the detection head is trained
	LearningRate    float64         `json:"learningRate"`    // Zero uses DefaultLearningRate
	Remainder       RemainderPolicy `json:"remainder"`
}

// Hyperparameters with the defaults of the given spec
func DefaultHyperparameters(spec *modelspec.Spec) Hyperparameters {
	return Hyperparameters{
		Epochs:       spec.DefaultEpochs,
		BatchSize:    spec.DefaultBatchSize,
		LearningRate: DefaultLearningRate,
	}
}

// Returns a copy with zero values replaced by defaults.
// Epochs and BatchSize are not defaulted, because zero is an error for those.
func (h Hyperparameters) WithDefaults() Hyperparameters {
	if h.LearningRate == 0 {
		h.LearningRate = DefaultLearningRate
	}
	return h
}

// Validate the hyperparameters against a training set of 'numExamples'
func (h *Hyperparameters) Validate(numExamples int) error {
	if h.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be positive (%v)", ErrTraining, h.Epochs)
	}
	if h.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive (%v)", ErrTraining, h.BatchSize)
	}
	if h.LearningRate < 0 {
		return fmt.Errorf("%w: learning rate may not be negative (%v)", ErrTraining, h.LearningRate)
	}
	if NumBatches(numExamples, h.BatchSize, h.Remainder) == 0 {
		return fmt.Errorf("%w: batch size %v is larger than the %v training examples, and the remainder policy is '%v'", ErrTraining, h.BatchSize, numExamples, h.Remainder)
	}
	return nil
}

// Number of batches in one epoch
func NumBatches(numExamples, batchSize int, policy RemainderPolicy) int {
	if numExamples <= 0 || batchSize <= 0 {
		return 0
	}
	if policy == RemainderDrop {
		return numExamples / batchSize
	}
	return (numExamples + batchSize - 1) / batchSize
}

// Partition items into consecutive batches, in order.
// The returned slices alias 'items'.
func Batches[T any](items []T, batchSize int, policy RemainderPolicy) [][]T {
	n := NumBatches(len(items), batchSize, policy)
	batches := make([][]T, 0, n)
	for i := 0; i < n; i++ {
		start := i * batchSize
		end := min(start+batchSize, len(items))
		batches = append(batches, items[start:end:end])
	}
	return batches
}
