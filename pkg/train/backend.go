package train

import (
	"context"

	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
)

// Model is the result of a training session: a detector whose weights can be exported
type Model interface {
	nn.ObjectDetector
	nn.TensorModel
}

// Session is a single training run inside a backend.
// The trainer calls TrainBatch for every batch of every epoch, Loss once per epoch if there
// is a validation set, and finally Finish.
// A session is only used from one goroutine.
type Session interface {
	// Perform one optimization step, and return the mean loss of the batch (before the step)
	TrainBatch(ctx context.Context, batch []*dataset.Example) (float64, error)

	// Mean loss over the examples, without updating any weights
	Loss(ctx context.Context, examples []*dataset.Example) (float64, error)

	// Freeze the weights and return the trained model
	Finish() (Model, error)
}

// TrainingBackend is the numeric engine for one model family
type TrainingBackend interface {
	// Start a new training session.
	// cfg.Classes is the label map of the training set, in index order.
	NewSession(cfg *nn.ModelConfig, spec *modelspec.Spec, hyper Hyperparameters) (Session, error)

	// Rebuild a detector from exported tensors
	Restore(cfg *nn.ModelConfig, tensors []nn.Tensor) (nn.ObjectDetector, error)
}

// Backends maps a model family (modelspec.Spec.Family) to its backend
type Backends map[string]TrainingBackend

// Find the backend for a model family
func (b Backends) Get(family string) (TrainingBackend, bool) {
	backend, ok := b[family]
	return backend, ok && backend != nil
}
