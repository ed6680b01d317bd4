// Package train runs the epoch/batch loop of transfer learning, on top of a TrainingBackend.
package train

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/labelmap"
	"github.com/cyclopcam/odmaker/pkg/log"
	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/perfstats"
)

// ErrTraining is returned when training cannot start or a backend fails
var ErrTraining = errors.New("training error")

// ErrStopTraining may be returned from Options.OnEpoch to end training after the current epoch.
// It is not an error from the caller's perspective, and Train returns the model.
var ErrStopTraining = errors.New("stop training")

// EpochMetrics is recorded after every epoch
type EpochMetrics struct {
	Epoch        int           `json:"epoch"` // 1-based
	Batches      int           `json:"batches"`
	Examples     int           `json:"examples"`
	TrainLoss    float64       `json:"trainLoss"`         // Mean loss of the training batches
	ValLoss      *float64      `json:"valLoss,omitempty"` // nil if there is no validation set
	Duration     time.Duration `json:"duration"`
	AvgBatchTime time.Duration `json:"avgBatchTime"`
}

// Options that don't affect the result of training
type Options struct {
	// Called after every epoch. Return ErrStopTraining to stop early. Any other error aborts training.
	OnEpoch func(m EpochMetrics) error
}

// TrainedModel is the output of Train. It is read-only.
type TrainedModel struct {
	Spec    *modelspec.Spec
	Labels  *labelmap.LabelMap
	Hyper   Hyperparameters
	History []EpochMetrics
	Model   Model
	Stopped bool // True if OnEpoch stopped training before the final epoch
}

// Config of the trained detector
func (m *TrainedModel) Config() *nn.ModelConfig {
	return m.Model.Config()
}

// Release the backend model
func (m *TrainedModel) Close() {
	m.Model.Close()
}

// Trainer trains models. It holds no state between calls to Train.
type Trainer struct {
	log      logs.Log
	backends Backends
}

func NewTrainer(logger logs.Log, backends Backends) *Trainer {
	return &Trainer{
		log:      log.NewPrefixLogger(logger, "Trainer:"),
		backends: backends,
	}
}

// Train fine-tunes 'spec' on the training set.
// validation may be nil. If given, its label map must equal that of the training set.
func (t *Trainer) Train(ctx context.Context, trainingSet *dataset.Dataset, spec *modelspec.Spec, hyper Hyperparameters, validation *dataset.Dataset, opts Options) (*TrainedModel, error) {
	if trainingSet == nil || trainingSet.Size() == 0 {
		return nil, fmt.Errorf("%w: training set is empty", ErrTraining)
	}
	hyper = hyper.WithDefaults()
	if err := hyper.Validate(trainingSet.Size()); err != nil {
		return nil, err
	}
	if validation != nil {
		if validation.Size() == 0 {
			validation = nil
		} else if !validation.Labels.Equal(trainingSet.Labels) {
			return nil, fmt.Errorf("%w: validation labels differ from training labels (%v)", ErrTraining, trainingSet.Labels.Diff(validation.Labels))
		}
	}
	backend, ok := t.backends.Get(spec.Family)
	if !ok {
		return nil, fmt.Errorf("%w: no training backend for model family '%v'", ErrTraining, spec.Family)
	}

	cfg := spec.ModelConfig(trainingSet.Labels.Names())
	session, err := backend.NewSession(cfg, spec, hyper)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraining, err)
	}

	batches := Batches(trainingSet.Examples, hyper.BatchSize, hyper.Remainder)
	t.log.Infof("Training %v (%v anchors) on %v examples (%v classes), %v epochs of %v batches", spec.Name, spec.NumAnchors(), trainingSet.Size(), trainingSet.Labels.Len(), hyper.Epochs, len(batches))

	result := &TrainedModel{
		Spec:   spec.Clone(),
		Labels: trainingSet.Labels,
		Hyper:  hyper,
	}

	for epoch := 1; epoch <= hyper.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training cancelled before epoch %v: %w", epoch, err)
		}
		m, err := t.runEpoch(ctx, session, epoch, batches, validation)
		if err != nil {
			return nil, err
		}
		result.History = append(result.History, m)
		if m.ValLoss != nil {
			t.log.Infof("Epoch %v/%v: loss %.4f, val loss %.4f, %.1f seconds", epoch, hyper.Epochs, m.TrainLoss, *m.ValLoss, m.Duration.Seconds())
		} else {
			t.log.Infof("Epoch %v/%v: loss %.4f, %.1f seconds", epoch, hyper.Epochs, m.TrainLoss, m.Duration.Seconds())
		}
		if opts.OnEpoch != nil {
			if err := opts.OnEpoch(m); err != nil {
				if errors.Is(err, ErrStopTraining) {
					t.log.Infof("Training stopped by caller after epoch %v", epoch)
					result.Stopped = epoch < hyper.Epochs
					break
				}
				return nil, fmt.Errorf("%w: epoch callback failed: %v", ErrTraining, err)
			}
		}
	}

	model, err := session.Finish()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraining, err)
	}
	result.Model = model
	return result, nil
}

func (t *Trainer) runEpoch(ctx context.Context, session Session, epoch int, batches [][]*dataset.Example, validation *dataset.Dataset) (EpochMetrics, error) {
	start := time.Now()
	loss := perfstats.Mean{}
	batchTime := perfstats.Timer{}
	examples := 0

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return EpochMetrics{}, fmt.Errorf("training cancelled in epoch %v, batch %v: %w", epoch, i+1, err)
		}
		batchStart := time.Now()
		batchLoss, err := session.TrainBatch(ctx, batch)
		if err != nil {
			return EpochMetrics{}, fmt.Errorf("%w: epoch %v, batch %v: %v", ErrTraining, epoch, i+1, err)
		}
		batchTime.Record(batchStart)
		loss.Add(batchLoss, len(batch))
		examples += len(batch)
		t.log.Debugf("Epoch %v batch %v/%v: loss %.4f", epoch, i+1, len(batches), batchLoss)
	}
	if !loss.Finite() {
		return EpochMetrics{}, fmt.Errorf("%w: loss diverged in epoch %v", ErrTraining, epoch)
	}

	m := EpochMetrics{
		Epoch:        epoch,
		Batches:      len(batches),
		Examples:     examples,
		TrainLoss:    loss.Value(),
		AvgBatchTime: batchTime.Mean(),
	}
	if validation != nil {
		valLoss, err := session.Loss(ctx, validation.Examples)
		if err != nil {
			if ctx.Err() != nil {
				return EpochMetrics{}, fmt.Errorf("training cancelled during validation of epoch %v: %w", epoch, ctx.Err())
			}
			return EpochMetrics{}, fmt.Errorf("%w: validation loss of epoch %v: %v", ErrTraining, epoch, err)
		}
		m.ValLoss = &valLoss
	}
	m.Duration = time.Since(start)
	t.log.Debugf("Epoch %v: slowest batch %v", epoch, batchTime.Max())
	return m, nil
}
