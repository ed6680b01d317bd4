// Package protodet is a CPU reference training backend.
//
// It learns two things:
//   - A class-prior head: the expected normalized box of every class, and how often the class
//     appears in an image. This is trained by SGD on a smooth-L1 box loss, and is always trained.
//   - A gallery of image embeddings with their labeled boxes. This is only built when the whole
//     model is trained (Hyperparameters.TrainWholeModel). A query image is matched against its
//     nearest gallery neighbours, and their boxes become the detections.
//
// Without a gallery, the model predicts one prior box per class, with the class frequency as
// its confidence.
package protodet

import (
	"context"
	"fmt"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/log"
	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/train"
)

// Backend implements train.TrainingBackend
type Backend struct {
	log logs.Log
}

func NewBackend(logger logs.Log) *Backend {
	return &Backend{
		log: log.NewPrefixLogger(logger, "protodet:"),
	}
}

// Backends returns a backend map that serves every model family in modelspec
func Backends(logger logs.Log) train.Backends {
	b := NewBackend(logger)
	return train.Backends{
		modelspec.FamilyEfficientDetLite: b,
	}
}

func (b *Backend) NewSession(cfg *nn.ModelConfig, spec *modelspec.Spec, hyper train.Hyperparameters) (train.Session, error) {
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("Model has no classes")
	}
	for c := 0; c < 3; c++ {
		if cfg.Std[c] == 0 {
			return nil, fmt.Errorf("Model std is zero in channel %v", c)
		}
	}
	return &session{
		log:          b.log,
		cfg:          cfg,
		learningRate: float32(hyper.WithDefaults().LearningRate),
		wholeModel:   hyper.TrainWholeModel,
		head:         newHead(len(cfg.Classes)),
		features:     map[string][]float32{},
	}, nil
}

func (b *Backend) Restore(cfg *nn.ModelConfig, tensors []nn.Tensor) (nn.ObjectDetector, error) {
	return restoreModel(cfg, tensors)
}

type session struct {
	log          logs.Log
	cfg          *nn.ModelConfig
	learningRate float32
	wholeModel   bool
	head         *head

	// Gallery state, only used when wholeModel is true
	features map[string][]float32 // Image path to embedding
	order    []*dataset.Example   // Examples in the order they were first seen
}

func (s *session) TrainBatch(ctx context.Context, batch []*dataset.Example) (float64, error) {
	if err := s.checkClasses(batch); err != nil {
		return 0, err
	}
	if s.wholeModel {
		if err := s.addToGallery(ctx, batch); err != nil {
			return 0, err
		}
	}
	return s.head.step(batch, s.learningRate), nil
}

func (s *session) Loss(ctx context.Context, examples []*dataset.Example) (float64, error) {
	if err := s.checkClasses(examples); err != nil {
		return 0, err
	}
	loss, _ := s.head.loss(examples, nil)
	return loss, nil
}

func (s *session) checkClasses(examples []*dataset.Example) error {
	for _, ex := range examples {
		for _, obj := range ex.Objects {
			if obj.Class < 0 || obj.Class >= len(s.cfg.Classes) {
				return fmt.Errorf("Example %v has class %v, but the model only has %v classes", ex.ID, obj.Class, len(s.cfg.Classes))
			}
		}
	}
	return nil
}

// Embed the examples that we haven't seen yet
func (s *session) addToGallery(ctx context.Context, batch []*dataset.Example) error {
	todo := []*dataset.Example{}
	images := []nn.ImageInfo{}
	for _, ex := range batch {
		if _, ok := s.features[ex.Image]; ok {
			continue
		}
		todo = append(todo, ex)
		images = append(images, ex.ImageInfo())
	}
	if len(todo) == 0 {
		return nil
	}
	features, err := extractFeatures(ctx, images, s.cfg)
	if err != nil {
		return err
	}
	for i, ex := range todo {
		if _, ok := s.features[ex.Image]; ok {
			// Duplicate image inside one batch
			continue
		}
		s.features[ex.Image] = features[i]
		s.order = append(s.order, ex)
	}
	return nil
}

func (s *session) Finish() (train.Model, error) {
	m := &Model{
		cfg:    s.cfg,
		priors: append([]normBox(nil), s.head.priors...),
		freq:   s.head.frequency(),
	}
	for _, ex := range s.order {
		entry := galleryEntry{
			feature: s.features[ex.Image],
			objects: make([]galleryObject, 0, len(ex.Objects)),
		}
		for _, obj := range ex.Objects {
			entry.objects = append(entry.objects, galleryObject{
				class: obj.Class,
				box:   obj.Box.Normalized(ex.Width, ex.Height),
			})
		}
		m.gallery = append(m.gallery, entry)
	}
	if len(m.gallery) != 0 {
		s.log.Infof("Gallery has %v images", len(m.gallery))
	}
	return m, nil
}
