// Package modelspec is the registry of model architectures that can be trained.
// A Spec fixes the input/output contract of a model: input resolution, pixel normalization,
// anchors, and post-processing. Specs are immutable; Get always returns a fresh copy.
package modelspec

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/odmaker/pkg/nn"
)

var ErrUnknownModel = errors.New("unknown model")

// Quantization types that a model family can be exported with (see pkg/quant)
const (
	QuantInt8    = "int8"
	QuantDynamic = "dynamic"
	QuantFloat16 = "float16"
	QuantNone    = "none"
)

// Anchor generation parameters of the detection head
type Anchors struct {
	MinLevel     int       `json:"minLevel"`     // eg 3
	MaxLevel     int       `json:"maxLevel"`     // eg 7
	NumScales    int       `json:"numScales"`    // eg 3
	AspectRatios []float32 `json:"aspectRatios"` // eg [1, 2, 0.5]
	AnchorScale  float32   `json:"anchorScale"`  // eg 4
}

// Post-processing parameters
type PostProcess struct {
	ScoreThreshold float32    `json:"scoreThreshold"`
	IoUThreshold   float32    `json:"iouThreshold"`
	MaxDetections  int        `json:"maxDetections"`
	NmsMode        nn.NmsMode `json:"nmsMode"`
}

// Convert to detection parameters
func (p PostProcess) DetectionParams() *nn.DetectionParams {
	return &nn.DetectionParams{
		ProbabilityThreshold: p.ScoreThreshold,
		NmsIouThreshold:      p.IoUThreshold,
		MaxDetections:        p.MaxDetections,
		NmsMode:              p.NmsMode,
	}
}

type Spec struct {
	Name             string      `json:"name"`   // eg "efficientdet_lite0"
	Family           string      `json:"family"` // eg "efficientdet_lite". Backends are selected by family.
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	Mean             [3]float32  `json:"mean"`
	Std              [3]float32  `json:"std"`
	Anchors          Anchors     `json:"anchors"`
	Training         PostProcess `json:"training"` // Post-processing of the model before export
	Export           PostProcess `json:"export"`   // Post-processing baked into the exported artifact
	DefaultEpochs    int         `json:"defaultEpochs"`
	DefaultBatchSize int         `json:"defaultBatchSize"`
	Quantization     []string    `json:"quantization"` // Supported quantization types
}

const FamilyEfficientDetLite = "efficientdet_lite"

func efficientDetLite(variant, resolution, epochs, batchSize int) Spec {
	return Spec{
		Name:   fmt.Sprintf("efficientdet_lite%v", variant),
		Family: FamilyEfficientDetLite,
		Width:  resolution,
		Height: resolution,
		Mean:   [3]float32{127, 127, 127},
		Std:    [3]float32{128, 128, 128},
		Anchors: Anchors{
			MinLevel:     3,
			MaxLevel:     7,
			NumScales:    3,
			AspectRatios: []float32{1, 2, 0.5},
			AnchorScale:  4,
		},
		// Evaluation uses a very low score threshold, so that the precision/recall curve is complete.
		Training: PostProcess{
			ScoreThreshold: 0.01,
			IoUThreshold:   0.5,
			MaxDetections:  100,
			NmsMode:        nn.NmsPerClass,
		},
		Export: PostProcess{
			ScoreThreshold: 0.01,
			IoUThreshold:   0.5,
			MaxDetections:  25,
			NmsMode:        nn.NmsGlobal,
		},
		DefaultEpochs:    epochs,
		DefaultBatchSize: batchSize,
		Quantization:     []string{QuantInt8, QuantDynamic, QuantFloat16, QuantNone},
	}
}

// All known specs, in order of increasing size
var all = []Spec{
	efficientDetLite(0, 320, 50, 64),
	efficientDetLite(1, 384, 50, 64),
	efficientDetLite(2, 448, 50, 64),
	efficientDetLite(3, 512, 50, 64),
	efficientDetLite(4, 640, 50, 64),
}

// Get returns a copy of the named spec
func Get(name string) (*Spec, error) {
	for i := range all {
		if all[i].Name == name {
			return all[i].Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w '%v' (known models: %v)", ErrUnknownModel, name, Names())
}

// Names of all known specs
func Names() []string {
	names := make([]string, len(all))
	for i := range all {
		names[i] = all[i].Name
	}
	return names
}

// Deep copy
func (s *Spec) Clone() *Spec {
	c := *s
	c.Anchors.AspectRatios = append([]float32(nil), s.Anchors.AspectRatios...)
	c.Quantization = append([]string(nil), s.Quantization...)
	return &c
}

// Returns true if a model of this spec can be exported with the given quantization type
func (s *Spec) SupportsQuantization(qtype string) bool {
	for _, q := range s.Quantization {
		if q == qtype {
			return true
		}
	}
	return false
}

// ModelConfig returns the configuration handed to a training backend
func (s *Spec) ModelConfig(classes []string) *nn.ModelConfig {
	return &nn.ModelConfig{
		Architecture: s.Name,
		Family:       s.Family,
		Width:        s.Width,
		Height:       s.Height,
		Classes:      append([]string(nil), classes...),
		Mean:         s.Mean,
		Std:          s.Std,
	}
}

// Number of anchors per spatial location
func (a *Anchors) PerLocation() int {
	return a.NumScales * len(a.AspectRatios)
}

// Total number of anchors for an input of the given size
func (s *Spec) NumAnchors() int {
	n := 0
	for level := s.Anchors.MinLevel; level <= s.Anchors.MaxLevel; level++ {
		stride := 1 << level
		fw := (s.Width + stride - 1) / stride
		fh := (s.Height + stride - 1) / stride
		n += fw * fh * s.Anchors.PerLocation()
	}
	return n
}
