// Package nn is the detector interface layer shared by the trainer, the evaluator and the exporter.
// Concrete detectors live in backend packages (eg protodet).
package nn

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.5
const DefaultMaxDetections = 100

// NmsMode controls how non-max suppression groups boxes
type NmsMode int

const (
	NmsPerClass NmsMode = iota // Boxes only suppress other boxes of the same class
	NmsGlobal                  // Boxes suppress overlapping boxes of any class (cheaper, used by exported models)
)

func (m NmsMode) String() string {
	switch m {
	case NmsPerClass:
		return "per-class"
	case NmsGlobal:
		return "global"
	}
	return fmt.Sprintf("NmsMode(%d)", int(m))
}

func ParseNmsMode(s string) (NmsMode, error) {
	switch s {
	case "per-class", "":
		return NmsPerClass, nil
	case "global":
		return NmsGlobal, nil
	}
	return NmsPerClass, fmt.Errorf("Unknown NMS mode '%v'", s)
}

func (m NmsMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *NmsMode) UnmarshalText(b []byte) error {
	v, err := ParseNmsMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	MaxDetections        int     // Maximum number of objects returned per image. Zero value will use the default.
	NmsMode              NmsMode
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		MaxDetections:        DefaultMaxDetections,
		NmsMode:              NmsPerClass,
	}
}

// Return a copy of the params, with zero values replaced by defaults.
// A nil receiver returns the defaults.
func (p *DetectionParams) WithDefaults() DetectionParams {
	if p == nil {
		return *NewDetectionParams()
	}
	c := *p
	if c.ProbabilityThreshold == 0 {
		c.ProbabilityThreshold = DefaultProbabilityThreshold
	}
	if c.NmsIouThreshold == 0 {
		c.NmsIouThreshold = DefaultNmsIouThreshold
	}
	if c.MaxDetections == 0 {
		c.MaxDetections = DefaultMaxDetections
	}
	return c
}

// ImageInfo identifies an image on disk, along with its dimensions
type ImageInfo struct {
	Path   string
	Width  int
	Height int
}

// ObjectDetector is given an image, and returns zero or more detected objects.
// Implementations must be safe for concurrent calls to DetectObjects.
type ObjectDetector interface {
	// Close releases any resources held by the detector
	Close()

	// DetectObjects returns a list of objects detected in the image, after thresholding,
	// non-max suppression, and capping to params.MaxDetections.
	DetectObjects(img ImageInfo, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// TensorModel is a detector whose learned state can be exported as a list of named tensors
type TensorModel interface {
	Tensors() []Tensor
}

// Tensor is a named float32 array with a shape
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
	Exact bool // Holds integers (eg indices), which must survive export without quantization
}

// Number of elements implied by Shape
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string     `json:"architecture"` // eg "efficientdet_lite0"
	Family       string     `json:"family"`       // eg "efficientdet_lite"
	Width        int        `json:"width"`        // eg 320
	Height       int        `json:"height"`       // eg 320
	Classes      []string   `json:"classes"`      // eg ["Cat", "Dog"]
	Mean         [3]float32 `json:"mean"`         // Per channel mean subtracted from RGB pixels
	Std          [3]float32 `json:"std"`          // Per channel divisor applied after subtracting the mean
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}

// Write a text file with class names on each line
func WriteClassFile(filename string, classes []string) error {
	return os.WriteFile(filename, []byte(strings.Join(classes, "\n")+"\n"), 0644)
}
