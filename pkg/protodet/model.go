package protodet

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"sort"

	"github.com/cyclopcam/odmaker/pkg/nn"
)

// Number of gallery neighbours whose boxes are proposed for a query image
const Neighbours = 3

// Names of the exported tensors
const (
	TensorPriors    = "priors"      // [classes, 4] normalized x1,y1,x2,y2
	TensorFrequency = "frequency"   // [classes]
	TensorFeatures  = "features"    // [images, FeatureLen]
	TensorBoxes     = "boxes"       // [boxes, 4] normalized x1,y1,x2,y2
	TensorClasses   = "box_classes" // [boxes]
	TensorImageBox  = "image_boxes" // [images] number of boxes of each gallery image
)

type galleryObject struct {
	class int
	box   normBox
}

type galleryEntry struct {
	feature []float32
	objects []galleryObject
}

// Model is a trained prototype detector. It is read-only, and safe for concurrent use.
type Model struct {
	cfg     *nn.ModelConfig
	priors  []normBox
	freq    []float32
	gallery []galleryEntry
}

func (m *Model) Close() {
}

func (m *Model) Config() *nn.ModelConfig {
	return m.cfg
}

// Number of images in the gallery (zero when only the head was trained)
func (m *Model) GallerySize() int {
	return len(m.gallery)
}

type neighbour struct {
	index      int
	similarity float32
}

// The k gallery entries most similar to f, most similar first
func (m *Model) nearest(f []float32, k int) []neighbour {
	all := make([]neighbour, len(m.gallery))
	for i := range m.gallery {
		all[i] = neighbour{i, dot(f, m.gallery[i].feature)}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].similarity > all[j].similarity
	})
	return all[:min(k, len(all))]
}

func (m *Model) DetectObjects(img nn.ImageInfo, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	candidates := []nn.ObjectDetection{}
	if len(m.gallery) != 0 {
		rgb, err := loadRGB(img.Path)
		if err != nil {
			return nil, err
		}
		width, height := rgb.Width, rgb.Height
		f := embed(rgb, m.cfg.Mean, m.cfg.Std)
		for _, nb := range m.nearest(f, Neighbours) {
			if nb.similarity <= 0 {
				break
			}
			for _, obj := range m.gallery[nb.index].objects {
				candidates = append(candidates, nn.ObjectDetection{
					Class:      obj.class,
					Confidence: min(1, nb.similarity),
					Box:        nn.RectFromNormalized(obj.box, width, height),
				})
			}
		}
	} else {
		width, height := img.Width, img.Height
		if width == 0 || height == 0 {
			var err error
			if width, height, err = imageDims(img.Path); err != nil {
				return nil, err
			}
		}
		for c, prior := range m.priors {
			if m.freq[c] <= 0 {
				continue
			}
			candidates = append(candidates, nn.ObjectDetection{
				Class:      c,
				Confidence: m.freq[c],
				Box:        nn.RectFromNormalized(prior, width, height),
			})
		}
	}
	return nn.PostProcess(candidates, params), nil
}

func imageDims(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("Failed to read image header of %v: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Tensors returns the learned state of the model
func (m *Model) Tensors() []nn.Tensor {
	nc := len(m.priors)
	priors := make([]float32, 0, nc*4)
	for _, p := range m.priors {
		priors = append(priors, p[:]...)
	}
	tensors := []nn.Tensor{
		{Name: TensorPriors, Shape: []int{nc, 4}, Data: priors},
		{Name: TensorFrequency, Shape: []int{nc}, Data: append([]float32(nil), m.freq...)},
	}
	if len(m.gallery) == 0 {
		return tensors
	}

	features := make([]float32, 0, len(m.gallery)*FeatureLen)
	imageBoxes := make([]float32, 0, len(m.gallery))
	boxes := []float32{}
	classes := []float32{}
	for _, g := range m.gallery {
		features = append(features, g.feature...)
		imageBoxes = append(imageBoxes, float32(len(g.objects)))
		for _, obj := range g.objects {
			boxes = append(boxes, obj.box[:]...)
			classes = append(classes, float32(obj.class))
		}
	}
	return append(tensors,
		nn.Tensor{Name: TensorFeatures, Shape: []int{len(m.gallery), FeatureLen}, Data: features},
		nn.Tensor{Name: TensorBoxes, Shape: []int{len(classes), 4}, Data: boxes},
		nn.Tensor{Name: TensorClasses, Shape: []int{len(classes)}, Data: classes, Exact: true},
		nn.Tensor{Name: TensorImageBox, Shape: []int{len(m.gallery)}, Data: imageBoxes, Exact: true},
	)
}

// Rebuild a model from the output of Tensors
func restoreModel(cfg *nn.ModelConfig, tensors []nn.Tensor) (*Model, error) {
	byName := map[string]*nn.Tensor{}
	for i := range tensors {
		t := &tensors[i]
		if t.NumElements() != len(t.Data) {
			return nil, fmt.Errorf("Tensor %v has shape %v, but %v elements", t.Name, t.Shape, len(t.Data))
		}
		byName[t.Name] = t
	}
	nc := len(cfg.Classes)
	priors := byName[TensorPriors]
	freq := byName[TensorFrequency]
	if priors == nil || freq == nil {
		return nil, fmt.Errorf("Missing '%v' or '%v' tensor", TensorPriors, TensorFrequency)
	}
	if len(priors.Data) != nc*4 || len(freq.Data) != nc {
		return nil, fmt.Errorf("Head tensors do not match the %v classes of the model", nc)
	}
	m := &Model{
		cfg:    cfg,
		priors: make([]normBox, nc),
		freq:   append([]float32(nil), freq.Data...),
	}
	for c := range m.priors {
		copy(m.priors[c][:], priors.Data[c*4:])
		m.priors[c] = clampBox(m.priors[c])
	}

	features := byName[TensorFeatures]
	if features == nil {
		return m, nil
	}
	boxes := byName[TensorBoxes]
	classes := byName[TensorClasses]
	imageBoxes := byName[TensorImageBox]
	if boxes == nil || classes == nil || imageBoxes == nil {
		return nil, fmt.Errorf("Incomplete gallery tensors")
	}
	nImages := len(imageBoxes.Data)
	if len(features.Data) != nImages*FeatureLen || len(boxes.Data) != len(classes.Data)*4 {
		return nil, fmt.Errorf("Gallery tensors have inconsistent sizes")
	}
	m.gallery = make([]galleryEntry, nImages)
	next := 0
	for i := range m.gallery {
		n := int(imageBoxes.Data[i])
		if n < 0 || next+n > len(classes.Data) {
			return nil, fmt.Errorf("Gallery image %v has an invalid box count %v", i, n)
		}
		entry := galleryEntry{
			feature: features.Data[i*FeatureLen : (i+1)*FeatureLen],
			objects: make([]galleryObject, n),
		}
		for j := 0; j < n; j++ {
			cls := int(classes.Data[next])
			if cls < 0 || cls >= nc {
				return nil, fmt.Errorf("Gallery box %v has invalid class %v", next, cls)
			}
			entry.objects[j].class = cls
			copy(entry.objects[j].box[:], boxes.Data[next*4:])
			next++
		}
		m.gallery[i] = entry
	}
	return m, nil
}
