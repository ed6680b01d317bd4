package protodet

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/labelmap"
	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/synth"
	"github.com/cyclopcam/odmaker/pkg/train"
	"github.com/stretchr/testify/require"
)

func loadSynth(t *testing.T, log logs.Log, opts synth.Options) *dataset.Dataset {
	dir := t.TempDir()
	require.NoError(t, synth.Generate(dir, opts))
	ds, err := dataset.FromPascalVOC(log, filepath.Join(dir, "images"), filepath.Join(dir, "annotations"), opts.Classes, dataset.LoadOptions{})
	require.NoError(t, err)
	return ds
}

func trainModel(t *testing.T, log logs.Log, ds *dataset.Dataset, hyper train.Hyperparameters) *train.TrainedModel {
	spec, err := modelspec.Get("efficientdet_lite0")
	require.NoError(t, err)
	trainer := train.NewTrainer(log, Backends(log))
	model, err := trainer.Train(context.Background(), ds, spec, hyper, nil, train.Options{})
	require.NoError(t, err)
	return model
}

func bestMatch(dets []nn.ObjectDetection, obj dataset.Object) (nn.ObjectDetection, float32) {
	best := nn.ObjectDetection{}
	bestIoU := float32(0)
	for _, d := range dets {
		if d.Class != obj.Class {
			continue
		}
		if iou := d.Box.IOU(obj.Box); iou > bestIoU {
			best = d
			bestIoU = iou
		}
	}
	return best, bestIoU
}

func TestHeadConverges(t *testing.T) {
	log := logs.NewTestingLog(t)
	labels, err := labelmap.New([]string{"cat", "dog"})
	require.NoError(t, err)
	ds := &dataset.Dataset{Labels: labels}
	for i := 0; i < 20; i++ {
		ds.Examples = append(ds.Examples, &dataset.Example{
			ID:      fmt.Sprintf("%v", i),
			Image:   fmt.Sprintf("%v.jpg", i),
			Width:   100,
			Height:  100,
			Objects: []dataset.Object{{Class: 0, Box: nn.MakeRect(20, 10, 60, 50)}},
		})
	}

	model := trainModel(t, log, ds, train.Hyperparameters{Epochs: 30, BatchSize: 4})
	require.Less(t, model.History[29].TrainLoss, model.History[0].TrainLoss)
	require.Less(t, model.History[29].TrainLoss, 1e-6)

	// Without a gallery, the model never opens the image
	dets, err := model.Model.DetectObjects(nn.ImageInfo{Path: "missing.jpg", Width: 100, Height: 100}, model.Spec.Training.DetectionParams())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, 0, dets[0].Class)
	require.Equal(t, float32(1), dets[0].Confidence)
	require.Equal(t, nn.MakeRect(20, 10, 60, 50), dets[0].Box)

	// Twice the resolution
	dets, err = model.Model.DetectObjects(nn.ImageInfo{Path: "missing.jpg", Width: 200, Height: 200}, nil)
	require.NoError(t, err)
	require.Equal(t, nn.MakeRect(40, 20, 120, 100), dets[0].Box)
}

func TestGalleryRecall(t *testing.T) {
	log := logs.NewTestingLog(t)
	opts := synth.DefaultOptions()
	opts.NumImages = 16
	ds := loadSynth(t, log, opts)

	model := trainModel(t, log, ds, train.Hyperparameters{Epochs: 2, BatchSize: 4, TrainWholeModel: true})
	pm := model.Model.(*Model)
	require.Equal(t, 16, pm.GallerySize())

	for _, ex := range ds.Examples {
		dets, err := model.Model.DetectObjects(ex.ImageInfo(), model.Spec.Training.DetectionParams())
		require.NoError(t, err)
		for _, obj := range ex.Objects {
			d, iou := bestMatch(dets, obj)
			require.Equal(t, float32(1), iou, "example %v", ex.ID)
			require.Greater(t, d.Confidence, float32(0.99))
		}
	}
}

func TestRestore(t *testing.T) {
	log := logs.NewTestingLog(t)
	opts := synth.DefaultOptions()
	opts.NumImages = 8
	ds := loadSynth(t, log, opts)
	model := trainModel(t, log, ds, train.Hyperparameters{Epochs: 1, BatchSize: 3, TrainWholeModel: true})

	backend := NewBackend(log)
	restored, err := backend.Restore(model.Config(), model.Model.Tensors())
	require.NoError(t, err)
	for _, ex := range ds.Examples[:3] {
		a, err := model.Model.DetectObjects(ex.ImageInfo(), nil)
		require.NoError(t, err)
		b, err := restored.DetectObjects(ex.ImageInfo(), nil)
		require.NoError(t, err)
		require.Equal(t, a, b)
	}

	// Head only
	headOnly := model.Model.Tensors()[:2]
	restored, err = backend.Restore(model.Config(), headOnly)
	require.NoError(t, err)
	require.Equal(t, 0, restored.(*Model).GallerySize())
}

func TestRestoreErrors(t *testing.T) {
	backend := NewBackend(logs.NewTestingLog(t))
	cfg := &nn.ModelConfig{Classes: []string{"a", "b"}, Std: [3]float32{1, 1, 1}}

	_, err := backend.Restore(cfg, nil)
	require.Error(t, err)

	// Wrong number of classes
	tensors := []nn.Tensor{
		{Name: TensorPriors, Shape: []int{1, 4}, Data: []float32{0, 0, 1, 1}},
		{Name: TensorFrequency, Shape: []int{1}, Data: []float32{1}},
	}
	_, err = backend.Restore(cfg, tensors)
	require.Error(t, err)

	// Shape disagrees with data
	tensors = []nn.Tensor{
		{Name: TensorPriors, Shape: []int{2, 4}, Data: []float32{0, 0, 1, 1}},
		{Name: TensorFrequency, Shape: []int{2}, Data: []float32{1, 1}},
	}
	_, err = backend.Restore(cfg, tensors)
	require.Error(t, err)
}

func TestEmbed(t *testing.T) {
	img := cimg.NewImage(40, 30, cimg.PixelFormatRGB)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			p := img.Pixels[y*img.Stride+x*3:]
			p[0] = byte(x * 6)
			p[1] = byte(y * 8)
			p[2] = byte((x + y) * 3)
		}
	}
	f := embed(img, [3]float32{127, 127, 127}, [3]float32{128, 128, 128})
	require.Len(t, f, FeatureLen)
	require.InDelta(t, 1, dot(f, f), 1e-4)

	// A uniform image has no features
	flat := cimg.NewImage(20, 20, cimg.PixelFormatRGB)
	f = embed(flat, [3]float32{127, 127, 127}, [3]float32{128, 128, 128})
	require.Equal(t, float32(0), dot(f, f))
}

func TestLoadPNG(t *testing.T) {
	dir := t.TempDir()
	opts := synth.DefaultOptions()
	opts.NumImages = 1
	opts.PNG = true
	require.NoError(t, synth.Generate(dir, opts))
	img, err := loadRGB(filepath.Join(dir, "images", "synth-0000.png"))
	require.NoError(t, err)
	require.Equal(t, opts.Width, img.Width)
	require.Equal(t, opts.Height, img.Height)
	require.Equal(t, 3, img.NChan())
}

func TestInvalidClass(t *testing.T) {
	backend := NewBackend(logs.NewTestingLog(t))
	spec, err := modelspec.Get("efficientdet_lite0")
	require.NoError(t, err)
	s, err := backend.NewSession(spec.ModelConfig([]string{"cat"}), spec, train.Hyperparameters{Epochs: 1, BatchSize: 1})
	require.NoError(t, err)
	_, err = s.TrainBatch(context.Background(), []*dataset.Example{
		{ID: "x", Width: 10, Height: 10, Objects: []dataset.Object{{Class: 3, Box: nn.MakeRect(1, 1, 5, 5)}}},
	})
	require.Error(t, err)
}
