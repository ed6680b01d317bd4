package protodet

import (
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"golang.org/x/sync/errgroup"
)

// Images are reduced to a ThumbSize x ThumbSize RGB thumbnail before embedding
const ThumbSize = 16

// Length of an embedding vector
const FeatureLen = ThumbSize * ThumbSize * 3

// Load an image as 8-bit RGB.
// JPEG goes through cimg (libjpeg-turbo). Other formats are decoded by the standard library.
func loadRGB(path string) (*cimg.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".jpg" || ext == ".jpeg" {
		img, err := cimg.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Failed to decode %v: %w", path, err)
		}
		if img.NChan() != 3 {
			img = img.ToRGB()
		}
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode %v: %w", path, err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	pixels := make([]byte, w*h*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			pixels[i] = byte(r >> 8)
			pixels[i+1] = byte(g >> 8)
			pixels[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return cimg.WrapImage(w, h, cimg.PixelFormatRGB, pixels), nil
}

// Embed an RGB image into a unit-length feature vector.
// The thumbnail is normalized with the model's per-channel mean and std, and then centered,
// so that the dot product of two features is their cosine similarity.
func embed(img *cimg.Image, mean, std [3]float32) []float32 {
	thumb := cimg.ResizeNew(img, ThumbSize, ThumbSize, nil)
	nchan := thumb.NChan()
	f := make([]float32, FeatureLen)
	i := 0
	for y := 0; y < ThumbSize; y++ {
		row := thumb.Pixels[y*thumb.Stride:]
		for x := 0; x < ThumbSize; x++ {
			for c := 0; c < 3; c++ {
				f[i] = (float32(row[x*nchan+c]) - mean[c]) / std[c]
				i++
			}
		}
	}
	normalizeFeature(f)
	return f
}

// Center and L2-normalize. A constant vector becomes all zeros.
func normalizeFeature(f []float32) {
	avg := float32(0)
	for _, v := range f {
		avg += v
	}
	avg /= float32(len(f))
	norm := float32(0)
	for i := range f {
		f[i] -= avg
		norm += f[i] * f[i]
	}
	norm = math32.Sqrt(norm)
	if norm < 1e-6 {
		clear(f)
		return
	}
	for i := range f {
		f[i] /= norm
	}
}

func dot(a, b []float32) float32 {
	s := float32(0)
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func extractFeature(img nn.ImageInfo, cfg *nn.ModelConfig) ([]float32, error) {
	rgb, err := loadRGB(img.Path)
	if err != nil {
		return nil, err
	}
	return embed(rgb, cfg.Mean, cfg.Std), nil
}

// Extract the features of many images in parallel
func extractFeatures(ctx context.Context, images []nn.ImageInfo, cfg *nn.ModelConfig) ([][]float32, error) {
	features := make([][]float32, len(images))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range images {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := extractFeature(images[i], cfg)
			if err != nil {
				return err
			}
			features[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return features, nil
}
