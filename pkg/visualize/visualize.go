// Package visualize draws object detections onto images.
package visualize

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/fogleman/gg"
)

// Box colors, by class index
var palette = [][3]float64{
	{1, 0.2, 0.2},
	{0.2, 0.9, 0.2},
	{0.3, 0.5, 1},
	{1, 0.9, 0.1},
	{1, 0.3, 1},
	{0.1, 1, 1},
	{1, 0.6, 0.1},
	{0.7, 0.7, 0.7},
}

func classColor(class int) [3]float64 {
	if class < 0 {
		return palette[len(palette)-1]
	}
	return palette[class%len(palette)]
}

// Label of a detection, eg "dog 0.87"
func Caption(d nn.ObjectDetection, classes []string) string {
	name := fmt.Sprintf("class %v", d.Class)
	if d.Class >= 0 && d.Class < len(classes) {
		name = classes[d.Class]
	}
	return fmt.Sprintf("%v %.2f", name, d.Confidence)
}

// Draw returns a copy of img with a box and caption for every detection
func Draw(img image.Image, detections []nn.ObjectDetection, classes []string) image.Image {
	dc := gg.NewContextForImage(img)
	lineWidth := max(2, float64(min(dc.Width(), dc.Height()))/200)
	dc.SetLineWidth(lineWidth)
	for _, d := range detections {
		c := classColor(d.Class)
		x, y := float64(d.Box.X), float64(d.Box.Y)
		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(x, y, float64(d.Box.Width), float64(d.Box.Height))
		dc.Stroke()

		caption := Caption(d, classes)
		tw, th := dc.MeasureString(caption)
		ty := y - 2
		if ty-th < 0 {
			// No room above the box
			ty = y + th + 2
		}
		dc.DrawRectangle(x, ty-th-1, tw+2, th+3)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawString(caption, x+1, ty)
	}
	return dc.Image()
}

// DrawFile reads an image, draws the detections, and writes the result to outFile.
// The output format is chosen by the extension of outFile (.png, .jpg or .jpeg).
func DrawFile(inFile, outFile string, detections []nn.ObjectDetection, classes []string) error {
	img, err := gg.LoadImage(inFile)
	if err != nil {
		return fmt.Errorf("Failed to read %v: %w", inFile, err)
	}
	return Save(outFile, Draw(img, detections, classes))
}

func Save(filename string, img image.Image) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return gg.SavePNG(filename, img)
	case ".jpg", ".jpeg":
		f, err := os.Create(filename)
		if err != nil {
			return err
		}
		if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return fmt.Errorf("Unsupported image type '%v'. Use .png or .jpg", filepath.Ext(filename))
}
