// Package synth generates small synthetic Pascal VOC datasets.
// Every class is drawn as a solid rectangle of its own color, on a noisy background.
// It is used by tests, and by "odmaker synth" to smoke-test an installation.
package synth

import (
	"encoding/xml"
	"fmt"
	"image/jpeg"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/fogleman/gg"
)

type Options struct {
	NumImages  int
	Width      int
	Height     int
	Classes    []string
	MaxObjects int   // Each image has 1..MaxObjects objects
	Seed       int64 // Same seed produces the same dataset
	PNG        bool  // Write PNG instead of JPEG
}

func DefaultOptions() Options {
	return Options{
		NumImages:  40,
		Width:      96,
		Height:     72,
		Classes:    []string{"red", "green", "blue"},
		MaxObjects: 2,
		Seed:       1,
	}
}

// Colors of the classes, in class order. Classes beyond the end of the palette repeat it.
var palette = [][3]float64{
	{1, 0, 0},
	{0, 1, 0},
	{0, 0, 1},
	{1, 1, 0},
	{1, 0, 1},
	{0, 1, 1},
}

type vocObject struct {
	Name      string `xml:"name"`
	Difficult int    `xml:"difficult"`
	XMin      int    `xml:"bndbox>xmin"`
	YMin      int    `xml:"bndbox>ymin"`
	XMax      int    `xml:"bndbox>xmax"`
	YMax      int    `xml:"bndbox>ymax"`
}

type vocAnnotation struct {
	XMLName  xml.Name    `xml:"annotation"`
	Filename string      `xml:"filename"`
	Width    int         `xml:"size>width"`
	Height   int         `xml:"size>height"`
	Depth    int         `xml:"size>depth"`
	Objects  []vocObject `xml:"object"`
}

// Generate writes dir/images, dir/annotations and dir/labels.txt
func Generate(dir string, opts Options) error {
	if opts.NumImages <= 0 || opts.Width < 16 || opts.Height < 16 || len(opts.Classes) == 0 || opts.MaxObjects <= 0 {
		return fmt.Errorf("Invalid synthetic dataset options")
	}
	imagesDir := filepath.Join(dir, "images")
	annotationsDir := filepath.Join(dir, "annotations")
	for _, d := range []string{imagesDir, annotationsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	if err := nn.WriteClassFile(filepath.Join(dir, "labels.txt"), opts.Classes); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	for i := 0; i < opts.NumImages; i++ {
		id := fmt.Sprintf("synth-%04d", i)
		ext := ".jpg"
		if opts.PNG {
			ext = ".png"
		}
		ann := vocAnnotation{
			Filename: id + ext,
			Width:    opts.Width,
			Height:   opts.Height,
			Depth:    3,
		}
		dc := gg.NewContext(opts.Width, opts.Height)
		drawBackground(dc, rng)

		nObjects := 1 + rng.Intn(opts.MaxObjects)
		placed := []nn.Rect{}
		for attempt := 0; attempt < 20 && len(placed) < nObjects; attempt++ {
			r := randomBox(rng, opts.Width, opts.Height)
			if overlapsAny(r, placed) {
				continue
			}
			placed = append(placed, r)
			class := rng.Intn(len(opts.Classes))
			c := palette[class%len(palette)]
			dc.SetRGB(c[0], c[1], c[2])
			dc.DrawRectangle(float64(r.X), float64(r.Y), float64(r.Width), float64(r.Height))
			dc.Fill()
			ann.Objects = append(ann.Objects, vocObject{
				Name: opts.Classes[class],
				XMin: int(r.X),
				YMin: int(r.Y),
				XMax: int(r.X2()),
				YMax: int(r.Y2()),
			})
		}

		imgPath := filepath.Join(imagesDir, ann.Filename)
		if opts.PNG {
			if err := dc.SavePNG(imgPath); err != nil {
				return err
			}
		} else if err := saveJPEG(dc, imgPath); err != nil {
			return err
		}
		raw, err := xml.MarshalIndent(&ann, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(annotationsDir, id+".xml"), raw, 0644); err != nil {
			return err
		}
	}
	return nil
}

// Gray noise in 4x4 cells, which makes every image distinct
func drawBackground(dc *gg.Context, rng *rand.Rand) {
	for y := 0; y < dc.Height(); y += 4 {
		for x := 0; x < dc.Width(); x += 4 {
			v := 0.3 + 0.4*rng.Float64()
			dc.SetRGB(v, v, v)
			dc.DrawRectangle(float64(x), float64(y), 4, 4)
			dc.Fill()
		}
	}
}

func randomBox(rng *rand.Rand, width, height int) nn.Rect {
	w := width/5 + rng.Intn(width/3)
	h := height/5 + rng.Intn(height/3)
	x := rng.Intn(width - w)
	y := rng.Intn(height - h)
	return nn.Rect{X: int32(x), Y: int32(y), Width: int32(w), Height: int32(h)}
}

func overlapsAny(r nn.Rect, others []nn.Rect) bool {
	for _, o := range others {
		if !r.Intersection(o).IsEmpty() {
			return true
		}
	}
	return false
}

func saveJPEG(dc *gg.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, dc.Image(), &jpeg.Options{Quality: 95}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
