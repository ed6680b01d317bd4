package dataset

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/labelmap"
)

// Boxes may overshoot the image by this many pixels before we consider them invalid.
// Pascal VOC coordinates are 1-based, so xmax == width+1 is common in the wild.
const BoxTolerance = 1.0

// LoadOptions control how annotations are turned into examples
type LoadOptions struct {
	IgnoreDifficult bool   // Drop objects marked <difficult>1</difficult>
	CacheDir        string // If not empty, cache the parsed dataset as a JSON manifest in this directory
	MaxExamples     int    // If not zero, stop after loading this many examples
}

type vocAnnotation struct {
	XMLName  xml.Name    `xml:"annotation"`
	Folder   string      `xml:"folder"`
	Filename string      `xml:"filename"`
	Size     vocSize     `xml:"size"`
	Objects  []vocObject `xml:"object"`
}

type vocSize struct {
	Width  int `xml:"width"`
	Height int `xml:"height"`
	Depth  int `xml:"depth"`
}

type vocObject struct {
	Name      string `xml:"name"`
	Pose      string `xml:"pose"`
	Truncated string `xml:"truncated"`
	Difficult string `xml:"difficult"`
	Box       vocBox `xml:"bndbox"`
}

// Coordinates are strings because some annotation tools write floats ("123.0")
type vocBox struct {
	XMin string `xml:"xmin"`
	YMin string `xml:"ymin"`
	XMax string `xml:"xmax"`
	YMax string `xml:"ymax"`
}

func parseVOCFile(filename string) (*vocAnnotation, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataset, err)
	}
	ann := &vocAnnotation{}
	if err := xml.Unmarshal(raw, ann); err != nil {
		return nil, fmt.Errorf("%w: annotation %v is not valid Pascal VOC XML: %v", ErrDataset, filename, err)
	}
	return ann, nil
}

func parseCoord(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func parseFlag(s string) bool {
	s = strings.TrimSpace(s)
	return s == "1" || strings.EqualFold(s, "true")
}

// List the annotation files in a directory, in sorted order
func annotationFiles(annotationsDir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(annotationsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read annotations directory: %v", ErrDataset, err)
	}
	files := []os.DirEntry{}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			files = append(files, e)
		}
	}
	return files, nil
}

// FromPascalVOC loads a dataset from a directory of images, and a parallel directory of
// Pascal VOC XML annotations.
// 'classes' is the ordered list of class names. Class indices follow this order, so loading
// a training and a validation set with the same list produces identical indices.
// Every annotation file produces one example (including annotations with zero boxes).
func FromPascalVOC(log logs.Log, imagesDir, annotationsDir string, classes []string, opts LoadOptions) (*Dataset, error) {
	labels, err := labelmap.New(classes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataset, err)
	}

	files, err := annotationFiles(annotationsDir)
	if err != nil {
		return nil, err
	}

	var cacheFile string
	var cacheKey string
	if opts.CacheDir != "" {
		cacheKey, err = manifestKey(imagesDir, annotationsDir, classes, opts, files)
		if err != nil {
			return nil, err
		}
		cacheFile = manifestFilename(opts.CacheDir, cacheKey)
		if ds, err := readManifest(cacheFile, cacheKey, labels); err == nil {
			log.Infof("Loaded %v examples from cache %v", ds.Size(), cacheFile)
			return ds, nil
		}
	}

	ds := &Dataset{
		Labels: labels,
	}
	nSkippedDifficult := 0
	for _, file := range files {
		if opts.MaxExamples != 0 && len(ds.Examples) >= opts.MaxExamples {
			break
		}
		ex, nDifficult, err := loadVOCExample(log, imagesDir, filepath.Join(annotationsDir, file.Name()), labels, opts)
		if err != nil {
			return nil, err
		}
		nSkippedDifficult += nDifficult
		ds.Examples = append(ds.Examples, ex)
	}

	if len(ds.Examples) == 0 {
		return nil, fmt.Errorf("%w: no examples found in %v", ErrDataset, annotationsDir)
	}
	if nSkippedDifficult != 0 {
		log.Infof("Ignored %v difficult objects", nSkippedDifficult)
	}
	log.Infof("Loaded %v examples with %v objects from %v", ds.Size(), ds.NumObjects(), annotationsDir)

	if cacheFile != "" {
		if err := writeManifest(cacheFile, cacheKey, ds); err != nil {
			log.Warnf("Failed to write dataset cache %v: %v", cacheFile, err)
		}
	}

	return ds, nil
}

// Load a single annotation file.
// Returns the example, and the number of difficult objects that were dropped.
func loadVOCExample(log logs.Log, imagesDir, annotationFile string, labels *labelmap.LabelMap, opts LoadOptions) (*Example, int, error) {
	ann, err := parseVOCFile(annotationFile)
	if err != nil {
		return nil, 0, err
	}
	stem := strings.TrimSuffix(filepath.Base(annotationFile), filepath.Ext(annotationFile))
	imagePath, err := findImage(imagesDir, ann.Filename, stem)
	if err != nil {
		return nil, 0, err
	}
	width, height, err := imageSize(imagePath)
	if err != nil {
		return nil, 0, err
	}
	if ann.Size.Width != 0 && ann.Size.Height != 0 && (ann.Size.Width != width || ann.Size.Height != height) {
		log.Warnf("%v says image is %vx%v, but %v is %vx%v. Using the image size.", annotationFile, ann.Size.Width, ann.Size.Height, imagePath, width, height)
	}

	ex := &Example{
		ID:      stem,
		Image:   imagePath,
		Width:   width,
		Height:  height,
		Objects: []Object{},
	}
	nDifficult := 0
	for i, obj := range ann.Objects {
		class, ok := labels.Index(obj.Name)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %v object %v has class '%v', which is not in the class list [%v]", ErrDataset, annotationFile, i, obj.Name, labels)
		}
		difficult := parseFlag(obj.Difficult)
		if difficult && opts.IgnoreDifficult {
			nDifficult++
			continue
		}
		x1, e1 := parseCoord(obj.Box.XMin)
		y1, e2 := parseCoord(obj.Box.YMin)
		x2, e3 := parseCoord(obj.Box.XMax)
		y2, e4 := parseCoord(obj.Box.YMax)
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return nil, 0, fmt.Errorf("%w: %v object %v has an invalid bounding box", ErrDataset, annotationFile, i)
		}
		box, ok := makeBox(x1, y1, x2, y2, width, height, BoxTolerance)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %v object %v box (%v,%v,%v,%v) is empty or outside the %vx%v image", ErrDataset, annotationFile, i, x1, y1, x2, y2, width, height)
		}
		ex.Objects = append(ex.Objects, Object{
			Class:     class,
			Box:       box,
			Difficult: difficult,
			Truncated: parseFlag(obj.Truncated),
		})
	}
	return ex, nDifficult, nil
}
