package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/labelmap"
)

// CSV split names
const (
	SetTrain      = "TRAIN"
	SetValidation = "VALIDATION"
	SetTest       = "TEST"
	SetUnassigned = "UNASSIGNED" // Treated as TRAIN
)

// FromCSV loads an AutoML style CSV file. Each row is one box:
//
//	SET,path,label,x_min,y_min,,,x_max,y_max,,
//
// Coordinates are normalized to [0,1]. Relative image paths are resolved against imagesRoot.
// Returns the train, validation and test datasets. A split with no rows is returned as nil.
func FromCSV(log logs.Log, csvFile, imagesRoot string, classes []string, opts LoadOptions) (train, validation, test *Dataset, err error) {
	labels, err := labelmap.New(classes)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrDataset, err)
	}

	f, err := os.Open(csvFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrDataset, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	splits := map[string]*Dataset{}
	byImage := map[string]*Example{}
	nDifficult := 0

	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v line %v: %v", ErrDataset, csvFile, line, err)
		}
		if len(record) < 9 {
			return nil, nil, nil, fmt.Errorf("%w: %v line %v has %v columns, expected at least 9", ErrDataset, csvFile, line, len(record))
		}
		set := strings.ToUpper(strings.TrimSpace(record[0]))
		switch set {
		case SetUnassigned:
			set = SetTrain
		case SetTrain, SetValidation, SetTest:
		default:
			return nil, nil, nil, fmt.Errorf("%w: %v line %v has unknown set '%v'", ErrDataset, csvFile, line, record[0])
		}

		imagePath := strings.TrimSpace(record[1])
		if strings.Contains(imagePath, "://") {
			return nil, nil, nil, fmt.Errorf("%w: %v line %v: remote image paths are not supported (%v)", ErrDataset, csvFile, line, imagePath)
		}
		if !filepath.IsAbs(imagePath) {
			imagePath = filepath.Join(imagesRoot, imagePath)
		}

		key := set + "|" + imagePath
		ex := byImage[key]
		if ex == nil {
			if opts.MaxExamples != 0 && len(byImage) >= opts.MaxExamples {
				continue
			}
			width, height, err := imageSize(imagePath)
			if err != nil {
				return nil, nil, nil, err
			}
			ex = &Example{
				ID:      strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath)),
				Image:   imagePath,
				Width:   width,
				Height:  height,
				Objects: []Object{},
			}
			byImage[key] = ex
			ds := splits[set]
			if ds == nil {
				ds = &Dataset{Labels: labels}
				splits[set] = ds
			}
			ds.Examples = append(ds.Examples, ex)
		}

		name := strings.TrimSpace(record[2])
		if name == "" {
			// An image with no boxes
			continue
		}
		class, ok := labels.Index(name)
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: %v line %v has class '%v', which is not in the class list [%v]", ErrDataset, csvFile, line, name, labels)
		}
		x1, e1 := parseCoord(record[3])
		y1, e2 := parseCoord(record[4])
		x2, e3 := parseCoord(record[7])
		y2, e4 := parseCoord(record[8])
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v line %v has an invalid bounding box", ErrDataset, csvFile, line)
		}
		w := float64(ex.Width)
		h := float64(ex.Height)
		box, ok := makeBox(x1*w, y1*h, x2*w, y2*h, ex.Width, ex.Height, BoxTolerance)
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: %v line %v box is empty or outside the image", ErrDataset, csvFile, line)
		}
		difficult := len(record) > 11 && parseFlag(record[11])
		if difficult && opts.IgnoreDifficult {
			nDifficult++
			continue
		}
		ex.Objects = append(ex.Objects, Object{
			Class:     class,
			Box:       box,
			Difficult: difficult,
		})
	}

	if len(byImage) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no examples found in %v", ErrDataset, csvFile)
	}
	if nDifficult != 0 {
		log.Infof("Ignored %v difficult objects", nDifficult)
	}
	for _, set := range []string{SetTrain, SetValidation, SetTest} {
		if ds := splits[set]; ds != nil {
			log.Infof("Loaded %v %v examples with %v objects from %v", ds.Size(), strings.ToLower(set), ds.NumObjects(), csvFile)
		}
	}
	return splits[SetTrain], splits[SetValidation], splits[SetTest], nil
}
