package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/odmaker/pkg/labelmap"
)

// Bump this when the manifest layout changes, to invalidate old caches
const manifestVersion = 2

// manifest is the on-disk cache of a parsed dataset
type manifest struct {
	Version  int                `json:"version"`
	Key      string             `json:"key"`
	Classes  []string           `json:"classes"`
	Examples []*Example         `json:"examples"`
	Images   []manifestFileStat `json:"images"` // One per example
}

type manifestFileStat struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"modTime"`
}

func statFile(path string) (manifestFileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return manifestFileStat{}, err
	}
	return manifestFileStat{
		Name:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}, nil
}

// The cache key covers everything that can change the result of a load
func manifestKey(imagesDir, annotationsDir string, classes []string, opts LoadOptions, files []os.DirEntry) (string, error) {
	absImages, _ := filepath.Abs(imagesDir)
	absAnnotations, _ := filepath.Abs(annotationsDir)
	stats := make([]manifestFileStat, 0, len(files))
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDataset, err)
		}
		stats = append(stats, manifestFileStat{
			Name:    f.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}
	keyData := struct {
		Version         int
		Images          string
		Annotations     string
		Classes         []string
		IgnoreDifficult bool
		MaxExamples     int
		Files           []manifestFileStat
	}{manifestVersion, absImages, absAnnotations, classes, opts.IgnoreDifficult, opts.MaxExamples, stats}
	b, err := json.Marshal(keyData)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

func manifestFilename(cacheDir, key string) string {
	return filepath.Join(cacheDir, "voc-"+key[:16]+".json")
}

func readManifest(filename, key string, labels *labelmap.LabelMap) (*Dataset, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	m := manifest{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Version != manifestVersion || m.Key != key || !labelmap.EqualNames(m.Classes, labels.Names()) {
		return nil, fmt.Errorf("Stale dataset cache %v", filename)
	}
	ds := &Dataset{
		Labels:   labels,
		Examples: m.Examples,
	}
	if len(ds.Examples) == 0 {
		return nil, fmt.Errorf("Empty dataset cache %v", filename)
	}
	// Images are not part of the key, so a cached load must see the same image files
	if len(m.Images) != len(m.Examples) {
		return nil, fmt.Errorf("Stale dataset cache %v", filename)
	}
	for i, ex := range m.Examples {
		st, err := statFile(ex.Image)
		if err != nil || st != m.Images[i] {
			return nil, fmt.Errorf("Stale dataset cache %v: image %v changed", filename, ex.Image)
		}
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func writeManifest(filename, key string, ds *Dataset) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	m := manifest{
		Version:  manifestVersion,
		Key:      key,
		Classes:  ds.Labels.Names(),
		Examples: ds.Examples,
	}
	for _, ex := range ds.Examples {
		st, err := statFile(ex.Image)
		if err != nil {
			return err
		}
		m.Images = append(m.Images, st)
	}
	b, err := json.Marshal(&m)
	if err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}
