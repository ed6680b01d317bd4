package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
)

// Image extensions that we look for when an annotation doesn't name its image file
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".JPG", ".JPEG", ".PNG"}

// Read the width and height of an image from its header, without decoding the pixels
func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: image %v is unreadable: %v", ErrDataset, path, err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: image %v is unreadable: %v", ErrDataset, path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("%w: image %v has invalid size %vx%v", ErrDataset, path, cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}

// Find the image for an annotation.
// If 'filename' is not empty, it is tried first. Then we try the annotation's own
// base name with each of the common image extensions.
func findImage(imagesDir, filename, stem string) (string, error) {
	if filename != "" {
		candidate := filepath.Join(imagesDir, filepath.Base(filename))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		// The annotation tool may have recorded a different extension than the file on disk
		stem = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	for _, ext := range imageExtensions {
		candidate := filepath.Join(imagesDir, stem+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no image found for annotation '%v' in %v", ErrDataset, stem, imagesDir)
}
