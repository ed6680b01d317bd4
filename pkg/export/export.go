// Package export writes trained models to deployable model files.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/artifact"
	"github.com/cyclopcam/odmaker/pkg/log"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/quant"
	"github.com/cyclopcam/odmaker/pkg/storage"
	"github.com/cyclopcam/odmaker/pkg/train"
	"github.com/dustin/go-humanize"
)

var ErrExport = errors.New("export error")

const DefaultFilename = "model.odm"
const DefaultLabelsFilename = "labels.txt"

// Artifact describes an exported model file
type Artifact struct {
	Path         string
	Size         int64
	Metadata     artifact.Metadata
	Quantization quant.Config
}

type Exporter struct {
	log    logs.Log
	store  storage.Storage // nil if publishing is disabled
	prefix string
}

// Create an exporter. store may be nil, in which case Publish fails.
// prefix is prepended to the names of published objects.
func NewExporter(logger logs.Log, store storage.Storage, prefix string) *Exporter {
	return &Exporter{
		log:    log.NewPrefixLogger(logger, "Export:"),
		store:  store,
		prefix: prefix,
	}
}

func checkFilename(filename, def string) (string, error) {
	if filename == "" {
		return def, nil
	}
	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("%w: '%v' is not a plain file name", ErrExport, filename)
	}
	return filename, nil
}

// Export quantizes the model and writes it to targetDir/filename.
// A nil quantization config means full integer quantization.
// The post-processing of the exported model comes from the model spec's export settings
// (global NMS, capped detections), which differs from the model's evaluation settings.
func (e *Exporter) Export(model *train.TrainedModel, targetDir, filename string, qcfg *quant.Config) (*Artifact, error) {
	if qcfg == nil {
		qcfg = quant.ForInt8()
	}
	filename, err := checkFilename(filename, DefaultFilename)
	if err != nil {
		return nil, err
	}
	if err := qcfg.Validate(model.Spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExport, err)
	}
	tensors := model.Model.Tensors()
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: model has no tensors", ErrExport)
	}
	quantized, err := qcfg.QuantizeAll(tensors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExport, err)
	}

	cfg := model.Config()
	post := model.Spec.Export
	file := &artifact.File{
		Metadata: artifact.Metadata{
			Architecture:   cfg.Architecture,
			Family:         cfg.Family,
			Width:          cfg.Width,
			Height:         cfg.Height,
			Classes:        model.Labels.Names(),
			Mean:           cfg.Mean,
			Std:            cfg.Std,
			ScoreThreshold: post.ScoreThreshold,
			IoUThreshold:   post.IoUThreshold,
			MaxDetections:  post.MaxDetections,
			NmsMode:        post.NmsMode,
			Quantization:   *qcfg,
		},
		Tensors: quantized,
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create %v: %v", ErrExport, targetDir, err)
	}
	fullPath := filepath.Join(targetDir, filename)
	size, err := artifact.WriteFile(fullPath, file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExport, err)
	}

	unquantized := 0
	for _, t := range tensors {
		unquantized += 4 * len(t.Data)
	}
	e.log.Infof("Exported %v to %v (%v, %v quantization, tensors %v -> %v)", cfg.Architecture, fullPath, humanize.Bytes(uint64(size)), qcfg.Type,
		humanize.Bytes(uint64(unquantized)), humanize.Bytes(uint64(tensorBytes(quantized))))

	return &Artifact{
		Path:         fullPath,
		Size:         size,
		Metadata:     file.Metadata,
		Quantization: *qcfg,
	}, nil
}

func tensorBytes(tensors []quant.Tensor) int {
	n := 0
	for i := range tensors {
		n += tensors[i].ByteSize()
	}
	return n
}

// ExportLabels writes the model's class names, one per line, to targetDir/filename
func (e *Exporter) ExportLabels(model *train.TrainedModel, targetDir, filename string) (string, error) {
	filename, err := checkFilename(filename, DefaultLabelsFilename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("%w: cannot create %v: %v", ErrExport, targetDir, err)
	}
	fullPath := filepath.Join(targetDir, filename)
	if err := nn.WriteClassFile(fullPath, model.Labels.Names()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExport, err)
	}
	e.log.Infof("Wrote %v labels to %v", model.Labels.Len(), fullPath)
	return fullPath, nil
}

// Publish uploads an exported model file to blob storage.
// Returns the object name, and its public URL if the storage has one.
func (e *Exporter) Publish(ctx context.Context, a *Artifact) (name, url string, err error) {
	if e.store == nil {
		return "", "", fmt.Errorf("%w: no storage is configured", ErrExport)
	}
	name = path.Join(strings.Trim(e.prefix, "/"), filepath.Base(a.Path))
	if err := storage.Upload(ctx, e.store, name, a.Path); err != nil {
		return "", "", fmt.Errorf("%w: publish %v: %v", ErrExport, name, err)
	}
	url, err = e.store.URL(name)
	if err != nil && !errors.Is(err, storage.ErrNoPublicUrl) {
		return "", "", fmt.Errorf("%w: %v", ErrExport, err)
	}
	e.log.Infof("Published %v (%v)", name, humanize.Bytes(uint64(a.Size)))
	return name, url, nil
}

// LoadModel reads an exported model file, and rebuilds a detector with the backend of its family.
// The detector's post-processing defaults are returned by File.DetectionParams.
func LoadModel(filename string, backends train.Backends) (nn.ObjectDetector, *artifact.File, error) {
	f, err := artifact.ReadFile(filename)
	if err != nil {
		return nil, nil, err
	}
	backend, ok := backends.Get(f.Metadata.Family)
	if !ok {
		return nil, nil, fmt.Errorf("No backend for model family '%v'", f.Metadata.Family)
	}
	det, err := backend.Restore(f.ModelConfig(), quant.DequantizeAll(f.Tensors))
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to restore %v: %w", filename, err)
	}
	return det, f, nil
}
