// Package evaluate computes COCO detection metrics for trained and exported models.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/export"
	"github.com/cyclopcam/odmaker/pkg/labelmap"
	"github.com/cyclopcam/odmaker/pkg/log"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/train"
	"golang.org/x/sync/errgroup"
)

var ErrEvaluation = errors.New("evaluation error")

// QuantizationTolerance is the expected bound on the absolute difference of any summary metric,
// between a model and its int8 export, for the reference backend.
const QuantizationTolerance = 0.05

// Metrics maps COCO metric names (see nn.COCOMetricNames) to their values.
// Per-category AP is stored under nn.PerCategoryMetricName. A value of -1 means there was no
// ground truth to measure it against.
//
// Metrics of a model before export use the model's evaluation post-processing (per-class NMS,
// up to 100 detections), whereas an exported artifact uses its own (global NMS, up to 25 detections).
// The two are therefore not strictly comparable.
type Metrics map[string]float64

// Names of the metrics, summary metrics first, then the per-category metrics in sorted order
func (m Metrics) Names() []string {
	names := []string{}
	summary := map[string]bool{}
	for _, n := range nn.COCOMetricNames {
		summary[n] = true
		if _, ok := m[n]; ok {
			names = append(names, n)
		}
	}
	rest := []string{}
	for n := range m {
		if !summary[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// CompareMetrics returns b - a, for every metric present in both.
// Metrics that are undefined (-1) in either are skipped.
// See Metrics for why a model and its export differ by more than quantization error.
func CompareMetrics(a, b Metrics) map[string]float64 {
	delta := map[string]float64{}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || va < 0 || vb < 0 {
			continue
		}
		delta[k] = vb - va
	}
	return delta
}

// WithinTolerance returns the names of the summary metrics whose absolute delta exceeds tolerance
func WithinTolerance(a, b Metrics, tolerance float64) (bool, []string) {
	exceeded := []string{}
	delta := CompareMetrics(a, b)
	for _, n := range nn.COCOMetricNames {
		if d, ok := delta[n]; ok && math.Abs(d) > tolerance {
			exceeded = append(exceeded, n)
		}
	}
	return len(exceeded) == 0, exceeded
}

type Evaluator struct {
	log      logs.Log
	backends train.Backends
}

// Create an evaluator. backends are needed to load exported models.
func NewEvaluator(logger logs.Log, backends train.Backends) *Evaluator {
	return &Evaluator{
		log:      log.NewPrefixLogger(logger, "Evaluate:"),
		backends: backends,
	}
}

// Evaluate runs the trained model over the dataset, and computes COCO metrics
func (e *Evaluator) Evaluate(ctx context.Context, model *train.TrainedModel, ds *dataset.Dataset) (Metrics, error) {
	if !model.Labels.Equal(ds.Labels) {
		return nil, fmt.Errorf("%w: model and dataset labels differ: %v", ErrEvaluation, model.Labels.Diff(ds.Labels))
	}
	return e.run(ctx, model.Model, model.Spec.Training.DetectionParams(), ds, model.Spec.Name)
}

// EvaluateExported loads an exported model file, and computes COCO metrics over the dataset,
// using the post-processing settings stored in the file.
func (e *Evaluator) EvaluateExported(ctx context.Context, artifactPath string, ds *dataset.Dataset) (Metrics, error) {
	det, f, err := export.LoadModel(artifactPath, e.backends)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	defer det.Close()
	labels, err := labelmap.New(f.Metadata.Classes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrEvaluation, artifactPath, err)
	}
	if !labels.Equal(ds.Labels) {
		return nil, fmt.Errorf("%w: labels of %v differ from the dataset: %v", ErrEvaluation, artifactPath, labels.Diff(ds.Labels))
	}
	return e.run(ctx, det, f.DetectionParams(), ds, artifactPath)
}

func (e *Evaluator) run(ctx context.Context, det nn.ObjectDetector, params *nn.DetectionParams, ds *dataset.Dataset, what string) (Metrics, error) {
	if ds.Size() == 0 {
		return nil, fmt.Errorf("%w: evaluation dataset is empty", ErrEvaluation)
	}
	start := time.Now()
	detections, err := detectAll(ctx, det, params, ds)
	if err != nil {
		return nil, err
	}

	numClasses := ds.Labels.Len()
	images := make([]imageResult, ds.Size())
	for i, ex := range ds.Examples {
		img := &images[i]
		for _, obj := range ex.Objects {
			img.gts = append(img.gts, gtBox{box: obj.Box, area: float64(obj.Box.Area()), crowd: obj.Difficult})
			img.gtClass = append(img.gtClass, obj.Class)
		}
		for _, d := range detections[i] {
			if d.Class < 0 || d.Class >= numClasses {
				continue
			}
			img.dts = append(img.dts, dtBox{box: d.Box, area: float64(d.Box.Area()), score: d.Confidence})
			img.dtClass = append(img.dtClass, d.Class)
		}
	}

	metrics := runCOCO(images, numClasses).summarize(ds.Labels.Names())
	e.log.Infof("%v: AP %.3f, AP50 %.3f, ARmax100 %.3f over %v images (%.1f seconds)", what,
		metrics[nn.MetricAP], metrics[nn.MetricAP50], metrics[nn.MetricAR100], ds.Size(), time.Since(start).Seconds())
	return metrics, nil
}

// Run the detector over all examples concurrently. Detectors are safe for concurrent use.
func detectAll(ctx context.Context, det nn.ObjectDetector, params *nn.DetectionParams, ds *dataset.Dataset) ([][]nn.ObjectDetection, error) {
	results := make([][]nn.ObjectDetection, ds.Size())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, ex := range ds.Examples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			objects, err := det.DetectObjects(ex.ImageInfo(), params)
			if err != nil {
				return fmt.Errorf("%w: %v: %v", ErrEvaluation, ex.Image, err)
			}
			results[i] = objects
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrEvaluation, ctx.Err())
		}
		return nil, err
	}
	return results, nil
}
