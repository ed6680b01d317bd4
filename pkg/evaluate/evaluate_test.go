package evaluate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/export"
	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/protodet"
	"github.com/cyclopcam/odmaker/pkg/synth"
	"github.com/cyclopcam/odmaker/pkg/train"
	"github.com/stretchr/testify/require"
)

// Test image builder
type img struct {
	r imageResult
}

func (i *img) gt(class int, box nn.Rect, difficult bool) *img {
	i.r.gts = append(i.r.gts, gtBox{box: box, area: float64(box.Area()), crowd: difficult})
	i.r.gtClass = append(i.r.gtClass, class)
	return i
}

func (i *img) dt(class int, box nn.Rect, score float32) *img {
	i.r.dts = append(i.r.dts, dtBox{box: box, area: float64(box.Area()), score: score})
	i.r.dtClass = append(i.r.dtClass, class)
	return i
}

func coco(classes []string, images ...*img) Metrics {
	results := make([]imageResult, len(images))
	for i := range images {
		results[i] = images[i].r
	}
	return runCOCO(results, len(classes)).summarize(classes)
}

func TestPerfectDetections(t *testing.T) {
	a := nn.MakeRect(0, 0, 10, 10)
	b := nn.MakeRect(20, 20, 30, 30)
	m := coco([]string{"cat"}, (&img{}).gt(0, a, false).gt(0, b, false).dt(0, a, 0.9).dt(0, b, 0.8))
	require.Equal(t, 1.0, m[nn.MetricAP])
	require.Equal(t, 1.0, m[nn.MetricAP50])
	require.Equal(t, 1.0, m[nn.MetricAP75])
	require.Equal(t, 1.0, m[nn.MetricAPSmall])
	// No medium or large objects
	require.Equal(t, -1.0, m[nn.MetricAPMedium])
	require.Equal(t, -1.0, m[nn.MetricAPLarge])
	// One detection per image can only find one of the two cats
	require.Equal(t, 0.5, m[nn.MetricAR1])
	require.Equal(t, 1.0, m[nn.MetricAR10])
	require.Equal(t, 1.0, m[nn.MetricAR100])
	require.Equal(t, 1.0, m[nn.PerCategoryMetricName("cat")])
	require.Len(t, m, len(nn.COCOMetricNames)+1)
}

func TestRanking(t *testing.T) {
	a := nn.MakeRect(0, 0, 10, 10)
	fp := nn.MakeRect(50, 50, 60, 60)

	// A false positive below the true positive costs nothing
	m := coco([]string{"cat"}, (&img{}).gt(0, a, false).dt(0, a, 0.9).dt(0, fp, 0.8))
	require.Equal(t, 1.0, m[nn.MetricAP])

	// A false positive above it halves precision at every recall level
	m = coco([]string{"cat"}, (&img{}).gt(0, a, false).dt(0, a, 0.8).dt(0, fp, 0.9))
	require.InDelta(t, 0.5, m[nn.MetricAP], 1e-9)
	require.Equal(t, 1.0, m[nn.MetricAR100])
}

func TestMissedObject(t *testing.T) {
	a := nn.MakeRect(0, 0, 10, 10)
	b := nn.MakeRect(20, 20, 30, 30)
	m := coco([]string{"cat"}, (&img{}).gt(0, a, false).gt(0, b, false).dt(0, a, 0.9))
	// Precision is 1 up to recall 0.5 (recall points 0..50), then 0
	require.InDelta(t, 51.0/101.0, m[nn.MetricAP], 1e-9)
	require.Equal(t, 0.5, m[nn.MetricAR100])
}

func TestIoUThresholds(t *testing.T) {
	gt := nn.MakeRect(0, 0, 10, 10)
	dt := nn.MakeRect(0, 0, 10, 6) // IoU 0.6
	m := coco([]string{"cat"}, (&img{}).gt(0, gt, false).dt(0, dt, 0.9))
	require.Equal(t, 1.0, m[nn.MetricAP50])
	require.Equal(t, 0.0, m[nn.MetricAP75])
	// Matched at 0.5, 0.55, and 0.6
	require.InDelta(t, 0.3, m[nn.MetricAP], 1e-9)
	require.InDelta(t, 0.3, m[nn.MetricAR100], 1e-9)
}

func TestWrongClass(t *testing.T) {
	a := nn.MakeRect(0, 0, 10, 10)
	m := coco([]string{"cat", "dog"}, (&img{}).gt(0, a, false).dt(1, a, 0.9))
	require.Equal(t, 0.0, m[nn.MetricAP])
	require.Equal(t, 0.0, m[nn.PerCategoryMetricName("cat")])
	// No dogs in the ground truth
	require.Equal(t, -1.0, m[nn.PerCategoryMetricName("dog")])
}

func TestDifficultIgnored(t *testing.T) {
	a := nn.MakeRect(0, 0, 10, 10)
	hard := nn.MakeRect(40, 40, 50, 50)

	// An unmatched difficult object does not reduce recall
	m := coco([]string{"cat"}, (&img{}).gt(0, a, false).gt(0, hard, true).dt(0, a, 0.9))
	require.Equal(t, 1.0, m[nn.MetricAP])
	require.Equal(t, 1.0, m[nn.MetricAR100])

	// A detection of a difficult object is not a false positive, even when it scores highest
	m = coco([]string{"cat"}, (&img{}).gt(0, a, false).gt(0, hard, true).dt(0, hard, 0.95).dt(0, a, 0.9))
	require.Equal(t, 1.0, m[nn.MetricAP])

	// Only difficult objects: nothing to measure
	m = coco([]string{"cat"}, (&img{}).gt(0, hard, true).dt(0, hard, 0.95))
	require.Equal(t, -1.0, m[nn.MetricAP])
}

func TestAreaRanges(t *testing.T) {
	small := nn.MakeRect(0, 0, 10, 10)
	medium := nn.MakeRect(100, 100, 150, 150)
	large := nn.MakeRect(200, 200, 400, 400)
	m := coco([]string{"cat"}, (&img{}).gt(0, small, false).gt(0, medium, false).gt(0, large, false).
		dt(0, medium, 0.9).dt(0, large, 0.8))
	require.Equal(t, 0.0, m[nn.MetricAPSmall])
	require.Equal(t, 1.0, m[nn.MetricAPMedium])
	require.Equal(t, 1.0, m[nn.MetricAPLarge])
	require.Equal(t, 0.0, m[nn.MetricARSmall])
	require.Equal(t, 1.0, m[nn.MetricARMedium])
}

func TestCompareMetrics(t *testing.T) {
	a := Metrics{nn.MetricAP: 0.5, nn.MetricAP50: 0.8, nn.MetricAPLarge: -1}
	b := Metrics{nn.MetricAP: 0.47, nn.MetricAP50: 0.9, nn.MetricAPLarge: 0.2}
	d := CompareMetrics(a, b)
	require.Len(t, d, 2)
	require.InDelta(t, -0.03, d[nn.MetricAP], 1e-9)

	ok, exceeded := WithinTolerance(a, b, QuantizationTolerance)
	require.False(t, ok)
	require.Equal(t, []string{nn.MetricAP50}, exceeded)

	require.Equal(t, []string{nn.MetricAP, nn.MetricAP50, nn.MetricAPLarge, "AP_/cat"},
		Metrics{"AP_/cat": 1, nn.MetricAPLarge: 1, nn.MetricAP: 1, nn.MetricAP50: 1}.Names())
}

func loadSynth(t *testing.T, log logs.Log, classes []string) *dataset.Dataset {
	dir := t.TempDir()
	opts := synth.DefaultOptions()
	opts.NumImages = 12
	require.NoError(t, synth.Generate(dir, opts))
	ds, err := dataset.FromPascalVOC(log, filepath.Join(dir, "images"), filepath.Join(dir, "annotations"), classes, dataset.LoadOptions{})
	require.NoError(t, err)
	return ds
}

func trainGallery(t *testing.T, log logs.Log, ds *dataset.Dataset) *train.TrainedModel {
	spec, err := modelspec.Get("efficientdet_lite0")
	require.NoError(t, err)
	trainer := train.NewTrainer(log, protodet.Backends(log))
	model, err := trainer.Train(context.Background(), ds, spec, train.Hyperparameters{Epochs: 1, BatchSize: 4, TrainWholeModel: true}, nil, train.Options{})
	require.NoError(t, err)
	return model
}

func TestEvaluateModelAndExport(t *testing.T) {
	log := logs.NewTestingLog(t)
	ds := loadSynth(t, log, synth.DefaultOptions().Classes)
	model := trainGallery(t, log, ds)
	evaluator := NewEvaluator(log, protodet.Backends(log))

	// The gallery remembers every training image, so recall on the training set is perfect
	before, err := evaluator.Evaluate(context.Background(), model, ds)
	require.NoError(t, err)
	require.Greater(t, before[nn.MetricAP50], 0.9)
	require.Greater(t, before[nn.MetricAR100], 0.9)

	a, err := export.NewExporter(log, nil, "").Export(model, t.TempDir(), "", nil)
	require.NoError(t, err)
	after, err := evaluator.EvaluateExported(context.Background(), a.Path, ds)
	require.NoError(t, err)

	ok, exceeded := WithinTolerance(before, after, QuantizationTolerance)
	require.True(t, ok, "exceeded: %v, before %v, after %v", exceeded, before, after)
}

func TestLabelMismatch(t *testing.T) {
	log := logs.NewTestingLog(t)
	ds := loadSynth(t, log, synth.DefaultOptions().Classes)
	model := trainGallery(t, log, ds)
	evaluator := NewEvaluator(log, protodet.Backends(log))

	a, err := export.NewExporter(log, nil, "").Export(model, t.TempDir(), "", nil)
	require.NoError(t, err)

	// Same images, classes in a different order
	other := loadSynth(t, log, []string{"blue", "green", "red"})
	_, err = evaluator.EvaluateExported(context.Background(), a.Path, other)
	require.ErrorIs(t, err, ErrEvaluation)
	_, err = evaluator.Evaluate(context.Background(), model, other)
	require.ErrorIs(t, err, ErrEvaluation)

	// Missing file
	_, err = evaluator.EvaluateExported(context.Background(), filepath.Join(t.TempDir(), "missing.odm"), ds)
	require.ErrorIs(t, err, ErrEvaluation)
}

func TestCancel(t *testing.T) {
	log := logs.NewTestingLog(t)
	ds := loadSynth(t, log, synth.DefaultOptions().Classes)
	model := trainGallery(t, log, ds)
	evaluator := NewEvaluator(log, protodet.Backends(log))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := evaluator.Evaluate(ctx, model, ds)
	require.ErrorIs(t, err, context.Canceled)
}
