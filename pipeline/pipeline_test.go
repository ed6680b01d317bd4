package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pipeline/config"
	"github.com/cyclopcam/odmaker/pkg/artifact"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/evaluate"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/rundb"
	"github.com/cyclopcam/odmaker/pkg/storage"
	"github.com/cyclopcam/odmaker/pkg/synth"
	"github.com/cyclopcam/odmaker/pkg/train"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, numImages int) *config.Config {
	dir := t.TempDir()
	opts := synth.DefaultOptions()
	opts.NumImages = numImages
	require.NoError(t, synth.Generate(filepath.Join(dir, "data"), opts))

	cfg := config.Default()
	cfg.Dataset.Dir = filepath.Join(dir, "data")
	cfg.Dataset.LabelsFile = filepath.Join(dir, "data", "labels.txt")
	cfg.Hyperparameters = train.Hyperparameters{Epochs: 3, BatchSize: 4, TrainWholeModel: true}
	cfg.Export.Dir = filepath.Join(dir, "export")
	cfg.Storage = &storage.Config{Type: storage.TypeFilesystem, Root: filepath.Join(dir, "bucket"), Prefix: "models"}
	return cfg
}

func TestEndToEnd(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := testConfig(t, 12)
	cfg.Dataset.EvaluateOnTrainingIfNone = true
	cfg.Export.Publish = true

	p, err := New(log, cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	defer res.Model.Close()

	require.Len(t, res.Model.History, 3)
	require.Greater(t, res.Metrics[nn.MetricAP50], 0.9)
	ok, exceeded := evaluate.WithinTolerance(res.Metrics, res.ExportedMetrics, evaluate.QuantizationTolerance)
	require.True(t, ok, "%v", exceeded)
	require.Contains(t, res.Delta, nn.MetricAP)

	require.Equal(t, filepath.Join(cfg.Export.Dir, "model.odm"), res.Artifact.Path)
	require.Equal(t, filepath.Join(cfg.Export.Dir, "labels.txt"), res.LabelsFile)
	require.Equal(t, "models/model.odm", res.PublishedName)
	f, err := artifact.ReadFile(filepath.Join(cfg.Storage.Root, "models", "model.odm"))
	require.NoError(t, err)
	require.Equal(t, synth.DefaultOptions().Classes, f.Metadata.Classes)

	// Everything is in the run database
	run, err := p.runDB.GetRun(res.RunID)
	require.NoError(t, err)
	require.Equal(t, rundb.RunStatusFinished, run.Status)
	require.Equal(t, 12, run.NumTrain)
	epochs, err := p.runDB.Epochs(run)
	require.NoError(t, err)
	require.Len(t, epochs, 3)
	evals, err := p.runDB.Evaluations(run)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	exports, err := p.runDB.Exports(run)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	require.Equal(t, "models/model.odm", exports[0].PublishedName)
}

func TestValidationSplit(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := testConfig(t, 16)
	cfg.Dataset.ValidationFraction = 0.25
	cfg.Storage = nil
	cfg.NoDB = true

	p, err := New(log, cfg, nil)
	require.NoError(t, err)
	defer p.Close()
	require.Nil(t, p.runDB)

	data, err := p.loadData()
	require.NoError(t, err)
	require.Equal(t, 12, data.train.Size())
	require.Equal(t, 4, data.validation.Size())
	set, name := p.evaluationSet(data)
	require.Equal(t, "validation", name)
	require.Equal(t, data.validation, set)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	defer res.Model.Close()
	require.Empty(t, res.RunID)
	require.NotNil(t, res.Metrics)
	require.NotNil(t, res.ExportedMetrics)
	require.Equal(t, "", res.PublishedName)
	for _, m := range res.Model.History {
		require.NotNil(t, m.ValLoss)
	}
}

func TestNoEvaluationSet(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := testConfig(t, 8)
	cfg.NoDB = true
	p, err := New(log, cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	defer res.Model.Close()
	require.Nil(t, res.Metrics)
	require.Nil(t, res.ExportedMetrics)
	_, err = os.Stat(res.Artifact.Path)
	require.NoError(t, err)
}

func TestPatience(t *testing.T) {
	cfg := &config.Config{Patience: 2}
	p := &Pipeline{cfg: cfg}
	onEpoch := p.onEpoch(nil)
	loss := func(v float64) *float64 { return &v }

	require.NoError(t, onEpoch(train.EpochMetrics{Epoch: 1, ValLoss: loss(1)}))
	require.NoError(t, onEpoch(train.EpochMetrics{Epoch: 2, ValLoss: loss(0.5)}))
	require.NoError(t, onEpoch(train.EpochMetrics{Epoch: 3, ValLoss: loss(0.6)}))
	p.Log = logs.NewTestingLog(t)
	require.ErrorIs(t, onEpoch(train.EpochMetrics{Epoch: 4, ValLoss: loss(0.5)}), train.ErrStopTraining)

	// Without validation loss there is nothing to compare
	p.cfg.Patience = 1
	onEpoch = p.onEpoch(nil)
	for i := 1; i <= 5; i++ {
		require.NoError(t, onEpoch(train.EpochMetrics{Epoch: i}))
	}
}

func TestFailedRunIsRecorded(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := testConfig(t, 8)
	cfg.Storage = nil
	db := dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "runs.sqlite"))
	cfg.DB = &db
	// Batch larger than the training set, with no partial batches
	cfg.Hyperparameters.BatchSize = 100
	cfg.Hyperparameters.Remainder = train.RemainderDrop

	p, err := New(log, cfg, nil)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Run(context.Background())
	require.ErrorIs(t, err, train.ErrTraining)

	runs, err := p.runDB.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, rundb.RunStatusFailed, runs[0].Status)
	require.NotEmpty(t, runs[0].Error)
}

func TestBadDataset(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := testConfig(t, 4)
	cfg.Storage = nil
	db := dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "runs.sqlite"))
	cfg.DB = &db
	cfg.Dataset.LabelsFile = ""
	cfg.Dataset.Classes = []string{"cat"} // Every image has at least one object of another class
	p, err := New(log, cfg, nil)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Run(context.Background())
	require.ErrorIs(t, err, dataset.ErrDataset)

	// Failures before training are recorded too
	runs, err := p.runDB.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, rundb.RunStatusFailed, runs[0].Status)
	require.Contains(t, runs[0].Error, "dataset")
	require.Equal(t, 0, runs[0].NumTrain)
}
