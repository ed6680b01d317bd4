package rundb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/train"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *RunDB {
	db, err := OpenSqlite(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "db", DefaultFilename))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := createTestDB(t)
	hyper := train.Hyperparameters{Epochs: 2, BatchSize: 4, LearningRate: 0.1}
	run, err := db.StartRun("efficientdet_lite0", train.Hyperparameters{Epochs: 2})
	require.NoError(t, err)
	require.NoError(t, db.SetDataset(run, hyper, 62, 10))
	require.NotZero(t, run.ID)
	require.NotEmpty(t, run.UUID)

	val := 0.25
	require.NoError(t, db.AddEpoch(run, train.EpochMetrics{Epoch: 1, TrainLoss: 0.5, Duration: 1500 * time.Millisecond}))
	require.NoError(t, db.AddEpoch(run, train.EpochMetrics{Epoch: 2, TrainLoss: 0.3, ValLoss: &val}))
	require.NoError(t, db.AddEvaluation(run, EvaluationModel, map[string]float64{"AP": 0.5}))
	require.NoError(t, db.AddEvaluation(run, EvaluationExported, map[string]float64{"AP": 0.48}))
	require.NoError(t, db.AddExport(run, &Export{Path: "/tmp/model.odm", Size: 1234, Quantization: "int8"}))
	require.NoError(t, db.FinishRun(run, nil))

	back, err := db.GetRun(run.UUID)
	require.NoError(t, err)
	require.Equal(t, RunStatusFinished, back.Status)
	require.Equal(t, 62, back.NumTrain)
	require.Equal(t, 10, back.NumValidation)
	require.Equal(t, hyper, back.Hyperparameters.Data)
	require.False(t, back.FinishedAt.IsZero())

	epochs, err := db.Epochs(run)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	require.Nil(t, epochs[0].ValLoss)
	require.Equal(t, int64(1500), epochs[0].DurationMS)
	require.Equal(t, 0.25, *epochs[1].ValLoss)

	evals, err := db.Evaluations(run)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	require.Equal(t, EvaluationExported, evals[1].Kind)
	require.Equal(t, 0.48, evals[1].Metrics.Data["AP"])

	exports, err := db.Exports(run)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	require.Equal(t, int64(1234), exports[0].Size)
}

func TestFailedRun(t *testing.T) {
	db := createTestDB(t)
	first, err := db.StartRun("efficientdet_lite0", train.Hyperparameters{Epochs: 1})
	require.NoError(t, err)
	require.NoError(t, db.FinishRun(first, errors.New("out of cheese")))
	second, err := db.StartRun("efficientdet_lite1", train.Hyperparameters{Epochs: 1})
	require.NoError(t, err)

	runs, err := db.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second.UUID, runs[0].UUID)
	require.Equal(t, RunStatusRunning, runs[0].Status)
	require.Equal(t, RunStatusFailed, runs[1].Status)
	require.Equal(t, "out of cheese", runs[1].Error)

	_, err = db.GetRun("no-such-run")
	require.Error(t, err)
}

func TestOpenUnwritableDirectory(t *testing.T) {
	// A regular file where the database directory should be
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, err := OpenSqlite(logs.NewTestingLog(t), filepath.Join(blocker, "db", DefaultFilename))
	require.ErrorContains(t, err, "Failed to create directory")
}
