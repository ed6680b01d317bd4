// Package rundb records pipeline runs, their epochs, evaluations and exports in a database.
package rundb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pkg/train"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultFilename = "runs.sqlite"

type RunDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open the run database, creating it if necessary
func Open(logger logs.Log, cfg dbh.DBConfig) (*RunDB, error) {
	if cfg.Driver == dbh.DriverSqlite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0777); err != nil {
			return nil, fmt.Errorf("Failed to create directory for run database %v: %w", cfg.Database, err)
		}
	}
	db, err := dbh.OpenDB(logger, cfg, Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open run database %v: %w", cfg.LogSafeDescription(), err)
	}
	return &RunDB{
		Log: logger,
		DB:  db,
	}, nil
}

// Open a sqlite run database
func OpenSqlite(logger logs.Log, filename string) (*RunDB, error) {
	return Open(logger, dbh.MakeSqliteConfig(filename))
}

func (r *RunDB) Close() {
	if db, err := r.DB.DB(); err == nil {
		db.Close()
	}
}

// Start a new run. The hyperparameters are those that were asked for. SetDataset records
// the resolved values once the dataset has been loaded.
func (r *RunDB) StartRun(model string, hyper train.Hyperparameters) (*Run, error) {
	run := &Run{
		UUID:            uuid.NewString(),
		Model:           model,
		Status:          RunStatusRunning,
		StartedAt:       dbh.MakeIntTime(time.Now()),
		Hyperparameters: &dbh.JSONField[train.Hyperparameters]{Data: hyper},
	}
	if err := r.DB.Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// Record the dataset sizes and the hyperparameters that training will use
func (r *RunDB) SetDataset(run *Run, hyper train.Hyperparameters, numTrain, numValidation int) error {
	run.NumTrain = numTrain
	run.NumValidation = numValidation
	run.Hyperparameters = &dbh.JSONField[train.Hyperparameters]{Data: hyper}
	return r.DB.Model(run).Updates(map[string]any{
		"num_train":       run.NumTrain,
		"num_validation":  run.NumValidation,
		"hyperparameters": run.Hyperparameters,
	}).Error
}

// Mark a run as finished. If runErr is not nil, the run is marked as failed.
func (r *RunDB) FinishRun(run *Run, runErr error) error {
	run.FinishedAt = dbh.MakeIntTime(time.Now())
	run.Status = RunStatusFinished
	if runErr != nil {
		run.Status = RunStatusFailed
		run.Error = runErr.Error()
	}
	return r.DB.Model(run).Updates(map[string]any{
		"status":      run.Status,
		"finished_at": run.FinishedAt,
		"error":       run.Error,
	}).Error
}

func (r *RunDB) AddEpoch(run *Run, m train.EpochMetrics) error {
	return r.DB.Create(&Epoch{
		RunID:      run.ID,
		Epoch:      m.Epoch,
		TrainLoss:  m.TrainLoss,
		ValLoss:    m.ValLoss,
		DurationMS: m.Duration.Milliseconds(),
	}).Error
}

func (r *RunDB) AddEvaluation(run *Run, kind EvaluationKind, metrics map[string]float64) error {
	return r.DB.Create(&Evaluation{
		RunID:     run.ID,
		Kind:      kind,
		CreatedAt: dbh.MakeIntTime(time.Now()),
		Metrics:   &dbh.JSONField[map[string]float64]{Data: metrics},
	}).Error
}

func (r *RunDB) AddExport(run *Run, e *Export) error {
	e.RunID = run.ID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = dbh.MakeIntTime(time.Now())
	}
	return r.DB.Create(e).Error
}

// Find a run by its UUID
func (r *RunDB) GetRun(id string) (*Run, error) {
	run := Run{}
	if err := r.DB.Where("uuid = ?", id).First(&run).Error; err != nil {
		return nil, fmt.Errorf("Run %v: %w", id, err)
	}
	return &run, nil
}

// Most recent runs first
func (r *RunDB) ListRuns(limit int) ([]*Run, error) {
	var runs []*Run
	if err := r.DB.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *RunDB) Epochs(run *Run) ([]*Epoch, error) {
	var epochs []*Epoch
	if err := r.DB.Where("run_id = ?", run.ID).Order("epoch").Find(&epochs).Error; err != nil {
		return nil, err
	}
	return epochs, nil
}

func (r *RunDB) Evaluations(run *Run) ([]*Evaluation, error) {
	var evals []*Evaluation
	if err := r.DB.Where("run_id = ?", run.ID).Order("id").Find(&evals).Error; err != nil {
		return nil, err
	}
	return evals, nil
}

func (r *RunDB) Exports(run *Run) ([]*Export, error) {
	var exports []*Export
	if err := r.DB.Where("run_id = ?", run.ID).Order("id").Find(&exports).Error; err != nil {
		return nil, err
	}
	return exports, nil
}
