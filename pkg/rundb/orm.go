package rundb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/odmaker/pkg/train"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one invocation of the pipeline
type Run struct {
	BaseModel
	UUID            string                                `json:"uuid"`
	Model           string                                `json:"model"` // eg efficientdet_lite0
	Status          RunStatus                             `json:"status"`
	StartedAt       dbh.IntTime                           `json:"startedAt"`
	FinishedAt      dbh.IntTime                           `json:"finishedAt" gorm:"default:null"`
	NumTrain        int                                   `json:"numTrain"`
	NumValidation   int                                   `json:"numValidation"`
	Hyperparameters *dbh.JSONField[train.Hyperparameters] `json:"hyperparameters"`
	Error           string                                `json:"error" gorm:"default:null"`
}

type Epoch struct {
	RunID      int64    `gorm:"primaryKey;autoIncrement:false" json:"runID"`
	Epoch      int      `gorm:"primaryKey;autoIncrement:false" json:"epoch"`
	TrainLoss  float64  `json:"trainLoss"`
	ValLoss    *float64 `json:"valLoss"`
	DurationMS int64    `json:"durationMS"`
}

type EvaluationKind string

const (
	EvaluationModel    EvaluationKind = "model"    // The trained model, before export
	EvaluationExported EvaluationKind = "exported" // The exported artifact
)

type Evaluation struct {
	BaseModel
	RunID     int64                              `json:"runID"`
	Kind      EvaluationKind                     `json:"kind"`
	CreatedAt dbh.IntTime                        `json:"createdAt"`
	Metrics   *dbh.JSONField[map[string]float64] `json:"metrics"`
}

type Export struct {
	BaseModel
	RunID         int64       `json:"runID"`
	CreatedAt     dbh.IntTime `json:"createdAt"`
	Path          string      `json:"path"`
	Size          int64       `json:"size"`
	Quantization  string      `json:"quantization"`
	PublishedName string      `json:"publishedName" gorm:"default:null"`
	PublishedURL  string      `json:"publishedURL" gorm:"default:null"`
}
