// Package config loads the JSON configuration of a training pipeline run.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/log"
	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/quant"
	"github.com/cyclopcam/odmaker/pkg/storage"
	"github.com/cyclopcam/odmaker/pkg/train"
	"github.com/joho/godotenv"
)

const DefaultFilename = "odmaker.json"
const DefaultModel = "efficientdet_lite0"
const DefaultExportDir = "export"

// Environment variables that override the config file. They may also be set in a .env file.
const (
	EnvGCSBucket = "ODMAKER_GCS_BUCKET" // Publish to this GCS bucket
	EnvDB        = "ODMAKER_DB"         // Path of the sqlite run database
	EnvLogLevel  = "ODMAKER_LOG_LEVEL"  // debug, info, warn, error
)

var ErrConfig = errors.New("invalid config")

// Dataset describes where the training data lives.
// Either a Pascal VOC root (Dir, or ImagesDir + AnnotationsDir), or an AutoML CSV file must be given.
type Dataset struct {
	Dir                      string   `json:"dir"`                      // Contains 'images' and 'annotations'
	ImagesDir                string   `json:"imagesDir"`                // Overrides Dir/images
	AnnotationsDir           string   `json:"annotationsDir"`           // Overrides Dir/annotations
	ValidationDir            string   `json:"validationDir"`            // VOC root of a separate validation set
	CSVFile                  string   `json:"csvFile"`                  // AutoML CSV, instead of VOC
	ImagesRoot               string   `json:"imagesRoot"`               // Relative CSV image paths are resolved against this
	Classes                  []string `json:"classes"`                  // Ordered class names
	LabelsFile               string   `json:"labelsFile"`               // Text file with one class per line, instead of Classes
	ValidationFraction       float64  `json:"validationFraction"`       // Hold out this fraction of a VOC training set when there is no ValidationDir
	IgnoreDifficult          bool     `json:"ignoreDifficult"`          // Drop objects marked as difficult
	CacheDir                 string   `json:"cacheDir"`                 // Cache parsed annotations here
	MaxExamples              int      `json:"maxExamples"`              // Limit the size of the training set
	EvaluateOnTrainingIfNone bool     `json:"evaluateOnTrainingIfNone"` // Evaluate on the training set when there is no validation set
}

func (d *Dataset) IsCSV() bool {
	return d.CSVFile != ""
}

func (d *Dataset) VOCDirs() (images, annotations string) {
	images, annotations = d.ImagesDir, d.AnnotationsDir
	if images == "" && d.Dir != "" {
		images = filepath.Join(d.Dir, "images")
	}
	if annotations == "" && d.Dir != "" {
		annotations = filepath.Join(d.Dir, "annotations")
	}
	return
}

func (d *Dataset) LoadOptions() dataset.LoadOptions {
	return dataset.LoadOptions{
		IgnoreDifficult: d.IgnoreDifficult,
		CacheDir:        d.CacheDir,
		MaxExamples:     d.MaxExamples,
	}
}

// ClassNames returns Classes, or the contents of LabelsFile
func (d *Dataset) ClassNames() ([]string, error) {
	if len(d.Classes) != 0 {
		return d.Classes, nil
	}
	if d.LabelsFile == "" {
		return nil, fmt.Errorf("%w: dataset needs 'classes' or 'labelsFile'", ErrConfig)
	}
	return nn.LoadClassFile(d.LabelsFile)
}

type Export struct {
	Dir          string       `json:"dir"`          // Output directory
	Filename     string       `json:"filename"`     // Default model.odm
	Quantization string       `json:"quantization"` // int8 (default), dynamic, float16, none
	InputType    quant.IOType `json:"inputType"`    // Overrides the default input type of the quantization
	OutputType   quant.IOType `json:"outputType"`   // Overrides the default output type of the quantization
	Labels       bool         `json:"labels"`       // Also write labels.txt
	Publish      bool         `json:"publish"`      // Upload the model to Storage
}

// QuantConfig builds the quantization config
func (e *Export) QuantConfig() (*quant.Config, error) {
	q, err := quant.Parse(e.Quantization)
	if err != nil {
		return nil, err
	}
	if e.InputType != "" {
		q.InputType = e.InputType
	}
	if e.OutputType != "" {
		q.OutputType = e.OutputType
	}
	return q, nil
}

// Duration is a time.Duration that is written in JSON as a string, eg "1h30m"
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Dataset Dataset `json:"dataset"`
	Model   string  `json:"model"` // eg efficientdet_lite0

	// Zero epochs or batch size use the defaults of the model spec
	Hyperparameters train.Hyperparameters `json:"hyperparameters"`

	// Stop when validation loss has not improved for this many epochs. Zero disables.
	Patience int `json:"patience"`

	Export  Export          `json:"export"`
	Storage *storage.Config `json:"storage"` // Where to publish exported models. Optional.

	DB       *dbh.DBConfig `json:"db"`       // Run database. Default is a sqlite file in the export directory.
	NoDB     bool          `json:"noDB"`     // Don't record runs
	LogLevel string        `json:"logLevel"` // debug, info, warn, error
	Timeout  Duration      `json:"timeout"`  // Bound on the whole run. Zero means no limit.
}

// Returns a config with defaults for everything but the dataset
func Default() *Config {
	return &Config{
		Model: DefaultModel,
		Export: Export{
			Dir:    DefaultExportDir,
			Labels: true,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a JSON config file, and applies environment overrides
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment, and from a .env file if present
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if bucket := os.Getenv(EnvGCSBucket); bucket != "" {
		c.Storage = &storage.Config{
			Type:   storage.TypeGCS,
			Bucket: bucket,
		}
	}
	if db := os.Getenv(EnvDB); db != "" {
		sqlite := dbh.MakeSqliteConfig(db)
		c.DB = &sqlite
		c.NoDB = false
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.LogLevel = level
	}
}

// DBConfig returns the run database config, or nil if runs are not recorded
func (c *Config) DBConfig() *dbh.DBConfig {
	if c.NoDB {
		return nil
	}
	if c.DB != nil {
		return c.DB
	}
	sqlite := dbh.MakeSqliteConfig(filepath.Join(c.Export.Dir, "runs.sqlite"))
	return &sqlite
}

// Validate checks everything that can be checked without touching the dataset
func (c *Config) Validate() error {
	d := &c.Dataset
	if d.IsCSV() {
		if d.Dir != "" || d.ImagesDir != "" || d.AnnotationsDir != "" {
			return fmt.Errorf("%w: dataset has both a CSV file and a VOC directory", ErrConfig)
		}
		if d.ValidationDir != "" || d.ValidationFraction != 0 {
			return fmt.Errorf("%w: validation of a CSV dataset comes from its VALIDATION rows", ErrConfig)
		}
	} else {
		images, annotations := d.VOCDirs()
		if images == "" || annotations == "" {
			return fmt.Errorf("%w: dataset needs 'dir', 'imagesDir' + 'annotationsDir', or 'csvFile'", ErrConfig)
		}
	}
	if len(d.Classes) == 0 && d.LabelsFile == "" {
		return fmt.Errorf("%w: dataset needs 'classes' or 'labelsFile'", ErrConfig)
	}
	if d.ValidationFraction < 0 || d.ValidationFraction >= 1 {
		return fmt.Errorf("%w: validationFraction must be in [0, 1)", ErrConfig)
	}
	if d.ValidationDir != "" && d.ValidationFraction != 0 {
		return fmt.Errorf("%w: use either validationDir or validationFraction", ErrConfig)
	}
	if _, err := modelspec.Get(c.Model); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if _, err := c.Export.QuantConfig(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("%w: export needs a 'dir'", ErrConfig)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if c.Patience < 0 {
		return fmt.Errorf("%w: patience may not be negative", ErrConfig)
	}
	if c.Export.Publish && c.Storage == nil {
		return fmt.Errorf("%w: export.publish needs a 'storage' section", ErrConfig)
	}
	if c.Storage != nil && c.Storage.Type != storage.TypeFilesystem && c.Storage.Type != storage.TypeGCS {
		return fmt.Errorf("%w: unknown storage type '%v'", ErrConfig, c.Storage.Type)
	}
	return nil
}

// Hyperparameters with zero epochs and batch size replaced by the model spec's defaults
func (c *Config) TrainingHyperparameters(spec *modelspec.Spec) train.Hyperparameters {
	h := c.Hyperparameters
	def := train.DefaultHyperparameters(spec)
	if h.Epochs == 0 {
		h.Epochs = def.Epochs
	}
	if h.BatchSize == 0 {
		h.BatchSize = def.BatchSize
	}
	return h.WithDefaults()
}
