// Package pipeline runs the stages of a training run in order:
// load the dataset, train, evaluate, export, evaluate the export, and publish.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pipeline/config"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/evaluate"
	"github.com/cyclopcam/odmaker/pkg/export"
	"github.com/cyclopcam/odmaker/pkg/log"
	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/protodet"
	"github.com/cyclopcam/odmaker/pkg/rundb"
	"github.com/cyclopcam/odmaker/pkg/storage"
	"github.com/cyclopcam/odmaker/pkg/train"
)

// Pipeline owns the resources of a training run: the filtered logger, the run database,
// and the publishing storage. Close releases them.
type Pipeline struct {
	Log       logs.Log
	cfg       *config.Config
	backends  train.Backends
	runDB     *rundb.RunDB    // nil if runs are not recorded
	store     storage.Storage // nil if there is no storage
	trainer   *train.Trainer
	evaluator *evaluate.Evaluator
	exporter  *export.Exporter
}

// Result of a successful run
type Result struct {
	RunID           string // Empty if runs are not recorded
	Model           *train.TrainedModel
	Metrics         evaluate.Metrics   // Of the trained model. Nil if there was nothing to evaluate on.
	ExportedMetrics evaluate.Metrics   // Of the exported model
	Delta           map[string]float64 // ExportedMetrics - Metrics
	Artifact        *export.Artifact
	LabelsFile      string // Empty unless labels were exported
	PublishedName   string
	PublishedURL    string
}

// Create a pipeline. If backends is nil, the built-in reference backend is used.
func New(logger logs.Log, cfg *config.Config, backends train.Backends) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	filtered := log.NewLevelFilter(logger, level)
	if backends == nil {
		backends = protodet.Backends(filtered)
	}

	p := &Pipeline{
		Log:       filtered,
		cfg:       cfg,
		backends:  backends,
		trainer:   train.NewTrainer(filtered, backends),
		evaluator: evaluate.NewEvaluator(filtered, backends),
	}

	if dbc := cfg.DBConfig(); dbc != nil {
		db, err := rundb.Open(filtered, *dbc)
		if err != nil {
			return nil, err
		}
		p.runDB = db
	}
	if cfg.Storage != nil {
		store, err := storage.Open(context.Background(), filtered, *cfg.Storage)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.store = store
	}
	prefix := ""
	if cfg.Storage != nil {
		prefix = cfg.Storage.Prefix
	}
	p.exporter = export.NewExporter(filtered, p.store, prefix)
	return p, nil
}

func (p *Pipeline) Close() {
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.Log.Warnf("Failed to close storage: %v", err)
		}
		p.store = nil
	}
	if p.runDB != nil {
		p.runDB.Close()
		p.runDB = nil
	}
	p.Log.Close()
}

// Datasets of a run. Validation and test may be nil.
type datasets struct {
	train      *dataset.Dataset
	validation *dataset.Dataset
	test       *dataset.Dataset
}

func (p *Pipeline) loadData() (*datasets, error) {
	dc := &p.cfg.Dataset
	classes, err := dc.ClassNames()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dataset.ErrDataset, err)
	}
	opts := dc.LoadOptions()

	if dc.IsCSV() {
		tr, val, test, err := dataset.FromCSV(p.Log, dc.CSVFile, dc.ImagesRoot, classes, opts)
		if err != nil {
			return nil, err
		}
		if tr == nil {
			return nil, fmt.Errorf("%w: %v has no TRAIN rows", dataset.ErrDataset, dc.CSVFile)
		}
		return &datasets{train: tr, validation: val, test: test}, nil
	}

	images, annotations := dc.VOCDirs()
	all, err := dataset.FromPascalVOC(p.Log, images, annotations, classes, opts)
	if err != nil {
		return nil, err
	}
	d := &datasets{train: all}
	if dc.ValidationDir != "" {
		vc := config.Dataset{Dir: dc.ValidationDir}
		vImages, vAnnotations := vc.VOCDirs()
		// MaxExamples only limits the training set
		vopts := opts
		vopts.MaxExamples = 0
		if d.validation, err = dataset.FromPascalVOC(p.Log, vImages, vAnnotations, classes, vopts); err != nil {
			return nil, err
		}
	} else if dc.ValidationFraction > 0 {
		d.train, d.validation = all.Split(1 - dc.ValidationFraction)
		if d.train.Size() == 0 {
			return nil, fmt.Errorf("%w: validationFraction %v leaves no training examples", dataset.ErrDataset, dc.ValidationFraction)
		}
	}
	return d, nil
}

// The dataset that metrics are computed on, and its name
func (p *Pipeline) evaluationSet(d *datasets) (*dataset.Dataset, string) {
	switch {
	case d.validation != nil && d.validation.Size() != 0:
		return d.validation, "validation"
	case d.test != nil && d.test.Size() != 0:
		return d.test, "test"
	case p.cfg.Dataset.EvaluateOnTrainingIfNone:
		return d.train, "training"
	}
	return nil, ""
}

// Run executes all stages. The run is recorded in the run database, whether it succeeds or fails.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.Timeout))
		defer cancel()
	}
	start := time.Now()

	var run *rundb.Run
	if p.runDB != nil {
		var err error
		if run, err = p.runDB.StartRun(p.cfg.Model, p.cfg.Hyperparameters); err != nil {
			return nil, fmt.Errorf("Failed to record run: %w", err)
		}
	}

	result, err := p.prepareAndRun(ctx, run)
	if run != nil {
		if dbErr := p.runDB.FinishRun(run, err); dbErr != nil {
			p.Log.Warnf("Failed to record end of run %v: %v", run.UUID, dbErr)
		}
	}
	if err != nil {
		if result != nil && result.Model != nil {
			result.Model.Close()
		}
		p.Log.Errorf("Run failed after %.1f seconds: %v", time.Since(start).Seconds(), err)
		return nil, err
	}
	if run != nil {
		result.RunID = run.UUID
	}
	p.Log.Infof("Run finished in %.1f seconds", time.Since(start).Seconds())
	return result, nil
}

// Resolve the model spec and load the data, then run the stages
func (p *Pipeline) prepareAndRun(ctx context.Context, run *rundb.Run) (*Result, error) {
	spec, err := modelspec.Get(p.cfg.Model)
	if err != nil {
		return nil, err
	}
	data, err := p.loadData()
	if err != nil {
		return nil, err
	}
	hyper := p.cfg.TrainingHyperparameters(spec)

	if run != nil {
		numVal := 0
		if data.validation != nil {
			numVal = data.validation.Size()
		}
		if err := p.runDB.SetDataset(run, hyper, data.train.Size(), numVal); err != nil {
			p.Log.Warnf("Failed to record dataset of run %v: %v", run.UUID, err)
		}
	}
	return p.run(ctx, spec, hyper, data, run)
}

func (p *Pipeline) run(ctx context.Context, spec *modelspec.Spec, hyper train.Hyperparameters, data *datasets, run *rundb.Run) (*Result, error) {
	result := &Result{}

	model, err := p.trainer.Train(ctx, data.train, spec, hyper, data.validation, train.Options{
		OnEpoch: p.onEpoch(run),
	})
	if err != nil {
		return nil, err
	}
	result.Model = model

	evalSet, evalName := p.evaluationSet(data)
	if evalSet != nil {
		p.Log.Infof("Evaluating on the %v set (%v images)", evalName, evalSet.Size())
		if result.Metrics, err = p.evaluator.Evaluate(ctx, model, evalSet); err != nil {
			return result, err
		}
		p.recordEvaluation(run, rundb.EvaluationModel, result.Metrics)
	} else {
		p.Log.Warnf("No validation or test set, so the model will not be evaluated")
	}

	qcfg, err := p.cfg.Export.QuantConfig()
	if err != nil {
		return result, fmt.Errorf("%w: %v", export.ErrExport, err)
	}
	if result.Artifact, err = p.exporter.Export(model, p.cfg.Export.Dir, p.cfg.Export.Filename, qcfg); err != nil {
		return result, err
	}
	if p.cfg.Export.Labels {
		if result.LabelsFile, err = p.exporter.ExportLabels(model, p.cfg.Export.Dir, ""); err != nil {
			return result, err
		}
	}

	if evalSet != nil {
		if result.ExportedMetrics, err = p.evaluator.EvaluateExported(ctx, result.Artifact.Path, evalSet); err != nil {
			return result, err
		}
		p.recordEvaluation(run, rundb.EvaluationExported, result.ExportedMetrics)
		result.Delta = evaluate.CompareMetrics(result.Metrics, result.ExportedMetrics)
		p.Log.Infof("AP of the exported model differs by %+.4f", result.Delta[nn.MetricAP])
		if ok, exceeded := evaluate.WithinTolerance(result.Metrics, result.ExportedMetrics, evaluate.QuantizationTolerance); !ok {
			p.Log.Warnf("Exported model metrics %v differ by more than %v. Note that the exported model uses global NMS and fewer detections.", exceeded, evaluate.QuantizationTolerance)
		}
	}

	if p.cfg.Export.Publish {
		if result.PublishedName, result.PublishedURL, err = p.exporter.Publish(ctx, result.Artifact); err != nil {
			return result, err
		}
	}

	if run != nil {
		rec := &rundb.Export{
			Path:          result.Artifact.Path,
			Size:          result.Artifact.Size,
			Quantization:  result.Artifact.Quantization.Type,
			PublishedName: result.PublishedName,
			PublishedURL:  result.PublishedURL,
		}
		if err := p.runDB.AddExport(run, rec); err != nil {
			p.Log.Warnf("Failed to record export: %v", err)
		}
	}
	return result, nil
}

// Records every epoch, and stops training when validation loss stops improving
func (p *Pipeline) onEpoch(run *rundb.Run) func(train.EpochMetrics) error {
	best := math.Inf(1)
	sinceBest := 0
	return func(m train.EpochMetrics) error {
		if run != nil {
			if err := p.runDB.AddEpoch(run, m); err != nil {
				p.Log.Warnf("Failed to record epoch %v: %v", m.Epoch, err)
			}
		}
		if p.cfg.Patience == 0 || m.ValLoss == nil {
			return nil
		}
		if *m.ValLoss < best {
			best = *m.ValLoss
			sinceBest = 0
			return nil
		}
		sinceBest++
		if sinceBest >= p.cfg.Patience {
			p.Log.Infof("Validation loss has not improved for %v epochs (best %.4f)", sinceBest, best)
			return train.ErrStopTraining
		}
		return nil
	}
}

func (p *Pipeline) recordEvaluation(run *rundb.Run, kind rundb.EvaluationKind, m evaluate.Metrics) {
	if run == nil {
		return
	}
	if err := p.runDB.AddEvaluation(run, kind, m); err != nil {
		p.Log.Warnf("Failed to record %v evaluation: %v", kind, err)
	}
}
