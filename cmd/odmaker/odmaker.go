package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/odmaker/pipeline"
	"github.com/cyclopcam/odmaker/pipeline/config"
	"github.com/cyclopcam/odmaker/pkg/artifact"
	"github.com/cyclopcam/odmaker/pkg/dataset"
	"github.com/cyclopcam/odmaker/pkg/evaluate"
	"github.com/cyclopcam/odmaker/pkg/export"
	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/protodet"
	"github.com/cyclopcam/odmaker/pkg/rundb"
	"github.com/cyclopcam/odmaker/pkg/synth"
	"github.com/cyclopcam/odmaker/pkg/visualize"
	"github.com/dustin/go-humanize"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("odmaker", "Train, evaluate and export object detection models")

	runCmd := parser.NewCommand("run", "Run the training pipeline")
	configFile := runCmd.String("c", "config", &argparse.Options{Help: "JSON config file", Default: config.DefaultFilename})

	evalCmd := parser.NewCommand("evaluate", "Compute COCO metrics of an exported model")
	evalModel := evalCmd.String("m", "model", &argparse.Options{Help: "Exported model file", Required: true})
	evalImages := evalCmd.String("", "images", &argparse.Options{Help: "Directory of images", Required: true})
	evalAnnotations := evalCmd.String("", "annotations", &argparse.Options{Help: "Directory of Pascal VOC annotations", Required: true})
	evalClasses := evalCmd.String("", "classes", &argparse.Options{Help: "Comma-separated list of classes. Default is the model's classes.", Default: ""})

	predictCmd := parser.NewCommand("predict", "Detect objects in an image")
	predictModel := predictCmd.String("m", "model", &argparse.Options{Help: "Exported model file", Required: true})
	predictInput := predictCmd.String("i", "input", &argparse.Options{Help: "Input image", Required: true})
	predictOutput := predictCmd.String("o", "output", &argparse.Options{Help: "Write the image with its detections to this file (.png or .jpg)", Default: ""})
	predictThreshold := predictCmd.Float("t", "threshold", &argparse.Options{Help: "Minimum confidence. Default is the model's threshold.", Default: 0.0})

	specsCmd := parser.NewCommand("specs", "List the model specs")

	synthCmd := parser.NewCommand("synth", "Generate a synthetic Pascal VOC dataset")
	synthDir := synthCmd.String("o", "output", &argparse.Options{Help: "Output directory", Required: true})
	synthImages := synthCmd.Int("n", "images", &argparse.Options{Help: "Number of images", Default: synth.DefaultOptions().NumImages})
	synthSeed := synthCmd.Int("s", "seed", &argparse.Options{Help: "Random seed", Default: 1})
	synthPNG := synthCmd.Flag("", "png", &argparse.Options{Help: "Write PNG images instead of JPEG", Default: false})

	runsCmd := parser.NewCommand("runs", "List recent runs")
	runsDB := runsCmd.String("d", "db", &argparse.Options{Help: "Run database", Default: filepath.Join(config.DefaultExportDir, rundb.DefaultFilename)})
	runsLimit := runsCmd.Int("n", "limit", &argparse.Options{Help: "Number of runs", Default: 20})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch {
	case runCmd.Happened():
		err = run(ctx, logger, *configFile)
	case evalCmd.Happened():
		err = evaluateModel(ctx, logger, *evalModel, *evalImages, *evalAnnotations, *evalClasses)
	case predictCmd.Happened():
		err = predict(logger, *predictModel, *predictInput, *predictOutput, float32(*predictThreshold))
	case specsCmd.Happened():
		listSpecs()
	case synthCmd.Happened():
		opts := synth.DefaultOptions()
		opts.NumImages = *synthImages
		opts.Seed = int64(*synthSeed)
		opts.PNG = *synthPNG
		if err = synth.Generate(*synthDir, opts); err == nil {
			logger.Infof("Wrote %v images to %v", opts.NumImages, *synthDir)
		}
	case runsCmd.Happened():
		err = listRuns(logger, *runsDB, *runsLimit)
	}
	if err != nil {
		logger.Errorf("%v", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger logs.Log, configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	p, err := pipeline.New(logger, cfg, nil)
	if err != nil {
		return err
	}
	defer p.Close()
	result, err := p.Run(ctx)
	if err != nil {
		return err
	}
	defer result.Model.Close()

	if result.Metrics != nil {
		fmt.Printf("%-24v %10v %10v %10v\n", "Metric", "Model", "Exported", "Delta")
		for _, name := range result.Metrics.Names() {
			fmt.Printf("%-24v %10.4f %10.4f %+10.4f\n", name, result.Metrics[name], result.ExportedMetrics[name], result.Delta[name])
		}
	}
	fmt.Printf("Model: %v (%v)\n", result.Artifact.Path, humanize.Bytes(uint64(result.Artifact.Size)))
	if result.PublishedURL != "" {
		fmt.Printf("Published: %v\n", result.PublishedURL)
	} else if result.PublishedName != "" {
		fmt.Printf("Published: %v\n", result.PublishedName)
	}
	if result.RunID != "" {
		fmt.Printf("Run: %v\n", result.RunID)
	}
	return nil
}

func evaluateModel(ctx context.Context, logger logs.Log, modelFile, imagesDir, annotationsDir, classList string) error {
	var classes []string
	if classList != "" {
		classes = strings.Split(classList, ",")
	} else {
		var err error
		if classes, err = artifact.ReadLabels(modelFile); err != nil {
			return err
		}
	}
	ds, err := dataset.FromPascalVOC(logger, imagesDir, annotationsDir, classes, dataset.LoadOptions{})
	if err != nil {
		return err
	}
	evaluator := evaluate.NewEvaluator(logger, protodet.Backends(logger))
	metrics, err := evaluator.EvaluateExported(ctx, modelFile, ds)
	if err != nil {
		return err
	}
	for _, name := range metrics.Names() {
		fmt.Printf("%-24v %.4f\n", name, metrics[name])
	}
	return nil
}

func predict(logger logs.Log, modelFile, input, output string, threshold float32) error {
	det, f, err := export.LoadModel(modelFile, protodet.Backends(logger))
	if err != nil {
		return err
	}
	defer det.Close()

	params := f.DetectionParams()
	if threshold > 0 {
		params.ProbabilityThreshold = threshold
	}
	objects, err := det.DetectObjects(nn.ImageInfo{Path: input}, params)
	if err != nil {
		return err
	}

	labels := nn.ImageLabels{
		Image:   input,
		Objects: objects,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(labels); err != nil {
		return err
	}
	if output != "" {
		return visualize.DrawFile(input, output, objects, f.Metadata.Classes)
	}
	return nil
}

func listSpecs() {
	fmt.Printf("%-20v %9v %8v %10v  %v\n", "Name", "Size", "Epochs", "BatchSize", "Quantization")
	for _, name := range modelspec.Names() {
		spec, err := modelspec.Get(name)
		check(err)
		fmt.Printf("%-20v %4vx%-4v %8v %10v  %v\n", spec.Name, spec.Width, spec.Height, spec.DefaultEpochs, spec.DefaultBatchSize, strings.Join(spec.Quantization, ","))
	}
}

func listRuns(logger logs.Log, dbFile string, limit int) error {
	if _, err := os.Stat(dbFile); err != nil {
		return err
	}
	db, err := rundb.OpenSqlite(logger, dbFile)
	if err != nil {
		return err
	}
	defer db.Close()
	runs, err := db.ListRuns(limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%v  %v  %-20v %-9v %v\n", r.UUID, r.StartedAt.Get().Format("2006-01-02 15:04:05"), r.Model, r.Status, r.Error)
	}
	return nil
}
