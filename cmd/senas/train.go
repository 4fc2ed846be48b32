package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/ayusman/senas/internal/config"
	"github.com/ayusman/senas/internal/detector"
	"github.com/ayusman/senas/internal/export"
	"github.com/ayusman/senas/internal/pipeline"
	"github.com/ayusman/senas/internal/store"
)

func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	var tf trainFlags
	tf.register(fs)
	noConvert := fs.Bool("no-convert", false, "stop after the TF.js export")
	fs.Parse(args)

	cfg, err := tf.config()
	if err != nil {
		return err
	}
	p, closeStore, err := newPipeline(cfg, !*noConvert)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("Training preset %s on %s", cfg.Preset, cfg.DatasetDir)
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}
	summarize(res)
	return nil
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	var tf trainFlags
	tf.register(fs)
	dir := fs.String("dir", "", "output directory of the run to convert (defaults to -out)")
	fs.Parse(args)

	cfg, err := tf.config()
	if err != nil {
		return err
	}
	if *dir == "" {
		*dir = cfg.OutputDir
	}
	p, closeStore, err := newPipeline(cfg, true)
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := p.Convert(context.Background(), *dir)
	if err != nil {
		return err
	}
	summarize(res)
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	var tf trainFlags
	tf.register(fs)
	bundle := fs.String("bundle", "", "path to model.task (defaults to <out>/model.task)")
	fs.Parse(args)

	cfg, err := tf.config()
	if err != nil {
		return err
	}
	if *bundle == "" {
		*bundle = filepath.Join(cfg.OutputDir, pipeline.BundleFile)
	}
	p, err := pipeline.New(cfg, pipeline.Options{Detectors: detector.NewMediaPipeFactory()})
	if err != nil {
		return err
	}

	v, err := p.Verify(context.Background(), *bundle)
	if err != nil {
		return err
	}
	fmt.Printf("Input shape: %v, classes: %d\n", v.InputShape, v.NumClasses)
	fmt.Printf("Accuracy: %d/%d = %.2f%%\n", v.Correct, v.Samples, v.Accuracy*100)
	return nil
}

// newPipeline wires the store, converter and hand detector into a Pipeline.
// The returned func closes the store.
func newPipeline(cfg config.Train, convert bool) (*pipeline.Pipeline, func(), error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open run registry: %w", err)
	}

	opts := pipeline.Options{
		Store:     st,
		Detectors: detector.NewMediaPipeFactory(),
	}
	if convert {
		opts.Converter = export.NewConverter(detector.FindPython(), cfg.ConvertTimeout)
	}
	p, err := pipeline.New(cfg, opts)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return p, func() { st.Close() }, nil
}

func summarize(res *pipeline.Result) {
	fmt.Printf("Run %s\n", res.RunID)
	fmt.Printf("Classes (%d): %v\n", len(res.Classes), res.Classes)
	if res.TestSamples > 0 {
		fmt.Printf("Test accuracy: %.4f (%.2f%%)\n", res.TestAccuracy, res.TestAccuracy*100)
	}
	fmt.Println("Artifacts:")
	for _, a := range res.Artifacts {
		fmt.Printf("  %-32s %8d bytes\n", a.Name, a.Size)
	}
	for _, w := range res.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
}
