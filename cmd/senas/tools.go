package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/ayusman/senas/internal/capture"
	"github.com/ayusman/senas/internal/config"
	"github.com/ayusman/senas/internal/detector"
	"github.com/ayusman/senas/internal/inspect"
)

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	dataset := fs.String("dataset", config.DefaultDatasetDir, "dataset directory")
	image := fs.String("image", "", "check a single image instead of one per class")
	detect := fs.Bool("detect", true, "run the hand detector at several confidence thresholds")
	fs.Parse(args)

	var factory detector.Factory
	if *detect {
		factory = detector.NewMediaPipeFactory()
	}

	if *image != "" {
		r, err := inspect.Image(*image, factory, inspect.DefaultConfidences)
		if err != nil {
			return err
		}
		r.Log()
		return nil
	}

	reports, err := inspect.Dataset(*dataset, factory, inspect.DefaultConfidences)
	if err != nil {
		return err
	}
	var overlays, missed int
	for _, r := range reports {
		log.Printf("Class %s", r.Class)
		r.Log()
		if r.Overlay() {
			overlays++
		}
		if factory != nil && !r.Detected() {
			missed++
		}
	}
	fmt.Printf("Checked %d classes: %d with drawn landmarks, %d without a detected hand\n", len(reports), overlays, missed)
	return nil
}

func runCollect(args []string) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	dataset := fs.String("dataset", config.DefaultDatasetDir, "dataset directory")
	label := fs.String("label", "", "sign to record (required)")
	n := fs.Int("n", 100, "number of frames to save")
	device := fs.Int("device", 0, "camera device id")
	interval := fs.Duration("interval", 100*time.Millisecond, "minimum time between saved frames")
	threshold := fs.Float64("motion", 1.0, "minimum changed-pixel percentage between saved frames, 0 disables")
	mirror := fs.Bool("mirror", true, "flip frames horizontally")
	fs.Parse(args)

	if *label == "" {
		fs.Usage()
		return fmt.Errorf("-label is required")
	}

	camCfg := capture.DefaultCameraConfig()
	camCfg.DeviceID = *device
	cam := capture.NewCamera(camCfg)
	defer cam.Close()

	c := &capture.Collector{Camera: cam, Root: *dataset, Interval: *interval, Mirror: *mirror}
	if *threshold > 0 {
		c.Motion = capture.NewMotionDetector(*threshold)
		defer c.Motion.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("Collecting %d frames of %q into %s", *n, *label, *dataset)
	paths, err := c.Collect(ctx, *label, *n)
	fmt.Printf("Saved %d frames\n", len(paths))
	return err
}
