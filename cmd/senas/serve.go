package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/ayusman/senas/internal/capture"
	"github.com/ayusman/senas/internal/detector"
	"github.com/ayusman/senas/internal/export"
	"github.com/ayusman/senas/internal/pipeline"
	"github.com/ayusman/senas/internal/server"
	"github.com/ayusman/senas/internal/server/api"
	"github.com/ayusman/senas/internal/store"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var tf trainFlags
	tf.register(fs)
	addr := fs.String("addr", ":8080", "listen address")
	model := fs.String("model", "", "output directory of an image run to serve /api/predict from")
	static := fs.String("static", "", "web front-end directory (defaults to ./web if present)")
	camera := fs.Int("camera", -1, "camera device for /api/stream, -1 disables")
	root := fs.String("root", "", "directory that run requests' dataset and output paths must stay in (defaults to the working directory)")
	fs.Parse(args)

	base, err := tf.config()
	if err != nil {
		return err
	}
	st, err := store.New(base.DBPath)
	if err != nil {
		return fmt.Errorf("open run registry: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hub := server.NewEventHub()
	trainer := server.NewTrainer(ctx, base, pipeline.Options{
		Store:     st,
		Events:    hub,
		Converter: export.NewConverter(detector.FindPython(), base.ConvertTimeout),
		Detectors: detector.NewMediaPipeFactory(),
	})
	trainer.Root = *root
	cfg := server.Config{
		StaticDir: *static,
		Store:     st,
		Launcher:  trainer,
		Events:    hub,
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = findWebDir()
	}
	if cfg.StaticDir != "" {
		log.Printf("Serving static files from: %s", cfg.StaticDir)
	}

	if *model != "" {
		c, err := api.LoadClassifier(*model)
		if err != nil {
			return err
		}
		defer c.Close()
		cfg.Classifier = c
		log.Printf("Serving predictions from %s", *model)
	}

	if *camera >= 0 {
		camCfg := capture.DefaultCameraConfig()
		camCfg.DeviceID = *camera
		cam := capture.NewCamera(camCfg)
		defer cam.Close()
		cfg.Camera = cam
	}

	log.Printf("Starting server on %s", *addr)
	return server.New(cfg).ListenAndServe(*addr)
}

// findWebDir returns the first of web, ../web and ../../web that exists.
func findWebDir() string {
	for _, p := range []string{"web", "../web", "../../web"} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}
