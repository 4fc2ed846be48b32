package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ayusman/senas/internal/config"
	"github.com/ayusman/senas/internal/pipeline"
	"github.com/ayusman/senas/internal/server/api"
)

// Trainer runs one pipeline at a time in the background for POST /api/runs.
// It implements api.Launcher.
type Trainer struct {
	// Root confines the dataset and output paths a request may name.
	// Relative paths are joined to it. Empty means the working directory.
	Root string

	base config.Train
	opts pipeline.Options
	ctx  context.Context

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewTrainer creates a Trainer. Requests override base; opts supplies the
// store, event feed, converter and detectors. Runs stop when ctx is done.
func NewTrainer(ctx context.Context, base config.Train, opts pipeline.Options) *Trainer {
	return &Trainer{base: base, opts: opts, ctx: ctx}
}

// Launch validates req and starts a run, or returns api.ErrBusy.
func (t *Trainer) Launch(req api.LaunchRequest) error {
	cfg := t.base
	if req.Preset != "" && req.Preset != cfg.Preset {
		preset, err := config.Default(req.Preset)
		if err != nil {
			return err
		}
		preset.DatasetDir, preset.OutputDir, preset.DBPath = cfg.DatasetDir, cfg.OutputDir, cfg.DBPath
		preset.Quantize, preset.ConvertTimeout = cfg.Quantize, cfg.ConvertTimeout
		cfg = preset
	}
	if req.Dataset != "" {
		dir, err := t.resolve(req.Dataset)
		if err != nil {
			return err
		}
		cfg.DatasetDir = dir
	}
	if req.Output != "" {
		dir, err := t.resolve(req.Output)
		if err != nil {
			return err
		}
		cfg.OutputDir = dir
	}
	if req.Epochs > 0 {
		cfg.Epochs = req.Epochs
	}

	p, err := pipeline.New(cfg, t.opts)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return api.ErrBusy
	}
	t.running = true
	t.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		res, err := p.Run(t.ctx)
		if err != nil {
			log.Printf("Run failed: %v", err)
		} else {
			log.Printf("Run %s finished with test accuracy %.4f", res.RunID, res.TestAccuracy)
		}
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}(t.done)
	return nil
}

// resolve maps a request path onto Root and rejects paths outside it.
func (t *Trainer) resolve(path string) (string, error) {
	root := t.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", api.ErrInvalidPath, path)
	}
	return full, nil
}

// Wait blocks until the current run, if any, has finished.
func (t *Trainer) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}
