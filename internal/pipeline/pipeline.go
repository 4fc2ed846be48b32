// Package pipeline runs the end-to-end training flow: load a dataset, encode
// labels, split, fit a network, evaluate it and export every artifact the
// browser and mobile clients consume.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/senas/internal/config"
	"github.com/ayusman/senas/internal/detector"
	"github.com/ayusman/senas/internal/export"
	"github.com/ayusman/senas/internal/nn"
	"github.com/ayusman/senas/internal/store"
)

// Output layout under config.Train.OutputDir.
const (
	ModelDir       = "model"
	TFJSDir        = "tfjs"
	LabelsText     = "labels.txt"
	LabelsIndex    = "labels.json"
	LabelsManifest = "labels_manifest.json"
	EncoderFile    = "encoder.json"
	ScalerFile     = "scaler.json"
	ModelInfoFile  = "model_info.json"
	MetadataFile   = "metadata.json"
	HistoryFile    = "history.json"
	KerasFile      = "model.h5"
	TFLiteFile     = "model.tflite"
	BundleFile     = "model.task"
)

// Event types published while a run progresses.
const (
	EventRunStarted  = "run_started"
	EventEpoch       = "epoch"
	EventArtifact    = "artifact"
	EventWarning     = "warning"
	EventRunFinished = "run_finished"
	EventRunFailed   = "run_failed"
)

// Event is a progress notification.
type Event struct {
	Type     string    `json:"type"`
	RunID    string    `json:"run_id"`
	Epoch    *nn.Epoch `json:"epoch,omitempty"`
	Artifact string    `json:"artifact,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher receives run events.
type Publisher interface {
	Publish(Event)
}

// Options holds the collaborators of a Pipeline. All are optional except
// Detectors for landmark presets.
type Options struct {
	Store *store.Store
	// Events receives progress notifications.
	Events Publisher
	// Converter produces model.h5, model.tflite and model.task. Without it
	// the run stops after the TF.js export.
	Converter *export.Converter
	// Detectors creates the hand detector for landmark presets.
	Detectors detector.Factory
}

// Artifact is a file written by a run.
type Artifact struct {
	Name string
	Kind string
	Path string
	Size int64
}

// Result summarizes a finished run.
type Result struct {
	RunID        string
	Classes      []string
	TrainSamples int
	TestSamples  int
	TestLoss     float64
	TestAccuracy float64
	History      *nn.History
	Artifacts    []Artifact
	// Warnings lists best-effort steps that failed without failing the run.
	Warnings []string
}

// Pipeline trains and exports models for one configuration.
type Pipeline struct {
	cfg  config.Train
	opts Options
}

// New validates cfg and returns a Pipeline.
func New(cfg config.Train, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Landmarks() && opts.Detectors == nil {
		return nil, errors.New("landmark preset needs a hand detector")
	}
	return &Pipeline{cfg: cfg, opts: opts}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() config.Train {
	return p.cfg
}

// run tracks the bookkeeping of one invocation.
type run struct {
	p   *Pipeline
	id  string
	res *Result
}

func (p *Pipeline) start(kind store.RunKind) (*run, error) {
	r := &run{p: p, id: uuid.New().String(), res: &Result{}}
	if p.opts.Store != nil {
		rec := &store.Run{
			ID:         r.id,
			Kind:       kind,
			Preset:     p.cfg.Preset,
			DatasetDir: p.cfg.DatasetDir,
			OutputDir:  p.cfg.OutputDir,
			ImageSize:  p.cfg.ImageSize,
		}
		if err := p.opts.Store.Runs().Create(rec); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}
	r.res.RunID = r.id
	if err := os.MkdirAll(p.cfg.OutputDir, 0755); err != nil {
		r.fail(err)
		return nil, err
	}
	r.publish(Event{Type: EventRunStarted, Message: string(kind)})
	return r, nil
}

func (r *run) publish(ev Event) {
	if r.p.opts.Events == nil {
		return
	}
	ev.RunID = r.id
	ev.Time = time.Now()
	r.p.opts.Events.Publish(ev)
}

func (r *run) data(classes []string, train, test int) {
	r.res.Classes = classes
	r.res.TrainSamples = train
	r.res.TestSamples = test
	log.Printf("Classes (%d): %v", len(classes), classes)
	log.Printf("Train samples: %d, test samples: %d", train, test)
	if r.p.opts.Store != nil {
		if err := r.p.opts.Store.Runs().UpdateData(r.id, classes, train, test); err != nil {
			log.Printf("Failed to record run data: %v", err)
		}
	}
}

func (r *run) epoch(e nn.Epoch) {
	if r.p.opts.Store != nil {
		err := r.p.opts.Store.Epochs().Append(&store.Epoch{
			RunID: r.id, Epoch: e.Epoch, Loss: e.Loss, Accuracy: e.Accuracy,
			ValLoss: e.ValLoss, ValAccuracy: e.ValAccuracy, LR: e.LR,
		})
		if err != nil {
			log.Printf("Failed to record epoch %d: %v", e.Epoch, err)
		}
	}
	r.publish(Event{Type: EventEpoch, Epoch: &e})
}

// artifact records a file written under the output dir.
func (r *run) artifact(name, kind string) {
	path := filepath.Join(r.p.cfg.OutputDir, name)
	var size int64
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		size = info.Size()
	}
	a := Artifact{Name: name, Kind: kind, Path: path, Size: size}
	r.res.Artifacts = append(r.res.Artifacts, a)
	log.Printf("Saved: %s", path)

	if r.p.opts.Store != nil {
		err := r.p.opts.Store.Artifacts().Add(&store.Artifact{RunID: r.id, Name: name, Kind: kind, Path: path, Size: size})
		if err != nil {
			log.Printf("Failed to record artifact %s: %v", name, err)
		}
	}
	r.publish(Event{Type: EventArtifact, Artifact: name})
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("Warning: %s", msg)
	r.res.Warnings = append(r.res.Warnings, msg)
	r.publish(Event{Type: EventWarning, Message: msg})
}

func (r *run) finish(loss, acc float64) *Result {
	r.res.TestLoss, r.res.TestAccuracy = loss, acc
	if r.p.opts.Store != nil {
		if err := r.p.opts.Store.Runs().Finish(r.id, loss, acc); err != nil {
			log.Printf("Failed to record run result: %v", err)
		}
	}
	r.publish(Event{Type: EventRunFinished, Message: fmt.Sprintf("accuracy %.4f", acc)})
	return r.res
}

func (r *run) fail(err error) {
	if r.p.opts.Store != nil {
		if serr := r.p.opts.Store.Runs().Fail(r.id, err); serr != nil {
			log.Printf("Failed to record run failure: %v", serr)
		}
	}
	r.publish(Event{Type: EventRunFailed, Message: err.Error()})
}
