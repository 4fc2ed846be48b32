// Package config holds training run settings, their per-preset defaults, and
// the environment overrides applied on top of them.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Preset names.
const (
	PresetCNNSimple = "cnn-simple"
	PresetCNN       = "cnn"
	PresetCNNQuick  = "cnn-quick"
	PresetLandmarks = "landmarks"
)

// Quantization modes accepted by the TFLite converter.
const (
	QuantizeNone    = "none"
	QuantizeDynamic = "dynamic"
	QuantizeFloat16 = "float16"
)

// DefaultDatasetDir is the dataset folder name the collection tooling writes to.
const DefaultDatasetDir = "lenguaje_señas _peruanas"

// EarlyStopping stops training when the monitored metric stops improving.
// Patience 0 disables it.
type EarlyStopping struct {
	Monitor     string // val_loss or val_accuracy
	Patience    int
	RestoreBest bool
}

// ReduceLR multiplies the learning rate by Factor after Patience epochs
// without val_loss improvement, never going below MinLR. Patience 0 disables it.
type ReduceLR struct {
	Patience int
	Factor   float64
	MinLR    float64
}

// Bundle describes the metadata.json written into a .task bundle.
type Bundle struct {
	Name        string
	Description string
	Version     string
	Author      string
}

// Train holds everything one training run needs.
type Train struct {
	Preset     string
	DatasetDir string
	OutputDir  string
	DBPath     string

	ImageSize    int
	BatchSize    int
	Epochs       int
	TestSize     float64
	Seed         int64
	LearningRate float64

	EarlyStopping EarlyStopping
	ReduceLR      ReduceLR
	Augment       bool

	MinDetectionConfidence float64
	Normalize              bool

	Quantize       string
	ConvertTimeout time.Duration
	Bundle         Bundle

	Quiet bool
}

// Landmarks reports whether the preset trains on hand landmarks instead of pixels.
func (t Train) Landmarks() bool {
	return t.Preset == PresetLandmarks
}

// Presets returns the known preset names in sorted order.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var presets = map[string]func(*Train){
	PresetCNNSimple: func(t *Train) {
		t.ImageSize = 128
		t.Epochs = 30
	},
	PresetCNN: func(t *Train) {
		t.ImageSize = 224
		t.Epochs = 30
		t.Augment = true
		t.EarlyStopping = EarlyStopping{Monitor: "val_accuracy", Patience: 5, RestoreBest: true}
		t.ReduceLR = ReduceLR{Patience: 3, Factor: 0.5, MinLR: 1e-7}
	},
	PresetCNNQuick: func(t *Train) {
		t.ImageSize = 224
		t.Epochs = 10
	},
	PresetLandmarks: func(t *Train) {
		t.ImageSize = 0
		t.Epochs = 100
		t.EarlyStopping = EarlyStopping{Monitor: "val_loss", Patience: 15, RestoreBest: true}
		t.ReduceLR = ReduceLR{Patience: 5, Factor: 0.5, MinLR: 1e-7}
		t.Bundle.Name = "LSP Gesture Recognizer"
		t.Bundle.Description = "Reconocedor de Lenguaje de Señas Peruano basado en landmarks"
	},
}

// Default returns the settings for a preset. An empty name selects cnn-simple.
func Default(preset string) (Train, error) {
	if preset == "" {
		preset = PresetCNNSimple
	}
	apply, ok := presets[preset]
	if !ok {
		return Train{}, fmt.Errorf("unknown preset %q (known: %v)", preset, Presets())
	}

	t := Train{
		Preset:                 preset,
		DatasetDir:             DefaultDatasetDir,
		OutputDir:              "modelo_lsp",
		DBPath:                 "senas.db",
		BatchSize:              32,
		TestSize:               0.2,
		Seed:                   42,
		LearningRate:           0.001,
		EarlyStopping:          EarlyStopping{Monitor: "val_loss", Patience: 10, RestoreBest: true},
		ReduceLR:               ReduceLR{Patience: 5, Factor: 0.5, MinLR: 1e-5},
		MinDetectionConfidence: 0.3,
		Quantize:               QuantizeDynamic,
		ConvertTimeout:         10 * time.Minute,
		Bundle: Bundle{
			Name:        "LSP Image Recognizer",
			Description: "Reconocedor de Lenguaje de Señas Peruano basado en imágenes",
			Version:     "1.0",
			Author:      "IHC Project",
		},
	}
	apply(&t)
	return t, nil
}

// Load reads an optional .env file, picks the preset (argument first, then
// SENAS_PRESET), and applies SENAS_* overrides to its defaults.
func Load(preset string) (Train, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Train{}, fmt.Errorf("load .env: %w", err)
	}
	if preset == "" {
		preset = os.Getenv("SENAS_PRESET")
	}

	t, err := Default(preset)
	if err != nil {
		return Train{}, err
	}
	if err := t.ApplyEnv(os.LookupEnv); err != nil {
		return Train{}, err
	}
	return t, t.Validate()
}

// ApplyEnv overrides fields from SENAS_* variables found through lookup.
func (t *Train) ApplyEnv(lookup func(string) (string, bool)) error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" && err == nil {
			if *dst, err = cast.ToIntE(v); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" && err == nil {
			if *dst, err = cast.ToFloat64E(v); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" && err == nil {
			if *dst, err = cast.ToBoolE(v); err != nil {
				err = fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	str("SENAS_DATASET", &t.DatasetDir)
	str("SENAS_OUTPUT", &t.OutputDir)
	str("SENAS_DB", &t.DBPath)
	str("SENAS_QUANTIZE", &t.Quantize)
	num("SENAS_IMAGE_SIZE", &t.ImageSize)
	num("SENAS_BATCH_SIZE", &t.BatchSize)
	num("SENAS_EPOCHS", &t.Epochs)
	num("SENAS_PATIENCE", &t.EarlyStopping.Patience)
	float("SENAS_TEST_SIZE", &t.TestSize)
	float("SENAS_LEARNING_RATE", &t.LearningRate)
	float("SENAS_MIN_CONFIDENCE", &t.MinDetectionConfidence)
	flag("SENAS_AUGMENT", &t.Augment)
	flag("SENAS_NORMALIZE", &t.Normalize)
	flag("SENAS_QUIET", &t.Quiet)

	if v, ok := lookup("SENAS_SEED"); ok && v != "" && err == nil {
		if t.Seed, err = cast.ToInt64E(v); err != nil {
			err = fmt.Errorf("SENAS_SEED: %w", err)
		}
	}
	if v, ok := lookup("SENAS_CONVERT_TIMEOUT"); ok && v != "" && err == nil {
		if t.ConvertTimeout, err = cast.ToDurationE(v); err != nil {
			err = fmt.Errorf("SENAS_CONVERT_TIMEOUT: %w", err)
		}
	}
	return err
}

// Validate checks the settings for values no run could use.
func (t Train) Validate() error {
	if _, ok := presets[t.Preset]; !ok {
		return fmt.Errorf("unknown preset %q", t.Preset)
	}
	if !t.Landmarks() && t.ImageSize <= 0 {
		return fmt.Errorf("image size must be positive, got %d", t.ImageSize)
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", t.BatchSize)
	}
	if t.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", t.Epochs)
	}
	if t.TestSize <= 0 || t.TestSize >= 1 {
		return fmt.Errorf("test size must be in (0, 1), got %v", t.TestSize)
	}
	if t.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %v", t.LearningRate)
	}
	if t.MinDetectionConfidence < 0 || t.MinDetectionConfidence > 1 {
		return fmt.Errorf("detection confidence must be in [0, 1], got %v", t.MinDetectionConfidence)
	}
	switch t.Quantize {
	case QuantizeNone, QuantizeDynamic, QuantizeFloat16:
	default:
		return fmt.Errorf("unknown quantization %q", t.Quantize)
	}
	if m := t.EarlyStopping.Monitor; t.EarlyStopping.Patience > 0 && m != "val_loss" && m != "val_accuracy" {
		return fmt.Errorf("early stopping cannot monitor %q", m)
	}
	if t.ReduceLR.Patience > 0 && (t.ReduceLR.Factor <= 0 || t.ReduceLR.Factor >= 1) {
		return fmt.Errorf("learning rate factor must be in (0, 1), got %v", t.ReduceLR.Factor)
	}
	return nil
}
