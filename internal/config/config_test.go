package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefault_Presets(t *testing.T) {
	tests := []struct {
		preset    string
		imageSize int
		epochs    int
		patience  int
		lrWait    int
		landmarks bool
	}{
		{"", 128, 30, 10, 5, false},
		{PresetCNNSimple, 128, 30, 10, 5, false},
		{PresetCNN, 224, 30, 5, 3, false},
		{PresetCNNQuick, 224, 10, 10, 5, false},
		{PresetLandmarks, 0, 100, 15, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			cfg, err := Default(tt.preset)
			if err != nil {
				t.Fatalf("Default() error = %v", err)
			}
			if cfg.ImageSize != tt.imageSize {
				t.Errorf("ImageSize = %d, want %d", cfg.ImageSize, tt.imageSize)
			}
			if cfg.Epochs != tt.epochs {
				t.Errorf("Epochs = %d, want %d", cfg.Epochs, tt.epochs)
			}
			if cfg.EarlyStopping.Patience != tt.patience {
				t.Errorf("Patience = %d, want %d", cfg.EarlyStopping.Patience, tt.patience)
			}
			if cfg.ReduceLR.Patience != tt.lrWait {
				t.Errorf("ReduceLR.Patience = %d, want %d", cfg.ReduceLR.Patience, tt.lrWait)
			}
			if cfg.Landmarks() != tt.landmarks {
				t.Errorf("Landmarks() = %v, want %v", cfg.Landmarks(), tt.landmarks)
			}
			if cfg.TestSize != 0.2 || cfg.Seed != 42 {
				t.Errorf("split settings = (%v, %d), want (0.2, 42)", cfg.TestSize, cfg.Seed)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}

	if _, err := Default("resnet"); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestDefault_BundleMetadata(t *testing.T) {
	img, _ := Default(PresetCNN)
	if img.Bundle.Name != "LSP Image Recognizer" || img.Bundle.Author != "IHC Project" || img.Bundle.Version != "1.0" {
		t.Errorf("image bundle = %+v", img.Bundle)
	}
	lm, _ := Default(PresetLandmarks)
	if lm.Bundle.Name != "LSP Gesture Recognizer" {
		t.Errorf("landmark bundle name = %q", lm.Bundle.Name)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg, _ := Default(PresetCNNSimple)
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"SENAS_DATASET":         "/data/lsp",
		"SENAS_EPOCHS":          "12",
		"SENAS_TEST_SIZE":       "0.25",
		"SENAS_SEED":            "7",
		"SENAS_AUGMENT":         "true",
		"SENAS_QUANTIZE":        "float16",
		"SENAS_CONVERT_TIMEOUT": "90s",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.DatasetDir != "/data/lsp" {
		t.Errorf("DatasetDir = %q", cfg.DatasetDir)
	}
	if cfg.Epochs != 12 || cfg.TestSize != 0.25 || cfg.Seed != 7 {
		t.Errorf("numbers = (%d, %v, %d)", cfg.Epochs, cfg.TestSize, cfg.Seed)
	}
	if !cfg.Augment {
		t.Error("Augment = false, want true")
	}
	if cfg.Quantize != QuantizeFloat16 {
		t.Errorf("Quantize = %q", cfg.Quantize)
	}
	if cfg.ConvertTimeout != 90*time.Second {
		t.Errorf("ConvertTimeout = %v", cfg.ConvertTimeout)
	}
	if cfg.ImageSize != 128 {
		t.Errorf("unset ImageSize changed to %d", cfg.ImageSize)
	}
}

func TestApplyEnv_BadValue(t *testing.T) {
	cfg, _ := Default(PresetCNNSimple)
	err := cfg.ApplyEnv(lookupFrom(map[string]string{"SENAS_EPOCHS": "many"}))
	if err == nil || !strings.Contains(err.Error(), "SENAS_EPOCHS") {
		t.Errorf("error = %v, want SENAS_EPOCHS failure", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Train)
	}{
		{"zero image size", func(c *Train) { c.ImageSize = 0 }},
		{"test size too large", func(c *Train) { c.TestSize = 1 }},
		{"negative batch", func(c *Train) { c.BatchSize = -1 }},
		{"bad quantization", func(c *Train) { c.Quantize = "int4" }},
		{"bad monitor", func(c *Train) { c.EarlyStopping = EarlyStopping{Monitor: "loss", Patience: 3} }},
		{"bad lr factor", func(c *Train) { c.ReduceLR = ReduceLR{Patience: 2, Factor: 2} }},
		{"confidence above one", func(c *Train) { c.MinDetectionConfidence = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := Default(PresetCNNSimple)
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SENAS_BATCH_SIZE=8\n"), 0644); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("SENAS_EPOCHS", "3")
	t.Cleanup(func() { os.Unsetenv("SENAS_BATCH_SIZE") })

	cfg, err := Load(PresetCNNQuick)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want 8 from .env", cfg.BatchSize)
	}
	if cfg.Epochs != 3 {
		t.Errorf("Epochs = %d, want 3 from environment", cfg.Epochs)
	}
}
