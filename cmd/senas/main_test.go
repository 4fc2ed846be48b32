package main

import (
	"bytes"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_QuietStillReportsErrors(t *testing.T) {
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	tmp := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"train", "-quiet", "-no-convert",
		"-dataset", filepath.Join(tmp, "missing"),
		"-out", filepath.Join(tmp, "out"),
		"-db", filepath.Join(tmp, "runs.db"),
	}, &stdout, &stderr)

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.HasPrefix(stderr.String(), "train: ") {
		t.Errorf("stderr = %q, want the train error", stderr.String())
	}
}

func TestRun_Dispatch(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		code   int
		stdout bool
		stderr bool
	}{
		{"no command", nil, 2, false, true},
		{"help", []string{"help"}, 0, true, false},
		{"unknown command", []string{"deploy"}, 2, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
			if (stdout.Len() > 0) != tt.stdout || (stderr.Len() > 0) != tt.stderr {
				t.Errorf("stdout %q, stderr %q", stdout.String(), stderr.String())
			}
		})
	}
}

func TestTrainFlags_ExplicitValues(t *testing.T) {
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	tests := []struct {
		name string
		args []string
		seed int64
	}{
		{"preset seed", nil, 42},
		{"explicit zero seed", []string{"-seed", "0"}, 0},
		{"explicit seed", []string{"-seed", "7"}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SENAS_SEED", "")
			fs := flag.NewFlagSet("train", flag.ContinueOnError)
			var tf trainFlags
			tf.register(fs)
			if err := fs.Parse(tt.args); err != nil {
				t.Fatal(err)
			}
			cfg, err := tf.config()
			if err != nil {
				t.Fatalf("config() error = %v", err)
			}
			if cfg.Seed != tt.seed {
				t.Errorf("Seed = %d, want %d", cfg.Seed, tt.seed)
			}
		})
	}

	t.Run("explicit false overrides environment", func(t *testing.T) {
		t.Setenv("SENAS_AUGMENT", "true")
		fs := flag.NewFlagSet("train", flag.ContinueOnError)
		var tf trainFlags
		tf.register(fs)
		fs.Parse([]string{"-augment=false"})
		cfg, err := tf.config()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Augment {
			t.Error("Augment = true after -augment=false")
		}
	})
}
