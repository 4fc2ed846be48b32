package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/ayusman/senas/internal/config"
)

const usage = `senas - Peruvian Sign Language model toolkit

Usage:
  senas <command> [flags]

Commands:
  train     train a classifier on a dataset and export it
  convert   re-export a trained model (TF.js, Keras, TFLite, .task)
  verify    run a .task bundle's TFLite model over the held-out split
  check     diagnose dataset images the hand detector misses
  collect   capture webcam frames into the dataset
  serve     run the training dashboard

Run "senas <command> -h" for the flags of a command.
`

var commands = map[string]func(args []string) error{
	"train":   runTrain,
	"convert": runConvert,
	"verify":  runVerify,
	"check":   runCheck,
	"collect": runCollect,
	"serve":   runServe,
}

func main() {
	log.SetFlags(log.Ltime)
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a command and returns the process exit code. Command errors
// go to stderr even when -quiet has muted the progress log.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	name := args[0]
	if name == "-h" || name == "--help" || name == "help" {
		fmt.Fprint(stdout, usage)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return 2
	}
	if err := cmd(args[1:]); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	return 0
}

// trainFlags are the settings shared by every command that needs a training
// configuration. Flags left off the command line keep the preset default.
type trainFlags struct {
	fs        *flag.FlagSet
	preset    string
	dataset   string
	out       string
	db        string
	imageSize int
	epochs    int
	batch     int
	seed      int64
	testSize  float64
	lr        float64
	quantize  string
	augment   bool
	normalize bool
	quiet     bool
}

func (f *trainFlags) register(fs *flag.FlagSet) {
	f.fs = fs
	fs.StringVar(&f.preset, "preset", "", "model preset: "+strings.Join(config.Presets(), ", "))
	fs.StringVar(&f.dataset, "dataset", "", "dataset directory (one sub-directory per sign)")
	fs.StringVar(&f.out, "out", "", "output directory")
	fs.StringVar(&f.db, "db", "", "run registry database")
	fs.IntVar(&f.imageSize, "image-size", 0, "square input edge for CNN presets")
	fs.IntVar(&f.epochs, "epochs", 0, "maximum training epochs")
	fs.IntVar(&f.batch, "batch", 0, "batch size")
	fs.Int64Var(&f.seed, "seed", 0, "split and initialisation seed")
	fs.Float64Var(&f.testSize, "test-size", 0, "held-out fraction in (0, 1)")
	fs.Float64Var(&f.lr, "lr", 0, "initial learning rate")
	fs.StringVar(&f.quantize, "quantize", "", "TFLite quantization: none, dynamic or float16")
	fs.BoolVar(&f.augment, "augment", false, "augment training images")
	fs.BoolVar(&f.normalize, "normalize", false, "normalize landmarks to the wrist and palm size")
	fs.BoolVar(&f.quiet, "quiet", false, "mute progress logging; errors are still reported")
}

// config loads the preset, its environment overrides and then the flags set
// on the command line, so an explicit zero such as -seed 0 still applies.
func (f *trainFlags) config() (config.Train, error) {
	cfg, err := config.Load(f.preset)
	if err != nil {
		return config.Train{}, err
	}
	setString(&cfg.DatasetDir, f.dataset)
	setString(&cfg.OutputDir, f.out)
	setString(&cfg.DBPath, f.db)
	setString(&cfg.Quantize, f.quantize)

	set := map[string]bool{}
	if f.fs != nil {
		f.fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	}
	if set["image-size"] {
		cfg.ImageSize = f.imageSize
	}
	if set["epochs"] {
		cfg.Epochs = f.epochs
	}
	if set["batch"] {
		cfg.BatchSize = f.batch
	}
	if set["seed"] {
		cfg.Seed = f.seed
	}
	if set["test-size"] {
		cfg.TestSize = f.testSize
	}
	if set["lr"] {
		cfg.LearningRate = f.lr
	}
	if set["augment"] {
		cfg.Augment = f.augment
	}
	if set["normalize"] {
		cfg.Normalize = f.normalize
	}
	if set["quiet"] {
		cfg.Quiet = f.quiet
	}

	// Quiet mutes progress only; run reports command errors on its own writer.
	if cfg.Quiet {
		log.SetOutput(io.Discard)
	}
	return cfg, cfg.Validate()
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
