package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"slices"

	"github.com/ayusman/senas/internal/dataset"
	"github.com/ayusman/senas/internal/detector"
	"github.com/ayusman/senas/internal/export"
	"github.com/ayusman/senas/internal/labels"
	"github.com/ayusman/senas/internal/scaler"
	"github.com/ayusman/senas/internal/split"
)

// Verify runs the TFLite model inside a .task bundle over the held-out split
// of the configured dataset. The split uses the configured seed and test size,
// so it reproduces the test set of the run that produced the bundle.
//
// Bundles with an input size hold image models; the others hold landmark
// models and need scaler.json next to the bundle.
func (p *Pipeline) Verify(ctx context.Context, bundlePath string) (*export.Verification, error) {
	b, err := export.ReadBundle(bundlePath)
	if err != nil {
		return nil, err
	}

	var (
		rows  [][]float32
		names []string
	)
	if size := b.Metadata.InputSize; size > 0 {
		imgs, err := dataset.Loader{Size: size}.LoadImages(ctx, p.cfg.DatasetDir)
		if err != nil {
			return nil, err
		}
		rows, names = imgs.Pixels, imgs.Labels
	} else {
		rows, names, err = p.verifyLandmarks(ctx, filepath.Dir(bundlePath))
		if err != nil {
			return nil, err
		}
	}

	y, err := encodeFor(b.Labels, names)
	if err != nil {
		return nil, err
	}
	_, testIdx, err := split.Stratified(y, p.cfg.TestSize, p.cfg.Seed)
	if err != nil {
		return nil, err
	}

	v, err := export.VerifyTFLite(b.Model, split.Take(rows, testIdx), split.Take(y, testIdx))
	if err != nil {
		return nil, err
	}
	log.Printf("TFLite accuracy on %d held-out samples: %.4f (%.2f%%)", v.Samples, v.Accuracy, v.Accuracy*100)
	return v, nil
}

func (p *Pipeline) verifyLandmarks(ctx context.Context, dir string) ([][]float32, []string, error) {
	sc, err := scaler.Load(filepath.Join(dir, ScalerFile))
	if err != nil {
		return nil, nil, fmt.Errorf("load scaler: %w", err)
	}
	if p.opts.Detectors == nil {
		return nil, nil, fmt.Errorf("landmark verification needs a hand detector")
	}
	dcfg := detector.DefaultConfig()
	dcfg.MinConfidence = p.cfg.MinDetectionConfidence
	det, err := p.opts.Detectors(dcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("start hand detector: %w", err)
	}
	defer det.Close()

	lm, err := dataset.LandmarkLoader{Detector: det, Normalize: p.cfg.Normalize}.Load(ctx, p.cfg.DatasetDir)
	if err != nil {
		return nil, nil, err
	}
	rows, err := sc.Transform(lm.Features)
	if err != nil {
		return nil, nil, err
	}
	return rows, lm.Labels, nil
}

// encodeFor encodes names with the class order of a bundle, which must match
// the classes found in the dataset.
func encodeFor(classes, names []string) ([]int, error) {
	enc := &labels.Encoder{}
	y := enc.FitTransform(names)
	if !slices.Equal(enc.Classes(), classes) {
		return nil, fmt.Errorf("%w: dataset classes %v, bundle classes %v", labels.ErrUnknownLabel, enc.Classes(), classes)
	}
	return y, nil
}
