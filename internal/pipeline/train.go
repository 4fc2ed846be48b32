package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/ayusman/senas/internal/config"
	"github.com/ayusman/senas/internal/dataset"
	"github.com/ayusman/senas/internal/detector"
	"github.com/ayusman/senas/internal/export"
	"github.com/ayusman/senas/internal/labels"
	"github.com/ayusman/senas/internal/nn"
	"github.com/ayusman/senas/internal/scaler"
	"github.com/ayusman/senas/internal/split"
	"github.com/ayusman/senas/internal/store"
)

// Run trains the model selected by the configured preset.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if p.cfg.Landmarks() {
		return p.TrainLandmarks(ctx)
	}
	return p.TrainImages(ctx)
}

// TrainImages trains a CNN on raw dataset pixels and exports it.
func (p *Pipeline) TrainImages(ctx context.Context) (*Result, error) {
	r, err := p.start(store.RunKindImage)
	if err != nil {
		return nil, err
	}
	res, err := p.trainImages(ctx, r)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) trainImages(ctx context.Context, r *run) (*Result, error) {
	cfg := p.cfg
	log.Printf("Loading images from %s (%dx%d)", cfg.DatasetDir, cfg.ImageSize, cfg.ImageSize)
	imgs, err := dataset.Loader{Size: cfg.ImageSize}.LoadImages(ctx, cfg.DatasetDir)
	if err != nil {
		return nil, err
	}
	imgs.Report.Log()

	enc := &labels.Encoder{}
	y := enc.FitTransform(imgs.Labels)
	trainIdx, testIdx, err := split.Stratified(y, cfg.TestSize, cfg.Seed)
	if err != nil {
		return nil, err
	}
	train := nn.Dataset{X: split.Take(imgs.Pixels, trainIdx), Y: split.Take(y, trainIdx)}
	test := nn.Dataset{X: split.Take(imgs.Pixels, testIdx), Y: split.Take(y, testIdx)}
	r.data(enc.Classes(), train.Len(), test.Len())

	arch, err := nn.Preset(cfg.Preset, cfg.ImageSize, enc.Len())
	if err != nil {
		return nil, err
	}
	opts := p.fitOptions(r)
	if cfg.Augment {
		opts.Augment = dataset.NewAugmenter(cfg.ImageSize, cfg.ImageSize, cfg.Seed).Apply
	}

	m, loss, acc, err := p.fit(ctx, r, arch, train, test, opts)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	info := export.ImageModelInfo(enc.Classes(), cfg.ImageSize, acc, train.Len(), test.Len())
	if err := p.writeArtifacts(ctx, r, m, enc, info, ModelInfoFile); err != nil {
		return nil, err
	}
	return r.finish(loss, acc), nil
}

// TrainLandmarks extracts hand landmarks from the dataset, standardizes
// them, trains an MLP and exports it.
func (p *Pipeline) TrainLandmarks(ctx context.Context) (*Result, error) {
	r, err := p.start(store.RunKindLandmarks)
	if err != nil {
		return nil, err
	}
	res, err := p.trainLandmarks(ctx, r)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) trainLandmarks(ctx context.Context, r *run) (*Result, error) {
	cfg := p.cfg
	if p.opts.Detectors == nil {
		return nil, fmt.Errorf("landmark training needs a hand detector")
	}
	dcfg := detector.DefaultConfig()
	dcfg.MinConfidence = cfg.MinDetectionConfidence
	det, err := p.opts.Detectors(dcfg)
	if err != nil {
		return nil, fmt.Errorf("start hand detector: %w", err)
	}
	defer det.Close()

	log.Printf("Extracting landmarks from %s (min confidence %.2f)", cfg.DatasetDir, cfg.MinDetectionConfidence)
	lm, err := dataset.LandmarkLoader{Detector: det, Normalize: cfg.Normalize}.Load(ctx, cfg.DatasetDir)
	if err != nil {
		return nil, err
	}
	lm.Report.Log()

	enc := &labels.Encoder{}
	y := enc.FitTransform(lm.Labels)
	trainIdx, testIdx, err := split.Stratified(y, cfg.TestSize, cfg.Seed)
	if err != nil {
		return nil, err
	}

	sc := &scaler.Standard{}
	trainX, err := sc.FitTransform(split.Take(lm.Features, trainIdx))
	if err != nil {
		return nil, err
	}
	testX, err := sc.Transform(split.Take(lm.Features, testIdx))
	if err != nil {
		return nil, err
	}
	train := nn.Dataset{X: trainX, Y: split.Take(y, trainIdx)}
	test := nn.Dataset{X: testX, Y: split.Take(y, testIdx)}
	r.data(enc.Classes(), train.Len(), test.Len())

	arch, err := nn.Preset(config.PresetLandmarks, detector.NumFeatures, enc.Len())
	if err != nil {
		return nil, err
	}
	m, loss, acc, err := p.fit(ctx, r, arch, train, test, p.fitOptions(r))
	if err != nil {
		return nil, err
	}
	defer m.Close()

	if err := sc.Save(filepath.Join(cfg.OutputDir, ScalerFile)); err != nil {
		return nil, err
	}
	r.artifact(ScalerFile, store.ArtifactMetadata)

	info := export.LandmarkModelInfo(enc.Classes(), detector.NumLandmarks, detector.CoordsPerLandmark, acc)
	if err := p.writeArtifacts(ctx, r, m, enc, info, MetadataFile); err != nil {
		return nil, err
	}
	return r.finish(loss, acc), nil
}

func (p *Pipeline) fitOptions(r *run) nn.FitOptions {
	cfg := p.cfg
	return nn.FitOptions{
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Seed:         cfg.Seed,
		EarlyStopping: nn.EarlyStopping{
			Monitor:     cfg.EarlyStopping.Monitor,
			Patience:    cfg.EarlyStopping.Patience,
			RestoreBest: cfg.EarlyStopping.RestoreBest,
		},
		ReduceLR: nn.ReduceLROnPlateau{
			Patience: cfg.ReduceLR.Patience,
			Factor:   cfg.ReduceLR.Factor,
			MinLR:    cfg.ReduceLR.MinLR,
		},
		OnEpoch: r.epoch,
	}
}

// fit builds arch, trains it on train with test as validation data and
// evaluates it on test.
func (p *Pipeline) fit(ctx context.Context, r *run, arch nn.Architecture, train, test nn.Dataset, opts nn.FitOptions) (*nn.Model, float64, float64, error) {
	m, err := nn.New(arch, p.cfg.Seed)
	if err != nil {
		return nil, 0, 0, err
	}
	log.Printf("Model %s: %d parameters", arch.Name, m.CountParams())

	hist, err := m.Fit(ctx, train, test, opts)
	if err != nil {
		m.Close()
		return nil, 0, 0, err
	}
	r.res.History = hist
	if hist.Stopped {
		log.Printf("Early stopping after epoch %d, best epoch %d", len(hist.Epochs), hist.BestEpoch)
	}

	loss, acc, err := m.Evaluate(test)
	if err != nil {
		m.Close()
		return nil, 0, 0, err
	}
	log.Printf("Test accuracy: %.4f (%.2f%%), test loss: %.4f", acc, acc*100, loss)
	return m, loss, acc, nil
}
