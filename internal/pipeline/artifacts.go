package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ayusman/senas/internal/export"
	"github.com/ayusman/senas/internal/labels"
	"github.com/ayusman/senas/internal/nn"
	"github.com/ayusman/senas/internal/store"
)

// writeArtifacts saves the native model, label files, metadata and the TF.js
// export, then runs the best-effort conversions.
func (p *Pipeline) writeArtifacts(ctx context.Context, r *run, m *nn.Model, enc *labels.Encoder, info export.ModelInfo, infoFile string) error {
	out := p.cfg.OutputDir
	classes := enc.Classes()

	if err := m.Save(filepath.Join(out, ModelDir)); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	r.artifact(filepath.Join(ModelDir, nn.ArchitectureFile), store.ArtifactModel)
	r.artifact(filepath.Join(ModelDir, nn.WeightsFile), store.ArtifactModel)

	if err := p.writeLabels(r, enc, inputSize(m)); err != nil {
		return err
	}

	if err := export.WriteMetadata(filepath.Join(out, infoFile), info); err != nil {
		return err
	}
	r.artifact(infoFile, store.ArtifactMetadata)

	if r.res.History != nil {
		if err := export.WriteMetadata(filepath.Join(out, HistoryFile), r.res.History); err != nil {
			return err
		}
		r.artifact(HistoryFile, store.ArtifactMetadata)
	}

	if err := p.writeTFJS(r, m, classes); err != nil {
		return err
	}
	p.convert(ctx, r, classes, inputSize(m))
	return nil
}

// writeLabels writes every label file shape the clients read.
func (p *Pipeline) writeLabels(r *run, enc *labels.Encoder, imgSize int) error {
	out := p.cfg.OutputDir
	classes := enc.Classes()
	writes := []struct {
		name  string
		write func(string) error
	}{
		{LabelsText, func(path string) error { return labels.WriteText(path, classes) }},
		{LabelsIndex, func(path string) error { return labels.WriteJSONIndex(path, classes) }},
		{LabelsManifest, func(path string) error { return labels.WriteJSONManifest(path, classes, imgSize) }},
		{EncoderFile, func(path string) error { return labels.WriteEncoder(path, enc) }},
	}
	for _, w := range writes {
		if err := w.write(filepath.Join(out, w.name)); err != nil {
			return fmt.Errorf("write %s: %w", w.name, err)
		}
		r.artifact(w.name, store.ArtifactLabels)
	}
	return nil
}

func (p *Pipeline) writeTFJS(r *run, m *nn.Model, classes []string) error {
	dir := filepath.Join(p.cfg.OutputDir, TFJSDir)
	files, err := export.WriteTFJS(m, dir)
	if err != nil {
		return fmt.Errorf("export tfjs: %w", err)
	}
	for _, f := range files {
		r.artifact(filepath.Join(TFJSDir, f), store.ArtifactModel)
	}
	if err := labels.WriteJSONList(filepath.Join(dir, LabelsIndex), classes); err != nil {
		return err
	}
	r.artifact(filepath.Join(TFJSDir, LabelsIndex), store.ArtifactLabels)
	return nil
}

// convert produces model.h5, model.tflite and model.task. Failures are
// reported as warnings; the TF.js export stays usable either way.
func (p *Pipeline) convert(ctx context.Context, r *run, classes []string, imgSize int) {
	c := p.opts.Converter
	if c == nil {
		log.Printf("No converter configured, skipping %s, %s and %s", KerasFile, TFLiteFile, BundleFile)
		return
	}
	out := p.cfg.OutputDir
	h5 := filepath.Join(out, KerasFile)
	tflite := filepath.Join(out, TFLiteFile)
	task := filepath.Join(out, BundleFile)

	log.Printf("Converting TF.js model to Keras...")
	info, err := c.ToKeras(ctx, filepath.Join(out, TFJSDir), h5)
	if err != nil {
		r.warn("could not create %s: %v", KerasFile, err)
		return
	}
	if info.Params > 0 {
		log.Printf("Keras model has %d parameters", info.Params)
	}
	r.artifact(KerasFile, store.ArtifactModel)

	log.Printf("Converting to TFLite (quantization: %s)...", p.cfg.Quantize)
	if _, err := c.ToTFLite(ctx, h5, tflite, p.cfg.Quantize); err != nil {
		r.warn("could not create %s: %v", TFLiteFile, err)
		return
	}
	r.artifact(TFLiteFile, store.ArtifactModel)

	model, err := os.ReadFile(tflite)
	if err != nil {
		r.warn("could not read %s: %v", TFLiteFile, err)
		return
	}
	bundle := export.Bundle{
		Model:    model,
		Labels:   classes,
		Metadata: export.NewBundleInfo(p.cfg.Bundle, imgSize, classes),
	}
	if err := export.WriteBundle(task, bundle); err != nil {
		r.warn("could not create %s, but %s can be used directly: %v", BundleFile, TFLiteFile, err)
		return
	}
	if _, err := export.ReadBundle(task); err != nil {
		r.warn("%s failed validation: %v", BundleFile, err)
		return
	}
	r.artifact(BundleFile, store.ArtifactBundle)
}

// Convert re-exports a model saved by an earlier run in dir (its OutputDir):
// label files, TF.js and, with a converter, the Keras, TFLite and bundle files.
func (p *Pipeline) Convert(ctx context.Context, dir string) (*Result, error) {
	cfg := p.cfg
	cfg.OutputDir = dir
	cp := &Pipeline{cfg: cfg, opts: p.opts}

	r, err := cp.start(store.RunKindConvert)
	if err != nil {
		return nil, err
	}
	res, err := cp.convertSaved(ctx, r)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) convertSaved(ctx context.Context, r *run) (*Result, error) {
	out := p.cfg.OutputDir
	m, err := nn.Load(filepath.Join(out, ModelDir))
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	defer m.Close()

	enc, err := labels.ReadEncoder(filepath.Join(out, EncoderFile))
	if err != nil {
		return nil, fmt.Errorf("load encoder: %w", err)
	}
	if enc.Len() != m.Arch.NumClasses() {
		return nil, fmt.Errorf("%w: encoder has %d classes, model outputs %d", nn.ErrShapeMismatch, enc.Len(), m.Arch.NumClasses())
	}
	r.data(enc.Classes(), 0, 0)

	if err := p.writeLabels(r, enc, inputSize(m)); err != nil {
		return nil, err
	}
	if err := p.writeTFJS(r, m, enc.Classes()); err != nil {
		return nil, err
	}
	p.convert(ctx, r, enc.Classes(), inputSize(m))

	var loss, acc float64
	if info, err := readModelInfo(out); err == nil {
		acc = info.Accuracy
	}
	return r.finish(loss, acc), nil
}

func readModelInfo(dir string) (*export.ModelInfo, error) {
	for _, name := range []string{ModelInfoFile, MetadataFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var info export.ModelInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, err
		}
		return &info, nil
	}
	return nil, os.ErrNotExist
}

// inputSize is the image edge of an image model and 0 for feature models.
func inputSize(m *nn.Model) int {
	if m.Arch.Image() {
		return m.Arch.Input[0]
	}
	return 0
}
