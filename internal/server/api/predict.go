package api

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path/filepath"
	"sort"

	"github.com/ayusman/senas/internal/dataset"
	"github.com/ayusman/senas/internal/labels"
	"github.com/ayusman/senas/internal/nn"
	"github.com/ayusman/senas/internal/pipeline"
)

// maxUploadSize bounds the multipart body of a prediction request.
const maxUploadSize = 10 << 20

// Prediction is one class score.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// Classifier scores an image against the trained classes, best first.
type Classifier interface {
	Classify(img image.Image) ([]Prediction, error)
}

// ModelClassifier serves an image model saved by a training run.
type ModelClassifier struct {
	model   *nn.Model
	classes []string
	size    int
}

// LoadClassifier loads the native model and encoder written to a run's
// output directory. Only image models can be served.
func LoadClassifier(dir string) (*ModelClassifier, error) {
	m, err := nn.Load(filepath.Join(dir, pipeline.ModelDir))
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if !m.Arch.Image() {
		m.Close()
		return nil, fmt.Errorf("%s holds a landmark model; only image models can classify uploads", dir)
	}
	enc, err := labels.ReadEncoder(filepath.Join(dir, pipeline.EncoderFile))
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("load encoder: %w", err)
	}
	return NewModelClassifier(m, enc.Classes())
}

// NewModelClassifier wraps an image model and its class names.
func NewModelClassifier(m *nn.Model, classes []string) (*ModelClassifier, error) {
	if len(classes) != m.Arch.NumClasses() {
		return nil, fmt.Errorf("%w: %d classes for a %d-way model", nn.ErrShapeMismatch, len(classes), m.Arch.NumClasses())
	}
	return &ModelClassifier{model: m, classes: classes, size: m.Arch.Input[0]}, nil
}

// Classify resizes img to the model input and ranks every class.
func (c *ModelClassifier) Classify(img image.Image) ([]Prediction, error) {
	probs, err := c.model.Predict([][]float32{dataset.FromImage(img, c.size)})
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, len(c.classes))
	for i, name := range c.classes {
		out[i] = Prediction{Label: name, Probability: probs[0][i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	return out, nil
}

// Close releases the model.
func (c *ModelClassifier) Close() {
	c.model.Close()
}

// PredictHandler classifies uploaded images.
type PredictHandler struct {
	classifier Classifier
	topK       int
}

// NewPredictHandler creates a PredictHandler returning the topK best classes.
// topK <= 0 returns every class.
func NewPredictHandler(c Classifier, topK int) *PredictHandler {
	return &PredictHandler{classifier: c, topK: topK}
}

type predictResponse struct {
	Label       string       `json:"label"`
	Probability float32      `json:"probability"`
	Predictions []Prediction `json:"predictions"`
}

// ServeHTTP handles POST /api/predict with a multipart "image" field.
func (h *PredictHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image file is required")
		return
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported image format")
		return
	}

	preds, err := h.classifier.Classify(img)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Classification failed")
		return
	}
	if len(preds) == 0 {
		writeError(w, http.StatusInternalServerError, "Classifier returned no classes")
		return
	}
	if h.topK > 0 && len(preds) > h.topK {
		preds = preds[:h.topK]
	}
	writeJSON(w, http.StatusOK, predictResponse{
		Label:       preds[0].Label,
		Probability: preds[0].Probability,
		Predictions: preds,
	})
}
