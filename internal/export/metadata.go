package export

import (
	"encoding/json"
	"os"

	"github.com/ayusman/senas/internal/config"
)

// Model type tags written to metadata files.
const (
	ModelTypeImage     = "image_cnn"
	ModelTypeLandmarks = "landmarks"
)

// BundleInfo is metadata.json inside a .task bundle.
type BundleInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Author      string   `json:"author"`
	InputSize   int      `json:"input_size,omitempty"`
	Labels      []string `json:"labels"`
}

// NewBundleInfo fills bundle metadata from the configured description.
func NewBundleInfo(b config.Bundle, inputSize int, labels []string) BundleInfo {
	return BundleInfo{
		Name:        b.Name,
		Description: b.Description,
		Version:     b.Version,
		Author:      b.Author,
		InputSize:   inputSize,
		Labels:      append([]string(nil), labels...),
	}
}

// ModelInfo describes a trained model next to its artifacts. Image models
// fill the image and sample counts, landmark models the landmark layout.
type ModelInfo struct {
	ModelType         string   `json:"model_type"`
	InputShape        []int    `json:"input_shape"`
	NumClasses        int      `json:"num_classes"`
	Classes           []string `json:"classes"`
	Accuracy          float64  `json:"accuracy"`
	ImageSize         int      `json:"image_size,omitempty"`
	TotalSamples      int      `json:"total_samples,omitempty"`
	TrainSamples      int      `json:"train_samples,omitempty"`
	TestSamples       int      `json:"test_samples,omitempty"`
	Landmarks         int      `json:"landmarks,omitempty"`
	CoordsPerLandmark int      `json:"coords_per_landmark,omitempty"`
}

// ImageModelInfo describes an image classifier trained on size x size RGB inputs.
func ImageModelInfo(classes []string, size int, accuracy float64, train, test int) ModelInfo {
	return ModelInfo{
		ModelType:    ModelTypeImage,
		InputShape:   []int{1, size, size, 3},
		NumClasses:   len(classes),
		Classes:      classes,
		Accuracy:     accuracy,
		ImageSize:    size,
		TotalSamples: train + test,
		TrainSamples: train,
		TestSamples:  test,
	}
}

// LandmarkModelInfo describes a classifier over flattened hand landmarks.
func LandmarkModelInfo(classes []string, landmarks, coords int, accuracy float64) ModelInfo {
	return ModelInfo{
		ModelType:         ModelTypeLandmarks,
		InputShape:        []int{1, landmarks * coords},
		NumClasses:        len(classes),
		Classes:           classes,
		Accuracy:          accuracy,
		Landmarks:         landmarks,
		CoordsPerLandmark: coords,
	}
}

// WriteMetadata writes v as indented JSON.
func WriteMetadata(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
