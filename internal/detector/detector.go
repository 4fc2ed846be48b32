package detector

import "gocv.io/x/gocv"

// Detector defines the interface for hand landmark extraction.
type Detector interface {
	// Detect analyzes an image and returns detected hand landmarks.
	// Returns an empty slice if no hands are detected.
	Detect(frame *gocv.Mat) ([]HandLandmarks, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for hand detection.
type Config struct {
	// MaxHands is the maximum number of hands to detect.
	MaxHands int

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinConfidence float64

	// StaticImageMode treats every input as an unrelated still image.
	// Dataset images are always processed in static mode.
	StaticImageMode bool
}

// DefaultConfig returns the configuration used for dataset extraction:
// one hand per image, permissive confidence so drawn-over photos still register.
func DefaultConfig() Config {
	return Config{
		MaxHands:        1,
		MinConfidence:   0.3,
		StaticImageMode: true,
	}
}

// Factory creates a detector for the given configuration.
type Factory func(cfg Config) (Detector, error)

// NewMediaPipeFactory returns a Factory producing MediaPipe detectors.
func NewMediaPipeFactory() Factory {
	return func(cfg Config) (Detector, error) {
		return NewMediaPipeDetector(cfg)
	}
}
