// Package inspect diagnoses dataset images that the hand detector fails on,
// most often photos that already have landmark overlays drawn onto them.
package inspect

import (
	"fmt"
	"log"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/ayusman/senas/internal/dataset"
	"github.com/ayusman/senas/internal/detector"
)

// OverlayPixelThreshold is the count of green or red pixels above which an
// image is assumed to carry drawn landmarks.
const OverlayPixelThreshold = 100

// DefaultConfidences are the detection thresholds tried on every image.
var DefaultConfidences = []float64{0.5, 0.3, 0.1}

// Detection is the detector outcome at one confidence threshold.
type Detection struct {
	Confidence float64
	Hands      int
	Err        error
}

// Report describes one image.
type Report struct {
	Path         string
	Class        string
	Height       int
	Width        int
	Channels     int
	UniqueValues int
	GreenPixels  int
	RedPixels    int
	GreenPercent float64
	RedPercent   float64
	Detections   []Detection
}

// Overlay reports whether the image looks like it has landmarks drawn on it.
func (r *Report) Overlay() bool {
	return r.GreenPixels > OverlayPixelThreshold || r.RedPixels > OverlayPixelThreshold
}

// Detected reports whether any threshold found a hand.
func (r *Report) Detected() bool {
	for _, d := range r.Detections {
		if d.Err == nil && d.Hands > 0 {
			return true
		}
	}
	return false
}

// Log prints the report.
func (r *Report) Log() {
	log.Printf("Image: %s", r.Path)
	log.Printf("  Shape: (%d, %d, %d), unique pixel values: %d", r.Height, r.Width, r.Channels, r.UniqueValues)
	for _, d := range r.Detections {
		switch {
		case d.Err != nil:
			log.Printf("  confidence %.1f: detector error: %v", d.Confidence, d.Err)
		case d.Hands > 0:
			log.Printf("  confidence %.1f: hand detected", d.Confidence)
		default:
			log.Printf("  confidence %.1f: no hand detected", d.Confidence)
		}
	}
	log.Printf("  Green pixels (lines): %d (%.2f%%)", r.GreenPixels, r.GreenPercent)
	log.Printf("  Red pixels (points): %d (%.2f%%)", r.RedPixels, r.RedPercent)
	if r.Overlay() {
		log.Printf("  Image appears to have landmarks drawn on it; use the original photos")
	}
}

// Image analyzes one file. With a nil factory only the pixel statistics are
// computed.
func Image(path string, factory detector.Factory, confidences []float64) (*Report, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("%w: %s", dataset.ErrUnreadable, path)
	}

	r := &Report{
		Path:         path,
		Height:       img.Rows(),
		Width:        img.Cols(),
		Channels:     img.Channels(),
		UniqueValues: uniqueValues(img),
	}
	r.GreenPixels, r.RedPixels = overlayPixels(img)
	if total := float64(r.Height * r.Width); total > 0 {
		r.GreenPercent = float64(r.GreenPixels) / total * 100
		r.RedPercent = float64(r.RedPixels) / total * 100
	}

	if factory == nil {
		return r, nil
	}
	for _, c := range confidences {
		r.Detections = append(r.Detections, detect(factory, img, c))
	}
	return r, nil
}

func detect(factory detector.Factory, img gocv.Mat, confidence float64) Detection {
	cfg := detector.DefaultConfig()
	cfg.MinConfidence = confidence
	d := Detection{Confidence: confidence}

	det, err := factory(cfg)
	if err != nil {
		d.Err = err
		return d
	}
	defer det.Close()

	hands, err := det.Detect(&img)
	d.Hands, d.Err = len(hands), err
	return d
}

func uniqueValues(img gocv.Mat) int {
	var seen [256]bool
	n := 0
	for _, b := range img.ToBytes() {
		if !seen[b] {
			seen[b] = true
			n++
		}
	}
	return n
}

// overlayPixels counts pixels in the green line and red point colour ranges
// that landmark drawing utilities use.
func overlayPixels(img gocv.Mat) (green, red int) {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(hsv, gocv.NewScalar(40, 40, 40, 0), gocv.NewScalar(80, 255, 255, 0), &mask)
	green = gocv.CountNonZero(mask)

	low := gocv.NewMat()
	defer low.Close()
	high := gocv.NewMat()
	defer high.Close()
	gocv.InRangeWithScalar(hsv, gocv.NewScalar(0, 100, 100, 0), gocv.NewScalar(10, 255, 255, 0), &low)
	gocv.InRangeWithScalar(hsv, gocv.NewScalar(160, 100, 100, 0), gocv.NewScalar(180, 255, 255, 0), &high)
	gocv.BitwiseOr(low, high, &mask)
	red = gocv.CountNonZero(mask)
	return green, red
}

// Dataset analyzes the first image of every class under root.
func Dataset(root string, factory detector.Factory, confidences []float64) ([]*Report, error) {
	classes, err := dataset.ListClasses(root)
	if err != nil {
		return nil, err
	}
	var reports []*Report
	for _, class := range classes {
		paths, err := dataset.ListImages(filepath.Join(root, class))
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			continue
		}
		r, err := Image(paths[0], factory, confidences)
		if err != nil {
			log.Printf("Skipping %s: %v", class, err)
			continue
		}
		r.Class = class
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return nil, dataset.ErrEmptyDataset
	}
	return reports, nil
}
