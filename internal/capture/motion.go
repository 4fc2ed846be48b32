package capture

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Frame differencing parameters.
const (
	// BlurSize is the Gaussian kernel applied before differencing.
	BlurSize = 21
	// PixelDelta is the grey-level change that marks a pixel as changed.
	PixelDelta = 25
)

// MotionDetector measures how much a frame differs from a baseline frame.
// The collector uses it to skip near-duplicate frames so that consecutive
// samples of a sign are not identical.
type MotionDetector struct {
	mu        sync.Mutex
	threshold float64
	baseline  gocv.Mat
	ready     bool
}

// NewMotionDetector creates a detector that reports a change when more than
// threshold percent of the pixels differ from the baseline.
func NewMotionDetector(threshold float64) *MotionDetector {
	return &MotionDetector{threshold: threshold, baseline: gocv.NewMat()}
}

// Changed compares frame with the baseline and returns whether the change
// exceeds the threshold and the percentage of changed pixels. Without a
// baseline every frame counts as changed.
func (m *MotionDetector) Changed(frame *gocv.Mat) (bool, float64) {
	if frame == nil || frame.Empty() {
		return false, 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return true, 100
	}

	cur := gocv.NewMat()
	defer cur.Close()
	smoothGray(*frame, &cur)
	if cur.Rows() != m.baseline.Rows() || cur.Cols() != m.baseline.Cols() {
		return true, 100
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(cur, m.baseline, &diff)
	gocv.Threshold(diff, &diff, PixelDelta, 255, gocv.ThresholdBinary)

	percent := float64(gocv.CountNonZero(diff)) / float64(diff.Rows()*diff.Cols()) * 100
	return percent > m.threshold, percent
}

// Accept makes frame the new baseline.
func (m *MotionDetector) Accept(frame *gocv.Mat) {
	if frame == nil || frame.Empty() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	smoothGray(*frame, &m.baseline)
	m.ready = true
}

// Reset drops the baseline.
func (m *MotionDetector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ready = false
}

// SetThreshold changes the threshold. Values <= 0 are ignored.
func (m *MotionDetector) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.threshold = threshold
}

// Close releases the baseline. The detector can still be used afterwards.
func (m *MotionDetector) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.baseline.Close()
	m.baseline = gocv.NewMat()
	m.ready = false
}

func smoothGray(src gocv.Mat, dst *gocv.Mat) {
	gray := gocv.NewMat()
	defer gray.Close()
	if src.Channels() > 1 {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	} else {
		src.CopyTo(&gray)
	}
	gocv.GaussianBlur(gray, dst, image.Point{X: BlurSize, Y: BlurSize}, 0, 0, gocv.BorderDefault)
}
