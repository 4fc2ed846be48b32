package capture

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gocv.io/x/gocv"
)

// Collector saves camera frames into a directory-per-class dataset.
type Collector struct {
	Camera Camera
	// Root is the dataset directory; frames for a label go to Root/label.
	Root string
	// Motion, when set, skips frames too similar to the last saved one.
	Motion *MotionDetector
	// Interval is the minimum time between two saved frames.
	Interval time.Duration
	// Mirror flips frames horizontally, matching a selfie preview.
	Mirror bool

	now func() time.Time
}

// FileName returns the dataset file name for a frame captured at t, using
// the fractional Unix timestamp (Image_1733760813.1564498.jpg).
func FileName(t time.Time) string {
	ts := strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
	return "Image_" + ts + ".jpg"
}

// Collect saves n frames for label and returns their paths. It opens the
// camera if needed and stops early when ctx is cancelled.
func (c *Collector) Collect(ctx context.Context, label string, n int) ([]string, error) {
	if label == "" || filepath.Base(label) != label {
		return nil, fmt.Errorf("invalid label %q", label)
	}
	dir := filepath.Join(c.Root, label)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if !c.Camera.IsOpen() {
		if err := c.Camera.Open(); err != nil {
			return nil, err
		}
	}
	if c.Motion != nil {
		c.Motion.Reset()
	}
	now := c.now
	if now == nil {
		now = time.Now
	}

	var saved []string
	var last time.Time
	for len(saved) < n {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		if c.Interval > 0 && !last.IsZero() {
			if wait := c.Interval - now().Sub(last); wait > 0 {
				select {
				case <-ctx.Done():
					return saved, ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		path, err := c.capture(dir, now())
		if err != nil {
			return saved, err
		}
		if path == "" {
			continue
		}
		saved = append(saved, path)
		last = now()
		log.Printf("Saved %s (%d/%d)", filepath.Base(path), len(saved), n)
	}
	return saved, nil
}

// capture reads one frame and writes it, returning "" when the frame was skipped.
func (c *Collector) capture(dir string, t time.Time) (string, error) {
	frame, err := c.Camera.ReadFrame()
	if err != nil {
		return "", err
	}
	defer frame.Close()

	if c.Mirror {
		gocv.Flip(*frame, frame, 1)
	}
	if c.Motion != nil {
		if changed, _ := c.Motion.Changed(frame); !changed {
			return "", nil
		}
	}

	path := filepath.Join(dir, FileName(t))
	if !gocv.IMWrite(path, *frame) {
		return "", fmt.Errorf("failed to write %s", path)
	}
	if c.Motion != nil {
		c.Motion.Accept(frame)
	}
	return path, nil
}
