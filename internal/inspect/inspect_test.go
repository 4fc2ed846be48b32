package inspect

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"

	"github.com/ayusman/senas/internal/dataset"
	"github.com/ayusman/senas/internal/detector"
)

func writeSolid(t *testing.T, path string, bgr [3]float64) {
	t.Helper()
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(bgr[0], bgr[1], bgr[2], 0), 20, 20, gocv.MatTypeCV8UC3)
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		t.Fatalf("failed to write %s", path)
	}
}

// thresholdFactory returns detectors that find a hand only at or below maxConf.
func thresholdFactory(maxConf float64, made *[]*detector.MockDetector) detector.Factory {
	return func(cfg detector.Config) (detector.Detector, error) {
		d := detector.NewMockDetector()
		if cfg.MinConfidence <= maxConf {
			d.SetHands([]detector.HandLandmarks{detector.LetterALandmarks()})
		}
		*made = append(*made, d)
		return d, nil
	}
}

func TestImage_PixelStatistics(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		bgr         [3]float64
		wantGreen   int
		wantRed     int
		wantOverlay bool
		wantUnique  int
	}{
		{"green lines", [3]float64{0, 255, 0}, 400, 0, true, 2},
		{"red points", [3]float64{0, 0, 255}, 0, 400, true, 2},
		{"gray photo", [3]float64{128, 128, 128}, 0, 0, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".png")
			writeSolid(t, path, tt.bgr)

			r, err := Image(path, nil, nil)
			if err != nil {
				t.Fatalf("Image() error: %v", err)
			}
			if r.Height != 20 || r.Width != 20 || r.Channels != 3 {
				t.Errorf("shape = (%d, %d, %d)", r.Height, r.Width, r.Channels)
			}
			if r.GreenPixels != tt.wantGreen || r.RedPixels != tt.wantRed {
				t.Errorf("green/red = %d/%d, want %d/%d", r.GreenPixels, r.RedPixels, tt.wantGreen, tt.wantRed)
			}
			if r.Overlay() != tt.wantOverlay {
				t.Errorf("Overlay() = %v, want %v", r.Overlay(), tt.wantOverlay)
			}
			if r.UniqueValues != tt.wantUnique {
				t.Errorf("unique values = %d, want %d", r.UniqueValues, tt.wantUnique)
			}
			if tt.wantGreen == 400 && r.GreenPercent != 100 {
				t.Errorf("green percent = %v, want 100", r.GreenPercent)
			}
		})
	}
}

func TestImage_ConfidenceSweep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	writeSolid(t, path, [3]float64{90, 120, 150})

	var made []*detector.MockDetector
	r, err := Image(path, thresholdFactory(0.3, &made), DefaultConfidences)
	if err != nil {
		t.Fatalf("Image() error: %v", err)
	}
	if len(r.Detections) != 3 {
		t.Fatalf("got %d detections, want 3", len(r.Detections))
	}
	want := []int{0, 1, 1}
	for i, d := range r.Detections {
		if d.Confidence != DefaultConfidences[i] {
			t.Errorf("detection %d confidence = %v", i, d.Confidence)
		}
		if d.Hands != want[i] {
			t.Errorf("confidence %v: hands = %d, want %d", d.Confidence, d.Hands, want[i])
		}
	}
	if !r.Detected() {
		t.Error("Detected() = false, want true")
	}
	for i, d := range made {
		if !d.Closed() {
			t.Errorf("detector %d was not closed", i)
		}
	}
}

func TestImage_DetectorErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	writeSolid(t, path, [3]float64{90, 120, 150})

	boom := errors.New("mediapipe not installed")
	factory := func(cfg detector.Config) (detector.Detector, error) { return nil, boom }

	r, err := Image(path, factory, []float64{0.5})
	if err != nil {
		t.Fatalf("Image() error: %v", err)
	}
	if !errors.Is(r.Detections[0].Err, boom) {
		t.Errorf("detection error = %v, want %v", r.Detections[0].Err, boom)
	}
	if r.Detected() {
		t.Error("Detected() = true, want false")
	}
}

func TestImage_Unreadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	os.WriteFile(path, []byte("not an image"), 0644)

	if _, err := Image(path, nil, nil); !errors.Is(err, dataset.ErrUnreadable) {
		t.Errorf("Image() error = %v, want ErrUnreadable", err)
	}

	t.Run("missing file", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "missing.jpg")
		for i := 0; i < 3; i++ {
			if _, err := Image(missing, nil, nil); !errors.Is(err, dataset.ErrUnreadable) {
				t.Fatalf("Image() error = %v, want ErrUnreadable", err)
			}
		}
	})
}

func TestDataset(t *testing.T) {
	root := t.TempDir()
	for _, class := range []string{"B", "A", "empty"} {
		os.MkdirAll(filepath.Join(root, class), 0755)
	}
	writeSolid(t, filepath.Join(root, "A", "img_2.png"), [3]float64{0, 255, 0})
	writeSolid(t, filepath.Join(root, "A", "img_1.png"), [3]float64{128, 128, 128})
	writeSolid(t, filepath.Join(root, "B", "img_1.png"), [3]float64{0, 0, 255})

	reports, err := Dataset(root, nil, nil)
	if err != nil {
		t.Fatalf("Dataset() error: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[0].Class != "A" || filepath.Base(reports[0].Path) != "img_1.png" {
		t.Errorf("first report = %s %s, want A img_1.png", reports[0].Class, reports[0].Path)
	}
	if reports[0].Overlay() {
		t.Error("class A sample should not be flagged")
	}
	if reports[1].Class != "B" || !reports[1].Overlay() {
		t.Errorf("class B sample should be flagged: %+v", reports[1])
	}

	t.Run("empty", func(t *testing.T) {
		if _, err := Dataset(t.TempDir(), nil, nil); !errors.Is(err, dataset.ErrEmptyDataset) {
			t.Errorf("Dataset() error = %v, want ErrEmptyDataset", err)
		}
	})
}
