package capture

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

// fakeClock advances one millisecond per call so file names never collide.
func fakeClock() func() time.Time {
	t := time.Unix(1733760813, 0)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestFileName(t *testing.T) {
	got := FileName(time.Unix(1733760813, 500000000))
	if got != "Image_1733760813.5.jpg" {
		t.Errorf("FileName() = %q", got)
	}
}

func TestCollector_Collect(t *testing.T) {
	black := solid(0)
	defer black.Close()
	white := solid(255)
	defer white.Close()

	root := t.TempDir()
	cam := NewMockCamera([]*gocv.Mat{&black, &white}, true)
	c := &Collector{Camera: cam, Root: root, Motion: NewMotionDetector(1.0), now: fakeClock()}
	defer c.Motion.Close()

	paths, err := c.Collect(context.Background(), "A", 4)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("saved %d frames, want 4", len(paths))
	}
	if !cam.IsOpen() {
		t.Error("Collect() should open the camera")
	}

	entries, err := os.ReadDir(filepath.Join(root, "A"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Errorf("dataset dir has %d files, want 4", len(entries))
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "Image_") || !strings.HasSuffix(e.Name(), ".jpg") {
			t.Errorf("unexpected file name %q", e.Name())
		}
	}
}

func TestCollector_SkipsDuplicates(t *testing.T) {
	black := solid(0)
	defer black.Close()

	cam := NewMockCamera([]*gocv.Mat{&black}, true)
	c := &Collector{Camera: cam, Root: t.TempDir(), Motion: NewMotionDetector(1.0), now: fakeClock()}
	defer c.Motion.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	paths, err := c.Collect(ctx, "B", 2)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Collect() error = %v, want deadline exceeded", err)
	}
	if len(paths) != 1 {
		t.Errorf("saved %d frames, want only the first", len(paths))
	}
	if cam.Reads() < 2 {
		t.Errorf("camera read %d frames, expected duplicates to be read and skipped", cam.Reads())
	}
}

func TestCollector_Mirror(t *testing.T) {
	frame := solid(0)
	defer frame.Close()
	left := frame.Region(image.Rect(0, 0, 80, 120))
	left.SetTo(gocv.NewScalar(255, 255, 255, 0))
	left.Close()

	c := &Collector{Camera: NewMockCamera([]*gocv.Mat{&frame}, false), Root: t.TempDir(), Mirror: true, now: fakeClock()}
	paths, err := c.Collect(context.Background(), "C", 1)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	saved := gocv.IMRead(paths[0], gocv.IMReadColor)
	defer saved.Close()
	if saved.Empty() {
		t.Fatal("saved frame could not be read back")
	}
	if v := saved.GetVecbAt(60, 10)[0]; v > 50 {
		t.Errorf("left side = %d, want dark after mirroring", v)
	}
	if v := saved.GetVecbAt(60, 150)[0]; v < 200 {
		t.Errorf("right side = %d, want bright after mirroring", v)
	}
}

func TestCollector_Errors(t *testing.T) {
	t.Run("invalid label", func(t *testing.T) {
		c := &Collector{Camera: NewMockCamera(nil, false), Root: t.TempDir()}
		for _, label := range []string{"", "../A", "a/b"} {
			if _, err := c.Collect(context.Background(), label, 1); err == nil {
				t.Errorf("label %q: expected an error", label)
			}
		}
	})

	t.Run("camera error", func(t *testing.T) {
		c := &Collector{Camera: NewMockCamera(nil, false), Root: t.TempDir()}
		if _, err := c.Collect(context.Background(), "A", 1); err == nil {
			t.Error("expected the camera error to be returned")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		black := solid(0)
		defer black.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := &Collector{Camera: NewMockCamera([]*gocv.Mat{&black}, true), Root: t.TempDir()}
		if _, err := c.Collect(ctx, "A", 1); !errors.Is(err, context.Canceled) {
			t.Errorf("Collect() error = %v, want context.Canceled", err)
		}
	})
}
