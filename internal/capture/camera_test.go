package capture

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"
)

func TestNewCamera_NotOpen(t *testing.T) {
	cam := NewCamera(DefaultCameraConfig())

	if cam.IsOpen() {
		t.Error("camera should not be open before Open()")
	}
	if _, err := cam.ReadFrame(); !errors.Is(err, ErrCameraNotOpen) {
		t.Errorf("ReadFrame() error = %v, want ErrCameraNotOpen", err)
	}
	if err := cam.Close(); err != nil {
		t.Errorf("Close() on a closed camera should return nil, got: %v", err)
	}
}

func TestCamera_OpenClose_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cam := NewCamera(DefaultCameraConfig())
	if err := cam.Open(); err != nil {
		t.Skipf("skipping test - camera not available: %v", err)
	}
	if !cam.IsOpen() {
		t.Error("IsOpen() should return true after Open()")
	}

	mat, err := cam.ReadFrame()
	if err != nil {
		t.Errorf("ReadFrame() failed: %v", err)
	} else {
		if mat.Cols() != DefaultWidth || mat.Rows() != DefaultHeight {
			t.Logf("frame is %dx%d, camera may not support %dx%d", mat.Cols(), mat.Rows(), DefaultWidth, DefaultHeight)
		}
		mat.Close()
	}

	if err := cam.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if cam.IsOpen() {
		t.Error("IsOpen() should return false after Close()")
	}
}

func TestMockCamera(t *testing.T) {
	black := solid(0)
	defer black.Close()
	white := solid(255)
	defer white.Close()

	t.Run("playback", func(t *testing.T) {
		cam := NewMockCamera([]*gocv.Mat{&black, &white}, false)
		if _, err := cam.ReadFrame(); !errors.Is(err, ErrCameraNotOpen) {
			t.Errorf("ReadFrame() before Open() error = %v", err)
		}
		cam.Open()
		defer cam.Close()

		for i := 0; i < 2; i++ {
			f, err := cam.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame() %d error: %v", i, err)
			}
			f.Close()
		}
		if _, err := cam.ReadFrame(); err == nil {
			t.Error("expected error after all frames consumed")
		}
		if cam.Reads() != 2 {
			t.Errorf("Reads() = %d, want 2", cam.Reads())
		}
	})

	t.Run("loop", func(t *testing.T) {
		cam := NewMockCamera([]*gocv.Mat{&black}, true)
		cam.Open()
		defer cam.Close()

		for i := 0; i < 5; i++ {
			f, err := cam.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame() iteration %d error: %v", i, err)
			}
			f.Close()
		}
	})
}
