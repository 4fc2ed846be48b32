package dataset

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ayusman/senas/internal/detector"
	"gocv.io/x/gocv"
)

// writeImage writes a solid-color image; bgr is in OpenCV channel order.
func writeImage(t *testing.T, path string, w, h int, bgr [3]float64) {
	t.Helper()
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(bgr[0], bgr[1], bgr[2], 0), h, w, gocv.MatTypeCV8UC3)
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		t.Fatalf("failed to write %s", path)
	}
}

// makeDataset builds root/<class>/img_<i>.png for each class count.
func makeDataset(t *testing.T, counts map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for class, n := range counts {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			writeImage(t, filepath.Join(dir, "img_"+string(rune('a'+i))+".png"), 40, 30, [3]float64{0, 0, 255})
		}
	}
	return root
}

func TestIsImage(t *testing.T) {
	tests := map[string]bool{
		"a.jpg":  true,
		"a.JPG":  true,
		"a.jpeg": true,
		"a.png":  true,
		"a.gif":  false,
		"a.txt":  false,
		"jpg":    false,
	}
	for name, want := range tests {
		if got := IsImage(name); got != want {
			t.Errorf("IsImage(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestListClasses(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"C", "A", "B", ".hidden"} {
		os.Mkdir(filepath.Join(root, d), 0755)
	}
	os.WriteFile(filepath.Join(root, "README.txt"), []byte("x"), 0644)

	got, err := ListClasses(root)
	if err != nil {
		t.Fatalf("ListClasses() error = %v", err)
	}
	want := []string{"A", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("ListClasses() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListClasses()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := ListClasses(filepath.Join(root, "missing")); err == nil {
		t.Error("expected error for missing dataset dir")
	}
}

func TestLoader_LoadImages(t *testing.T) {
	root := makeDataset(t, map[string]int{"A": 3, "B": 2})
	os.WriteFile(filepath.Join(root, "B", "broken.jpg"), []byte("not an image"), 0644)
	os.WriteFile(filepath.Join(root, "B", "notes.txt"), []byte("ignored"), 0644)

	imgs, err := Loader{Size: 16, Workers: 2}.LoadImages(context.Background(), root)
	if err != nil {
		t.Fatalf("LoadImages() error = %v", err)
	}

	t.Run("labels match samples", func(t *testing.T) {
		if len(imgs.Pixels) != 5 || len(imgs.Labels) != 5 {
			t.Fatalf("got %d pixels, %d labels, want 5 each", len(imgs.Pixels), len(imgs.Labels))
		}
	})

	t.Run("every tensor is HxWx3", func(t *testing.T) {
		if imgs.Height != 16 || imgs.Width != 16 || imgs.Channels != 3 {
			t.Errorf("shape = %dx%dx%d", imgs.Height, imgs.Width, imgs.Channels)
		}
		for i, px := range imgs.Pixels {
			if len(px) != 16*16*3 {
				t.Errorf("sample %d has %d values, want %d", i, len(px), 16*16*3)
			}
		}
	})

	t.Run("RGB order scaled to unit range", func(t *testing.T) {
		px := imgs.Pixels[0]
		if math.Abs(float64(px[0])-1) > 1e-3 || px[1] > 1e-3 || px[2] > 1e-3 {
			t.Errorf("first pixel = (%f, %f, %f), want red (1, 0, 0)", px[0], px[1], px[2])
		}
	})

	t.Run("failures are counted", func(t *testing.T) {
		loaded, failed := imgs.Report.Totals()
		if loaded != 5 || failed != 1 {
			t.Errorf("Totals() = (%d, %d), want (5, 1)", loaded, failed)
		}
	})
}

func TestLoader_EmptyDataset(t *testing.T) {
	root := t.TempDir()
	os.Mkdir(filepath.Join(root, "A"), 0755)

	_, err := Loader{Size: 8}.LoadImages(context.Background(), root)
	if !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("error = %v, want ErrEmptyDataset", err)
	}
}

func TestLoader_Cancelled(t *testing.T) {
	root := makeDataset(t, map[string]int{"A": 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := (Loader{Size: 8}).LoadImages(ctx, root); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestFromImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: 0, G: 255, B: 0, A: 255})
		}
	}

	px := FromImage(img, 8)
	if len(px) != 8*8*3 {
		t.Fatalf("len = %d, want %d", len(px), 8*8*3)
	}
	if px[0] != 0 || px[1] != 1 || px[2] != 0 {
		t.Errorf("first pixel = (%f, %f, %f), want green", px[0], px[1], px[2])
	}
}

func TestLandmarkLoader(t *testing.T) {
	root := makeDataset(t, map[string]int{"A": 2, "B": 2})

	mock := detector.NewMockDetector()
	mock.Queue(
		[]detector.HandLandmarks{detector.LetterALandmarks()},
		nil,
		[]detector.HandLandmarks{detector.LetterBLandmarks()},
		[]detector.HandLandmarks{detector.LetterBLandmarks()},
	)

	got, err := LandmarkLoader{Detector: mock}.Load(context.Background(), root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(got.Features) != 3 || len(got.Labels) != 3 {
		t.Fatalf("got %d features, %d labels, want 3 each", len(got.Features), len(got.Labels))
	}
	for i, f := range got.Features {
		if len(f) != detector.NumFeatures {
			t.Errorf("row %d has %d features, want %d", i, len(f), detector.NumFeatures)
		}
	}
	if got.Labels[0] != "A" || got.Labels[1] != "B" {
		t.Errorf("labels = %v", got.Labels)
	}

	a := got.Report.Classes[0]
	if a.Class != "A" || a.Loaded != 1 || a.Failures[ReasonNoHand] != 1 {
		t.Errorf("class A report = %+v", a)
	}
	if mock.Calls() != 4 {
		t.Errorf("detector called %d times, want 4", mock.Calls())
	}
}

func TestLandmarkLoader_DetectorError(t *testing.T) {
	root := makeDataset(t, map[string]int{"A": 2})
	mock := detector.NewMockDetector()
	mock.SetError(errors.New("helper crashed"))

	_, err := LandmarkLoader{Detector: mock}.Load(context.Background(), root)
	if !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("error = %v, want ErrEmptyDataset", err)
	}
}

func TestAugmenter(t *testing.T) {
	const h, w = 12, 10
	pixels := make([]float32, h*w*3)
	for i := range pixels {
		pixels[i] = 0.5
	}
	orig := append([]float32(nil), pixels...)

	aug := NewAugmenter(h, w, 3)
	for i := 0; i < 5; i++ {
		out := aug.Apply(pixels)
		if len(out) != len(pixels) {
			t.Fatalf("len = %d, want %d", len(out), len(pixels))
		}
		// A constant image stays constant under replicate-bordered warps.
		for j, v := range out {
			if math.Abs(float64(v)-0.5) > 1e-4 {
				t.Fatalf("pixel %d = %f, want 0.5", j, v)
			}
		}
	}
	for i := range pixels {
		if pixels[i] != orig[i] {
			t.Fatal("Apply modified its input")
		}
	}
}
