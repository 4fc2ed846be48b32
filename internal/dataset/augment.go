package dataset

import (
	"image"
	"image/color"
	"math/rand"

	"gocv.io/x/gocv"
)

// Augmenter applies random affine jitter and horizontal flips to HWC tensors.
// Pixels shifted in from outside the frame repeat the nearest edge.
type Augmenter struct {
	Height, Width int
	Rotation      float64 // max degrees either way
	Shift         float64 // max fraction of width/height
	Zoom          float64 // max fraction either way
	Flip          bool

	rng *rand.Rand
}

// NewAugmenter returns the augmentation used by the deeper CNN preset:
// 10 degree rotation, 10% shift, 10% zoom, horizontal flips.
func NewAugmenter(height, width int, seed int64) *Augmenter {
	return &Augmenter{
		Height:   height,
		Width:    width,
		Rotation: 10,
		Shift:    0.1,
		Zoom:     0.1,
		Flip:     true,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (a *Augmenter) uniform(limit float64) float64 {
	return (a.rng.Float64()*2 - 1) * limit
}

// Apply returns an augmented copy of pixels. The input is left untouched.
// Not safe for concurrent use.
func (a *Augmenter) Apply(pixels []float32) []float32 {
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(1))
	}

	src := gocv.NewMatWithSize(a.Height, a.Width, gocv.MatTypeCV32FC3)
	defer src.Close()
	data, err := src.DataPtrFloat32()
	if err != nil || len(data) != len(pixels) {
		return append([]float32(nil), pixels...)
	}
	copy(data, pixels)

	center := image.Point{X: a.Width / 2, Y: a.Height / 2}
	m := gocv.GetRotationMatrix2D(center, a.uniform(a.Rotation), 1+a.uniform(a.Zoom))
	defer m.Close()
	m.SetDoubleAt(0, 2, m.GetDoubleAt(0, 2)+a.uniform(a.Shift)*float64(a.Width))
	m.SetDoubleAt(1, 2, m.GetDoubleAt(1, 2)+a.uniform(a.Shift)*float64(a.Height))

	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpAffineWithParams(src, &warped, m, image.Point{X: a.Width, Y: a.Height},
		gocv.InterpolationLinear, gocv.BorderReplicate, color.RGBA{})

	if a.Flip && a.rng.Intn(2) == 1 {
		flipped := gocv.NewMat()
		defer flipped.Close()
		gocv.Flip(warped, &flipped, 1)
		return matFloats(flipped, pixels)
	}
	return matFloats(warped, pixels)
}

func matFloats(m gocv.Mat, fallback []float32) []float32 {
	data, err := m.DataPtrFloat32()
	if err != nil || len(data) != len(fallback) {
		return append([]float32(nil), fallback...)
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out
}
