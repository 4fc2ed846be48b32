package dataset

import (
	"context"
	"fmt"
	"image"
	"log"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/nfnt/resize"
	"gocv.io/x/gocv"
)

// Channels is the number of color channels in every loaded image tensor.
const Channels = 3

// Images holds decoded pixel tensors in row-major HWC layout, RGB order,
// values scaled to [0, 1].
type Images struct {
	Pixels   [][]float32
	Labels   []string
	Height   int
	Width    int
	Channels int
	Report   Report
}

// Loader decodes the images of a dataset directory.
type Loader struct {
	// Size is the square edge every image is resized to.
	Size int
	// Workers bounds concurrent decodes. Zero means GOMAXPROCS.
	Workers int
}

// LoadImages reads every class directory under root.
func (l Loader) LoadImages(ctx context.Context, root string) (*Images, error) {
	if l.Size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", l.Size)
	}
	classes, err := ListClasses(root)
	if err != nil {
		return nil, err
	}

	workers := l.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := &Images{Height: l.Size, Width: l.Size, Channels: Channels}
	for _, class := range classes {
		paths, err := ListImages(filepath.Join(root, class))
		if err != nil {
			return nil, err
		}

		pixels := make([][]float32, len(paths))
		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup
		for i, p := range paths {
			if err := ctx.Err(); err != nil {
				wg.Wait()
				return nil, err
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, p string) {
				defer wg.Done()
				defer func() { <-sem }()
				px, err := DecodeImage(p, l.Size)
				if err != nil {
					log.Printf("Skipping %s: %v", p, err)
					return
				}
				pixels[i] = px
			}(i, p)
		}
		wg.Wait()

		for _, px := range pixels {
			if px == nil {
				out.Report.failed(class, ReasonUnreadable)
				continue
			}
			out.Pixels = append(out.Pixels, px)
			out.Labels = append(out.Labels, class)
			out.Report.loaded(class)
		}
	}

	if len(out.Pixels) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrEmptyDataset)
	}
	return out, nil
}

// DecodeImage reads an image file and returns a size x size x 3 RGB tensor.
func DecodeImage(path string, size int) ([]float32, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrUnreadable, path)
	}
	return MatToTensor(img, size)
}

// MatToTensor resizes a BGR Mat and returns its RGB pixels scaled to [0, 1].
func MatToTensor(src gocv.Mat, size int) ([]float32, error) {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Point{X: size, Y: size}, 0, 0, gocv.InterpolationLinear)

	rgb := gocv.NewMat()
	defer rgb.Close()
	switch resized.Channels() {
	case 1:
		gocv.CvtColor(resized, &rgb, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(resized, &rgb, gocv.ColorBGRAToRGB)
	default:
		gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)
	}

	scaled := gocv.NewMat()
	defer scaled.Close()
	rgb.ConvertToWithParams(&scaled, gocv.MatTypeCV32FC3, 1.0/255.0, 0)

	data, err := scaled.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// FromImage converts a decoded image.Image to the same tensor layout as
// DecodeImage, for inputs that arrive over HTTP instead of from disk.
func FromImage(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	b := resized.Bounds()

	out := make([]float32, 0, size*size*Channels)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := resized.At(x, y).RGBA()
			out = append(out,
				float32(r>>8)/255,
				float32(g>>8)/255,
				float32(bl>>8)/255,
			)
		}
	}
	return out
}
