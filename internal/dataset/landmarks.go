package dataset

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/ayusman/senas/internal/detector"
	"gocv.io/x/gocv"
)

// Landmarks holds one 63-value feature row per image in which a hand was found.
type Landmarks struct {
	Features [][]float32
	Labels   []string
	Report   Report
}

// LandmarkLoader extracts hand landmarks from dataset images.
type LandmarkLoader struct {
	Detector detector.Detector
	// Normalize moves the wrist to the origin and scales the palm to unit length
	// before flattening.
	Normalize bool
}

// Load runs the detector over every image under root. Images that cannot be
// read or contain no hand are counted and skipped.
func (l LandmarkLoader) Load(ctx context.Context, root string) (*Landmarks, error) {
	if l.Detector == nil {
		return nil, fmt.Errorf("landmark loader has no detector")
	}
	classes, err := ListClasses(root)
	if err != nil {
		return nil, err
	}

	out := &Landmarks{}
	for _, class := range classes {
		paths, err := ListImages(filepath.Join(root, class))
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			features, reason := l.extract(p)
			if reason != "" {
				out.Report.failed(class, reason)
				continue
			}
			out.Features = append(out.Features, features)
			out.Labels = append(out.Labels, class)
			out.Report.loaded(class)
		}
		if c := out.Report.class(class); c.Loaded > 0 || c.Failed > 0 {
			log.Printf("Processed %s: %d with hand, %d skipped", class, c.Loaded, c.Failed)
		}
	}

	if len(out.Features) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrEmptyDataset)
	}
	return out, nil
}

func (l LandmarkLoader) extract(path string) ([]float32, string) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return nil, ReasonUnreadable
	}

	hands, err := l.Detector.Detect(&img)
	if err != nil {
		log.Printf("Detector failed on %s: %v", path, err)
		return nil, ReasonDetector
	}
	if len(hands) == 0 {
		return nil, ReasonNoHand
	}

	hand := &hands[0]
	if l.Normalize {
		hand = hand.Normalize()
	}
	return hand.Features(), ""
}
