// Package labels maps class-name strings to integer indices and writes the
// label files consumed by the web and mobile front-ends.
package labels

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownLabel is returned when transforming a label the encoder was not fitted on.
var ErrUnknownLabel = errors.New("unknown label")

// Encoder assigns each distinct label an index in sorted order.
type Encoder struct {
	classes []string
	index   map[string]int
}

// NewEncoder returns an encoder fitted on the given class list.
// The list is used as-is and must already be sorted and unique.
func NewEncoder(classes []string) (*Encoder, error) {
	e := &Encoder{}
	if err := e.setClasses(classes); err != nil {
		return nil, err
	}
	return e, nil
}

// Fit learns the sorted set of distinct labels.
func (e *Encoder) Fit(labels []string) *Encoder {
	seen := make(map[string]struct{}, len(labels))
	classes := make([]string, 0)
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		classes = append(classes, l)
	}
	sort.Strings(classes)
	e.setClasses(classes)
	return e
}

func (e *Encoder) setClasses(classes []string) error {
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		if i > 0 && classes[i-1] >= c {
			return fmt.Errorf("classes must be sorted and unique: %q after %q", c, classes[i-1])
		}
		index[c] = i
	}
	e.classes = append([]string(nil), classes...)
	e.index = index
	return nil
}

// FitTransform fits the encoder and returns the encoded labels.
func (e *Encoder) FitTransform(labels []string) []int {
	e.Fit(labels)
	out, _ := e.Transform(labels)
	return out
}

// Transform encodes labels to indices.
func (e *Encoder) Transform(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		idx, ok := e.index[l]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, l)
		}
		out[i] = idx
	}
	return out, nil
}

// InverseTransform decodes indices back to labels.
func (e *Encoder) InverseTransform(indices []int) ([]string, error) {
	out := make([]string, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(e.classes) {
			return nil, fmt.Errorf("%w: index %d", ErrUnknownLabel, idx)
		}
		out[i] = e.classes[idx]
	}
	return out, nil
}

// OneHot expands indices into rows of length Len() with a single 1.
func (e *Encoder) OneHot(indices []int) ([][]float32, error) {
	n := len(e.classes)
	out := make([][]float32, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: index %d", ErrUnknownLabel, idx)
		}
		row := make([]float32, n)
		row[idx] = 1
		out[i] = row
	}
	return out, nil
}

// Classes returns a copy of the fitted class names in index order.
func (e *Encoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Len returns the number of classes.
func (e *Encoder) Len() int {
	return len(e.classes)
}
