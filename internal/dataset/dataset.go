// Package dataset loads a directory-per-class image dataset into training
// tensors, either as raw pixels or as hand landmark features.
//
// The expected layout is:
//
//	root/
//	  A/   image files for class "A"
//	  B/
//	  ...
//
// Only .jpg, .jpeg and .png files are read. Files that fail to decode are
// skipped and counted in the Report.
package dataset

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrEmptyDataset is returned when no sample could be loaded.
	ErrEmptyDataset = errors.New("no samples loaded")
	// ErrNoHand is recorded when the detector finds no hand in an image.
	ErrNoHand = errors.New("no hand detected")
	// ErrUnreadable is returned when an image file cannot be decoded.
	ErrUnreadable = errors.New("unreadable image")
)

// Failure reasons recorded in the Report.
const (
	ReasonUnreadable = "unreadable image"
	ReasonNoHand     = "no hand detected"
	ReasonDetector   = "detector error"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// IsImage reports whether name has one of the accepted image extensions.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ListClasses returns the sorted names of the subdirectories of root.
func ListClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	return classes, nil
}

// ListImages returns the sorted paths of image files directly inside dir.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsImage(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ClassReport counts what happened to the files of one class.
type ClassReport struct {
	Class    string         `json:"class"`
	Loaded   int            `json:"loaded"`
	Failed   int            `json:"failed"`
	Failures map[string]int `json:"failures,omitempty"`
}

// Report summarizes a dataset load.
type Report struct {
	Classes []ClassReport `json:"classes"`
}

func (r *Report) class(name string) *ClassReport {
	for i := range r.Classes {
		if r.Classes[i].Class == name {
			return &r.Classes[i]
		}
	}
	r.Classes = append(r.Classes, ClassReport{Class: name})
	return &r.Classes[len(r.Classes)-1]
}

func (r *Report) loaded(class string) {
	r.class(class).Loaded++
}

func (r *Report) failed(class, reason string) {
	c := r.class(class)
	c.Failed++
	if c.Failures == nil {
		c.Failures = make(map[string]int)
	}
	c.Failures[reason]++
}

// Totals returns the loaded and failed counts over all classes.
func (r *Report) Totals() (loaded, failed int) {
	for _, c := range r.Classes {
		loaded += c.Loaded
		failed += c.Failed
	}
	return loaded, failed
}

// Log prints one line per class and a total.
func (r *Report) Log() {
	for _, c := range r.Classes {
		if c.Failed > 0 {
			log.Printf("  %s: %d loaded, %d failed %v", c.Class, c.Loaded, c.Failed, c.Failures)
		} else {
			log.Printf("  %s: %d loaded", c.Class, c.Loaded)
		}
	}
	loaded, failed := r.Totals()
	log.Printf("Total: %d samples in %d classes (%d skipped)", loaded, len(r.Classes), failed)
}
