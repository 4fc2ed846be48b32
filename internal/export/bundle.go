package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Bundle member names.
const (
	BundleModel    = "model.tflite"
	BundleLabels   = "labels.txt"
	BundleMetadata = "metadata.json"
)

// ErrInvalidBundle is returned when a .task bundle does not have the expected layout.
var ErrInvalidBundle = errors.New("invalid bundle")

// Bundle is the content of a .task file.
type Bundle struct {
	Model    []byte
	Labels   []string
	Metadata BundleInfo
}

// WriteBundle packages b as an uncompressed zip at path. The file is written
// next to path and renamed into place once complete.
func WriteBundle(path string, b Bundle) error {
	if len(b.Model) == 0 {
		return fmt.Errorf("%w: empty model", ErrInvalidBundle)
	}
	if !slices.Equal(b.Labels, b.Metadata.Labels) {
		return fmt.Errorf("%w: metadata labels differ from label list", ErrInvalidBundle)
	}

	meta, err := json.MarshalIndent(b.Metadata, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	members := []struct {
		name string
		data []byte
	}{
		{BundleModel, b.Model},
		{BundleLabels, []byte(strings.Join(b.Labels, "\n"))},
		{BundleMetadata, meta},
	}
	for _, m := range members {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: m.name, Method: zip.Store})
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(m.data); err != nil {
			tmp.Close()
			return fmt.Errorf("write %s: %w", m.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadBundle opens a .task file and checks that it holds exactly the model,
// labels and metadata, all stored uncompressed, with matching label lists.
func ReadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.Method != zip.Store {
			return nil, fmt.Errorf("%w: %s is compressed", ErrInvalidBundle, f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		files[f.Name] = content
	}

	if len(files) != 3 || len(zr.File) != 3 {
		return nil, fmt.Errorf("%w: expected 3 members, found %d", ErrInvalidBundle, len(zr.File))
	}
	for _, name := range []string{BundleModel, BundleLabels, BundleMetadata} {
		if _, ok := files[name]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidBundle, name)
		}
	}

	b := &Bundle{Model: files[BundleModel]}
	if err := json.Unmarshal(files[BundleMetadata], &b.Metadata); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidBundle, BundleMetadata, err)
	}
	if text := strings.TrimRight(string(files[BundleLabels]), "\n"); text != "" {
		b.Labels = strings.Split(text, "\n")
	}
	if !slices.Equal(b.Labels, b.Metadata.Labels) {
		return nil, fmt.Errorf("%w: %s and %s disagree", ErrInvalidBundle, BundleLabels, BundleMetadata)
	}
	return b, nil
}
