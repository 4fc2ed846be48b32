package labels

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Manifest is the label descriptor read by the browser front-end.
type Manifest struct {
	Labels     []string `json:"labels"`
	NumClasses int      `json:"num_classes"`
	ImgSize    int      `json:"img_size,omitempty"`
}

// WriteText writes one class name per line.
func WriteText(path string, classes []string) error {
	var b strings.Builder
	for _, c := range classes {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// ReadText reads a newline-delimited label list, ignoring a trailing empty line.
func ReadText(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

// WriteJSONIndex writes {"0": "A", "1": "B", ...}.
func WriteJSONIndex(path string, classes []string) error {
	m := make(map[string]string, len(classes))
	for i, c := range classes {
		m[strconv.Itoa(i)] = c
	}
	return writeJSON(path, m)
}

// ReadJSONIndex reads the index dictionary form back into an ordered list.
func ReadJSONIndex(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]string, len(m))
	for k, v := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(m) {
			return nil, fmt.Errorf("parse %s: bad index %q", path, k)
		}
		out[i] = v
	}
	return out, nil
}

// WriteJSONList writes ["A", "B", ...].
func WriteJSONList(path string, classes []string) error {
	return writeJSON(path, classes)
}

// WriteJSONManifest writes the {"labels": [...], "num_classes": n, "img_size": s} form.
// imgSize is omitted when zero.
func WriteJSONManifest(path string, classes []string, imgSize int) error {
	return writeJSON(path, Manifest{
		Labels:     classes,
		NumClasses: len(classes),
		ImgSize:    imgSize,
	})
}

// WriteEncoder persists a fitted encoder.
func WriteEncoder(path string, e *Encoder) error {
	return writeJSON(path, struct {
		Classes []string `json:"classes"`
	}{Classes: e.classes})
}

// ReadEncoder loads an encoder written by WriteEncoder.
func ReadEncoder(path string) (*Encoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewEncoder(v.Classes)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
