// Package scaler standardizes feature columns to zero mean and unit variance.
package scaler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// Standard holds per-column mean and scale learned by Fit.
type Standard struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Fit learns column statistics. Columns with zero variance get scale 1.
func (s *Standard) Fit(rows [][]float32) error {
	if len(rows) == 0 {
		return errors.New("no rows to fit")
	}
	width := len(rows[0])
	mean := make([]float64, width)
	for i, r := range rows {
		if len(r) != width {
			return fmt.Errorf("row %d has %d columns, expected %d", i, len(r), width)
		}
		for j, v := range r {
			mean[j] += float64(v)
		}
	}
	n := float64(len(rows))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, width)
	for _, r := range rows {
		for j, v := range r {
			d := float64(v) - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] < 1e-12 {
			scale[j] = 1
		}
	}

	s.Mean = mean
	s.Scale = scale
	return nil
}

// Transform returns standardized copies of rows.
func (s *Standard) Transform(rows [][]float32) ([][]float32, error) {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		if len(r) != len(s.Mean) {
			return nil, fmt.Errorf("row %d has %d columns, scaler fitted on %d", i, len(r), len(s.Mean))
		}
		o := make([]float32, len(r))
		for j, v := range r {
			o[j] = float32((float64(v) - s.Mean[j]) / s.Scale[j])
		}
		out[i] = o
	}
	return out, nil
}

// FitTransform fits and transforms in one call.
func (s *Standard) FitTransform(rows [][]float32) ([][]float32, error) {
	if err := s.Fit(rows); err != nil {
		return nil, err
	}
	return s.Transform(rows)
}

// Save writes the scaler as JSON.
func (s *Standard) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a scaler written by Save.
func Load(path string) (*Standard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Standard
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(s.Mean) != len(s.Scale) {
		return nil, fmt.Errorf("parse %s: mean and scale lengths differ", path)
	}
	return &s, nil
}
