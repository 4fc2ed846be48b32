// Package nn builds, trains and evaluates sequential classifiers on top of the
// Gorgonia graph library.
//
// A Model pairs an Architecture with its weights. Training and inference
// compile the architecture into Gorgonia expression graphs whose weight nodes
// read from the Model's parameter slices, so weights live in exactly one place.
package nn

import (
	"bufio"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"gorgonia.org/tensor"
)

// Native model file names.
const (
	ArchitectureFile = "architecture.json"
	WeightsFile      = "weights.bin.z"
)

// ErrShapeMismatch is returned when inputs or stored weights do not fit the architecture.
var ErrShapeMismatch = errors.New("shape mismatch")

// Param is one weight tensor.
type Param struct {
	ParamSpec
	Data []float32
}

// Tensor wraps the parameter data without copying.
func (p *Param) Tensor() *tensor.Dense {
	return tensor.New(tensor.WithShape(p.Shape...), tensor.WithBacking(p.Data))
}

// Model is a sequential classifier and its weights.
type Model struct {
	Arch   Architecture
	Params []*Param

	shapes [][]int

	mu   sync.Mutex
	eval *graph
}

// New allocates a model with Glorot-uniform kernels and zero biases. Batch
// normalization starts as the identity: unit gamma and variance, zero beta and
// mean.
func New(arch Architecture, seed int64) (*Model, error) {
	arch = arch.WithNames()
	shapes, specs, err := arch.Shapes()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	m := &Model{Arch: arch, shapes: shapes}
	for _, s := range specs {
		p := &Param{ParamSpec: s, Data: make([]float32, s.Size())}
		switch s.Name {
		case "kernel":
			fanIn, fanOut := fans(s.Shape)
			limit := math.Sqrt(6 / float64(fanIn+fanOut))
			for i := range p.Data {
				p.Data[i] = float32((rng.Float64()*2 - 1) * limit)
			}
		case "gamma", MovingVariance:
			for i := range p.Data {
				p.Data[i] = 1
			}
		}
		m.Params = append(m.Params, p)
	}
	return m, nil
}

func fans(shape []int) (in, out int) {
	if len(shape) == 4 {
		receptive := shape[2] * shape[3]
		return shape[1] * receptive, shape[0] * receptive
	}
	return shape[0], shape[1]
}

// OutputShapes returns the channels-last output shape of every layer.
func (m *Model) OutputShapes() [][]int {
	return m.shapes
}

// LayerParams returns the kernel and bias of layer i, or nil if it has none.
func (m *Model) LayerParams(i int) (kernel, bias *Param) {
	return m.LayerParam(i, "kernel"), m.LayerParam(i, "bias")
}

// LayerParam returns the tensor of layer i called name, or nil.
func (m *Model) LayerParam(i int, name string) *Param {
	for _, p := range m.Params {
		if p.Layer == i && p.Name == name {
			return p
		}
	}
	return nil
}

// CountParams returns the total number of scalars, moving statistics included,
// as Keras's model summary counts them.
func (m *Model) CountParams() int {
	n := 0
	for _, p := range m.Params {
		n += len(p.Data)
	}
	return n
}

func (m *Model) snapshot() [][]float32 {
	out := make([][]float32, len(m.Params))
	for i, p := range m.Params {
		out[i] = append([]float32(nil), p.Data...)
	}
	return out
}

func (m *Model) restore(snap [][]float32) {
	for i, p := range m.Params {
		copy(p.Data, snap[i])
	}
}

// Save writes architecture.json and the zlib-compressed little-endian float32
// weights, in parameter order, to dir.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	arch, err := json.MarshalIndent(m.Arch, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ArchitectureFile), arch, 0644); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, WeightsFile))
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zlib.NewWriter(f)
	bw := bufio.NewWriter(zw)
	for _, p := range m.Params {
		if err := binary.Write(bw, binary.LittleEndian, p.Data); err != nil {
			return fmt.Errorf("write %s/%s: %w", m.Arch.Layers[p.Layer].Name, p.Name, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

// Load reads a model written by Save.
func Load(dir string) (*Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, ArchitectureFile))
	if err != nil {
		return nil, err
	}
	var arch Architecture
	if err := json.Unmarshal(data, &arch); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ArchitectureFile, err)
	}

	m, err := New(arch, 0)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", WeightsFile, err)
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	for _, p := range m.Params {
		if err := binary.Read(br, binary.LittleEndian, p.Data); err != nil {
			return nil, fmt.Errorf("%w: reading %s/%s: %v", ErrShapeMismatch, m.Arch.Layers[p.Layer].Name, p.Name, err)
		}
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: %s has trailing data", ErrShapeMismatch, WeightsFile)
	}
	return m, nil
}
