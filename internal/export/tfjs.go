// Package export serializes trained models into the formats the browser and
// mobile clients load, and packages them with their labels.
package export

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/ayusman/senas/internal/nn"
)

// TF.js layers-model constants.
const (
	ModelJSON     = "model.json"
	ShardMaxBytes = 4 * 1024 * 1024
	kerasVersion  = "2.15.0"
)

// TFJSModel is the model.json document of a TF.js layers model.
type TFJSModel struct {
	Format          string         `json:"format"`
	GeneratedBy     string         `json:"generatedBy"`
	ConvertedBy     string         `json:"convertedBy"`
	ModelTopology   Topology       `json:"modelTopology"`
	WeightsManifest []WeightsGroup `json:"weightsManifest"`
}

// Topology wraps the Keras model config.
type Topology struct {
	KerasVersion string      `json:"keras_version"`
	Backend      string      `json:"backend"`
	ModelConfig  ModelConfig `json:"model_config"`
}

// ModelConfig is a Keras Sequential model config.
type ModelConfig struct {
	ClassName string `json:"class_name"`
	Config    struct {
		Name   string       `json:"name"`
		Layers []KerasLayer `json:"layers"`
	} `json:"config"`
}

// KerasLayer is one serialized Keras layer.
type KerasLayer struct {
	ClassName string         `json:"class_name"`
	Config    map[string]any `json:"config"`
}

// WeightsGroup lists shard files and the tensors packed into them, in order.
type WeightsGroup struct {
	Paths   []string      `json:"paths"`
	Weights []WeightEntry `json:"weights"`
}

// WeightEntry describes one tensor in the shards.
type WeightEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
}

var (
	glorotUniform = map[string]any{"class_name": "GlorotUniform", "config": map[string]any{"seed": nil}}
	zeros         = map[string]any{"class_name": "Zeros", "config": map[string]any{}}
	ones          = map[string]any{"class_name": "Ones", "config": map[string]any{}}
)

// batchNormWeights is the Keras order of a BatchNormalization layer's tensors.
var batchNormWeights = []string{"gamma", "beta", nn.MovingMean, nn.MovingVariance}

func baseConfig(name string) map[string]any {
	return map[string]any{"name": name, "trainable": true, "dtype": "float32"}
}

// WriteTFJS writes model.json and group1-shard*.bin into dir. Kernels are
// converted to Keras's channels-last layout.
func WriteTFJS(m *nn.Model, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	doc := TFJSModel{
		Format:      "layers-model",
		GeneratedBy: "keras v" + kerasVersion,
		ConvertedBy: "senas",
		ModelTopology: Topology{
			KerasVersion: kerasVersion,
			Backend:      "tensorflow",
		},
	}
	doc.ModelTopology.ModelConfig.ClassName = "Sequential"
	doc.ModelTopology.ModelConfig.Config.Name = m.Arch.Name

	input := baseConfig("input_1")
	input["batch_input_shape"] = append([]any{nil}, intsToAny(m.Arch.Input)...)
	input["sparse"] = false
	input["ragged"] = false
	layers := []KerasLayer{{ClassName: "InputLayer", Config: input}}

	var entries []WeightEntry
	var buf bytes.Buffer
	for i, l := range m.Arch.Layers {
		kl, err := kerasLayer(l)
		if err != nil {
			return nil, err
		}
		layers = append(layers, kl)

		if l.Kind == nn.KindBatchNorm {
			for _, name := range batchNormWeights {
				p := m.LayerParam(i, name)
				entries = append(entries, WeightEntry{Name: l.Name + "/" + name, Shape: []int{len(p.Data)}, Dtype: "float32"})
				binary.Write(&buf, binary.LittleEndian, p.Data)
			}
			continue
		}
		kernel, bias := m.LayerParams(i)
		if kernel == nil {
			continue
		}
		kData, kShape := toKerasKernel(m, i, kernel)
		entries = append(entries,
			WeightEntry{Name: l.Name + "/kernel", Shape: kShape, Dtype: "float32"},
			WeightEntry{Name: l.Name + "/bias", Shape: []int{len(bias.Data)}, Dtype: "float32"},
		)
		binary.Write(&buf, binary.LittleEndian, kData)
		binary.Write(&buf, binary.LittleEndian, bias.Data)
	}
	doc.ModelTopology.ModelConfig.Config.Layers = layers

	paths, err := writeShards(dir, buf.Bytes())
	if err != nil {
		return nil, err
	}
	doc.WeightsManifest = []WeightsGroup{{Paths: paths, Weights: entries}}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, ModelJSON), data, 0644); err != nil {
		return nil, err
	}
	return append([]string{ModelJSON}, paths...), nil
}

func kerasLayer(l nn.Layer) (KerasLayer, error) {
	c := baseConfig(l.Name)
	switch l.Kind {
	case nn.KindConv2D:
		padding := l.Padding
		if padding == "" {
			padding = nn.PaddingValid
		}
		c["filters"] = l.Filters
		c["kernel_size"] = []int{l.Kernel, l.Kernel}
		c["strides"] = []int{1, 1}
		c["padding"] = padding
		c["data_format"] = "channels_last"
		c["dilation_rate"] = []int{1, 1}
		c["groups"] = 1
		denseLike(c, l.Activation)
		return KerasLayer{ClassName: "Conv2D", Config: c}, nil
	case nn.KindMaxPool2D:
		c["pool_size"] = []int{l.Pool, l.Pool}
		c["padding"] = "valid"
		c["strides"] = []int{l.Pool, l.Pool}
		c["data_format"] = "channels_last"
		return KerasLayer{ClassName: "MaxPooling2D", Config: c}, nil
	case nn.KindDropout:
		c["rate"] = l.Rate
		c["noise_shape"] = nil
		c["seed"] = nil
		return KerasLayer{ClassName: "Dropout", Config: c}, nil
	case nn.KindFlatten:
		c["data_format"] = "channels_last"
		return KerasLayer{ClassName: "Flatten", Config: c}, nil
	case nn.KindBatchNorm:
		c["axis"] = -1
		c["momentum"] = nn.BatchNormMomentum
		c["epsilon"] = nn.BatchNormEpsilon
		c["center"] = true
		c["scale"] = true
		c["beta_initializer"] = zeros
		c["gamma_initializer"] = ones
		c["moving_mean_initializer"] = zeros
		c["moving_variance_initializer"] = ones
		for _, k := range []string{"beta_regularizer", "gamma_regularizer", "beta_constraint", "gamma_constraint"} {
			c[k] = nil
		}
		return KerasLayer{ClassName: "BatchNormalization", Config: c}, nil
	case nn.KindDense:
		c["units"] = l.Units
		denseLike(c, l.Activation)
		return KerasLayer{ClassName: "Dense", Config: c}, nil
	}
	return KerasLayer{}, fmt.Errorf("layer %s: no Keras equivalent for %q", l.Name, l.Kind)
}

func denseLike(c map[string]any, activation string) {
	if activation == "" {
		activation = nn.Linear
	}
	c["activation"] = activation
	c["use_bias"] = true
	c["kernel_initializer"] = glorotUniform
	c["bias_initializer"] = zeros
	for _, k := range []string{"kernel_regularizer", "bias_regularizer", "activity_regularizer", "kernel_constraint", "bias_constraint"} {
		c[k] = nil
	}
}

// flattenedFrom returns the (H, W, C) map flattened into dense layer i, or
// nil if its input is not a flattened feature map.
func flattenedFrom(arch nn.Architecture, shapes [][]int, i int) []int {
	for j := i - 1; j >= 0; j-- {
		switch arch.Layers[j].Kind {
		case nn.KindDropout:
			continue
		case nn.KindFlatten:
			if j == 0 {
				if len(arch.Input) == 3 {
					return arch.Input
				}
				return nil
			}
			if len(shapes[j-1]) == 3 {
				return shapes[j-1]
			}
		}
		return nil
	}
	return nil
}

// toKerasKernel converts layer i's kernel to Keras layout.
//
// Conv kernels go from (F, C, kh, kw) to (kh, kw, C, F). Dense kernels fed by
// a flattened feature map have their rows reordered from CHW to HWC.
func toKerasKernel(m *nn.Model, i int, p *nn.Param) ([]float32, []int) {
	if len(p.Shape) == 4 {
		f, c, kh, kw := p.Shape[0], p.Shape[1], p.Shape[2], p.Shape[3]
		out := make([]float32, len(p.Data))
		for fi := 0; fi < f; fi++ {
			for ci := 0; ci < c; ci++ {
				for y := 0; y < kh; y++ {
					for x := 0; x < kw; x++ {
						out[((y*kw+x)*c+ci)*f+fi] = p.Data[((fi*c+ci)*kh+y)*kw+x]
					}
				}
			}
		}
		return out, []int{kh, kw, c, f}
	}

	in, units := p.Shape[0], p.Shape[1]
	hwc := flattenedFrom(m.Arch, m.OutputShapes(), i)
	if hwc == nil {
		return append([]float32(nil), p.Data...), []int{in, units}
	}
	h, w, c := hwc[0], hwc[1], hwc[2]
	out := make([]float32, len(p.Data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ci := 0; ci < c; ci++ {
				src := (ci*h+y)*w + x
				dst := (y*w+x)*c + ci
				copy(out[dst*units:(dst+1)*units], p.Data[src*units:(src+1)*units])
			}
		}
	}
	return out, []int{in, units}
}

func writeShards(dir string, data []byte) ([]string, error) {
	n := (len(data) + ShardMaxBytes - 1) / ShardMaxBytes
	if n == 0 {
		n = 1
	}
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		start := i * ShardMaxBytes
		end := min(start+ShardMaxBytes, len(data))
		name := fmt.Sprintf("group1-shard%dof%d.bin", i+1, n)
		if err := os.WriteFile(filepath.Join(dir, name), data[start:end], 0644); err != nil {
			return nil, err
		}
		paths[i] = name
	}
	return paths, nil
}

// ReadTFJS loads a layers model written by WriteTFJS (or by the stock Keras
// converter, for the layer kinds nn supports) back into an nn.Model.
func ReadTFJS(dir string) (*nn.Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, ModelJSON))
	if err != nil {
		return nil, err
	}
	var doc TFJSModel
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ModelJSON, err)
	}
	if doc.Format != "layers-model" {
		return nil, fmt.Errorf("unsupported model format %q", doc.Format)
	}

	arch, err := archFromKeras(doc.ModelTopology.ModelConfig)
	if err != nil {
		return nil, err
	}
	m, err := nn.New(arch, 0)
	if err != nil {
		return nil, err
	}

	var weights []WeightEntry
	var shards []io.Reader
	for _, g := range doc.WeightsManifest {
		weights = append(weights, g.Weights...)
		for _, p := range g.Paths {
			f, err := os.Open(filepath.Join(dir, p))
			if err != nil {
				return nil, err
			}
			defer f.Close()
			shards = append(shards, f)
		}
	}
	r := io.MultiReader(shards...)

	byName := make(map[string][]float32, len(weights))
	for _, w := range weights {
		if w.Dtype != "float32" {
			return nil, fmt.Errorf("weight %s: unsupported dtype %q", w.Name, w.Dtype)
		}
		size := 1
		for _, d := range w.Shape {
			size *= d
		}
		vals := make([]float32, size)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return nil, fmt.Errorf("weight %s: %w", w.Name, err)
		}
		byName[w.Name] = vals
	}

	for i, l := range m.Arch.Layers {
		if l.Kind == nn.KindBatchNorm {
			for _, name := range batchNormWeights {
				p := m.LayerParam(i, name)
				v, ok := byName[l.Name+"/"+name]
				if !ok || len(v) != len(p.Data) {
					return nil, fmt.Errorf("%w: %s for %s", nn.ErrShapeMismatch, name, l.Name)
				}
				copy(p.Data, v)
			}
			continue
		}
		kernel, bias := m.LayerParams(i)
		if kernel == nil {
			continue
		}
		kv, ok := byName[l.Name+"/kernel"]
		if !ok || len(kv) != len(kernel.Data) {
			return nil, fmt.Errorf("%w: kernel for %s", nn.ErrShapeMismatch, l.Name)
		}
		bv, ok := byName[l.Name+"/bias"]
		if !ok || len(bv) != len(bias.Data) {
			return nil, fmt.Errorf("%w: bias for %s", nn.ErrShapeMismatch, l.Name)
		}
		fromKerasKernel(m, i, kernel, kv)
		copy(bias.Data, bv)
	}
	return m, nil
}

// fromKerasKernel is the inverse of toKerasKernel.
func fromKerasKernel(m *nn.Model, i int, p *nn.Param, keras []float32) {
	if len(p.Shape) == 4 {
		f, c, kh, kw := p.Shape[0], p.Shape[1], p.Shape[2], p.Shape[3]
		for fi := 0; fi < f; fi++ {
			for ci := 0; ci < c; ci++ {
				for y := 0; y < kh; y++ {
					for x := 0; x < kw; x++ {
						p.Data[((fi*c+ci)*kh+y)*kw+x] = keras[((y*kw+x)*c+ci)*f+fi]
					}
				}
			}
		}
		return
	}

	units := p.Shape[1]
	hwc := flattenedFrom(m.Arch, m.OutputShapes(), i)
	if hwc == nil {
		copy(p.Data, keras)
		return
	}
	h, w, c := hwc[0], hwc[1], hwc[2]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ci := 0; ci < c; ci++ {
				ours := (ci*h+y)*w + x
				theirs := (y*w+x)*c + ci
				copy(p.Data[ours*units:(ours+1)*units], keras[theirs*units:(theirs+1)*units])
			}
		}
	}
}

func archFromKeras(mc ModelConfig) (nn.Architecture, error) {
	if mc.ClassName != "Sequential" {
		return nn.Architecture{}, fmt.Errorf("unsupported model class %q", mc.ClassName)
	}
	arch := nn.Architecture{Name: mc.Config.Name}

	for _, kl := range mc.Config.Layers {
		c := kl.Config
		name, _ := c["name"].(string)
		if shape, ok := c["batch_input_shape"].([]any); ok && arch.Input == nil {
			for _, d := range shape[1:] {
				arch.Input = append(arch.Input, toInt(d))
			}
		}

		switch kl.ClassName {
		case "InputLayer":
			continue
		case "Conv2D":
			padding, _ := c["padding"].(string)
			activation, _ := c["activation"].(string)
			arch.Layers = append(arch.Layers, nn.Layer{
				Kind: nn.KindConv2D, Name: name,
				Filters: toInt(c["filters"]), Kernel: firstInt(c["kernel_size"]),
				Padding: padding, Activation: activation,
			})
		case "MaxPooling2D":
			arch.Layers = append(arch.Layers, nn.Layer{Kind: nn.KindMaxPool2D, Name: name, Pool: firstInt(c["pool_size"])})
		case "Dropout":
			rate, _ := c["rate"].(float64)
			arch.Layers = append(arch.Layers, nn.Layer{Kind: nn.KindDropout, Name: name, Rate: rate})
		case "Flatten":
			arch.Layers = append(arch.Layers, nn.Layer{Kind: nn.KindFlatten, Name: name})
		case "BatchNormalization":
			arch.Layers = append(arch.Layers, nn.Layer{Kind: nn.KindBatchNorm, Name: name})
		case "Dense":
			activation, _ := c["activation"].(string)
			arch.Layers = append(arch.Layers, nn.Layer{Kind: nn.KindDense, Name: name, Units: toInt(c["units"]), Activation: activation})
		default:
			return nn.Architecture{}, fmt.Errorf("layer %s: unsupported class %q", name, kl.ClassName)
		}
	}
	if arch.Input == nil {
		return nn.Architecture{}, fmt.Errorf("model config has no input shape")
	}
	return arch, arch.Validate()
}

func toInt(v any) int {
	if f, ok := v.(float64); ok && !math.IsNaN(f) {
		return int(f)
	}
	return 0
}

func firstInt(v any) int {
	if s, ok := v.([]any); ok && len(s) > 0 {
		return toInt(s[0])
	}
	return toInt(v)
}

func intsToAny(v []int) []any {
	out := make([]any, len(v))
	for i, d := range v {
		out[i] = d
	}
	return out
}

// ShardFiles lists the weight shard names found in dir, sorted.
func ShardFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "group*-shard*of*.bin"))
	if err != nil {
		return nil, err
	}
	for i, m := range matches {
		matches[i] = filepath.Base(m)
	}
	sort.Strings(matches)
	return matches, nil
}
