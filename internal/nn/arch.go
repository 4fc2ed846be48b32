package nn

import (
	"fmt"
	"strconv"
)

// Layer kinds.
const (
	KindConv2D    = "conv2d"
	KindMaxPool2D = "max_pooling2d"
	KindDropout   = "dropout"
	KindFlatten   = "flatten"
	KindDense     = "dense"
	KindBatchNorm = "batch_normalization"
)

// Batch normalization hyperparameters, the Keras defaults.
const (
	BatchNormMomentum = 0.99
	BatchNormEpsilon  = 1e-3
)

// Batch normalization moving statistics. They are saved and exported with the
// weights but never trained.
const (
	MovingMean     = "moving_mean"
	MovingVariance = "moving_variance"
)

// Activations.
const (
	Linear  = "linear"
	ReLU    = "relu"
	Softmax = "softmax"
)

// Padding modes for conv2d.
const (
	PaddingValid = "valid"
	PaddingSame  = "same"
)

// Layer is one entry of a sequential stack. Only the fields relevant to Kind
// are set.
type Layer struct {
	Kind       string  `json:"kind"`
	Name       string  `json:"name,omitempty"`
	Filters    int     `json:"filters,omitempty"`
	Kernel     int     `json:"kernel,omitempty"`
	Padding    string  `json:"padding,omitempty"`
	Pool       int     `json:"pool,omitempty"`
	Units      int     `json:"units,omitempty"`
	Activation string  `json:"activation,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
}

// Conv returns a 3x3 stride-1 conv2d layer with ReLU.
func Conv(filters int, padding string) Layer {
	return Layer{Kind: KindConv2D, Filters: filters, Kernel: 3, Padding: padding, Activation: ReLU}
}

// MaxPool returns a 2x2 stride-2 pooling layer.
func MaxPool() Layer { return Layer{Kind: KindMaxPool2D, Pool: 2} }

// Drop returns a dropout layer zeroing rate of its inputs during training.
func Drop(rate float64) Layer { return Layer{Kind: KindDropout, Rate: rate} }

// BatchNorm returns a batch normalization layer over the last axis.
func BatchNorm() Layer { return Layer{Kind: KindBatchNorm} }

// Flat returns a flatten layer.
func Flat() Layer { return Layer{Kind: KindFlatten} }

// Dense returns a fully connected layer.
func Dense(units int, activation string) Layer {
	return Layer{Kind: KindDense, Units: units, Activation: activation}
}

// Architecture is a sequential network description. Input is (H, W, C) for
// images and (features) for vectors.
type Architecture struct {
	Name   string  `json:"name"`
	Input  []int   `json:"input"`
	Layers []Layer `json:"layers"`
}

// ParamSpec describes one weight tensor. Shapes use the internal layout:
// conv kernels are (filters, channels, k, k) with bias (1, filters, 1, 1);
// dense kernels are (in, out) with bias (1, out). Batch normalization tensors
// are (1, channels, 1, 1) after a conv and (1, features) after a dense layer.
type ParamSpec struct {
	Layer int
	Name  string
	Shape []int
}

// Size returns the number of scalars in the tensor.
func (p ParamSpec) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Trainable reports whether the optimizer updates the tensor.
func (p ParamSpec) Trainable() bool {
	return p.Name != MovingMean && p.Name != MovingVariance
}

// Image reports whether the network takes (H, W, C) input.
func (a Architecture) Image() bool { return len(a.Input) == 3 }

// NumClasses returns the width of the final layer.
func (a Architecture) NumClasses() int {
	for i := len(a.Layers) - 1; i >= 0; i-- {
		if a.Layers[i].Kind == KindDense {
			return a.Layers[i].Units
		}
	}
	return 0
}

// InputSize returns the number of scalars in one input sample.
func (a Architecture) InputSize() int {
	n := 1
	for _, d := range a.Input {
		n *= d
	}
	return n
}

// WithNames returns a copy whose unnamed layers get per-kind counters
// (conv2d, conv2d_1, ...).
func (a Architecture) WithNames() Architecture {
	out := a
	out.Layers = make([]Layer, len(a.Layers))
	seen := make(map[string]int)
	for i, l := range a.Layers {
		if l.Name == "" {
			n := seen[l.Kind]
			l.Name = l.Kind
			if n > 0 {
				l.Name += "_" + strconv.Itoa(n)
			}
		}
		seen[l.Kind]++
		out.Layers[i] = l
	}
	return out
}

// Shapes returns the output shape of every layer, channels-last, and the
// parameter tensors in layer order.
func (a Architecture) Shapes() ([][]int, []ParamSpec, error) {
	if len(a.Input) != 1 && len(a.Input) != 3 {
		return nil, nil, fmt.Errorf("input must be (features) or (H, W, C), got %v", a.Input)
	}
	for _, d := range a.Input {
		if d <= 0 {
			return nil, nil, fmt.Errorf("input dimensions must be positive, got %v", a.Input)
		}
	}
	if len(a.Layers) == 0 {
		return nil, nil, fmt.Errorf("architecture has no layers")
	}

	cur := append([]int(nil), a.Input...)
	shapes := make([][]int, len(a.Layers))
	var params []ParamSpec

	for i, l := range a.Layers {
		switch l.Kind {
		case KindConv2D:
			if len(cur) != 3 {
				return nil, nil, fmt.Errorf("layer %d: conv2d needs (H, W, C) input, got %v", i, cur)
			}
			if l.Filters <= 0 || l.Kernel <= 0 {
				return nil, nil, fmt.Errorf("layer %d: conv2d needs filters and kernel", i)
			}
			h, w := cur[0], cur[1]
			switch l.Padding {
			case PaddingSame:
				if l.Kernel%2 == 0 {
					return nil, nil, fmt.Errorf("layer %d: same padding needs an odd kernel", i)
				}
			case PaddingValid, "":
				h, w = h-l.Kernel+1, w-l.Kernel+1
			default:
				return nil, nil, fmt.Errorf("layer %d: unknown padding %q", i, l.Padding)
			}
			if h <= 0 || w <= 0 {
				return nil, nil, fmt.Errorf("layer %d: conv2d output would be %dx%d", i, h, w)
			}
			params = append(params,
				ParamSpec{Layer: i, Name: "kernel", Shape: []int{l.Filters, cur[2], l.Kernel, l.Kernel}},
				ParamSpec{Layer: i, Name: "bias", Shape: []int{1, l.Filters, 1, 1}},
			)
			cur = []int{h, w, l.Filters}

		case KindMaxPool2D:
			if len(cur) != 3 {
				return nil, nil, fmt.Errorf("layer %d: max pooling needs (H, W, C) input, got %v", i, cur)
			}
			if l.Pool <= 0 {
				return nil, nil, fmt.Errorf("layer %d: pool size must be positive", i)
			}
			cur = []int{cur[0] / l.Pool, cur[1] / l.Pool, cur[2]}
			if cur[0] == 0 || cur[1] == 0 {
				return nil, nil, fmt.Errorf("layer %d: pooling collapses the feature map", i)
			}

		case KindDropout:
			if l.Rate < 0 || l.Rate >= 1 {
				return nil, nil, fmt.Errorf("layer %d: dropout rate %v outside [0, 1)", i, l.Rate)
			}
			cur = append([]int(nil), cur...)

		case KindBatchNorm:
			var stat []int
			switch {
			case len(cur) == 3:
				stat = []int{1, cur[2], 1, 1}
			case i > 0 && a.Layers[i-1].Kind == KindFlatten:
				return nil, nil, fmt.Errorf("layer %d: batch normalization directly after flatten is not supported", i)
			default:
				stat = []int{1, cur[0]}
			}
			for _, name := range []string{"gamma", "beta", MovingMean, MovingVariance} {
				params = append(params, ParamSpec{Layer: i, Name: name, Shape: stat})
			}
			cur = append([]int(nil), cur...)

		case KindFlatten:
			n := 1
			for _, d := range cur {
				n *= d
			}
			cur = []int{n}

		case KindDense:
			if len(cur) != 1 {
				return nil, nil, fmt.Errorf("layer %d: dense needs flat input, got %v", i, cur)
			}
			if l.Units <= 0 {
				return nil, nil, fmt.Errorf("layer %d: dense needs units", i)
			}
			switch l.Activation {
			case ReLU, Softmax, Linear, "":
			default:
				return nil, nil, fmt.Errorf("layer %d: unknown activation %q", i, l.Activation)
			}
			params = append(params,
				ParamSpec{Layer: i, Name: "kernel", Shape: []int{cur[0], l.Units}},
				ParamSpec{Layer: i, Name: "bias", Shape: []int{1, l.Units}},
			)
			cur = []int{l.Units}

		default:
			return nil, nil, fmt.Errorf("layer %d: unknown kind %q", i, l.Kind)
		}
		shapes[i] = cur
	}

	last := a.Layers[len(a.Layers)-1]
	if last.Kind != KindDense || last.Activation != Softmax {
		return nil, nil, fmt.Errorf("last layer must be a softmax dense layer")
	}
	return shapes, params, nil
}

// Validate checks that the layers chain into a classifier.
func (a Architecture) Validate() error {
	_, _, err := a.Shapes()
	return err
}

// SimpleCNN is three valid-padded conv blocks and a 128-unit dense head,
// without normalization.
func SimpleCNN(size, classes int) Architecture {
	return Architecture{
		Name:  "lsp_cnn_simple",
		Input: []int{size, size, 3},
		Layers: []Layer{
			Conv(32, PaddingValid), MaxPool(),
			Conv(64, PaddingValid), MaxPool(),
			Conv(128, PaddingValid), MaxPool(),
			Flat(),
			Dense(128, ReLU), Drop(0.5),
			Dense(classes, Softmax),
		},
	}
}

// DeepCNN is four valid-padded, batch-normalized conv blocks and a 512-unit
// dense head.
func DeepCNN(size, classes int) Architecture {
	return Architecture{
		Name:  "lsp_cnn",
		Input: []int{size, size, 3},
		Layers: []Layer{
			Conv(32, PaddingValid), BatchNorm(), MaxPool(), Drop(0.25),
			Conv(64, PaddingValid), BatchNorm(), MaxPool(), Drop(0.25),
			Conv(128, PaddingValid), BatchNorm(), MaxPool(), Drop(0.25),
			Conv(256, PaddingValid), BatchNorm(), MaxPool(), Drop(0.25),
			Flat(),
			Dense(512, ReLU), BatchNorm(), Drop(0.5),
			Dense(classes, Softmax),
		},
	}
}

// QuickCNN is three same-padded, batch-normalized conv blocks and a 256-unit
// dense head.
func QuickCNN(size, classes int) Architecture {
	return Architecture{
		Name:  "lsp_cnn_model",
		Input: []int{size, size, 3},
		Layers: []Layer{
			Conv(32, PaddingSame), BatchNorm(), MaxPool(), Drop(0.25),
			Conv(64, PaddingSame), BatchNorm(), MaxPool(), Drop(0.25),
			Conv(128, PaddingSame), BatchNorm(), MaxPool(), Drop(0.25),
			Flat(),
			Dense(256, ReLU), BatchNorm(), Drop(0.5),
			Dense(classes, Softmax),
		},
	}
}

// LandmarkMLP classifies flattened hand landmarks.
func LandmarkMLP(features, classes int) Architecture {
	return Architecture{
		Name:  "lsp_landmarks",
		Input: []int{features},
		Layers: []Layer{
			Dense(256, ReLU), BatchNorm(), Drop(0.4),
			Dense(128, ReLU), BatchNorm(), Drop(0.3),
			Dense(64, ReLU), BatchNorm(), Drop(0.2),
			Dense(classes, Softmax),
		},
	}
}

// Preset returns the architecture registered under name. inputSize is the
// image edge for CNN presets and the feature count for landmarks.
func Preset(name string, inputSize, classes int) (Architecture, error) {
	var a Architecture
	switch name {
	case "cnn-simple":
		a = SimpleCNN(inputSize, classes)
	case "cnn":
		a = DeepCNN(inputSize, classes)
	case "cnn-quick":
		a = QuickCNN(inputSize, classes)
	case "landmarks":
		a = LandmarkMLP(inputSize, classes)
	default:
		return Architecture{}, fmt.Errorf("unknown architecture preset %q", name)
	}
	return a.WithNames(), a.Validate()
}
