package export

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/mattn/go-tflite"

	"github.com/ayusman/senas/internal/nn"
)

// ErrTFLite is returned when the TFLite runtime rejects a model or fails to run it.
var ErrTFLite = errors.New("tflite runtime error")

// Verification is the outcome of running a TFLite model on labelled samples.
type Verification struct {
	Samples    int
	Correct    int
	Accuracy   float64
	InputShape []int
	NumClasses int
}

// Interpreter runs a TFLite flatbuffer on single float32 rows.
type Interpreter struct {
	model   *tflite.Model
	options *tflite.InterpreterOptions
	interp  *tflite.Interpreter
}

// NewInterpreter loads a TFLite flatbuffer and allocates its tensors.
func NewInterpreter(model []byte) (*Interpreter, error) {
	m := tflite.NewModel(model)
	if m == nil {
		return nil, fmt.Errorf("%w: cannot load model", ErrTFLite)
	}
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(runtime.NumCPU())
	interp := tflite.NewInterpreter(m, options)
	if interp == nil {
		options.Delete()
		m.Delete()
		return nil, fmt.Errorf("%w: cannot create interpreter", ErrTFLite)
	}
	it := &Interpreter{model: m, options: options, interp: interp}
	if status := interp.AllocateTensors(); status != tflite.OK {
		it.Close()
		return nil, fmt.Errorf("%w: allocate tensors: %v", ErrTFLite, status)
	}
	if t := interp.GetInputTensor(0); t.Type() != tflite.Float32 {
		it.Close()
		return nil, fmt.Errorf("%w: input type %v, want float32", ErrTFLite, t.Type())
	}
	return it, nil
}

// InputShape returns the dimensions of the first input tensor.
func (it *Interpreter) InputShape() []int {
	t := it.interp.GetInputTensor(0)
	dims := make([]int, t.NumDims())
	for i := range dims {
		dims[i] = t.Dim(i)
	}
	return dims
}

// Classify runs one row and returns the output probabilities.
func (it *Interpreter) Classify(row []float32) ([]float32, error) {
	in := it.interp.GetInputTensor(0)
	dst := in.Float32s()
	if len(dst) != len(row) {
		return nil, fmt.Errorf("%w: input has %d values, model expects %d", ErrTFLite, len(row), len(dst))
	}
	copy(dst, row)
	if status := it.interp.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("%w: invoke: %v", ErrTFLite, status)
	}
	out := it.interp.GetOutputTensor(0).Float32s()
	return append([]float32(nil), out...), nil
}

// Close frees the runtime resources.
func (it *Interpreter) Close() {
	if it.interp != nil {
		it.interp.Delete()
	}
	if it.options != nil {
		it.options.Delete()
	}
	if it.model != nil {
		it.model.Delete()
	}
}

// VerifyTFLite runs model on every row and compares the argmax with labels.
func VerifyTFLite(model []byte, rows [][]float32, labels []int) (*Verification, error) {
	if len(rows) != len(labels) {
		return nil, fmt.Errorf("%d rows but %d labels", len(rows), len(labels))
	}
	it, err := NewInterpreter(model)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	v := &Verification{Samples: len(rows), InputShape: it.InputShape()}
	for i, row := range rows {
		probs, err := it.Classify(row)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		v.NumClasses = len(probs)
		if nn.Argmax(probs) == labels[i] {
			v.Correct++
		}
	}
	if v.Samples > 0 {
		v.Accuracy = float64(v.Correct) / float64(v.Samples)
	}
	return v, nil
}
