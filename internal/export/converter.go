package export

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

//go:embed scripts/convert.py
var convertScript []byte

// Converter actions.
const (
	ActionTFJSToKeras   = "tfjs_to_keras"
	ActionKerasToTFLite = "keras_to_tflite"
)

// ErrConversionFailed is returned when the converter reports an unsuccessful response.
var ErrConversionFailed = errors.New("conversion failed")

// Request is sent to the converter on stdin.
type Request struct {
	Action   string `json:"action"`
	Input    string `json:"input"`
	Output   string `json:"output"`
	Quantize string `json:"quantize,omitempty"`
}

// Response is read from the converter's stdout.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Converter runs the stock Keras, TF.js and TFLite converters through an
// embedded helper script, one process per request.
type Converter struct {
	// Command replaces the python interpreter and script when set.
	Command []string
	python  string
	timeout time.Duration
}

// NewConverter creates a Converter that runs the helper with python and
// kills it after timeout.
func NewConverter(python string, timeout time.Duration) *Converter {
	return &Converter{python: python, timeout: timeout}
}

// Execute sends req to a fresh converter process and parses its response.
func (c *Converter) Execute(ctx context.Context, req *Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := c.Command
	if len(args) == 0 {
		script, err := writeTempScript()
		if err != nil {
			return nil, err
		}
		defer os.Remove(script)
		args = []string{c.python, script}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "TF_CPP_MIN_LOG_LEVEL=2")
	cmd.WaitDelay = time.Second

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%s timed out after %s", req.Action, c.timeout)
	}
	if err != nil {
		if s := stderr.String(); s != "" {
			return nil, fmt.Errorf("converter failed: %w, stderr: %s", err, tail(s, 2000))
		}
		return nil, fmt.Errorf("converter failed: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse converter response: %w, stdout: %s", err, tail(stdout.String(), 2000))
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%w: %s: %s", ErrConversionFailed, req.Action, resp.Error)
	}
	return &resp, nil
}

// KerasInfo describes a converted Keras model.
type KerasInfo struct {
	InputShape  []*int `json:"input_shape"`
	OutputShape []*int `json:"output_shape"`
	Params      int    `json:"params"`
}

// ToKeras converts a TF.js layers model directory into an .h5 file.
func (c *Converter) ToKeras(ctx context.Context, tfjsDir, h5Path string) (*KerasInfo, error) {
	resp, err := c.Execute(ctx, &Request{Action: ActionTFJSToKeras, Input: tfjsDir, Output: h5Path})
	if err != nil {
		return nil, err
	}
	var info KerasInfo
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &info); err != nil {
			return nil, fmt.Errorf("parse keras info: %w", err)
		}
	}
	return &info, nil
}

// ToTFLite converts an .h5 model into a .tflite flatbuffer and returns its size.
func (c *Converter) ToTFLite(ctx context.Context, h5Path, tflitePath, quantize string) (int64, error) {
	resp, err := c.Execute(ctx, &Request{Action: ActionKerasToTFLite, Input: h5Path, Output: tflitePath, Quantize: quantize})
	if err != nil {
		return 0, err
	}
	var data struct {
		Bytes int64 `json:"bytes"`
	}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return 0, fmt.Errorf("parse tflite info: %w", err)
		}
	}
	return data.Bytes, nil
}

func writeTempScript() (string, error) {
	f, err := os.CreateTemp("", "senas-convert-*.py")
	if err != nil {
		return "", fmt.Errorf("write converter script: %w", err)
	}
	if _, err := f.Write(convertScript); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write converter script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
