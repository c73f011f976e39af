package inference

import (
	"runtime"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned when a session configuration cannot describe a model.
var ErrInvalidConfig = errors.New("inference: invalid config")

// Config describes an exported MultiBox detector and how to run it.
type Config struct {
	// ModelPath is the ONNX file to load.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath is the onnxruntime shared library. Empty selects the platform default.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// InputName is the name of the [1,3,H,W] image input.
	InputName string `json:"input_name" yaml:"input_name"`
	// LocOutput, AttrOutput and ClassOutput name the three prediction heads.
	LocOutput   string `json:"loc_output"   yaml:"loc_output"`
	AttrOutput  string `json:"attr_output"  yaml:"attr_output"`
	ClassOutput string `json:"class_output" yaml:"class_output"`
	// Width and Height are the network input size in pixels.
	Width  int `json:"width"  yaml:"width"`
	Height int `json:"height" yaml:"height"`
	// Steps are the feature map strides and AnchorsPerCell the priors per cell.
	Steps          []int `json:"steps"            yaml:"steps"`
	AnchorsPerCell int   `json:"anchors_per_cell" yaml:"anchors_per_cell"`
	// Classes is the width of the attr and class heads.
	Classes int `json:"classes" yaml:"classes"`
	// IntraOpThreads and InterOpThreads are passed to onnxruntime. Zero uses its default.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
}

// DefaultConfig returns the layout of a 640x640 detector with strides 8, 16 and 32 and
// two priors per cell.
func DefaultConfig() Config {
	return Config{
		InputName:      "input",
		LocOutput:      "loc",
		AttrOutput:     "attr",
		ClassOutput:    "class",
		Width:          640,
		Height:         640,
		Steps:          []int{8, 16, 32},
		AnchorsPerCell: 2,
		Classes:        2,
	}
}

// Anchors returns the number of priors the model emits per image.
func (c Config) Anchors() int {
	n := 0
	for _, step := range c.Steps {
		n += ceilDiv(c.Width, step) * ceilDiv(c.Height, step) * c.AnchorsPerCell
	}
	return n
}

// Validate reports whether the configuration can describe a session.
func (c Config) Validate() error {
	switch {
	case c.ModelPath == "":
		return errors.Wrap(ErrInvalidConfig, "model path is empty")
	case c.InputName == "" || c.LocOutput == "" || c.AttrOutput == "" || c.ClassOutput == "":
		return errors.Wrap(ErrInvalidConfig, "input and output names must be set")
	case c.Width <= 0 || c.Height <= 0:
		return errors.Wrapf(ErrInvalidConfig, "input size %dx%d", c.Width, c.Height)
	case c.AnchorsPerCell <= 0 || len(c.Steps) == 0:
		return errors.Wrap(ErrInvalidConfig, "no anchors")
	case c.Classes < 2:
		return errors.Wrapf(ErrInvalidConfig, "classes %d, want at least 2", c.Classes)
	}
	for _, step := range c.Steps {
		if step <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "step %d", step)
		}
	}
	return nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// sharedLibraryPath returns the onnxruntime library shipped under third_party for the
// running platform.
func sharedLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "third_party/onnxruntime.dll"
	case "darwin":
		return "third_party/libonnxruntime.1.23.0.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "third_party/onnxruntime_arm64.so"
	}
	return "third_party/onnxruntime.so"
}
