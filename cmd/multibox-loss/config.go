package main

import (
	"flag"
	"os"

	"github.com/nvr-ai/go-multibox/inference"
	"github.com/nvr-ai/go-multibox/loss/multibox"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// fileConfig is the layout of the -config YAML file.
type fileConfig struct {
	Loss    multibox.Config  `yaml:"loss"`
	Weights multibox.Weights `yaml:"weights"`
	Model   inference.Config `yaml:"model"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Loss:    multibox.DefaultConfig(),
		Weights: multibox.UnitWeights(),
		Model:   inference.DefaultConfig(),
	}
}

// loadConfig reads path over the defaults. Keys missing from the file keep their default.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

// options are the command line flags.
type options struct {
	configPath string

	gtPath, locPath, attrPath, classPath string
	dir                                  string
	modelPath, imagePath, libraryPath    string
	gradDir                              string

	classes  int
	ratio    float64
	logits   bool
	validate bool
	workers  int

	wLoc, wAttr, wClass float64
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "YAML file with loss, weights and model sections")
	fs.StringVar(&o.gtPath, "gt", "", "ground truth [B,P,6] .npy file")
	fs.StringVar(&o.locPath, "loc", "", "loc predictions [B,P,4] .npy file")
	fs.StringVar(&o.attrPath, "attr", "", "attribute predictions [B,P,C] .npy file")
	fs.StringVar(&o.classPath, "class", "", "class predictions [B,P,C] .npy file")
	fs.StringVar(&o.dir, "dir", "", "directory of batch-NNNN subdirectories")
	fs.StringVar(&o.modelPath, "model", "", "ONNX model producing loc, attr and class for -image")
	fs.StringVar(&o.imagePath, "image", "", "image to run the model on")
	fs.StringVar(&o.libraryPath, "onnxruntime", "", "onnxruntime shared library")
	fs.StringVar(&o.gradDir, "grad-dir", "", "write gradients of the weighted loss into this directory")

	fs.IntVar(&o.classes, "classes", multibox.DefaultNumClasses, "width of the attr and class heads")
	fs.Float64Var(&o.ratio, "ratio", multibox.DefaultNegPosRatio, "hard negatives per positive")
	fs.BoolVar(&o.logits, "logits", false, "predictions are logits")
	fs.BoolVar(&o.validate, "validate", false, "reject class labels outside {-1, 0, 1}")
	fs.IntVar(&o.workers, "workers", 0, "mining goroutines, 0 for GOMAXPROCS")

	fs.Float64Var(&o.wLoc, "w-loc", 1, "weight of the localization term")
	fs.Float64Var(&o.wAttr, "w-attr", 1, "weight of the attribute term")
	fs.Float64Var(&o.wClass, "w-class", 1, "weight of the class term")
}

// apply overrides cfg with the flags that were set explicitly.
func (o *options) apply(fs *flag.FlagSet, cfg *fileConfig) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "classes":
			cfg.Loss.NumClasses = o.classes
			cfg.Model.Classes = o.classes
		case "ratio":
			cfg.Loss.NegPosRatio = float32(o.ratio)
		case "logits":
			cfg.Loss.FromLogits = o.logits
		case "validate":
			cfg.Loss.ValidateLabels = o.validate
		case "workers":
			cfg.Loss.Workers = o.workers
		case "w-loc":
			cfg.Weights.Loc = float32(o.wLoc)
		case "w-attr":
			cfg.Weights.Attr = float32(o.wAttr)
		case "w-class":
			cfg.Weights.Class = float32(o.wClass)
		case "model":
			cfg.Model.ModelPath = o.modelPath
		case "onnxruntime":
			cfg.Model.LibraryPath = o.libraryPath
		}
	})
}

// mode reports which input source the flags select.
func (o *options) mode() (string, error) {
	files := o.gtPath != "" && o.locPath != "" && o.attrPath != "" && o.classPath != ""
	switch {
	case o.dir != "":
		return "dir", nil
	case o.modelPath != "" || o.imagePath != "":
		if o.imagePath == "" || o.gtPath == "" {
			return "", errors.New("-model needs -image and -gt")
		}
		return "model", nil
	case files:
		return "files", nil
	}
	return "", errors.New("give -gt, -loc, -attr and -class, or -dir, or -model with -image and -gt")
}
