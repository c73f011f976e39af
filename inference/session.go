// Package inference runs an exported MultiBox detector through onnxruntime and returns
// its three prediction heads as tensors the loss can consume.
package inference

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// Predictions are the heads of one image, shaped [1,P,4], [1,P,C] and [1,P,C].
type Predictions struct {
	Loc   *tensor.Dense
	Attr  *tensor.Dense
	Class *tensor.Dense
}

// Session is a loaded model together with its preallocated input and output tensors.
// Predict is safe for concurrent use; calls are serialized.
type Session struct {
	mu      sync.Mutex
	cfg     Config
	anchors int
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	loc     *ort.Tensor[float32]
	attr    *ort.Tensor[float32]
	class   *ort.Tensor[float32]
}

// NewSession initializes onnxruntime if needed and loads the model described by cfg.
//
// Arguments:
//   - cfg: The model configuration.
//
// Returns:
//   - *Session: The loaded session. Release it with Close.
//   - error: A configuration or onnxruntime error.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !ort.IsInitialized() {
		lib := cfg.LibraryPath
		if lib == "" {
			lib = sharedLibraryPath()
		}
		ort.SetSharedLibraryPath(lib)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrapf(err, "inference: initializing onnxruntime from %s", lib)
		}
	}

	s := &Session{cfg: cfg, anchors: cfg.Anchors()}
	var err error
	if s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.Height), int64(cfg.Width))); err != nil {
		return nil, errors.Wrap(err, "inference: input tensor")
	}
	p, c := int64(s.anchors), int64(cfg.Classes)
	if s.loc, err = ort.NewEmptyTensor[float32](ort.NewShape(1, p, 4)); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "inference: loc tensor")
	}
	if s.attr, err = ort.NewEmptyTensor[float32](ort.NewShape(1, p, c)); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "inference: attr tensor")
	}
	if s.class, err = ort.NewEmptyTensor[float32](ort.NewShape(1, p, c)); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "inference: class tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "inference: session options")
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "inference: intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "inference: inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "inference: optimization level")
	}

	s.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.LocOutput, cfg.AttrOutput, cfg.ClassOutput},
		[]ort.ArbitraryTensor{s.input},
		[]ort.ArbitraryTensor{s.loc, s.attr, s.class},
		options,
	)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "inference: loading %s", cfg.ModelPath)
	}
	klog.V(2).Infof("inference: loaded %s (%dx%d, %d anchors, %d classes)",
		cfg.ModelPath, cfg.Width, cfg.Height, s.anchors, cfg.Classes)
	return s, nil
}

// Anchors returns the number of priors per image.
func (s *Session) Anchors() int {
	return s.anchors
}

// Predict runs the model on img.
func (s *Session) Predict(ctx context.Context, img image.Image) (*Predictions, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errors.New("inference: session is closed")
	}

	if err := PrepareInput(img, s.cfg.Width, s.cfg.Height, s.input.GetData()); err != nil {
		return nil, err
	}
	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference: running model")
	}
	return &Predictions{
		Loc:   output(s.loc.GetData(), s.anchors, 4),
		Attr:  output(s.attr.GetData(), s.anchors, s.cfg.Classes),
		Class: output(s.class.GetData(), s.anchors, s.cfg.Classes),
	}, nil
}

// output copies an onnxruntime buffer, which is reused by the next run.
func output(data []float32, anchors, width int) *tensor.Dense {
	backing := make([]float32, len(data))
	copy(backing, data)
	return tensor.New(tensor.WithShape(1, anchors, width), tensor.WithBacking(backing))
}

// Close releases the resources associated with the Session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	for _, t := range []**ort.Tensor[float32]{&s.input, &s.loc, &s.attr, &s.class} {
		if *t != nil {
			(*t).Destroy()
			*t = nil
		}
	}
}
