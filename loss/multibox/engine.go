package multibox

import (
	"context"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// Losses are the three scalar terms of one training step. Combining them is up to the caller.
type Losses struct {
	// Loc is the mean smooth-L1 over the box coordinates of positive anchors.
	Loc float32 `json:"loc" yaml:"loc"`
	// Attr is the mean attribute cross-entropy over positive anchors.
	Attr float32 `json:"attr" yaml:"attr"`
	// Class is the mean object cross-entropy over positives and hard negatives.
	Class float32 `json:"class" yaml:"class"`
}

// Weights scale the loss terms when they are combined into a training objective.
type Weights struct {
	Loc   float32 `json:"loc" yaml:"loc"`
	Attr  float32 `json:"attr" yaml:"attr"`
	Class float32 `json:"class" yaml:"class"`
}

// UnitWeights sums the three terms unscaled.
func UnitWeights() Weights {
	return Weights{Loc: 1, Attr: 1, Class: 1}
}

// Weighted returns w.Loc*Loc + w.Attr*Attr + w.Class*Class.
func (l Losses) Weighted(w Weights) float32 {
	return w.Loc*l.Loc + w.Attr*l.Attr + w.Class*l.Class
}

// Engine computes the MultiBox loss. It holds no per call state and is safe for
// concurrent use.
type Engine struct {
	cfg Config
}

// New creates an engine.
//
// Arguments:
//   - cfg: the loss configuration.
//
// Returns:
//   - *Engine: the engine.
//   - error: ErrInvalidConfig if cfg does not validate.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Compute is ComputeContext with a background context.
func (e *Engine) Compute(groundTruth, locPred, attrPred, classPred *tensor.Dense) (Losses, error) {
	return e.ComputeContext(context.Background(), groundTruth, locPred, attrPred, classPred)
}

// ComputeContext returns the localization, attribute and classification losses of a batch.
//
// Arguments:
//   - ctx: bounds the hard negative mining fan-out.
//   - groundTruth: [B, P, 6] encoded targets (dx, dy, dw, dh, attr_label, class_label).
//   - locPred: [B, P, 4] box regression.
//   - attrPred: [B, P, C] attribute head.
//   - classPred: [B, P, C] object head, column 0 is background.
//
// Returns:
//   - Losses: the three terms. A term with nothing selected is 0.
//   - error: ErrShapeMismatch, ErrDType, ErrInvalidLabel or a context error.
func (e *Engine) ComputeContext(ctx context.Context, groundTruth, locPred, attrPred, classPred *tensor.Dense) (Losses, error) {
	s, err := e.prepare(ctx, groundTruth, locPred, attrPred, classPred)
	if err != nil {
		return Losses{}, err
	}
	return s.losses(e.cfg), nil
}

// Compute builds a default engine with the given head width and ratio and runs it once.
func Compute(groundTruth, locPred, attrPred, classPred *tensor.Dense, numClasses int, negPosRatio float32) (Losses, error) {
	cfg := DefaultConfig()
	cfg.NumClasses = numClasses
	cfg.NegPosRatio = negPosRatio
	e, err := New(cfg)
	if err != nil {
		return Losses{}, err
	}
	return e.Compute(groundTruth, locPred, attrPred, classPred)
}

// step is the state shared by the three loss terms of one call.
type step struct {
	batch     *Batch
	partition *Partition
	mining    *Mining
}

func (e *Engine) prepare(ctx context.Context, groundTruth, locPred, attrPred, classPred *tensor.Dense) (*step, error) {
	b, err := NewBatch(groundTruth, locPred, attrPred, classPred, e.cfg.NumClasses)
	if err != nil {
		return nil, err
	}
	p, err := b.Partition(e.cfg.ValidateLabels)
	if err != nil {
		return nil, err
	}
	m, err := MineHardNegatives(ctx, b, p, e.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "hard negative mining")
	}
	if klog.V(2).Enabled() {
		klog.Infof("multibox: batch=%d anchors=%d positives=%d hard negatives=%d",
			b.Size, b.Anchors, p.TotalPos, m.Selected())
	}
	return &step{batch: b, partition: p, mining: m}, nil
}

func (s *step) losses(cfg Config) Losses {
	b, p := s.batch, s.partition
	return Losses{
		Loc: localization(b, p),
		Attr: meanCrossEntropy(b.Len(), b.AttrRow, func(i int) (int, bool) {
			return int(b.AttrLabel(i)), p.Pos[i]
		}, cfg.FromLogits, cfg.Epsilon),
		Class: meanCrossEntropy(b.Len(), b.ClassRow, s.classTarget, cfg.FromLogits, cfg.Epsilon),
	}
}

// classTarget is 1 for positives, 0 for hard negatives; other anchors do not take part.
func (s *step) classTarget(i int) (int, bool) {
	switch {
	case s.partition.Pos[i]:
		return int(LabelPositive), true
	case s.mining.Mask[i]:
		return int(LabelNegative), true
	}
	return 0, false
}
