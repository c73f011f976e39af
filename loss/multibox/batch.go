package multibox

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const (
	// TruthWidth is the number of values encoded per anchor in the ground truth.
	TruthWidth = 6
	// BoxWidth is the number of regression targets per anchor.
	BoxWidth = 4

	attrLabelOffset  = 4
	classLabelOffset = 5
)

// Batch is a shape checked, flattened view over one training step's inputs.
//
// All slices are row-major over [Size, Anchors, ...], so anchor p of item b starts
// at (b*Anchors + p) times the row width.
type Batch struct {
	// Size is the batch size B.
	Size int
	// Anchors is the number of anchors P per image.
	Anchors int
	// Classes is the head width C.
	Classes int

	truth []float32
	loc   []float32
	attr  []float32
	class []float32
}

// NewBatch validates the four input tensors and wraps their data.
//
// Arguments:
//   - groundTruth: [B, P, 6] encoded targets.
//   - locPred: [B, P, 4] box regression.
//   - attrPred: [B, P, C] attribute head.
//   - classPred: [B, P, C] object head.
//   - numClasses: the expected C.
//
// Returns:
//   - *Batch: the flattened view. The tensors are not copied.
//   - error: ErrShapeMismatch or ErrDType.
func NewBatch(groundTruth, locPred, attrPred, classPred *tensor.Dense, numClasses int) (*Batch, error) {
	truth, err := float32Data("ground truth", groundTruth)
	if err != nil {
		return nil, err
	}
	shape := groundTruth.Shape()
	if len(shape) != 3 || shape[2] != TruthWidth {
		return nil, errors.Wrapf(ErrShapeMismatch, "ground truth must be [B, P, %d], got %v", TruthWidth, shape)
	}
	b := &Batch{
		Size:    shape[0],
		Anchors: shape[1],
		Classes: numClasses,
		truth:   truth,
	}
	if b.Size == 0 || b.Anchors == 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "empty batch %v", shape)
	}

	if b.loc, err = b.prediction("loc", locPred, BoxWidth); err != nil {
		return nil, err
	}
	if b.attr, err = b.prediction("attr", attrPred, numClasses); err != nil {
		return nil, err
	}
	if b.class, err = b.prediction("class", classPred, numClasses); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Batch) prediction(name string, t *tensor.Dense, width int) ([]float32, error) {
	data, err := float32Data(name, t)
	if err != nil {
		return nil, err
	}
	shape := t.Shape()
	if len(shape) != 3 || shape[0] != b.Size || shape[1] != b.Anchors || shape[2] != width {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s prediction must be [%d, %d, %d], got %v",
			name, b.Size, b.Anchors, width, shape)
	}
	return data, nil
}

func float32Data(name string, t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s tensor is nil", name)
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrDType, "%s tensor is %v, want float32", name, t.Dtype())
	}
	if t.IsMaterializable() {
		t = t.Materialize().(*tensor.Dense)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s tensor has no float32 backing", name)
	}
	return data, nil
}

// Len returns B*P, the number of anchors in the batch.
func (b *Batch) Len() int {
	return b.Size * b.Anchors
}

// ClassLabel returns the raw class label of flat anchor i.
func (b *Batch) ClassLabel(i int) float32 {
	return b.truth[i*TruthWidth+classLabelOffset]
}

// AttrLabel returns the raw attribute label of flat anchor i.
func (b *Batch) AttrLabel(i int) float32 {
	return b.truth[i*TruthWidth+attrLabelOffset]
}

// TruthBox returns the regression targets of flat anchor i.
func (b *Batch) TruthBox(i int) []float32 {
	return b.truth[i*TruthWidth : i*TruthWidth+BoxWidth]
}

// LocRow returns the box prediction of flat anchor i.
func (b *Batch) LocRow(i int) []float32 {
	return b.loc[i*BoxWidth : (i+1)*BoxWidth]
}

// AttrRow returns the attribute scores of flat anchor i.
func (b *Batch) AttrRow(i int) []float32 {
	return b.attr[i*b.Classes : (i+1)*b.Classes]
}

// ClassRow returns the object scores of flat anchor i.
func (b *Batch) ClassRow(i int) []float32 {
	return b.class[i*b.Classes : (i+1)*b.Classes]
}
