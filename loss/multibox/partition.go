package multibox

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Label is the anchor matching state written by the anchor encoder.
type Label int8

const (
	// LabelIgnore marks anchors excluded from every loss term.
	LabelIgnore Label = -1
	// LabelNegative marks background anchors.
	LabelNegative Label = 0
	// LabelPositive marks anchors matched to an object.
	LabelPositive Label = 1
)

// Partition splits the anchors of a batch into positives and negatives.
// Anchors in neither set are ignored.
type Partition struct {
	// Pos and Neg are flat [B*P] masks. They never overlap.
	Pos []bool
	Neg []bool
	// NumPos is the number of positive anchors of every batch item.
	NumPos []int
	// TotalPos is the number of positive anchors in the batch.
	TotalPos int
}

// Partition computes the positive and negative masks of the batch.
//
// Arguments:
//   - validate: reject class labels outside {-1, 0, 1}.
//
// Returns:
//   - *Partition: the masks and per item counts.
//   - error: ErrInvalidLabel for a malformed class label (only when validate is set) or for
//     an attribute label of a positive anchor that does not index the attribute head.
func (b *Batch) Partition(validate bool) (*Partition, error) {
	n := b.Len()
	p := &Partition{
		Pos:    make([]bool, n),
		Neg:    make([]bool, n),
		NumPos: make([]int, b.Size),
	}
	for i := 0; i < n; i++ {
		label := b.ClassLabel(i)
		switch label {
		case float32(LabelPositive):
			attr := b.AttrLabel(i)
			if attr < 0 || attr >= float32(b.Classes) || attr != math32.Trunc(attr) {
				return nil, errors.Wrapf(ErrInvalidLabel, "anchor %d of item %d: attribute label %v outside [0, %d)",
					i%b.Anchors, i/b.Anchors, attr, b.Classes)
			}
			p.Pos[i] = true
			p.NumPos[i/b.Anchors]++
			p.TotalPos++
		case float32(LabelNegative):
			p.Neg[i] = true
		case float32(LabelIgnore):
		default:
			if validate {
				return nil, errors.Wrapf(ErrInvalidLabel, "anchor %d of item %d: class label %v not in {-1, 0, 1}",
					i%b.Anchors, i/b.Anchors, label)
			}
		}
	}
	return p, nil
}

// NumNeg returns the number of negative anchors of batch item b.
func (p *Partition) NumNeg(b, anchors int) int {
	n := 0
	for _, neg := range p.Neg[b*anchors : (b+1)*anchors] {
		if neg {
			n++
		}
	}
	return n
}
