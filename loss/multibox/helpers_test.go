package multibox

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// fixture describes one batch in plain slices.
type fixture struct {
	size, anchors, classes int

	labels     []float32 // class_label per flat anchor
	attrLabels []float32 // attr_label per flat anchor
	boxes      []float32 // dx, dy, dw, dh per flat anchor
	loc        []float32
	attr       []float32
	class      []float32
}

func (f fixture) truth() []float32 {
	truth := make([]float32, 0, f.size*f.anchors*TruthWidth)
	for i := 0; i < f.size*f.anchors; i++ {
		truth = append(truth, f.boxes[i*BoxWidth:(i+1)*BoxWidth]...)
		truth = append(truth, f.attrLabels[i], f.labels[i])
	}
	return truth
}

func (f fixture) tensors() (gt, loc, attr, class *tensor.Dense) {
	gt = tensor.New(tensor.WithShape(f.size, f.anchors, TruthWidth), tensor.WithBacking(f.truth()))
	loc = tensor.New(tensor.WithShape(f.size, f.anchors, BoxWidth), tensor.WithBacking(f.loc))
	attr = tensor.New(tensor.WithShape(f.size, f.anchors, f.classes), tensor.WithBacking(f.attr))
	class = tensor.New(tensor.WithShape(f.size, f.anchors, f.classes), tensor.WithBacking(f.class))
	return gt, loc, attr, class
}

func (f fixture) batch(t *testing.T) *Batch {
	t.Helper()
	gt, loc, attr, class := f.tensors()
	b, err := NewBatch(gt, loc, attr, class, f.classes)
	require.NoError(t, err)
	return b
}

// workedExample is a single image with four anchors: one positive followed by three
// negatives whose background confidence is 0.9, 0.95 and 0.99.
func workedExample() fixture {
	return fixture{
		size: 1, anchors: 4, classes: 2,
		labels:     []float32{1, 0, 0, 0},
		attrLabels: []float32{1, 0, 0, 0},
		boxes:      make([]float32, 4*BoxWidth),
		loc: []float32{
			0.5, 2.0, 0, 0,
			3, 3, 3, 3,
			-3, -3, -3, -3,
			9, 9, 9, 9,
		},
		attr: []float32{
			0.2, 0.8,
			0.5, 0.5,
			0.5, 0.5,
			0.5, 0.5,
		},
		class: []float32{
			0.4, 0.6,
			0.9, 0.1,
			0.95, 0.05,
			0.99, 0.01,
		},
	}
}

// randomFixture draws a batch of softmax-normalized predictions with roughly 10% positive
// and 10% ignored anchors.
func randomFixture(seed uint64, size, anchors, classes int) fixture {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	n := size * anchors
	f := fixture{
		size: size, anchors: anchors, classes: classes,
		labels:     make([]float32, n),
		attrLabels: make([]float32, n),
		boxes:      make([]float32, n*BoxWidth),
		loc:        make([]float32, n*BoxWidth),
		attr:       make([]float32, n*classes),
		class:      make([]float32, n*classes),
	}
	for i := 0; i < n; i++ {
		switch u := r.Float32(); {
		case u < 0.1:
			f.labels[i] = 1
			f.attrLabels[i] = float32(r.IntN(classes))
		case u < 0.2:
			f.labels[i] = -1
		}
		for k := 0; k < BoxWidth; k++ {
			f.boxes[i*BoxWidth+k] = float32(r.NormFloat64())
			f.loc[i*BoxWidth+k] = float32(r.NormFloat64())
		}
		fillDistribution(r, f.attr[i*classes:(i+1)*classes])
		fillDistribution(r, f.class[i*classes:(i+1)*classes])
	}
	return f
}

func fillDistribution(r *rand.Rand, row []float32) {
	var sum float32
	for k := range row {
		row[k] = r.Float32() + 1e-3
		sum += row[k]
	}
	for k := range row {
		row[k] /= sum
	}
}
