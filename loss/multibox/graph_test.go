package multibox

import (
	"context"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func gradData(t *testing.T, d *tensor.Dense) []float32 {
	t.Helper()
	data, ok := d.Data().([]float32)
	require.True(t, ok)
	return data
}

func TestGradientsWorkedExample(t *testing.T) {
	gt, loc, attr, class := workedExample().tensors()
	e, err := New(DefaultConfig())
	require.NoError(t, err)

	w := Weights{Loc: 1, Attr: 1, Class: 2}
	res, err := e.Gradients(context.Background(), gt, loc, attr, class, w)
	require.NoError(t, err)

	losses, err := e.Compute(gt, loc, attr, class)
	require.NoError(t, err)
	assert.Equal(t, losses, res.Losses)
	assert.InDelta(t, losses.Weighted(w), res.Total, 1e-5)

	assert.Equal(t, tensor.Shape{1, 4, 4}, res.Loc.Shape())
	assert.Equal(t, tensor.Shape{1, 4, 2}, res.Attr.Shape())
	assert.Equal(t, tensor.Shape{1, 4, 2}, res.Class.Shape())

	// Quadratic branch: d/4, linear branch: sign(d)/4, other anchors: nothing.
	assert.InDeltaSlice(t, []float32{
		0.125, 0.25, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}, gradData(t, res.Loc), 1e-6)

	// d/dp_j (log sum(p) - log p_t) = 1/sum(p) - [j == t]/p_t
	assert.InDeltaSlice(t, []float32{
		1, 1 - 1/0.8,
		0, 0,
		0, 0,
		0, 0,
	}, gradData(t, res.Attr), 1e-5)

	// Four selected rows and a weight of 2: every row is scaled by 0.5.
	assert.InDeltaSlice(t, []float32{
		0.5, 0.5 * (1 - 1/0.6),
		0.5 * (1 - 1/0.9), 0.5,
		0.5 * (1 - 1/0.95), 0.5,
		0.5 * (1 - 1/0.99), 0.5,
	}, gradData(t, res.Class), 1e-5)
}

func TestGradientsIgnoredAnchorsHaveNoGradient(t *testing.T) {
	f := workedExample()
	f.labels[2] = -1
	gt, loc, attr, class := f.tensors()
	e, err := New(DefaultConfig())
	require.NoError(t, err)

	res, err := e.Gradients(context.Background(), gt, loc, attr, class, UnitWeights())
	require.NoError(t, err)

	for _, g := range []struct {
		data  []float32
		width int
	}{
		{gradData(t, res.Loc), BoxWidth},
		{gradData(t, res.Attr), 2},
		{gradData(t, res.Class), 2},
	} {
		for _, v := range g.data[2*g.width : 3*g.width] {
			assert.Zero(t, v)
		}
	}
}

func TestGradientsFromLogits(t *testing.T) {
	f := workedExample()
	f.attr = []float32{
		0, 0,
		1, 2,
		1, 2,
		1, 2,
	}
	for i, p := range f.class {
		f.class[i] = math32.Log(p)
	}
	gt, loc, attr, class := f.tensors()

	cfg := DefaultConfig()
	cfg.FromLogits = true
	e, err := New(cfg)
	require.NoError(t, err)

	res, err := e.Gradients(context.Background(), gt, loc, attr, class, UnitWeights())
	require.NoError(t, err)

	// softmax - onehot
	assert.InDeltaSlice(t, []float32{0.5, -0.5, 0, 0, 0, 0, 0, 0}, gradData(t, res.Attr), 1e-5)
	// Row 1 has probabilities (0.9, 0.1) and target 0, scaled by 1/4.
	classGrad := gradData(t, res.Class)
	assert.InDelta(t, (0.9-1)/4, classGrad[2], 1e-5)
	assert.InDelta(t, 0.1/4, classGrad[3], 1e-5)
	assert.InDelta(t, res.Losses.Weighted(UnitWeights()), res.Total, 1e-5)
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	f := randomFixture(21, 2, 12, 3)
	f.labels[0], f.labels[13] = 1, 1
	cfg := DefaultConfig()
	cfg.NumClasses = 3
	e, err := New(cfg)
	require.NoError(t, err)

	gt, loc, attr, class := f.tensors()
	res, err := e.Gradients(context.Background(), gt, loc, attr, class, UnitWeights())
	require.NoError(t, err)

	objective := func() float32 {
		gt, loc, attr, class := f.tensors()
		losses, err := e.Compute(gt, loc, attr, class)
		require.NoError(t, err)
		return losses.Weighted(UnitWeights())
	}
	const h = 1e-2
	check := func(values []float32, j int, want float32) {
		orig := values[j]
		values[j] = orig + h
		up := objective()
		values[j] = orig - h
		down := objective()
		values[j] = orig
		assert.InDelta(t, want, (up-down)/(2*h), 2e-3, "element %d", j)
	}

	// Probes must not push a probability through the clipping bounds.
	inside := func(p float32) bool { return p > 0.05 && p < 0.95 }

	checked := 0
	for i, label := range f.labels {
		if label != 1 {
			continue
		}
		// Stay clear of the smooth-L1 kink so both probes use the same branch.
		for k := 0; k < BoxWidth; k++ {
			j := i*BoxWidth + k
			if d := math32.Abs(f.loc[j] - f.boxes[j]); math32.Abs(d-1) > 5*h {
				check(f.loc, j, gradData(t, res.Loc)[j])
				checked++
			}
		}
		// Positive rows have a hardness of zero, so probing them never changes the mining.
		for k := 0; k < f.classes; k++ {
			j := i*f.classes + k
			if inside(f.attr[j]) {
				check(f.attr, j, gradData(t, res.Attr)[j])
				checked++
			}
			if inside(f.class[j]) {
				check(f.class, j, gradData(t, res.Class)[j])
				checked++
			}
		}
	}
	require.Positive(t, checked)
}

func TestGradientsIgnoreDivergedUnselectedAnchors(t *testing.T) {
	f := workedExample()
	f.labels = []float32{1, 0, 0, -1}
	for k := 0; k < BoxWidth; k++ {
		f.loc[3*BoxWidth+k] = 2e19
	}
	f.attr[6], f.attr[7] = math32.NaN(), math32.Inf(1)
	f.class[6], f.class[7] = math32.NaN(), math32.Inf(1)
	gt, loc, attr, class := f.tensors()
	e, err := New(DefaultConfig())
	require.NoError(t, err)

	res, err := e.Gradients(context.Background(), gt, loc, attr, class, UnitWeights())
	require.NoError(t, err)

	want := res.Losses.Weighted(UnitWeights())
	require.False(t, math32.IsNaN(want))
	assert.False(t, math32.IsNaN(res.Total))
	assert.InDelta(t, want, res.Total, 1e-5)

	for _, g := range []struct {
		data  []float32
		width int
	}{
		{gradData(t, res.Loc), BoxWidth},
		{gradData(t, res.Attr), 2},
		{gradData(t, res.Class), 2},
	} {
		for _, v := range g.data {
			assert.False(t, math32.IsNaN(v) || math32.IsInf(v, 0))
		}
		for _, v := range g.data[3*g.width:] {
			assert.Zero(t, v)
		}
	}
}

func TestGradientsNothingSelected(t *testing.T) {
	f := workedExample()
	f.labels = []float32{-1, -1, -1, -1}
	gt, loc, attr, class := f.tensors()
	e, err := New(DefaultConfig())
	require.NoError(t, err)

	res, err := e.Gradients(context.Background(), gt, loc, attr, class, UnitWeights())
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Equal(t, tensor.Shape{1, 4, 4}, res.Loc.Shape())
	for _, d := range []*tensor.Dense{res.Loc, res.Attr, res.Class} {
		for _, v := range gradData(t, d) {
			assert.Zero(t, v)
		}
	}
}
