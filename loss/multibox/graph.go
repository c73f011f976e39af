package multibox

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Gradients is the loss of one step together with its gradient with respect to every
// prediction head.
type Gradients struct {
	// Losses are the three terms, identical to what Compute returns.
	Losses Losses
	// Total is the weighted objective as evaluated by the differentiated graph.
	Total float32
	// Loc, Attr and Class have the shapes of the matching prediction tensors.
	Loc   *tensor.Dense
	Attr  *tensor.Dense
	Class *tensor.Dense
}

// Gradients evaluates the weighted objective w.Loc*Loc + w.Attr*Attr + w.Class*Class and
// its gradient with respect to locPred, attrPred and classPred.
//
// The partition and the hard negative selection are computed first. Only the rows a
// term selects are copied into the expression graph, so gradients flow through those
// predictions only and never through the mining decision. Values of unselected anchors
// never reach the graph and get a zero gradient whatever they hold.
//
// Arguments:
//   - ctx: bounds the hard negative mining fan-out.
//   - groundTruth, locPred, attrPred, classPred: as for ComputeContext.
//   - w: the term weights.
//
// Returns:
//   - *Gradients: losses and gradients.
//   - error: input errors as for ComputeContext, or a graph evaluation error.
func (e *Engine) Gradients(ctx context.Context, groundTruth, locPred, attrPred, classPred *tensor.Dense, w Weights) (*Gradients, error) {
	s, err := e.prepare(ctx, groundTruth, locPred, attrPred, classPred)
	if err != nil {
		return nil, err
	}
	res, err := s.differentiate(e.cfg, w)
	if err != nil {
		return nil, errors.Wrap(err, "multibox: differentiating loss")
	}
	res.Losses = s.losses(e.cfg)
	return res, nil
}

// graphBuilder keeps the first construction error so expressions can be chained.
type graphBuilder struct {
	g   *G.ExprGraph
	err error
}

func (gb *graphBuilder) binary(op func(a, b *G.Node) (*G.Node, error), a, b *G.Node) *G.Node {
	if gb.err != nil {
		return nil
	}
	n, err := op(a, b)
	if err != nil {
		gb.err = err
	}
	return n
}

func (gb *graphBuilder) unary(op func(a *G.Node) (*G.Node, error), a *G.Node) *G.Node {
	if gb.err != nil {
		return nil
	}
	n, err := op(a)
	if err != nil {
		gb.err = err
	}
	return n
}

func (gb *graphBuilder) sum(a *G.Node, along ...int) *G.Node {
	if gb.err != nil {
		return nil
	}
	n, err := G.Sum(a, along...)
	if err != nil {
		gb.err = err
	}
	return n
}

func (gb *graphBuilder) input(name string, data []float32, rows, cols int) *G.Node {
	return G.NewMatrix(gb.g, tensor.Float32,
		G.WithShape(rows, cols),
		G.WithName(name),
		G.WithValue(dense(data, rows, cols)))
}

func constant(data []float32, shape ...int) *G.Node {
	return G.NewConstant(dense(data, shape...))
}

func scalar(v float32) *G.Node {
	return G.NewConstant(v)
}

// dense copies data into a new tensor so graph evaluation never aliases caller memory.
func dense(data []float32, shape ...int) *tensor.Dense {
	backing := make([]float32, len(data))
	copy(backing, data)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// gather copies the rows of a flat [n, width] slice listed in index.
func gather(data []float32, index []int, width int) []float32 {
	out := make([]float32, 0, len(index)*width)
	for _, i := range index {
		out = append(out, data[i*width:(i+1)*width]...)
	}
	return out
}

// head is a compacted prediction input and the full size tensor its gradient goes to.
type head struct {
	node  *G.Node
	rows  []int
	width int
	dst   []float32
}

func (s *step) differentiate(cfg Config, w Weights) (*Gradients, error) {
	b, p := s.batch, s.partition
	n, c := b.Len(), b.Classes

	var (
		pos, selected []int
		classTargets  []int
	)
	for i := 0; i < n; i++ {
		if p.Pos[i] {
			pos = append(pos, i)
		}
		if t, ok := s.classTarget(i); ok {
			selected = append(selected, i)
			classTargets = append(classTargets, t)
		}
	}

	locGrad := make([]float32, n*BoxWidth)
	attrGrad := make([]float32, n*c)
	classGrad := make([]float32, n*c)
	res := &Gradients{
		Loc:   tensor.New(tensor.WithShape(b.Size, b.Anchors, BoxWidth), tensor.WithBacking(locGrad)),
		Attr:  tensor.New(tensor.WithShape(b.Size, b.Anchors, c), tensor.WithBacking(attrGrad)),
		Class: tensor.New(tensor.WithShape(b.Size, b.Anchors, c), tensor.WithBacking(classGrad)),
	}

	gb := &graphBuilder{g: G.NewGraph()}
	var (
		terms []*G.Node
		heads []head
	)
	if len(pos) > 0 {
		locValues := gather(b.loc, pos, BoxWidth)
		locPred := gb.input("loc_pred", locValues, len(pos), BoxWidth)
		loc := gb.localization(locPred, locValues, gather(b.truth, pos, TruthWidth))
		terms = append(terms, gb.binary(G.Mul, loc, scalar(w.Loc)))
		heads = append(heads, head{node: locPred, rows: pos, width: BoxWidth, dst: locGrad})

		attrTargets := make([]int, len(pos))
		for k, i := range pos {
			attrTargets[k] = int(b.AttrLabel(i))
		}
		attrValues := gather(b.attr, pos, c)
		attrPred := gb.input("attr_pred", attrValues, len(pos), c)
		attr := gb.crossEntropy(attrPred, attrValues, c, attrTargets, cfg)
		terms = append(terms, gb.binary(G.Mul, attr, scalar(w.Attr)))
		heads = append(heads, head{node: attrPred, rows: pos, width: c, dst: attrGrad})
	}
	if len(selected) > 0 {
		classValues := gather(b.class, selected, c)
		classPred := gb.input("class_pred", classValues, len(selected), c)
		class := gb.crossEntropy(classPred, classValues, c, classTargets, cfg)
		terms = append(terms, gb.binary(G.Mul, class, scalar(w.Class)))
		heads = append(heads, head{node: classPred, rows: selected, width: c, dst: classGrad})
	}
	if len(terms) == 0 {
		return res, nil
	}

	total := terms[0]
	for _, t := range terms[1:] {
		total = gb.binary(G.Add, total, t)
	}
	if gb.err != nil {
		return nil, gb.err
	}

	nodes := make([]*G.Node, len(heads))
	for k, h := range heads {
		nodes[k] = h.node
	}
	if _, err := G.Grad(total, nodes...); err != nil {
		return nil, errors.Wrap(err, "symbolic gradient")
	}
	vm := G.NewTapeMachine(gb.g, G.BindDualValues(nodes...))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running tape machine")
	}

	var err error
	if res.Total, err = scalarValue(total); err != nil {
		return nil, err
	}
	for _, h := range heads {
		if err := h.scatter(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// localization returns the mean smooth-L1 of the [k, 4] positive box predictions.
//
// Which branch of smooth-L1 applies to an element is decided from the current values,
// so the loss is written as 0.5*Q⊙d² + L⊙|d| - 0.5*|L| with constant masks Q and L.
func (gb *graphBuilder) localization(pred *G.Node, values, truthRows []float32) *G.Node {
	k := len(values) / BoxWidth
	truth := make([]float32, len(values))
	quad := make([]float32, len(values))
	lin := make([]float32, len(values))
	var linear int
	for r := 0; r < k; r++ {
		for j := 0; j < BoxWidth; j++ {
			e := r*BoxWidth + j
			truth[e] = truthRows[r*TruthWidth+j]
			if math32.Abs(values[e]-truth[e]) < 1 {
				quad[e] = 0.5
			} else {
				lin[e] = 1
				linear++
			}
		}
	}

	diff := gb.binary(G.Sub, pred, constant(truth, k, BoxWidth))
	squared := gb.sum(gb.binary(G.HadamardProd, gb.unary(G.Square, diff), constant(quad, k, BoxWidth)))
	absolute := gb.sum(gb.binary(G.HadamardProd, gb.unary(G.Abs, diff), constant(lin, k, BoxWidth)))
	total := gb.binary(G.Sub, gb.binary(G.Add, squared, absolute), scalar(0.5*float32(linear)))
	return gb.binary(G.Mul, total, scalar(1/float32(k*BoxWidth)))
}

// crossEntropy returns the mean CE of the [k, classes] prediction rows against targets.
func (gb *graphBuilder) crossEntropy(pred *G.Node, values []float32, classes int, targets []int, cfg Config) *G.Node {
	k := len(targets)
	onehot := make([]float32, k*classes)
	for r, t := range targets {
		onehot[r*classes+t] = 1
	}

	var rowLoss *G.Node
	if cfg.FromLogits {
		shift := make([]float32, k*classes)
		for r := 0; r < k; r++ {
			m := math32.Inf(-1)
			for _, v := range values[r*classes : (r+1)*classes] {
				m = max(m, v)
			}
			for j := 0; j < classes; j++ {
				shift[r*classes+j] = m
			}
		}
		shifted := gb.binary(G.Sub, pred, constant(shift, k, classes))
		lse := gb.unary(G.Log, gb.sum(gb.unary(G.Exp, shifted), 1))
		picked := gb.sum(gb.binary(G.HadamardProd, shifted, constant(onehot, k, classes)), 1)
		rowLoss = gb.binary(G.Sub, lse, picked)
	} else {
		// Clipping: entries outside [eps, 1-eps] are replaced by the bound and carry no gradient.
		keep := make([]float32, k*classes)
		bound := make([]float32, k*classes)
		for j, v := range values {
			if c := clip(v, cfg.Epsilon); c != v {
				bound[j] = c
			} else {
				keep[j] = 1
			}
		}
		clipped := gb.binary(G.Add,
			gb.binary(G.HadamardProd, pred, constant(keep, k, classes)),
			constant(bound, k, classes))
		rowSum := gb.sum(clipped, 1)
		picked := gb.sum(gb.binary(G.HadamardProd, clipped, constant(onehot, k, classes)), 1)
		rowLoss = gb.binary(G.Sub, gb.unary(G.Log, rowSum), gb.unary(G.Log, picked))
	}
	return gb.binary(G.Mul, gb.sum(rowLoss), scalar(1/float32(k)))
}

func scalarValue(n *G.Node) (float32, error) {
	v, ok := n.Value().Data().(float32)
	if !ok {
		return 0, errors.Errorf("node %v is not a float32 scalar", n.Name())
	}
	return v, nil
}

// scatter writes the gradient of the compacted rows back to their anchors in dst.
func (h head) scatter() error {
	gv, err := h.node.Grad()
	if err != nil {
		return errors.Wrapf(err, "gradient of %s", h.node.Name())
	}
	data, ok := gv.Data().([]float32)
	if !ok || len(data) != len(h.rows)*h.width {
		return errors.Errorf("gradient of %s is not a float32 [%d, %d] matrix", h.node.Name(), len(h.rows), h.width)
	}
	for r, i := range h.rows {
		copy(h.dst[i*h.width:(i+1)*h.width], data[r*h.width:(r+1)*h.width])
	}
	return nil
}
