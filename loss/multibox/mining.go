package multibox

import (
	"cmp"
	"context"
	"slices"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Mining is the outcome of online hard negative mining for one batch.
type Mining struct {
	// HardNeg lists, per batch item, the selected negative anchors from hardest to easiest.
	HardNeg [][]int
	// Budget is min(ratio * max(positives, 1), P-1) per batch item, rounded up.
	Budget []int
	// Mask is the flat [B*P] hard negative mask.
	Mask []bool
}

// Selected returns the number of hard negatives across the batch.
func (m *Mining) Selected() int {
	n := 0
	for _, idx := range m.HardNeg {
		n += len(idx)
	}
	return n
}

// MineHardNegatives selects, per batch item, the negative anchors the object head is
// most confident are not background.
//
// Every anchor gets a hardness score of 1 - P(background) when it is negative and 0
// otherwise. Anchors of an item are ranked by descending score (ties keep anchor order)
// and the negatives ranked below the item budget are selected. Positive and ignored
// anchors are never selected, whatever their rank.
//
// Items are ranked concurrently, bounded by Config.Workers. The selection only reads
// prediction values and is not differentiated through.
//
// Arguments:
//   - ctx: cancels the fan-out between items.
//   - b: the batch.
//   - p: its partition.
//   - cfg: NegPosRatio, FromLogits and Workers are used.
//
// Returns:
//   - *Mining: the selection.
//   - error: the context error if ctx was cancelled.
func MineHardNegatives(ctx context.Context, b *Batch, p *Partition, cfg Config) (*Mining, error) {
	m := &Mining{
		HardNeg: make([][]int, b.Size),
		Budget:  make([]int, b.Size),
		Mask:    make([]bool, b.Len()),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers())
	for item := 0; item < b.Size; item++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m.mineItem(b, p, cfg, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// mineItem writes only the item's own entries of m.
func (m *Mining) mineItem(b *Batch, p *Partition, cfg Config, item int) {
	offset := item * b.Anchors
	hardness := make([]float32, b.Anchors)
	order := make([]int, b.Anchors)
	for a := range order {
		order[a] = a
		if p.Neg[offset+a] {
			hardness[a] = 1 - Background(b.ClassRow(offset+a), cfg.FromLogits)
		}
	}
	slices.SortStableFunc(order, func(x, y int) int {
		return cmp.Compare(hardness[y], hardness[x])
	})

	budget := negativeBudget(p.NumPos[item], b.Anchors, cfg.NegPosRatio)
	m.Budget[item] = budget

	selected := make([]int, 0, budget)
	for _, a := range order[:budget] {
		if p.Neg[offset+a] {
			selected = append(selected, a)
			m.Mask[offset+a] = true
		}
	}
	m.HardNeg[item] = selected

	if klog.V(3).Enabled() {
		klog.Infof("multibox: item %d positives=%d budget=%d hard negatives=%d",
			item, p.NumPos[item], budget, len(selected))
	}
}

// negativeBudget returns the number of leading ranks eligible for selection:
// the count of integer ranks r with r < min(ratio*max(numPos, 1), anchors-1).
func negativeBudget(numPos, anchors int, ratio float32) int {
	limit := ratio * float32(max(numPos, 1))
	limit = min(limit, float32(anchors-1))
	budget := int(math32.Ceil(limit))
	return min(max(budget, 0), anchors-1)
}
