package multibox

import "github.com/chewxy/math32"

// SmoothL1 returns the smooth-L1 penalty of a single regression output:
// 0.5*t^2 when |t| < 1 and |t| - 0.5 otherwise, with t = pred - truth.
func SmoothL1(pred, truth float32) float32 {
	t := math32.Abs(pred - truth)
	if t < 1 {
		return 0.5 * t * t
	}
	return t - 0.5
}

// localization pools every coordinate of every positive anchor in the batch and
// returns their mean smooth-L1 penalty, or 0 when there are no positives.
func localization(b *Batch, p *Partition) float32 {
	if p.TotalPos == 0 {
		return 0
	}
	var sum float64
	for i, pos := range p.Pos {
		if !pos {
			continue
		}
		truth := b.TruthBox(i)
		for k, pred := range b.LocRow(i) {
			sum += float64(SmoothL1(pred, truth[k]))
		}
	}
	return float32(sum / float64(p.TotalPos*BoxWidth))
}
