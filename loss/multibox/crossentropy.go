package multibox

import "github.com/chewxy/math32"

// CrossEntropy returns the sparse categorical cross-entropy of one prediction row
// against the class index target.
//
// With fromLogits the row holds raw scores and the loss is logsumexp(row) - row[target].
// Otherwise the row holds probabilities: every entry is clipped to [epsilon, 1-epsilon],
// the row is renormalized and the loss is -log(p[target]).
func CrossEntropy(row []float32, target int, fromLogits bool, epsilon float32) float32 {
	if fromLogits {
		return logSumExp(row) - row[target]
	}
	var sum float32
	for _, v := range row {
		sum += clip(v, epsilon)
	}
	return math32.Log(sum) - math32.Log(clip(row[target], epsilon))
}

// Background returns the probability the row assigns to class 0.
func Background(row []float32, fromLogits bool) float32 {
	if fromLogits {
		return math32.Exp(row[0] - logSumExp(row))
	}
	return row[0]
}

func clip(v, epsilon float32) float32 {
	switch {
	case v < epsilon:
		return epsilon
	case v > 1-epsilon:
		return 1 - epsilon
	}
	return v
}

func logSumExp(row []float32) float32 {
	m := math32.Inf(-1)
	for _, v := range row {
		if v > m {
			m = v
		}
	}
	var sum float32
	for _, v := range row {
		sum += math32.Exp(v - m)
	}
	return m + math32.Log(sum)
}

// meanCrossEntropy averages CrossEntropy over the rows selected by the target function,
// which reports the class index of a row and whether the row takes part.
func meanCrossEntropy(n int, row func(i int) []float32, target func(i int) (int, bool), fromLogits bool, epsilon float32) float32 {
	var (
		sum   float64
		count int
	)
	for i := 0; i < n; i++ {
		t, ok := target(i)
		if !ok {
			continue
		}
		sum += float64(CrossEntropy(row(i), t, fromLogits, epsilon))
		count++
	}
	if count == 0 {
		return 0
	}
	return float32(sum / float64(count))
}
