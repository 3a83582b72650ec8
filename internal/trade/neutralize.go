// Package trade turns a cross-section of signals into market orders:
// neutralization into a dollar-neutral weight vector, sizing into integer
// lot deltas, and sequenced submission to the broker.
package trade

import "math"

const grossEpsilon = 1e-12

// Neutralize converts raw per-instrument signals into weights with
// sum ≈ 0 and sum of absolute values ≈ 1. Instruments with an undefined
// (NaN) signal get weight 0 and are excluded from the mean and gross
// computations. A degenerate cross-section — all signals equal or all
// undefined — yields the all-zero vector instead of a division by zero.
func Neutralize(signals map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(signals))

	var sum float64
	var defined int
	for _, v := range signals {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		defined++
	}
	if defined == 0 {
		for tk := range signals {
			weights[tk] = 0
		}
		return weights
	}
	mean := sum / float64(defined)

	var gross float64
	for tk, v := range signals {
		if math.IsNaN(v) {
			weights[tk] = 0
			continue
		}
		w := v - mean
		weights[tk] = w
		gross += math.Abs(w)
	}
	if gross < grossEpsilon {
		for tk := range weights {
			weights[tk] = 0
		}
		return weights
	}

	for tk, w := range weights {
		weights[tk] = w / gross
	}
	return weights
}
