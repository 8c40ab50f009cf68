package bench

import (
	"math"
	"sort"
	"time"
)

// Quantiles reported for every run: median, 99th, 99.9th and 99.99th.
var Quantiles = [4]float64{0.5, 0.99, 0.999, 0.9999}

// float error in n*q must not push the rank past an exact integer
const rankTolerance = 1e-9

// PercentileIndex returns the zero-based index of quantile q in a sorted
// sequence of n values: ceil(n*q)-1 clamped to [0, n-1].
func PercentileIndex(n int, q float64) int {
	if n <= 0 {
		return 0
	}
	idx := int(math.Ceil(float64(n)*q-rankTolerance)) - 1
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}

// Percentile returns quantile q of sorted. It returns zero for an empty
// slice.
func Percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[PercentileIndex(len(sorted), q)]
}

// ComputePercentiles computes each quantile over samples. samples is not modified.
func ComputePercentiles(samples []time.Duration, quantiles ...float64) []time.Duration {
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]time.Duration, len(quantiles))
	for i, q := range quantiles {
		out[i] = Percentile(sorted, q)
	}
	return out
}
