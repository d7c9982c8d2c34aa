// Package stats holds the numeric building blocks shared by the analyzers.
package stats

import (
	"math"
	"sort"
)

// Finite returns the finite values of xs in a new slice.
func Finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			out = append(out, x)
		}
	}
	return out
}

// Quantile returns the p-quantile (0..1) of xs using linear interpolation
// between closest ranks. NaN is returned for empty input.
func Quantile(p float64, xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return quantileSorted(p, sorted)
}

func quantileSorted(p float64, sorted []float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	p = math.Max(0, math.Min(1, p))
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Percentile is Quantile with p expressed in percent.
func Percentile(pct float64, xs []float64) float64 {
	return Quantile(pct/100, xs)
}

// Median returns the middle value of xs.
func Median(xs []float64) float64 {
	return Quantile(0.5, xs)
}

// IQR returns the interquartile range of xs.
func IQR(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return quantileSorted(0.75, sorted) - quantileSorted(0.25, sorted)
}

// MAD returns the median absolute deviation of xs around med.
func MAD(xs []float64, med float64) float64 {
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - med)
	}
	return Median(dev)
}

// TopK returns the indices of the k largest scores, ordered by descending
// score and then ascending index.
func TopK(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	out := append([]int(nil), idx[:k]...)
	sort.Ints(out)
	return out
}

// FlagCount converts a contamination fraction into a number of rows,
// never fewer than one.
func FlagCount(contamination float64, n int) int {
	k := int(math.Ceil(contamination*float64(n) - 1e-9))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}
