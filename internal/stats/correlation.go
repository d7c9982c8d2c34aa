package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinCorrelationPoints is the smallest sample a coefficient is computed on.
const MinCorrelationPoints = 3

var (
	// ErrTooFewPoints is returned when fewer than MinCorrelationPoints joint observations exist.
	ErrTooFewPoints = errors.New("too few joint observations")

	// ErrConstant is returned when either series has zero variance.
	ErrConstant = errors.New("series has zero variance")
)

// Method selects the coefficient.
type Method string

const (
	Pearson    Method = "pearson"
	Spearman   Method = "spearman"
	Covariance Method = "covariance"
)

// Coefficient is a correlation estimate with its significance when known.
type Coefficient struct {
	R      float64  `json:"correlation"`
	PValue *float64 `json:"p_value,omitempty"`
	N      int      `json:"sample_size"`
}

// JointFinite keeps the positions where both x and y are finite.
func JointFinite(x, y []float64) ([]float64, []float64) {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if isFinite(x[i]) && isFinite(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	return xs, ys
}

// Correlate computes the coefficient of x and y with the given method.
// Missing values (NaN) are dropped pairwise.
func Correlate(method Method, x, y []float64) (Coefficient, error) {
	xs, ys := JointFinite(x, y)
	n := len(xs)
	if n < MinCorrelationPoints {
		return Coefficient{N: n}, fmt.Errorf("%w: %d", ErrTooFewPoints, n)
	}
	if stat.Variance(xs, nil) == 0 || stat.Variance(ys, nil) == 0 {
		return Coefficient{N: n}, ErrConstant
	}

	c := Coefficient{N: n}
	switch method {
	case Pearson, "":
		c.R = clampUnit(stat.Correlation(xs, ys, nil))
		c.PValue = correlationPValue(c.R, n)
	case Spearman:
		c.R = clampUnit(stat.Correlation(Ranks(xs), Ranks(ys), nil))
		c.PValue = correlationPValue(c.R, n)
	case Covariance:
		cov := stat.Covariance(xs, ys, nil)
		c.R = clampUnit(cov / (stat.StdDev(xs, nil) * stat.StdDev(ys, nil)))
	default:
		return Coefficient{}, fmt.Errorf("unsupported correlation method %q", method)
	}
	if math.IsNaN(c.R) {
		return Coefficient{N: n}, ErrConstant
	}
	return c, nil
}

// Ranks assigns 1-based ranks, averaging ties.
func Ranks(xs []float64) []float64 {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	ranks := make([]float64, len(xs))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && xs[idx[j+1]] == xs[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// FisherCompare tests whether two correlations differ using Fisher's z
// transform. Both samples need more than three observations.
func FisherCompare(r1 float64, n1 int, r2 float64, n2 int) (z, p float64, ok bool) {
	if n1 <= 3 || n2 <= 3 {
		return 0, 0, false
	}
	se := math.Sqrt(1/float64(n1-3) + 1/float64(n2-3))
	z = (fisherZ(r1) - fisherZ(r2)) / se
	p = 2 * (1 - distuv.UnitNormal.CDF(math.Abs(z)))
	return z, clampProb(p), true
}

func correlationPValue(r float64, n int) *float64 {
	if n <= 2 {
		return nil
	}
	var p float64
	if math.Abs(r) >= 1 {
		p = 0
	} else {
		df := float64(n - 2)
		t := r * math.Sqrt(df/(1-r*r))
		dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
		p = 2 * (1 - dist.CDF(math.Abs(t)))
	}
	p = clampProb(p)
	return &p
}

func fisherZ(r float64) float64 {
	const limit = 0.999999
	return math.Atanh(math.Max(-limit, math.Min(limit, r)))
}

func clampUnit(r float64) float64 {
	if math.IsNaN(r) {
		return r
	}
	return math.Max(-1, math.Min(1, r))
}

func clampProb(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
