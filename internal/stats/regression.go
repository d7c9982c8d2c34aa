package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Trend is an ordinary least squares line with the slope's significance.
type Trend struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	RSquared  float64 `json:"r_squared"`
	PValue    float64 `json:"p_value"`
}

// LinearTrend fits y = intercept + slope*x. It needs at least three points.
func LinearTrend(x, y []float64) (Trend, bool) {
	n := len(x)
	if n < 3 || len(y) != n {
		return Trend{}, false
	}
	if stat.Variance(x, nil) == 0 {
		return Trend{}, false
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	t := Trend{Slope: beta, Intercept: alpha}

	meanX := stat.Mean(x, nil)
	var sse, sxx float64
	for i := range x {
		resid := y[i] - (alpha + beta*x[i])
		sse += resid * resid
		dx := x[i] - meanX
		sxx += dx * dx
	}

	if stat.Variance(y, nil) > 0 {
		t.RSquared = stat.RSquared(x, y, nil, alpha, beta)
	}

	df := float64(n - 2)
	se := math.Sqrt(sse / df / sxx)
	switch {
	case se == 0 && beta == 0:
		t.PValue = 1
	case se == 0:
		t.PValue = 0
	default:
		tStat := beta / se
		dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
		t.PValue = clampProb(2 * (1 - dist.CDF(math.Abs(tStat))))
	}
	return t, true
}
