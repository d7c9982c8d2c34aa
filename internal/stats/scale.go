package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ClipBound caps scaled values so later distance computations stay finite.
const ClipBound = 1e6

// madToSigma rescales the median absolute deviation to a normal stddev.
const madToSigma = 1.4826

// ScaleParams are the per-column robust scaling parameters of one fit.
type ScaleParams struct {
	Median []float64 `json:"median"`
	Spread []float64 `json:"spread"`
}

// Fit computes robust scaling parameters for column-major data where NaN
// marks missing values. Spread is the IQR, falling back to the scaled MAD
// and then to 1 for constant columns.
func Fit(columns [][]float64) (ScaleParams, error) {
	p := ScaleParams{
		Median: make([]float64, len(columns)),
		Spread: make([]float64, len(columns)),
	}
	for j, col := range columns {
		vals := Finite(col)
		if len(vals) == 0 {
			return ScaleParams{}, fmt.Errorf("column %d has no finite values", j)
		}
		med := Median(vals)
		spread := IQR(vals)
		if spread <= 0 {
			spread = MAD(vals, med) * madToSigma
		}
		if spread <= 0 {
			spread = 1
		}
		p.Median[j] = med
		p.Spread[j] = spread
	}
	return p, nil
}

// Transform imputes missing values with the column median, robust-scales,
// and clips each column. The result is an n×d matrix.
func Transform(columns [][]float64, p ScaleParams) *mat.Dense {
	d := len(columns)
	n := 0
	if d > 0 {
		n = len(columns[0])
	}
	out := mat.NewDense(n, d, nil)
	for j, col := range columns {
		for i, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = p.Median[j]
			}
			z := (v - p.Median[j]) / p.Spread[j]
			out.Set(i, j, math.Max(-ClipBound, math.Min(ClipBound, z)))
		}
	}
	return out
}

// Prepare fits and transforms in one step.
func Prepare(columns [][]float64) (*mat.Dense, ScaleParams, error) {
	if len(columns) == 0 || len(columns[0]) == 0 {
		return nil, ScaleParams{}, fmt.Errorf("no data to prepare")
	}
	p, err := Fit(columns)
	if err != nil {
		return nil, ScaleParams{}, err
	}
	return Transform(columns, p), p, nil
}
