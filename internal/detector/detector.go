// Package detector implements the multivariate outlier detectors.
//
// The set of detectors is closed: New maps each domain.Algorithm to exactly
// one implementation, and every implementation flags rows of a scaled n×d
// matrix given a contamination fraction.
package detector

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/heron/internal/domain"
)

// Detection is the output of a single detector run.
// Indices are ascending row positions; Scores has one entry per row and
// grows with anomalousness.
type Detection struct {
	Algorithm domain.Algorithm `json:"algorithm"`
	Indices   []int            `json:"indices"`
	Scores    []float64        `json:"-"`
	Meta      map[string]any   `json:"meta,omitempty"`
}

// Detector flags anomalous rows of a scaled matrix.
type Detector interface {
	Algorithm() domain.Algorithm
	Detect(x *mat.Dense, contamination float64) (Detection, error)
}

// Params carries the hyperparameters shared by the detector set.
type Params struct {
	Seed     int64
	NumTrees int
}

// New returns the detector for alg.
func New(alg domain.Algorithm, p Params) (Detector, error) {
	switch alg {
	case domain.AlgorithmIsolationForest:
		return &IsolationForest{NumTrees: p.NumTrees, Seed: p.Seed}, nil
	case domain.AlgorithmLOF:
		return &LOF{}, nil
	case domain.AlgorithmPCA:
		return &PCA{VarianceTarget: defaultVarianceTarget}, nil
	case domain.AlgorithmDBSCAN:
		return &DBSCAN{}, nil
	default:
		return nil, fmt.Errorf("unknown algorithm %q", alg)
	}
}

// Outcome holds either a detection or the error that prevented it.
type Outcome struct {
	Detection Detection
	Err       *domain.AlgorithmError
}

// OK reports whether the detector succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Run executes d and converts errors and panics into an AlgorithmError.
func Run(d Detector, x *mat.Dense, contamination float64) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: &domain.AlgorithmError{
				Algorithm: d.Algorithm(),
				Err:       fmt.Errorf("panic: %v", r),
			}}
		}
	}()

	det, err := d.Detect(x, contamination)
	if err != nil {
		return Outcome{Err: &domain.AlgorithmError{Algorithm: d.Algorithm(), Err: err}}
	}
	det.Algorithm = d.Algorithm()
	return Outcome{Detection: det}
}

func checkInput(x *mat.Dense, minRows int) (n, d int, err error) {
	if x == nil {
		return 0, 0, fmt.Errorf("nil matrix")
	}
	n, d = x.Dims()
	if n < minRows {
		return n, d, fmt.Errorf("need at least %d rows, got %d", minRows, n)
	}
	if d == 0 {
		return n, d, fmt.Errorf("matrix has no columns")
	}
	return n, d, nil
}
