package detector

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

// defaultVarianceTarget is the cumulative explained variance the retained
// components must reach.
const defaultVarianceTarget = 0.90

// PCA flags rows with a large reconstruction error after projecting onto the
// leading principal components.
type PCA struct {
	VarianceTarget float64
}

// Algorithm implements Detector.
func (p *PCA) Algorithm() domain.Algorithm {
	return domain.AlgorithmPCA
}

// Detect implements Detector.
func (p *PCA) Detect(x *mat.Dense, contamination float64) (Detection, error) {
	n, d, err := checkInput(x, 3)
	if err != nil {
		return Detection{}, err
	}
	if d < 2 {
		return Detection{}, fmt.Errorf("pca needs at least two features, got %d", d)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return Detection{}, fmt.Errorf("principal component decomposition failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	k, explained, err := p.components(vars, d)
	if err != nil {
		return Detection{}, err
	}

	centered := mat.DenseCopyOf(x)
	for j := 0; j < d; j++ {
		col := mat.Col(nil, j, x)
		m := stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			centered.Set(i, j, col[i]-m)
		}
	}

	basis := vecs.Slice(0, d, 0, k)
	var proj, recon mat.Dense
	proj.Mul(centered, basis)
	recon.Mul(&proj, basis.T())

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < d; j++ {
			r := centered.At(i, j) - recon.At(i, j)
			sum += r * r
		}
		scores[i] = sum / float64(d)
	}

	threshold := stats.Percentile((1-contamination)*100, scores)
	indices := make([]int, 0)
	for i, s := range scores {
		if s > threshold {
			indices = append(indices, i)
		}
	}

	return Detection{
		Indices: indices,
		Scores:  scores,
		Meta: map[string]any{
			"n_components":       k,
			"explained_variance": explained,
			"threshold":          threshold,
		},
	}, nil
}

// components returns the smallest count whose cumulative variance reaches the
// target, clamped to [1, d-1] so a residual always remains.
func (p *PCA) components(vars []float64, d int) (int, float64, error) {
	target := p.VarianceTarget
	if target <= 0 || target > 1 {
		target = defaultVarianceTarget
	}
	total := 0.0
	for _, v := range vars {
		total += v
	}
	if total <= 0 {
		return 0, 0, fmt.Errorf("data has zero variance")
	}

	k, cum := 0, 0.0
	for k < len(vars) {
		cum += vars[k] / total
		k++
		if cum >= target {
			break
		}
	}
	if k > d-1 {
		k = d - 1
		cum = 0
		for i := 0; i < k; i++ {
			cum += vars[i] / total
		}
	}
	if k < 1 {
		k = 1
	}
	if k > len(vars) {
		k = len(vars)
	}
	return k, cum, nil
}
