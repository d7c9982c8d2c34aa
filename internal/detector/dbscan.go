package detector

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

const (
	epsPercentile = 75
	noiseLabel    = -1
)

// DBSCAN flags density noise. min_samples is 2d and eps is the 75th
// percentile of the k-distances.
type DBSCAN struct{}

// Algorithm implements Detector.
func (db *DBSCAN) Algorithm() domain.Algorithm {
	return domain.AlgorithmDBSCAN
}

// Detect implements Detector. Contamination is not used; the noise set is
// whatever the density estimate leaves unclustered.
func (db *DBSCAN) Detect(x *mat.Dense, _ float64) (Detection, error) {
	n, d, err := checkInput(x, 3)
	if err != nil {
		return Detection{}, err
	}

	minSamples := 2 * d
	if minSamples > n-1 {
		minSamples = n - 1
	}
	// min_samples counts the point itself
	rank := minSamples - 1
	if rank < 1 {
		rank = 1
	}

	dist := distanceMatrix(x)
	kdist := make([]float64, n)
	for i := 0; i < n; i++ {
		nn := nearest(dist, i, rank)
		kdist[i] = dist[i][nn[len(nn)-1]]
	}

	eps := stats.Percentile(epsPercentile, kdist)
	if eps <= 0 {
		return Detection{}, fmt.Errorf("degenerate eps %.4g: too many duplicate rows", eps)
	}

	neighborhoods := make([][]int, n)
	core := make([]bool, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if dist[i][j] <= eps {
				neighborhoods[i] = append(neighborhoods[i], j)
			}
		}
		core[i] = len(neighborhoods[i]) >= minSamples
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = noiseLabel
	}
	clusters := 0
	for i := 0; i < n; i++ {
		if !core[i] || labels[i] != noiseLabel {
			continue
		}
		labels[i] = clusters
		queue := append([]int(nil), neighborhoods[i]...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] != noiseLabel {
				continue
			}
			labels[j] = clusters
			if core[j] {
				queue = append(queue, neighborhoods[j]...)
			}
		}
		clusters++
	}

	indices := make([]int, 0)
	for i, l := range labels {
		if l == noiseLabel {
			indices = append(indices, i)
		}
	}

	return Detection{
		Indices: indices,
		Scores:  kdist,
		Meta: map[string]any{
			"eps":         eps,
			"min_samples": minSamples,
			"n_clusters":  clusters,
		},
	}, nil
}
