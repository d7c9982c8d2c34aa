package detector

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

const (
	maxLOFNeighbors = 20
	lrdEpsilon      = 1e-10
)

// LOF is the local outlier factor detector. It compares each row's local
// reachability density with that of its neighbours.
type LOF struct{}

// Algorithm implements Detector.
func (l *LOF) Algorithm() domain.Algorithm {
	return domain.AlgorithmLOF
}

// neighbors picks k = min(20, n/5).
func (l *LOF) neighbors(n int) int {
	k := n / 5
	if k > maxLOFNeighbors {
		k = maxLOFNeighbors
	}
	return k
}

// Detect implements Detector.
func (l *LOF) Detect(x *mat.Dense, contamination float64) (Detection, error) {
	n, _, err := checkInput(x, 2)
	if err != nil {
		return Detection{}, err
	}
	k := l.neighbors(n)
	if k < 1 {
		return Detection{}, fmt.Errorf("too few rows for local outlier factor: %d", n)
	}

	dist := distanceMatrix(x)
	knn := make([][]int, n)
	kdist := make([]float64, n)
	for i := 0; i < n; i++ {
		knn[i] = nearest(dist, i, k)
		kdist[i] = dist[i][knn[i][len(knn[i])-1]]
	}

	lrd := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for _, j := range knn[i] {
			reach := dist[i][j]
			if kdist[j] > reach {
				reach = kdist[j]
			}
			sum += reach
		}
		lrd[i] = 1 / (sum/float64(len(knn[i])) + lrdEpsilon)
	}

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for _, j := range knn[i] {
			sum += lrd[j]
		}
		scores[i] = sum / float64(len(knn[i])) / lrd[i]
	}

	indices := stats.TopK(scores, stats.FlagCount(contamination, n))
	return Detection{
		Indices: indices,
		Scores:  scores,
		Meta: map[string]any{
			"n_neighbors": k,
			"mean_score":  mean(scores),
		},
	}, nil
}
