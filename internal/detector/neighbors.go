package detector

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// distanceMatrix returns the symmetric Euclidean distance matrix of the rows of x.
func distanceMatrix(x *mat.Dense) [][]float64 {
	n, _ := x.Dims()
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		ri := x.RawRowView(i)
		for j := i + 1; j < n; j++ {
			d := floats.Distance(ri, x.RawRowView(j), 2)
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	return dist
}

// nearest returns the k nearest other rows of i, closest first.
// Ties are broken by row index.
func nearest(dist [][]float64, i, k int) []int {
	others := make([]int, 0, len(dist)-1)
	for j := range dist {
		if j != i {
			others = append(others, j)
		}
	}
	row := dist[i]
	sort.SliceStable(others, func(a, b int) bool {
		return row[others[a]] < row[others[b]]
	})
	if k > len(others) {
		k = len(others)
	}
	return others[:k]
}
