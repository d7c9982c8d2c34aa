package detector

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

const (
	defaultNumTrees  = 100
	maxSubSampleSize = 256
	eulerGamma       = 0.5772156649
)

// IsolationForest flags rows that random axis-aligned splits isolate quickly.
type IsolationForest struct {
	NumTrees int
	Seed     int64
}

// Algorithm implements Detector.
func (f *IsolationForest) Algorithm() domain.Algorithm {
	return domain.AlgorithmIsolationForest
}

// Detect fits a seeded forest and flags the top contamination fraction by score.
func (f *IsolationForest) Detect(x *mat.Dense, contamination float64) (Detection, error) {
	n, _, err := checkInput(x, 2)
	if err != nil {
		return Detection{}, err
	}

	rng := rand.New(rand.NewSource(f.Seed))
	forest := FitForest(x, f.NumTrees, rng)
	scores := forest.ScoreAll(x)

	k := stats.FlagCount(contamination, n)
	indices := stats.TopK(scores, k)

	threshold := math.Inf(1)
	for _, i := range indices {
		threshold = math.Min(threshold, scores[i])
	}

	return Detection{
		Indices: indices,
		Scores:  scores,
		Meta: map[string]any{
			"num_trees":   len(forest.trees),
			"subsample":   forest.subSample,
			"threshold":   threshold,
			"mean_score":  mean(scores),
			"flag_target": k,
		},
	}, nil
}

// isolationTree is a node of a single isolation tree.
type isolationTree struct {
	splitFeature int
	splitValue   float64
	left         *isolationTree
	right        *isolationTree
	size         int
	isLeaf       bool
}

// Forest is a fitted isolation forest.
type Forest struct {
	trees     []*isolationTree
	subSample int
	maxDepth  int
}

// FitForest builds numTrees trees, each on a subsample drawn without
// replacement using rng.
func FitForest(x *mat.Dense, numTrees int, rng *rand.Rand) *Forest {
	if numTrees <= 0 {
		numTrees = defaultNumTrees
	}
	n, _ := x.Dims()
	sub := n
	if sub > maxSubSampleSize {
		sub = maxSubSampleSize
	}

	f := &Forest{
		trees:     make([]*isolationTree, 0, numTrees),
		subSample: sub,
		maxDepth:  int(math.Ceil(math.Log2(math.Max(float64(sub), 2)))),
	}

	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = x.RawRowView(i)
	}

	perm := make([]int, n)
	for t := 0; t < numTrees; t++ {
		for i := range perm {
			perm[i] = i
		}
		// partial Fisher-Yates: the first sub entries are the sample
		for i := 0; i < sub; i++ {
			j := i + rng.Intn(n-i)
			perm[i], perm[j] = perm[j], perm[i]
		}
		sample := make([][]float64, sub)
		for i := 0; i < sub; i++ {
			sample[i] = rows[perm[i]]
		}
		f.trees = append(f.trees, f.buildTree(sample, 0, rng))
	}
	return f
}

func (f *Forest) buildTree(data [][]float64, depth int, rng *rand.Rand) *isolationTree {
	if len(data) <= 1 || depth >= f.maxDepth {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	d := len(data[0])
	candidates := make([]int, 0, d)
	lows := make([]float64, d)
	highs := make([]float64, d)
	for j := 0; j < d; j++ {
		lo, hi := featureRange(data, j)
		lows[j], highs[j] = lo, hi
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	// all points identical
	if len(candidates) == 0 {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lows[feature] + rng.Float64()*(highs[feature]-lows[feature])

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	return &isolationTree{
		splitFeature: feature,
		splitValue:   split,
		left:         f.buildTree(left, depth+1, rng),
		right:        f.buildTree(right, depth+1, rng),
		size:         len(data),
	}
}

// Score returns 2^(-E[h(x)]/c(ψ)); values near 1 are anomalous.
func (f *Forest) Score(row []float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, row, 0)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.subSample)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

// ScoreAll scores every row of x.
func (f *Forest) ScoreAll(x *mat.Dense) []float64 {
	n, _ := x.Dims()
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		scores[i] = f.Score(x.RawRowView(i))
	}
	return scores
}

func pathLength(node *isolationTree, row []float64, depth int) float64 {
	if node.isLeaf {
		return float64(depth) + averagePathLength(node.size)
	}
	if row[node.splitFeature] < node.splitValue {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful search length in a BST.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - 2*float64(n-1)/float64(n)
}

func featureRange(data [][]float64, j int) (float64, float64) {
	lo, hi := data[0][j], data[0][j]
	for _, row := range data[1:] {
		if row[j] < lo {
			lo = row[j]
		}
		if row[j] > hi {
			hi = row[j]
		}
	}
	return lo, hi
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
