package analysis

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/detector"
	"github.com/opensource-finance/heron/internal/domain"
)

// outlierRows returns 98 standard normal rows plus two rows at +10 and -10
// on every feature, spread over the last 20 days.
func outlierRows(features ...string) []domain.Row {
	rng := rand.New(rand.NewSource(7))
	rows := make([]domain.Row, 0, 100)
	for i := 0; i < 100; i++ {
		r := domain.Row{"created_at": day(-(i % 20))}
		for _, f := range features {
			switch i {
			case 40:
				r[f] = 10.0
			case 80:
				r[f] = -10.0
			default:
				r[f] = rng.NormFloat64()
			}
		}
		rows = append(rows, r)
	}
	return rows
}

func multivariate(rows []domain.Row, features ...string) *MultivariateAnalyzer {
	cols := append([]string{"created_at"}, features...)
	return NewMultivariateAnalyzer(provider("events", cols, rows), testOpts()...)
}

func seeded(cfg domain.MultivariateConfig) domain.MultivariateConfig {
	cfg.Seed = ptr(int64(42))
	return cfg
}

func TestMultivariateConsensus(t *testing.T) {
	a := multivariate(outlierRows("a", "b"), "a", "b")
	cfg := seeded(domain.MultivariateConfig{
		Features:      []string{"a", "b"},
		Algorithms:    []domain.Algorithm{domain.AlgorithmIsolationForest, domain.AlgorithmLOF},
		Contamination: 0.02,
	})

	res := a.Analyze(context.Background(), "events", cfg)
	require.False(t, res.Failed(), res.Error)
	require.Len(t, res.Findings, 2)
	assert.False(t, res.Passed)

	seen := map[float64]bool{}
	for _, f := range res.Findings {
		assert.Equal(t, domain.FindingConsensusOutlier, f.Type)
		assert.Equal(t, 2.0, f.Statistic)
		require.NotNil(t, f.Confidence)
		assert.Equal(t, 1.0, *f.Confidence)
		assert.Equal(t, domain.SeverityHigh, f.Severity)
		assert.Contains(t, f.Description, "flagged by 2 of 2 algorithms")

		v, ok := f.Evidence["a"].(float64)
		require.True(t, ok)
		seen[v] = true
	}
	assert.True(t, seen[10])
	assert.True(t, seen[-10])

	consensus, ok := res.Details["consensus"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, consensus["consensus_threshold"])
	assert.Equal(t, 2, consensus["anomalies_count"])
	assert.Equal(t, 100, res.Details["data_points"])
	assert.Equal(t, "2 consensus anomalies detected (2 total candidates from all algorithms)", res.Message)

	t.Run("Deterministic", func(t *testing.T) {
		again := a.Analyze(context.Background(), "events", cfg)
		assert.Equal(t, res.Findings, again.Findings)
	})
}

func TestMultivariateInsufficientData(t *testing.T) {
	rows := outlierRows("a", "b")[:10]
	a := multivariate(rows, "a", "b")

	res := a.Analyze(context.Background(), "events", seeded(domain.MultivariateConfig{
		Features: []string{"a", "b"},
	}))
	require.False(t, res.Failed(), res.Error)
	assert.True(t, res.Passed)
	assert.Equal(t, "Insufficient data for multivariate analysis (need 100, got 10)", res.Message)
	assert.Equal(t, true, res.Details["insufficient_data"])
	assert.Equal(t, 10, res.Details["available"])
}

func TestMultivariateFailures(t *testing.T) {
	t.Run("SeedRequired", func(t *testing.T) {
		a := multivariate(outlierRows("a", "b"), "a", "b")
		res := a.Analyze(context.Background(), "events", domain.MultivariateConfig{Features: []string{"a", "b"}})
		assert.True(t, res.Failed())
		assert.Equal(t, "seed", res.Details["field"])
	})

	t.Run("MissingFeature", func(t *testing.T) {
		a := multivariate(outlierRows("a", "b"), "a", "b")
		res := a.Analyze(context.Background(), "events", seeded(domain.MultivariateConfig{Features: []string{"a", "zz"}}))
		assert.True(t, res.Failed())
	})

	rows := []domain.Row{
		{"created_at": day(0), "a": 0.0, "b": 0.0},
		{"created_at": day(-1), "a": 1.0, "b": 2.0},
		{"created_at": day(-2), "a": 2.0, "b": 1.0},
		{"created_at": day(-3), "a": 3.0, "b": 3.5},
	}

	t.Run("AllAlgorithmsFail", func(t *testing.T) {
		// four rows leave LOF without a single neighbour
		a := multivariate(rows, "a", "b")
		res := a.Analyze(context.Background(), "events", seeded(domain.MultivariateConfig{
			Features:   []string{"a", "b"},
			Algorithms: []domain.Algorithm{domain.AlgorithmLOF},
			MinSamples: 3,
		}))
		assert.True(t, res.Failed())
		assert.Equal(t, "algorithm", res.Details["error_kind"])
		failed, ok := res.Details["failed_algorithms"].(map[string]string)
		require.True(t, ok)
		assert.Contains(t, failed, "lof")
	})

	t.Run("PartialFailure", func(t *testing.T) {
		a := multivariate(rows, "a", "b")
		res := a.Analyze(context.Background(), "events", seeded(domain.MultivariateConfig{
			Features:   []string{"a", "b"},
			Algorithms: []domain.Algorithm{domain.AlgorithmLOF, domain.AlgorithmPCA},
			MinSamples: 3,
		}))
		require.False(t, res.Failed(), res.Error)
		assert.Equal(t, []domain.Algorithm{domain.AlgorithmPCA}, res.Details["algorithms_run"])
		assert.Contains(t, res.Details["failed_algorithms"], "lof")
	})
}

func TestConsensus(t *testing.T) {
	dets := []detector.Detection{
		{Algorithm: domain.AlgorithmIsolationForest, Indices: []int{1, 5, 9}},
		{Algorithm: domain.AlgorithmLOF, Indices: []int{5, 9}},
		{Algorithm: domain.AlgorithmPCA, Indices: []int{2, 9}},
		{Algorithm: domain.AlgorithmDBSCAN, Indices: []int{5}},
	}

	votes, threshold, candidates := Consensus(dets)
	assert.Equal(t, 2, threshold)
	assert.Equal(t, 4, candidates)
	require.Len(t, votes, 2)

	// 5 and 9 tie on three votes and fall back to index order
	assert.Equal(t, 5, votes[0].Index)
	assert.Equal(t, 9, votes[1].Index)
	assert.Equal(t, 3, votes[0].Votes)
	assert.InDelta(t, 0.75, votes[0].Confidence, 1e-12)
	assert.Equal(t, []domain.Algorithm{domain.AlgorithmIsolationForest, domain.AlgorithmLOF, domain.AlgorithmDBSCAN}, votes[0].Algorithms)

	t.Run("SingleDetector", func(t *testing.T) {
		votes, threshold, _ := Consensus(dets[:1])
		assert.Equal(t, 1, threshold)
		assert.Len(t, votes, 3)
	})

	t.Run("Severity", func(t *testing.T) {
		assert.Equal(t, domain.SeverityHigh, consensusSeverity(ConsensusVote{Votes: 2, Confidence: 1}, 2))
		assert.Equal(t, domain.SeverityMedium, consensusSeverity(ConsensusVote{Votes: 2, Confidence: 0.5}, 4))
		assert.Equal(t, domain.SeverityLow, consensusSeverity(ConsensusVote{Votes: 1, Confidence: 0.25}, 4))
		assert.Equal(t, domain.SeverityMedium, consensusSeverity(ConsensusVote{Votes: 1, Confidence: 1}, 1))
	})
}

func TestFeatureImportance(t *testing.T) {
	// a carries every outlier, b and c are pure noise
	rng := rand.New(rand.NewSource(11))
	rows := make([]domain.Row, 0, 100)
	for i := 0; i < 100; i++ {
		a := rng.NormFloat64()
		if i%10 == 0 {
			a = 10
			if i%20 == 0 {
				a = -10
			}
		}
		rows = append(rows, domain.Row{
			"created_at": day(-(i % 20)),
			"a":          a,
			"b":          rng.NormFloat64(),
			"c":          rng.NormFloat64(),
		})
	}
	a := multivariate(rows, "a", "b", "c")
	cfg := seeded(domain.MultivariateConfig{Features: []string{"a", "b", "c"}})

	w := a.FeatureImportance(context.Background(), "events", cfg)
	require.Len(t, w, 3)
	assert.InDelta(t, 1, w["a"]+w["b"]+w["c"], 1e-9)
	assert.Greater(t, w["a"], w["b"])
	assert.Greater(t, w["a"], w["c"])

	assert.Equal(t, w, a.FeatureImportance(context.Background(), "events", cfg))

	t.Run("UniformFallback", func(t *testing.T) {
		cfg.Seed = nil
		w := a.FeatureImportance(context.Background(), "events", cfg)
		for _, f := range []string{"a", "b", "c"} {
			assert.InDelta(t, 1.0/3, w[f], 1e-12)
		}
	})
}
