package analysis

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
)

// dailySeries writes one row per day for the last 30 days, oldest first.
func dailySeries(f func(i int) (x, y float64)) *CorrelationAnalyzer {
	rows := make([]domain.Row, 0, 30)
	for i := 0; i < 30; i++ {
		x, y := f(i)
		rows = append(rows, domain.Row{"created_at": day(i - 29), "x": x, "y": y})
	}
	return NewCorrelationAnalyzer(provider("metrics", []string{"created_at", "x", "y"}, rows), testOpts()...)
}

func TestCorrelationDeviation(t *testing.T) {
	// two cosines 60 degrees apart over one full period correlate at exactly 0.5
	a := dailySeries(func(i int) (float64, float64) {
		theta := 2 * math.Pi * float64(i) / 30
		return 100 + 10*math.Cos(theta), 100 + 10*math.Cos(theta-math.Pi/3)
	})

	res := a.Analyze(context.Background(), "metrics", domain.CorrelationConfig{
		Variables:           []string{"x", "y"},
		ExpectedCorrelation: ptr(0.9),
		Threshold:           ptr(0.2),
	})

	require.False(t, res.Failed(), res.Error)
	assert.False(t, res.Passed)
	assert.Equal(t, len(res.Findings), res.AnomaliesCount)
	assert.Equal(t, 30, res.Details["data_points"])

	var static *domain.AnomalyFinding
	for i, f := range res.Findings {
		if f.Evidence["window"] == "full" {
			static = &res.Findings[i]
		}
	}
	require.NotNil(t, static)
	assert.Equal(t, domain.FindingCorrelationDeviation, static.Type)
	assert.Equal(t, "x~y", static.Subject)
	assert.Equal(t, "deviation", static.Evidence["check"])
	assert.InDelta(t, 0.5, static.Statistic, 1e-9)
	assert.InDelta(t, 0.4, static.Evidence["deviation"], 1e-9)
	assert.Equal(t, domain.SeverityMedium, static.Severity)
	assert.Equal(t, "Correlation 0.500 deviates from expected 0.900 by 0.400", static.Description)
}

// staticFinding returns the full-window finding, if any.
func staticFinding(res *domain.AnalysisResult) *domain.AnomalyFinding {
	for i, f := range res.Findings {
		if f.Evidence["window"] == "full" {
			return &res.Findings[i]
		}
	}
	return nil
}

func TestCorrelationThresholds(t *testing.T) {
	a := dailySeries(func(i int) (float64, float64) {
		theta := 2 * math.Pi * float64(i) / 30
		return 100 + 10*math.Cos(theta), 100 + 10*math.Cos(theta-math.Pi/3)
	})

	t.Run("ExpectedPointEight", func(t *testing.T) {
		res := a.Analyze(context.Background(), "metrics", domain.CorrelationConfig{
			Variables:           []string{"x", "y"},
			ExpectedCorrelation: ptr(0.8),
			Threshold:           ptr(0.1),
		})
		require.False(t, res.Failed(), res.Error)
		f := staticFinding(res)
		require.NotNil(t, f)
		assert.Equal(t, "deviation", f.Evidence["check"])
		assert.InDelta(t, 0.3, f.Evidence["deviation"], 1e-9)
		assert.Equal(t, domain.SeverityMedium, f.Severity)
		assert.Equal(t, "Correlation 0.500 deviates from expected 0.800 by 0.300", f.Description)
	})

	t.Run("ExplicitZero", func(t *testing.T) {
		cfg := domain.CorrelationConfig{
			Variables:           []string{"x", "y"},
			ExpectedCorrelation: ptr(0.49),
		}
		res := a.Analyze(context.Background(), "metrics", cfg)
		require.False(t, res.Failed(), res.Error)
		assert.Nil(t, staticFinding(res))

		cfg.Threshold = ptr(0.0)
		res = a.Analyze(context.Background(), "metrics", cfg)
		require.False(t, res.Failed(), res.Error)
		f := staticFinding(res)
		require.NotNil(t, f)
		assert.Equal(t, "deviation", f.Evidence["check"])
		assert.InDelta(t, 0.01, f.Evidence["deviation"], 1e-9)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		res := a.Analyze(context.Background(), "metrics", domain.CorrelationConfig{
			Variables: []string{"x", "y"},
			Threshold: ptr(-0.1),
		})
		assert.True(t, res.Failed())
		assert.Equal(t, "threshold", res.Details["field"])
	})
}

func TestCorrelationPairs(t *testing.T) {
	vars := []string{"w", "c", "a", "m"}
	rows := make([]domain.Row, 0, 30)
	for i := 0; i < 30; i++ {
		theta := 2 * math.Pi * float64(i) / 30
		rows = append(rows, domain.Row{
			"created_at": day(i - 29),
			"w":          math.Cos(theta),
			"c":          math.Sin(theta),
			"a":          float64(i),
			"m":          float64(i % 7),
		})
	}
	an := NewCorrelationAnalyzer(provider("metrics", append([]string{"created_at"}, vars...), rows), testOpts()...)

	res := an.Analyze(context.Background(), "metrics", domain.CorrelationConfig{Variables: vars})
	require.False(t, res.Failed(), res.Error)

	static, ok := res.Details["static_correlation"].(map[string]any)
	require.True(t, ok)
	keys := make([]string, 0, len(static))
	for k := range static {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"w~c", "w~a", "w~m", "c~a", "c~m", "a~m"}, keys)
	for _, v := range vars {
		assert.NotContains(t, static, v+"~"+v)
	}

	for k, v := range static {
		r := v.(map[string]any)["correlation"].(float64)
		assert.True(t, r >= -1 && r <= 1, "%s: %v", k, r)
	}

	temporal, ok := res.Details["temporal_correlation"].(map[string]any)
	require.True(t, ok)
	for k, v := range temporal {
		assert.Contains(t, static, k)
		for _, field := range []string{"baseline_correlation", "recent_correlation"} {
			r := v.(map[string]any)[field].(float64)
			assert.True(t, r >= -1 && r <= 1, "%s %s: %v", k, field, r)
		}
	}

	for _, f := range res.Findings {
		assert.Contains(t, keys, f.Subject)
	}
}

func TestCorrelationStaticChecks(t *testing.T) {
	t.Run("Weak", func(t *testing.T) {
		a := dailySeries(func(i int) (float64, float64) {
			theta := 2 * math.Pi * float64(i) / 30
			return math.Cos(theta), math.Sin(theta)
		})
		res := a.Analyze(context.Background(), "metrics", domain.CorrelationConfig{
			Variables:           []string{"x", "y"},
			ExpectedCorrelation: ptr(0.9),
		})
		require.False(t, res.Failed(), res.Error)
		require.NotEmpty(t, res.Findings)
		assert.Equal(t, "weak", res.Findings[0].Evidence["check"])
		assert.Contains(t, res.Findings[0].Description, "Expected strong correlation 0.900 but observed weak correlation")
	})

	t.Run("Strong", func(t *testing.T) {
		a := dailySeries(func(i int) (float64, float64) {
			return float64(i), 2*float64(i) + 1
		})
		res := a.Analyze(context.Background(), "metrics", domain.CorrelationConfig{
			Variables: []string{"x", "y"},
		})
		require.False(t, res.Failed(), res.Error)
		require.Len(t, res.Findings, 1)
		assert.Equal(t, "strong", res.Findings[0].Evidence["check"])
		assert.InDelta(t, 1, res.Findings[0].Statistic, 1e-9)
	})

	t.Run("WithinTolerance", func(t *testing.T) {
		a := dailySeries(func(i int) (float64, float64) {
			theta := 2 * math.Pi * float64(i) / 30
			return 100 + 10*math.Cos(theta), 100 + 10*math.Cos(theta-math.Pi/3)
		})
		res := a.Analyze(context.Background(), "metrics", domain.CorrelationConfig{
			Variables:           []string{"x", "y"},
			ExpectedCorrelation: ptr(0.5),
			SignificanceLevel:   1e-12,
		})
		require.False(t, res.Failed(), res.Error)
		assert.Empty(t, findingsOf(res, domain.FindingCorrelationDeviation))
		assert.True(t, res.Passed)
		assert.Equal(t, "No correlation anomalies across 1 variable pairs", res.Message)
	})
}

func TestCorrelationTemporalDrift(t *testing.T) {
	// aligned for 23 days, mirrored for the last 7
	a := dailySeries(func(i int) (float64, float64) {
		x := 100 + 10*math.Cos(2*math.Pi*float64(i)/30)
		if i >= 23 {
			return x, 200 - x
		}
		return x, x
	})

	res := a.Analyze(context.Background(), "metrics", domain.CorrelationConfig{
		Variables: []string{"x", "y"},
	})
	require.False(t, res.Failed(), res.Error)

	var recent []domain.AnomalyFinding
	for _, f := range res.Findings {
		if f.Evidence["window"] == "recent" {
			recent = append(recent, f)
		}
	}
	require.Len(t, recent, 1)
	assert.InDelta(t, -1, recent[0].Statistic, 1e-9)
	require.NotNil(t, recent[0].PValue)
	assert.Less(t, *recent[0].PValue, 0.05)
	assert.Equal(t, 7, recent[0].Evidence["sample_size"])

	temporal, ok := res.Details["temporal_correlation"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, temporal, "x~y")
}

func TestCorrelationFailures(t *testing.T) {
	a := dailySeries(func(i int) (float64, float64) { return float64(i), float64(i % 3) })

	t.Run("Config", func(t *testing.T) {
		res := a.Analyze(context.Background(), "metrics", domain.CorrelationConfig{Variables: []string{"x"}})
		assert.True(t, res.Failed())
		assert.False(t, res.Passed)
		assert.Equal(t, 1, res.AnomaliesCount)
		assert.Equal(t, "config", res.Details["error_kind"])
		assert.Equal(t, "variables", res.Details["field"])
	})

	t.Run("FetchError", func(t *testing.T) {
		res := a.Analyze(context.Background(), "missing", domain.CorrelationConfig{Variables: []string{"x", "y"}})
		assert.True(t, res.Failed())
		assert.Equal(t, "data_fetch", res.Details["error_kind"])
	})

	t.Run("NoData", func(t *testing.T) {
		empty := NewCorrelationAnalyzer(provider("metrics", []string{"created_at", "x", "y"}, []domain.Row{
			{"created_at": day(-90), "x": 1.0, "y": 2.0},
		}), testOpts()...)
		res := empty.Analyze(context.Background(), "metrics", domain.CorrelationConfig{Variables: []string{"x", "y"}})
		assert.False(t, res.Failed())
		assert.True(t, res.Passed)
		assert.Equal(t, "no data", res.Message)
	})

	t.Run("ConstantPairSkipped", func(t *testing.T) {
		flat := dailySeries(func(i int) (float64, float64) { return float64(i), 5 })
		res := flat.Analyze(context.Background(), "metrics", domain.CorrelationConfig{Variables: []string{"x", "y"}})
		assert.False(t, res.Failed())
		assert.True(t, res.Passed)
		assert.Equal(t, []string{"x~y"}, res.Details["skipped_pairs"])
	})
}
