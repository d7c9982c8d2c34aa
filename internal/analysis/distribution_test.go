package analysis

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
)

var segmentColumns = []string{"created_at", "region", "amount"}

// segmentRows adds n rows with the given region and amount on day offset.
func segmentRows(rows []domain.Row, offset int, region string, amount float64, n int) []domain.Row {
	for i := 0; i < n; i++ {
		rows = append(rows, domain.Row{"created_at": day(offset), "region": region, "amount": amount})
	}
	return rows
}

func distribution(rows []domain.Row) *DistributionAnalyzer {
	return NewDistributionAnalyzer(provider("orders", segmentColumns, rows), testOpts()...)
}

func TestDistributionWindows(t *testing.T) {
	ref, cmp := Windows(now, domain.DistributionConfig{ReferencePeriod: 30, ComparisonPeriod: 7})

	assert.Equal(t, "2026-10-12", cmp.From.Format("2006-01-02"))
	assert.Equal(t, "2026-10-20", cmp.To.Format("2006-01-02"))
	assert.Equal(t, "2026-09-12", ref.From.Format("2006-01-02"))
	assert.Equal(t, cmp.From, ref.To)
}

func TestDistributionShareShift(t *testing.T) {
	var rows []domain.Row
	rows = segmentRows(rows, -10, "A", 1, 60)
	rows = segmentRows(rows, -10, "B", 1, 40)
	rows = segmentRows(rows, -1, "A", 1, 40)
	rows = segmentRows(rows, -1, "B", 1, 60)

	res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
		Segments:   []string{"region"},
		DateColumn: "created_at",
	})
	require.False(t, res.Failed(), res.Error)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "2 distribution anomalies: 2 segment share shifts, 0 segment behavior anomalies", res.Message)

	a, b := res.Findings[0], res.Findings[1]
	assert.Equal(t, "region=A", a.Subject)
	assert.Equal(t, "region=B", b.Subject)
	for _, f := range res.Findings {
		assert.Equal(t, domain.FindingSegmentShareShift, f.Type)
		assert.Equal(t, domain.SeverityHigh, f.Severity)
	}
	assert.InDelta(t, -20, a.Statistic, 1e-9)
	assert.InDelta(t, 20, b.Statistic, 1e-9)
	assert.InDelta(t, 60, a.Evidence["reference_share"], 1e-9)
	assert.InDelta(t, 40, a.Evidence["comparison_share"], 1e-9)

	t.Run("SharesSumToHundred", func(t *testing.T) {
		shares := res.Details["shares"].(map[string]any)["region"].(map[string]any)["count"].(map[string]any)
		for _, side := range []string{"reference", "comparison"} {
			total := 0.0
			for _, v := range shares[side].(map[string]float64) {
				total += v
			}
			assert.InDelta(t, 100, total, 1e-9, side)
		}
	})

	t.Run("MediumBelowHighThreshold", func(t *testing.T) {
		var rows []domain.Row
		rows = segmentRows(rows, -10, "A", 1, 50)
		rows = segmentRows(rows, -10, "B", 1, 50)
		rows = segmentRows(rows, -1, "A", 1, 35)
		rows = segmentRows(rows, -1, "B", 1, 65)

		res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
			Segments:   []string{"region"},
			DateColumn: "created_at",
		})
		require.Len(t, res.Findings, 2)
		assert.Equal(t, domain.SeverityMedium, res.Findings[0].Severity)
	})

	t.Run("ExplicitZeroThreshold", func(t *testing.T) {
		var rows []domain.Row
		rows = segmentRows(rows, -10, "A", 1, 50)
		rows = segmentRows(rows, -10, "B", 1, 50)
		rows = segmentRows(rows, -1, "A", 1, 48)
		rows = segmentRows(rows, -1, "B", 1, 52)

		cfg := domain.DistributionConfig{
			Segments:   []string{"region"},
			DateColumn: "created_at",
		}
		res := distribution(rows).Analyze(context.Background(), "orders", cfg)
		require.False(t, res.Failed(), res.Error)
		assert.Empty(t, res.Findings)

		cfg.ShareThreshold = ptr(0.0)
		res = distribution(rows).Analyze(context.Background(), "orders", cfg)
		require.False(t, res.Failed(), res.Error)
		require.Len(t, res.Findings, 2)
		for _, f := range res.Findings {
			assert.Equal(t, domain.SeverityMedium, f.Severity)
			assert.InDelta(t, 2, math.Abs(f.Statistic), 1e-9)
		}
	})
}

func TestDistributionBehavior(t *testing.T) {
	var rows []domain.Row
	rows = segmentRows(rows, -10, "A", 100, 50)
	rows = segmentRows(rows, -10, "B", 100, 50)
	rows = segmentRows(rows, -2, "A", 130, 50)
	rows = segmentRows(rows, -2, "B", 100, 50)

	res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
		Segments:   []string{"region"},
		Metrics:    []string{"avg_amount"},
		DateColumn: "created_at",
	})
	require.False(t, res.Failed(), res.Error)
	require.Len(t, res.Findings, 1)

	f := res.Findings[0]
	assert.Equal(t, domain.FindingSegmentBehavior, f.Type)
	assert.Equal(t, "region=A", f.Subject)
	assert.Equal(t, domain.SeverityHigh, f.Severity)
	assert.InDelta(t, 30, f.Statistic, 1e-9)
	assert.InDelta(t, 100, f.Evidence["reference_avg"], 1e-9)
	assert.InDelta(t, 130, f.Evidence["comparison_avg"], 1e-9)

	t.Run("Critical", func(t *testing.T) {
		var rows []domain.Row
		rows = segmentRows(rows, -10, "A", 100, 10)
		rows = segmentRows(rows, -2, "A", 200, 10)

		res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
			Segments:   []string{"region"},
			Metrics:    []string{"amount"},
			DateColumn: "created_at",
		})
		require.Len(t, res.Findings, 1)
		assert.Equal(t, domain.SeverityCritical, res.Findings[0].Severity)
		assert.InDelta(t, 100, res.Findings[0].Statistic, 1e-9)
	})

	t.Run("ValueInOneWindowOnly", func(t *testing.T) {
		var rows []domain.Row
		rows = segmentRows(rows, -10, "A", 100, 50)
		rows = segmentRows(rows, -10, "B", 100, 50)
		rows = segmentRows(rows, -2, "A", 100, 50)
		rows = segmentRows(rows, -2, "C", 100, 50)

		res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
			Segments:   []string{"region"},
			Metrics:    []string{"amount"},
			DateColumn: "created_at",
		})
		require.False(t, res.Failed(), res.Error)

		shifts := make(map[string]domain.AnomalyFinding)
		behaviors := make(map[string]domain.AnomalyFinding)
		for _, f := range res.Findings {
			switch f.Type {
			case domain.FindingSegmentShareShift:
				shifts[f.Subject] = f
			case domain.FindingSegmentBehavior:
				behaviors[f.Subject] = f
			}
		}
		require.Len(t, shifts, 2)
		require.Len(t, behaviors, 1)

		// B vanished: its comparison side reads as zero
		assert.InDelta(t, -50, shifts["region=B"].Statistic, 1e-9)
		assert.Equal(t, domain.SeverityHigh, shifts["region=B"].Severity)
		assert.InDelta(t, 0, shifts["region=B"].Evidence["comparison_share"], 1e-9)

		// C is new: its reference side reads as zero
		assert.InDelta(t, 50, shifts["region=C"].Statistic, 1e-9)
		assert.Equal(t, domain.SeverityHigh, shifts["region=C"].Severity)
		assert.InDelta(t, 0, shifts["region=C"].Evidence["reference_share"], 1e-9)

		gone, ok := behaviors["region=B"]
		require.True(t, ok)
		assert.InDelta(t, -100, gone.Statistic, 1e-9)
		assert.Equal(t, domain.SeverityCritical, gone.Severity)

		// no reference average to compare against
		_, ok = behaviors["region=C"]
		assert.False(t, ok)
		assert.Equal(t, len(res.Findings), res.AnomaliesCount)
	})
}

func TestDistributionEdgeCases(t *testing.T) {
	var rows []domain.Row
	rows = segmentRows(rows, -10, "A", 1, 5)

	t.Run("NoDateColumn", func(t *testing.T) {
		res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
			Segments: []string{"region"},
		})
		assert.False(t, res.Failed())
		assert.True(t, res.Passed)
		assert.Equal(t, true, res.Details["skipped"])
	})

	t.Run("EmptyComparisonWindow", func(t *testing.T) {
		res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
			Segments:   []string{"region"},
			DateColumn: "created_at",
		})
		assert.False(t, res.Failed())
		assert.True(t, res.Passed)
		assert.Equal(t, "Insufficient data for distribution analysis", res.Message)
		assert.Equal(t, []string{"region"}, res.Details["skipped_segments"])
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
			DateColumn: "created_at",
		})
		assert.True(t, res.Failed())
		assert.Equal(t, "segments", res.Details["field"])
	})

	t.Run("NegativeThreshold", func(t *testing.T) {
		res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
			Segments:          []string{"region"},
			DateColumn:        "created_at",
			BehaviorThreshold: ptr(-1.0),
		})
		assert.True(t, res.Failed())
		assert.Equal(t, "behavior_threshold", res.Details["field"])
	})

	t.Run("StddevMetricRejected", func(t *testing.T) {
		res := distribution(rows).Analyze(context.Background(), "orders", domain.DistributionConfig{
			Segments:   []string{"region"},
			Metrics:    []string{"std_amount"},
			DateColumn: "created_at",
		})
		assert.True(t, res.Failed())
		assert.Equal(t, "metrics", res.Details["field"])
	})
}

func TestSegmentDrift(t *testing.T) {
	// week w holds 30+5w rows of A and 70-5w rows of B
	var rows []domain.Row
	for w := 0; w < 8; w++ {
		offset := -55 + 7*w + 3
		rows = segmentRows(rows, offset, "A", 1, 30+5*w)
		rows = segmentRows(rows, offset, "B", 1, 70-5*w)
	}

	res := distribution(rows).SegmentDrift(context.Background(), "orders", domain.DistributionConfig{
		Segments:   []string{"region"},
		DateColumn: "created_at",
	})
	require.False(t, res.Failed(), res.Error)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "2 drifting segment values", res.Message)

	a := res.Findings[0]
	assert.Equal(t, domain.FindingSegmentDrift, a.Type)
	assert.Equal(t, "region=A", a.Subject)
	assert.InDelta(t, 0.05, a.Statistic, 1e-9)
	assert.Equal(t, domain.SeverityHigh, a.Severity)
	require.NotNil(t, a.PValue)
	assert.Less(t, *a.PValue, 0.05)
	assert.InDelta(t, -0.05, res.Findings[1].Statistic, 1e-9)

	t.Run("Stable", func(t *testing.T) {
		var rows []domain.Row
		for w := 0; w < 8; w++ {
			rows = segmentRows(rows, -52+7*w, "A", 1, 50)
			rows = segmentRows(rows, -52+7*w, "B", 1, 50)
		}
		res := distribution(rows).SegmentDrift(context.Background(), "orders", domain.DistributionConfig{
			Segments:   []string{"region"},
			DateColumn: "created_at",
		})
		require.False(t, res.Failed(), res.Error)
		assert.True(t, res.Passed)
		assert.Equal(t, "No segment drift detected", res.Message)
	})

	t.Run("TooFewWeeks", func(t *testing.T) {
		var rows []domain.Row
		rows = segmentRows(rows, -1, "A", 1, 5)
		rows = segmentRows(rows, -8, "B", 1, 5)
		res := distribution(rows).SegmentDrift(context.Background(), "orders", domain.DistributionConfig{
			Segments:   []string{"region"},
			DateColumn: "created_at",
		})
		assert.True(t, res.Passed)
		assert.Equal(t, []string{"region"}, res.Details["skipped_segments"])
	})
}

func TestSegmentSummary(t *testing.T) {
	var rows []domain.Row
	rows = segmentRows(rows, -1, "A", 1, 3)
	rows = segmentRows(rows, -2, "B", 1, 5)
	rows = segmentRows(rows, -3, "C", 1, 2)
	rows = segmentRows(rows, -60, "D", 1, 9)

	out, err := distribution(rows).SegmentSummary(context.Background(), "orders", domain.DistributionConfig{
		Segments:   []string{"region"},
		DateColumn: "created_at",
	}, 30)
	require.NoError(t, err)

	s := out["region"]
	assert.Equal(t, 3, s.UniqueValues)
	assert.Equal(t, int64(10), s.TotalRecords)
	require.Len(t, s.TopValues, 3)
	assert.Equal(t, ValueCount{Value: "B", Count: 5, Share: 50}, s.TopValues[0])
	assert.Equal(t, "A", s.TopValues[1].Value)
	assert.Equal(t, "C", s.TopValues[2].Value)

	_, err = distribution(rows).SegmentSummary(context.Background(), "orders", domain.DistributionConfig{
		Segments: []string{"region"},
	}, 30)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
