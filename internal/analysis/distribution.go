package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

const (
	rowCountAlias = "row_count"

	// absorbs float error so a 60/40 to 40/60 swap lands exactly on the
	// high boundary
	shareEpsilon = 1e-9

	driftPValue  = 0.05
	driftChange  = 0.05
	driftHigh    = 0.2
	minDriftWeek = 3

	summaryTopValues = 10
)

// DistributionAnalyzer compares segment shares and per-segment behavior
// between a reference and a comparison window.
type DistributionAnalyzer struct {
	base
}

// NewDistributionAnalyzer creates a distribution analyzer reading from p.
func NewDistributionAnalyzer(p domain.DataProvider, opts ...Option) *DistributionAnalyzer {
	return &DistributionAnalyzer{base: newBase(p, domain.AnalyzerDistribution, opts)}
}

// segmentStats is one window of per-value aggregates for a segment column.
type segmentStats struct {
	count map[string]float64
	sums  map[string]map[string]float64
	avgs  map[string]map[string]float64
}

func (s segmentStats) empty() bool {
	return len(s.count) == 0
}

// volume returns the per-value quantity shares are computed from.
func (s segmentStats) volume(m domain.Metric) map[string]float64 {
	if m.Kind == domain.MetricCount {
		return s.count
	}
	return s.sums[m.Column]
}

func (s segmentStats) averages(m domain.Metric) map[string]float64 {
	return s.avgs[m.Column]
}

// Windows returns the reference and comparison ranges for today's UTC
// midnight D: comparison is [D-cmp, D+1) and reference is [D-cmp-ref, D-cmp).
func Windows(now time.Time, cfg domain.DistributionConfig) (reference, comparison domain.DateRange) {
	d := domain.DayStart(now)
	comparison = domain.DateRange{From: d.AddDate(0, 0, -cfg.ComparisonPeriod), To: d.AddDate(0, 0, 1)}
	reference = domain.DateRange{From: comparison.From.AddDate(0, 0, -cfg.ReferencePeriod), To: comparison.From}
	return reference, comparison
}

// Analyze implements the segment distribution check for one model.
func (a *DistributionAnalyzer) Analyze(ctx context.Context, model string, cfg domain.DistributionConfig) *domain.AnalysisResult {
	const kind = domain.AnalyzerDistribution

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return a.fail(kind, model, err)
	}
	if cfg.DateColumn == "" {
		a.logger.Info("no date column configured, skipping", "model", model)
		return domain.SkippedResult(kind, model, "Distribution analysis skipped: no date column configured")
	}
	metrics, _ := cfg.ParsedMetrics()
	valueCols := metricColumns(metrics)

	ref, cmp := Windows(a.now(), cfg)

	var findings []domain.AnomalyFinding
	var skipped []string
	shares := make(map[string]any)
	shifts, behaviors := 0, 0

	for _, seg := range cfg.Segments {
		refStats, err := a.segmentWindow(ctx, model, seg, valueCols, cfg.DateColumn, ref)
		if err != nil {
			return a.fail(kind, model, err)
		}
		cmpStats, err := a.segmentWindow(ctx, model, seg, valueCols, cfg.DateColumn, cmp)
		if err != nil {
			return a.fail(kind, model, err)
		}
		if refStats.empty() || cmpStats.empty() {
			a.logger.Debug("segment has an empty window", "model", model, "segment", seg)
			skipped = append(skipped, seg)
			continue
		}

		segShares := make(map[string]any, len(metrics))
		for _, m := range metrics {
			refShare := shareOf(refStats.volume(m))
			cmpShare := shareOf(cmpStats.volume(m))
			segShares[m.Name] = map[string]any{
				"reference":  refShare,
				"comparison": cmpShare,
			}

			for _, v := range unionKeys(refShare, cmpShare) {
				delta := cmpShare[v] - refShare[v]
				if math.Abs(delta) <= *cfg.ShareThreshold+shareEpsilon {
					continue
				}
				sev := domain.SeverityMedium
				if math.Abs(delta) >= *cfg.ShareHighThreshold-shareEpsilon {
					sev = domain.SeverityHigh
				}
				shifts++
				findings = append(findings, domain.AnomalyFinding{
					Type:      domain.FindingSegmentShareShift,
					Subject:   seg + "=" + v,
					Statistic: delta,
					Severity:  sev,
					Description: fmt.Sprintf("Share of %s=%s by %s moved from %.1f%% to %.1f%% (%+.1f points)",
						seg, v, m.Name, refShare[v], cmpShare[v], delta),
					Evidence: map[string]any{
						"segment":          seg,
						"segment_value":    v,
						"metric":           m.Name,
						"reference_share":  refShare[v],
						"comparison_share": cmpShare[v],
						"share_change":     delta,
					},
				})
			}

			if m.Kind == domain.MetricCount {
				continue
			}
			refAvg, cmpAvg := refStats.averages(m), cmpStats.averages(m)
			for _, v := range unionKeys(refAvg, cmpAvg) {
				r, c := refAvg[v], cmpAvg[v]
				if r <= 0 {
					continue
				}
				pct := (c - r) / r * 100
				if math.Abs(pct) <= *cfg.BehaviorThreshold {
					continue
				}
				sev := domain.SeverityHigh
				if math.Abs(pct) > *cfg.BehaviorCriticalThreshold {
					sev = domain.SeverityCritical
				}
				behaviors++
				findings = append(findings, domain.AnomalyFinding{
					Type:      domain.FindingSegmentBehavior,
					Subject:   seg + "=" + v,
					Statistic: pct,
					Severity:  sev,
					Description: fmt.Sprintf("Average %s for %s=%s changed %+.1f%% (%.2f to %.2f)",
						m.Column, seg, v, pct, r, c),
					Evidence: map[string]any{
						"segment":        seg,
						"segment_value":  v,
						"metric":         m.Name,
						"reference_avg":  r,
						"comparison_avg": c,
						"percent_change": pct,
					},
				})
			}
		}
		shares[seg] = segShares
	}

	details := map[string]any{
		"segments": cfg.Segments,
		"metrics":  cfg.Metrics,
		"shares":   shares,
		"windows": map[string]any{
			"reference":  window(ref),
			"comparison": window(cmp),
		},
		"periods": map[string]any{
			"reference_period":  cfg.ReferencePeriod,
			"comparison_period": cfg.ComparisonPeriod,
		},
	}
	if len(skipped) > 0 {
		details["skipped_segments"] = skipped
	}

	if len(shares) == 0 {
		cause := &domain.InsufficientDataError{
			Need:   1,
			Got:    0,
			Reason: "Insufficient data for distribution analysis",
		}
		a.logger.Info("insufficient data", "model", model, "segments", len(cfg.Segments))
		return domain.InsufficientResult(kind, model, cause, details)
	}

	message := "All distribution patterns are normal"
	if len(findings) > 0 {
		message = fmt.Sprintf("%d distribution anomalies: %d segment share shifts, %d segment behavior anomalies",
			len(findings), shifts, behaviors)
	}

	a.logger.Info("distribution analysis complete",
		"model", model,
		"segments", len(shares),
		"anomalies", len(findings),
	)
	return domain.NewResult(kind, model, findings, message, details)
}

func (a *DistributionAnalyzer) segmentWindow(ctx context.Context, model, seg string, valueCols []string, dateCol string, r domain.DateRange) (segmentStats, error) {
	aggs := []domain.Aggregation{{Column: "*", Func: domain.AggCount, Alias: rowCountAlias}}
	for _, col := range valueCols {
		aggs = append(aggs,
			domain.Aggregation{Column: col, Func: domain.AggSum, Alias: "sum_" + col},
			domain.Aggregation{Column: col, Func: domain.AggAvg, Alias: "avg_" + col},
		)
	}

	ds, err := a.fetch(ctx, domain.QueryIntent{
		Model:        model,
		Aggregations: aggs,
		GroupBy:      []string{seg},
		DateColumn:   dateCol,
		DateRange:    &r,
		Filters:      []domain.Filter{{Column: seg, Op: domain.OpNotNull}},
		OrderBy:      []string{seg},
	})
	if err != nil {
		return segmentStats{}, err
	}

	out := segmentStats{
		count: make(map[string]float64),
		sums:  make(map[string]map[string]float64),
		avgs:  make(map[string]map[string]float64),
	}
	if ds.Len() == 0 {
		return out, nil
	}
	if err := ds.Require(seg, rowCountAlias); err != nil {
		return segmentStats{}, err
	}
	for _, col := range valueCols {
		out.sums[col] = make(map[string]float64)
		out.avgs[col] = make(map[string]float64)
	}

	for i := 0; i < ds.Len(); i++ {
		v, ok := ds.Text(i, seg)
		if !ok {
			continue
		}
		n, _ := ds.Float(i, rowCountAlias)
		out.count[v] += n
		for _, col := range valueCols {
			if s, ok := ds.Float(i, "sum_"+col); ok {
				out.sums[col][v] += s
			}
			if avg, ok := ds.Float(i, "avg_"+col); ok {
				out.avgs[col][v] = avg
			}
		}
	}
	return out, nil
}

// SegmentDrift fits a linear trend to each segment value's weekly share over
// the lookback and reports values whose share is drifting.
func (a *DistributionAnalyzer) SegmentDrift(ctx context.Context, model string, cfg domain.DistributionConfig) *domain.AnalysisResult {
	const kind = domain.AnalyzerDistribution

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return a.fail(kind, model, err)
	}
	if cfg.DateColumn == "" {
		return domain.SkippedResult(kind, model, "Segment drift skipped: no date column configured")
	}

	weeks := cfg.DriftLookbackWeeks
	span := domain.LastDays(a.now(), 7*weeks)

	var findings []domain.AnomalyFinding
	trends := make(map[string]any)
	var skipped []string

	for _, seg := range cfg.Segments {
		ds, err := a.fetch(ctx, domain.QueryIntent{
			Model:        model,
			Aggregations: []domain.Aggregation{{Column: "*", Func: domain.AggCount, Alias: rowCountAlias}},
			GroupBy:      []string{domain.BucketColumn, seg},
			DateColumn:   cfg.DateColumn,
			DateRange:    &span,
			BucketByDay:  true,
			Filters:      []domain.Filter{{Column: seg, Op: domain.OpNotNull}},
			OrderBy:      []string{domain.BucketColumn, seg},
		})
		if err != nil {
			return a.fail(kind, model, err)
		}
		if ds.Len() > 0 {
			if err := ds.Require(seg, rowCountAlias); err != nil {
				return a.fail(kind, model, err)
			}
		}

		counts := make([]map[string]float64, weeks)
		totals := make([]float64, weeks)
		values := make(map[string]struct{})
		for i := 0; i < ds.Len(); i++ {
			day, ok := ds.Time(i, domain.BucketColumn)
			v, vok := ds.Text(i, seg)
			if !ok || !vok {
				continue
			}
			w := int(domain.DayStart(day).Sub(span.From).Hours() / 24 / 7)
			if w < 0 || w >= weeks {
				continue
			}
			n, _ := ds.Float(i, rowCountAlias)
			if counts[w] == nil {
				counts[w] = make(map[string]float64)
			}
			counts[w][v] += n
			totals[w] += n
			values[v] = struct{}{}
		}

		var xs []float64
		var active []int
		for w := 0; w < weeks; w++ {
			if totals[w] > 0 {
				xs = append(xs, float64(w))
				active = append(active, w)
			}
		}
		if len(active) < minDriftWeek {
			a.logger.Debug("not enough weeks for drift", "model", model, "segment", seg, "weeks", len(active))
			skipped = append(skipped, seg)
			continue
		}

		segTrends := make(map[string]any)
		for _, v := range sortedKeys(values) {
			ys := make([]float64, len(active))
			for i, w := range active {
				ys[i] = counts[w][v] / totals[w]
			}
			tr, ok := stats.LinearTrend(xs, ys)
			if !ok {
				continue
			}
			change := ys[len(ys)-1] - ys[0]
			segTrends[v] = map[string]any{
				"slope":         tr.Slope,
				"p_value":       tr.PValue,
				"r_squared":     tr.RSquared,
				"first_share":   ys[0],
				"last_share":    ys[len(ys)-1],
				"weekly_shares": ys,
			}
			if tr.PValue >= driftPValue || math.Abs(change) <= driftChange {
				continue
			}
			sev := domain.SeverityMedium
			if math.Abs(change) > driftHigh {
				sev = domain.SeverityHigh
			}
			findings = append(findings, domain.AnomalyFinding{
				Type:      domain.FindingSegmentDrift,
				Subject:   seg + "=" + v,
				Statistic: tr.Slope,
				PValue:    ptr(tr.PValue),
				Severity:  sev,
				Description: fmt.Sprintf("Share of %s=%s drifted from %.1f%% to %.1f%% over %d weeks (slope %.4f/week, p=%.4f)",
					seg, v, ys[0]*100, ys[len(ys)-1]*100, len(active), tr.Slope, tr.PValue),
				Evidence: map[string]any{
					"segment":       seg,
					"segment_value": v,
					"slope":         tr.Slope,
					"r_squared":     tr.RSquared,
					"first_share":   ys[0],
					"last_share":    ys[len(ys)-1],
					"weeks":         len(active),
				},
			})
		}
		trends[seg] = segTrends
	}

	details := map[string]any{
		"segments":       cfg.Segments,
		"lookback_weeks": weeks,
		"window":         window(span),
		"trends":         trends,
	}
	if len(skipped) > 0 {
		details["skipped_segments"] = skipped
	}

	message := "No segment drift detected"
	if len(findings) > 0 {
		message = fmt.Sprintf("%d drifting segment values", len(findings))
	}
	return domain.NewResult(kind, model, findings, message, details)
}

// ValueCount is one value of a segment column with its frequency.
type ValueCount struct {
	Value string  `json:"value"`
	Count int64   `json:"count"`
	Share float64 `json:"share"`
}

// SegmentSummary describes the value distribution of one segment column.
type SegmentSummary struct {
	UniqueValues int          `json:"uniqueValues"`
	TopValues    []ValueCount `json:"topValues"`
	TotalRecords int64        `json:"totalRecords"`
}

// SegmentSummary reports, per segment column, the distinct values and the
// most frequent ones over the last days days.
func (a *DistributionAnalyzer) SegmentSummary(ctx context.Context, model string, cfg domain.DistributionConfig, days int) (map[string]SegmentSummary, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DateColumn == "" {
		return nil, &domain.ConfigError{Field: "date_column", Reason: "required for segment summary"}
	}
	if days < 1 {
		return nil, &domain.ConfigError{Field: "days", Reason: "must be positive"}
	}

	span := domain.LastDays(a.now(), days)
	out := make(map[string]SegmentSummary, len(cfg.Segments))
	for _, seg := range cfg.Segments {
		ds, err := a.fetch(ctx, domain.QueryIntent{
			Model:        model,
			Aggregations: []domain.Aggregation{{Column: "*", Func: domain.AggCount, Alias: rowCountAlias}},
			GroupBy:      []string{seg},
			DateColumn:   cfg.DateColumn,
			DateRange:    &span,
			Filters:      []domain.Filter{{Column: seg, Op: domain.OpNotNull}},
		})
		if err != nil {
			return nil, err
		}

		var vcs []ValueCount
		var total int64
		for i := 0; i < ds.Len(); i++ {
			v, ok := ds.Text(i, seg)
			if !ok {
				continue
			}
			n, _ := ds.Float(i, rowCountAlias)
			vcs = append(vcs, ValueCount{Value: v, Count: int64(n)})
			total += int64(n)
		}
		sort.Slice(vcs, func(i, j int) bool {
			if vcs[i].Count != vcs[j].Count {
				return vcs[i].Count > vcs[j].Count
			}
			return vcs[i].Value < vcs[j].Value
		})
		for i := range vcs {
			if total > 0 {
				vcs[i].Share = float64(vcs[i].Count) / float64(total) * 100
			}
		}

		top := vcs
		if len(top) > summaryTopValues {
			top = top[:summaryTopValues]
		}
		out[seg] = SegmentSummary{
			UniqueValues: len(vcs),
			TopValues:    top,
			TotalRecords: total,
		}
	}
	return out, nil
}

func metricColumns(metrics []domain.Metric) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, m := range metrics {
		if m.Kind == domain.MetricCount || seen[m.Column] {
			continue
		}
		seen[m.Column] = true
		cols = append(cols, m.Column)
	}
	return cols
}

// shareOf converts volumes to percentages of their total.
func shareOf(volume map[string]float64) map[string]float64 {
	total := 0.0
	for _, v := range volume {
		total += v
	}
	out := make(map[string]float64, len(volume))
	for k, v := range volume {
		if total != 0 {
			out[k] = v / total * 100
		} else {
			out[k] = 0
		}
	}
	return out
}

func unionKeys(a, b map[string]float64) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	return sortedKeys(set)
}
