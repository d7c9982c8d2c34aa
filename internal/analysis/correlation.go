package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

const (
	weakExpectedMin = 0.5
	weakObservedMax = 0.3
	strongObserved  = 0.9
)

// CorrelationAnalyzer detects pairwise correlation deviations and temporal
// correlation drift over a daily-aggregated series.
type CorrelationAnalyzer struct {
	base
}

// NewCorrelationAnalyzer creates a correlation analyzer reading from p.
func NewCorrelationAnalyzer(p domain.DataProvider, opts ...Option) *CorrelationAnalyzer {
	return &CorrelationAnalyzer{base: newBase(p, domain.AnalyzerCorrelation, opts)}
}

type pairStat struct {
	x, y string
	coef stats.Coefficient
}

func pairKey(x, y string) string {
	return x + "~" + y
}

// Analyze implements the correlation check for one model.
func (a *CorrelationAnalyzer) Analyze(ctx context.Context, model string, cfg domain.CorrelationConfig) *domain.AnalysisResult {
	const kind = domain.AnalyzerCorrelation

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return a.fail(kind, model, err)
	}

	now := a.now()
	full := domain.LastDays(now, cfg.WindowDays)
	aggs := make([]domain.Aggregation, len(cfg.Variables))
	for i, v := range cfg.Variables {
		aggs[i] = domain.Aggregation{Column: v, Func: domain.AggSum, Alias: v}
	}

	ds, err := a.fetch(ctx, domain.QueryIntent{
		Model:        model,
		Aggregations: aggs,
		GroupBy:      []string{domain.BucketColumn},
		DateColumn:   cfg.DateColumn,
		DateRange:    &full,
		BucketByDay:  true,
		OrderBy:      []string{domain.BucketColumn},
	})
	if err != nil {
		return a.fail(kind, model, err)
	}
	if ds.Len() == 0 {
		a.logger.Info("no data in window", "model", model, "window_days", cfg.WindowDays)
		return domain.NewResult(kind, model, nil, "no data", map[string]any{"data_points": 0})
	}
	if err := ds.Require(cfg.Variables...); err != nil {
		return a.fail(kind, model, err)
	}

	method := stats.Method(cfg.CorrelationType)
	series := make(map[string][]float64, len(cfg.Variables))
	for _, v := range cfg.Variables {
		series[v] = ds.Floats(v)
	}

	var findings []domain.AnomalyFinding
	var skipped []string
	var pairs []pairStat
	static := make(map[string]any)

	for i := 0; i < len(cfg.Variables); i++ {
		for j := i + 1; j < len(cfg.Variables); j++ {
			x, y := cfg.Variables[i], cfg.Variables[j]
			key := pairKey(x, y)

			coef, err := stats.Correlate(method, series[x], series[y])
			if err != nil {
				if errors.Is(err, stats.ErrTooFewPoints) || errors.Is(err, stats.ErrConstant) {
					a.logger.Debug("skipping pair", "model", model, "pair", key, "reason", err)
					skipped = append(skipped, key)
					continue
				}
				return a.fail(kind, model, fmt.Errorf("correlate %s: %w", key, err))
			}

			pairs = append(pairs, pairStat{x: x, y: y, coef: coef})
			static[key] = map[string]any{
				"correlation": coef.R,
				"p_value":     coef.PValue,
				"sample_size": coef.N,
			}
			if f, ok := judgeStatic(x, y, coef, cfg); ok {
				findings = append(findings, f)
			}
		}
	}

	temporal := make(map[string]any)
	recentFrom := domain.LastDays(now, cfg.RecentWindowDays).From
	recent := ds.Filter(func(i int) bool {
		t, ok := ds.Time(i, domain.BucketColumn)
		return ok && !t.Before(recentFrom)
	})
	for _, p := range pairs {
		key := pairKey(p.x, p.y)
		rc, err := stats.Correlate(method, recent.Floats(p.x), recent.Floats(p.y))
		if err != nil {
			a.logger.Debug("skipping recent pair", "model", model, "pair", key, "reason", err)
			continue
		}
		z, pValue, ok := stats.FisherCompare(rc.R, rc.N, p.coef.R, p.coef.N)
		if !ok {
			continue
		}
		delta := rc.R - p.coef.R
		temporal[key] = map[string]any{
			"baseline_correlation": p.coef.R,
			"recent_correlation":   rc.R,
			"delta":                delta,
			"z":                    z,
			"p_value":              pValue,
			"recent_sample_size":   rc.N,
		}
		if pValue < cfg.SignificanceLevel && math.Abs(delta) > *cfg.Threshold {
			findings = append(findings, domain.AnomalyFinding{
				Type:      domain.FindingCorrelationDeviation,
				Subject:   key,
				Statistic: rc.R,
				PValue:    ptr(pValue),
				Severity:  domain.SeverityMedium,
				Description: fmt.Sprintf("Recent %d-day correlation %.3f shifted from %d-day baseline %.3f (z=%.2f, p=%.4f)",
					cfg.RecentWindowDays, rc.R, cfg.WindowDays, p.coef.R, z, pValue),
				Evidence: map[string]any{
					"variables":            []string{p.x, p.y},
					"window":               "recent",
					"recent_correlation":   rc.R,
					"baseline_correlation": p.coef.R,
					"delta":                delta,
					"sample_size":          rc.N,
				},
			})
		}
	}

	details := map[string]any{
		"variables":            cfg.Variables,
		"method":               string(cfg.CorrelationType),
		"window_days":          cfg.WindowDays,
		"recent_window_days":   cfg.RecentWindowDays,
		"data_points":          ds.Len(),
		"static_correlation":   static,
		"temporal_correlation": temporal,
	}
	if len(skipped) > 0 {
		details["skipped_pairs"] = skipped
	}

	message := fmt.Sprintf("No correlation anomalies across %d variable pairs", len(pairs))
	if len(findings) > 0 {
		message = fmt.Sprintf("%d correlation anomalies detected across %d variable pairs", len(findings), len(pairs))
	}

	a.logger.Info("correlation analysis complete",
		"model", model,
		"pairs", len(pairs),
		"anomalies", len(findings),
	)
	return domain.NewResult(kind, model, findings, message, details)
}

// judgeStatic applies the weak, deviation and strong rules in that order.
func judgeStatic(x, y string, c stats.Coefficient, cfg domain.CorrelationConfig) (domain.AnomalyFinding, bool) {
	obs := c.R
	evidence := map[string]any{
		"variables":   []string{x, y},
		"window":      "full",
		"correlation": obs,
		"method":      string(cfg.CorrelationType),
		"sample_size": c.N,
	}

	var check, desc string
	switch exp := cfg.ExpectedCorrelation; {
	case exp != nil && math.Abs(*exp) > weakExpectedMin && math.Abs(obs) < weakObservedMax:
		check = "weak"
		desc = fmt.Sprintf("Expected strong correlation %.3f but observed weak correlation %.3f", *exp, obs)
		evidence["expected"] = *exp
		evidence["deviation"] = math.Abs(obs - *exp)
	case exp != nil && math.Abs(obs-*exp) > *cfg.Threshold:
		check = "deviation"
		desc = fmt.Sprintf("Correlation %.3f deviates from expected %.3f by %.3f", obs, *exp, math.Abs(obs-*exp))
		evidence["expected"] = *exp
		evidence["deviation"] = math.Abs(obs - *exp)
	case exp == nil && math.Abs(obs) > strongObserved:
		check = "strong"
		desc = fmt.Sprintf("Unexpectedly strong correlation %.3f between %s and %s", obs, x, y)
	default:
		return domain.AnomalyFinding{}, false
	}
	evidence["check"] = check

	return domain.AnomalyFinding{
		Type:        domain.FindingCorrelationDeviation,
		Subject:     pairKey(x, y),
		Statistic:   obs,
		PValue:      c.PValue,
		Severity:    domain.SeverityMedium,
		Description: desc,
		Evidence:    evidence,
	}, true
}
