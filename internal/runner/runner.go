// Package runner executes the configured analyzers for a model and folds
// their results into a single run report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/heron/internal/analysis"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/policy"
)

var tracer = otel.Tracer("heron-runner")

// ErrNoAnalyzers is returned for a model that enables no analyzer.
var ErrNoAnalyzers = errors.New("model enables no analyzer")

type traceKey struct{}

// WithTraceID attaches a caller-supplied trace ID used when no span is recording.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// Config holds runner settings.
type Config struct {
	// Target labels every report
	Target string

	// Workers bounds RunAll concurrency
	Workers int
}

// Runner executes model specs against a data provider.
type Runner struct {
	correlation  *analysis.CorrelationAnalyzer
	multivariate *analysis.MultivariateAnalyzer
	distribution *analysis.DistributionAnalyzer
	policy       *policy.Engine
	cfg          Config
	logger       *slog.Logger
}

// New creates a runner. opts are forwarded to every analyzer.
func New(provider domain.DataProvider, engine *policy.Engine, cfg Config, logger *slog.Logger, opts ...analysis.Option) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]analysis.Option{analysis.WithLogger(logger)}, opts...)
	return &Runner{
		correlation:  analysis.NewCorrelationAnalyzer(provider, opts...),
		multivariate: analysis.NewMultivariateAnalyzer(provider, opts...),
		distribution: analysis.NewDistributionAnalyzer(provider, opts...),
		policy:       engine,
		cfg:          cfg,
		logger:       logger,
	}
}

// Target returns the target stamped on reports.
func (r *Runner) Target() string {
	return r.cfg.Target
}

// Validate checks a spec before it is accepted into the catalog.
func (r *Runner) Validate(spec domain.ModelSpec) error {
	if spec.Name == "" {
		return &domain.ConfigError{Field: "name", Reason: "model name is required"}
	}
	if len(spec.Analyzers()) == 0 {
		return fmt.Errorf("%s: %w", spec.Name, ErrNoAnalyzers)
	}
	if spec.Correlation != nil {
		if err := spec.Correlation.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("%s: correlation: %w", spec.Name, err)
		}
	}
	if spec.Multivariate != nil {
		if err := spec.Multivariate.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("%s: multivariate: %w", spec.Name, err)
		}
	}
	if spec.Distribution != nil {
		if err := spec.Distribution.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("%s: distribution: %w", spec.Name, err)
		}
	}
	if _, err := r.policy.Compile(spec.Suppress); err != nil {
		return fmt.Errorf("%s: suppress: %w", spec.Name, err)
	}
	return nil
}

// Run executes every analyzer the spec enables and applies its suppression
// policy. Analyzer failures are reported inside the report; only an unusable
// spec returns an error.
func (r *Runner) Run(ctx context.Context, spec domain.ModelSpec) (*domain.RunReport, error) {
	kinds := spec.Analyzers()
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrNoAnalyzers)
	}
	pol, err := r.policy.Compile(spec.Suppress)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	ctx, span := tracer.Start(ctx, "run "+spec.Name,
		trace.WithAttributes(
			attribute.String("heron.model", spec.Name),
			attribute.String("heron.target", r.cfg.Target),
		),
	)
	defer span.End()

	report := &domain.RunReport{
		ID:        uuid.New().String(),
		Model:     spec.Name,
		Target:    r.cfg.Target,
		StartedAt: time.Now().UTC(),
		TraceID:   traceID(ctx, span),
	}

	for _, kind := range kinds {
		res := r.analyze(ctx, kind, spec)
		res = pol.Apply(res)
		report.Results = append(report.Results, res)
		report.TotalAnomalies += res.AnomaliesCount
	}

	report.MaxSeverity = domain.MaxSeverity(report.Findings())
	switch {
	case report.Errored():
		report.Status = domain.RunStatusError
		span.SetStatus(codes.Error, "analyzer failed")
	case report.TotalAnomalies > 0:
		report.Status = domain.RunStatusFailed
	default:
		report.Status = domain.RunStatusPassed
	}
	report.Passed = report.Status == domain.RunStatusPassed
	report.DurationMs = time.Since(report.StartedAt).Milliseconds()

	span.SetAttributes(
		attribute.String("heron.status", report.Status),
		attribute.Int("heron.anomalies", report.TotalAnomalies),
	)
	metrics.ObserveRun(report)

	r.logger.Info("model run complete",
		"model", spec.Name,
		"run_id", report.ID,
		"status", report.Status,
		"anomalies", report.TotalAnomalies,
		"max_severity", report.MaxSeverity,
		"duration_ms", report.DurationMs,
	)
	return report, nil
}

func (r *Runner) analyze(ctx context.Context, kind domain.AnalyzerKind, spec domain.ModelSpec) *domain.AnalysisResult {
	ctx, span := tracer.Start(ctx, "analyze "+string(kind),
		trace.WithAttributes(attribute.String("heron.analyzer", string(kind))),
	)
	defer span.End()

	start := time.Now()
	var res *domain.AnalysisResult
	switch kind {
	case domain.AnalyzerCorrelation:
		res = r.correlation.Analyze(ctx, spec.Name, *spec.Correlation)
	case domain.AnalyzerMultivariate:
		res = r.multivariate.Analyze(ctx, spec.Name, *spec.Multivariate)
	case domain.AnalyzerDistribution:
		res = r.distribution.Analyze(ctx, spec.Name, *spec.Distribution)
	}
	metrics.ObserveResult(res, time.Since(start))

	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.Int("heron.anomalies", res.AnomaliesCount))
	return res
}

// RunAll runs every spec with at most Workers in flight. Reports keep the
// order of specs; a spec that cannot run leaves a nil entry and contributes
// to the joined error.
func (r *Runner) RunAll(ctx context.Context, specs []domain.ModelSpec) ([]*domain.RunReport, error) {
	reports := make([]*domain.RunReport, len(specs))
	errs := make([]error, len(specs))

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, spec := range specs {
		g.Go(func() error {
			reports[i], errs[i] = r.Run(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// FeatureImportance ranks the spec's multivariate features.
func (r *Runner) FeatureImportance(ctx context.Context, spec domain.ModelSpec) (map[string]float64, error) {
	if spec.Multivariate == nil {
		return nil, &domain.ConfigError{Field: "multivariate_analysis", Reason: "not configured for " + spec.Name}
	}
	return r.multivariate.FeatureImportance(ctx, spec.Name, *spec.Multivariate), nil
}

// SegmentDrift runs the weekly share trend check for the spec's segments.
func (r *Runner) SegmentDrift(ctx context.Context, spec domain.ModelSpec) (*domain.AnalysisResult, error) {
	if spec.Distribution == nil {
		return nil, &domain.ConfigError{Field: "distribution_analysis", Reason: "not configured for " + spec.Name}
	}
	return r.distribution.SegmentDrift(ctx, spec.Name, *spec.Distribution), nil
}

// SegmentSummary describes the spec's segment columns over the last days days.
func (r *Runner) SegmentSummary(ctx context.Context, spec domain.ModelSpec, days int) (map[string]analysis.SegmentSummary, error) {
	if spec.Distribution == nil {
		return nil, &domain.ConfigError{Field: "distribution_analysis", Reason: "not configured for " + spec.Name}
	}
	return r.distribution.SegmentSummary(ctx, spec.Name, *spec.Distribution, days)
}

func traceID(ctx context.Context, span trace.Span) string {
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
