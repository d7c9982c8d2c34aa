// Package analysis implements the statistical analyzers: correlation drift,
// multivariate ensemble outliers with consensus voting, and segment
// distribution shift.
//
// Analyzers hold no mutable state. Every call fetches its own data through a
// domain.DataProvider and always returns a well-formed *domain.AnalysisResult;
// errors are folded into failed results rather than returned.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Option configures an analyzer.
type Option func(*base)

// WithLogger sets the analyzer logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source used to place date windows.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

type base struct {
	provider domain.DataProvider
	logger   *slog.Logger
	now      func() time.Time
}

func newBase(p domain.DataProvider, kind domain.AnalyzerKind, opts []Option) base {
	b := base{
		provider: p,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With("analyzer", string(kind))
	return b
}

// fetch runs the intent and guarantees provider failures surface as a
// *domain.DataFetchError.
func (b base) fetch(ctx context.Context, intent domain.QueryIntent) (*domain.Dataset, error) {
	ds, err := b.provider.Fetch(ctx, intent)
	if err != nil {
		var fetchErr *domain.DataFetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &domain.DataFetchError{Model: intent.Model, Err: err}
	}
	if ds == nil {
		ds = domain.EmptyDataset()
	}
	return ds, nil
}

func (b base) fail(kind domain.AnalyzerKind, model string, err error) *domain.AnalysisResult {
	b.logger.Error("analysis failed", "model", model, "error", err)
	return domain.FailedResult(kind, model, err)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func window(r domain.DateRange) map[string]any {
	return map[string]any{
		"from": r.From.Format(time.DateOnly),
		"to":   r.To.Format(time.DateOnly),
	}
}

func ptr[T any](v T) *T {
	return &v
}
