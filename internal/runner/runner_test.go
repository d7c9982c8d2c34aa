package runner

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/analysis"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/policy"
	"github.com/opensource-finance/heron/internal/warehouse"
)

var now = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

// seedOrders writes a region mix of A60/B40 ten days ago and either the
// same mix or A40/B60 yesterday.
func seedOrders(p *warehouse.MemoryProvider, model string, shifted bool) {
	var rows []domain.Row
	add := func(offset int, region string, n int) {
		at := domain.DayStart(now).AddDate(0, 0, offset).Add(12 * time.Hour)
		for i := 0; i < n; i++ {
			rows = append(rows, domain.Row{"created_at": at, "region": region, "amount": 10.0})
		}
	}
	add(-10, "A", 60)
	add(-10, "B", 40)
	if shifted {
		add(-1, "A", 40)
		add(-1, "B", 60)
	} else {
		add(-1, "A", 60)
		add(-1, "B", 40)
	}
	p.Put(model, []string{"created_at", "region", "amount"}, rows)
}

func distributionSpec(name string) domain.ModelSpec {
	return domain.ModelSpec{
		Name: name,
		Distribution: &domain.DistributionConfig{
			Segments:   []string{"region"},
			DateColumn: "created_at",
		},
	}
}

func newRunner(t *testing.T, p domain.DataProvider) *Runner {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	engine, err := policy.NewEngine(logger)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	return New(p, engine, Config{Target: "dev", Workers: 2}, logger,
		analysis.WithClock(func() time.Time { return now }))
}

func TestRun(t *testing.T) {
	p := warehouse.NewMemoryProvider()
	seedOrders(p, "stable", false)
	seedOrders(p, "shifted", true)
	r := newRunner(t, p)
	ctx := context.Background()

	t.Run("Passed", func(t *testing.T) {
		report, err := r.Run(ctx, distributionSpec("stable"))
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if report.Status != domain.RunStatusPassed || !report.Passed {
			t.Errorf("expected passed, got %s", report.Status)
		}
		if report.ID == "" {
			t.Error("report ID not set")
		}
		if report.Target != "dev" {
			t.Errorf("expected target 'dev', got '%s'", report.Target)
		}
		if len(report.Results) != 1 || report.Results[0].Analyzer != domain.AnalyzerDistribution {
			t.Errorf("unexpected results: %+v", report.Results)
		}
	})

	t.Run("Failed", func(t *testing.T) {
		report, err := r.Run(ctx, distributionSpec("shifted"))
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if report.Status != domain.RunStatusFailed || report.Passed {
			t.Errorf("expected failed, got %s", report.Status)
		}
		if report.TotalAnomalies != 2 {
			t.Errorf("expected 2 anomalies, got %d", report.TotalAnomalies)
		}
		if report.MaxSeverity != domain.SeverityHigh {
			t.Errorf("expected max severity high, got %s", report.MaxSeverity)
		}
	})

	t.Run("Suppressed", func(t *testing.T) {
		spec := distributionSpec("shifted")
		spec.Suppress = []string{`finding.subject.startsWith("region=")`}

		report, err := r.Run(ctx, spec)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if !report.Passed || report.TotalAnomalies != 0 {
			t.Errorf("expected suppressed run to pass, got %s with %d", report.Status, report.TotalAnomalies)
		}
		if report.Results[0].Details["suppressed_count"] != 2 {
			t.Errorf("expected suppressed_count 2, got %v", report.Results[0].Details["suppressed_count"])
		}
	})

	t.Run("AnalyzerError", func(t *testing.T) {
		spec := distributionSpec("stable")
		spec.Multivariate = &domain.MultivariateConfig{Features: []string{"amount", "region"}}

		report, err := r.Run(ctx, spec)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if report.Status != domain.RunStatusError || report.Passed {
			t.Errorf("expected error status, got %s", report.Status)
		}
		if !report.Errored() {
			t.Error("report should be errored")
		}
	})

	t.Run("TraceID", func(t *testing.T) {
		report, err := r.Run(WithTraceID(ctx, "trace-001"), distributionSpec("stable"))
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if report.TraceID != "trace-001" {
			t.Errorf("expected trace ID 'trace-001', got '%s'", report.TraceID)
		}
	})

	t.Run("NoAnalyzers", func(t *testing.T) {
		_, err := r.Run(ctx, domain.ModelSpec{Name: "empty"})
		if !errors.Is(err, ErrNoAnalyzers) {
			t.Errorf("expected ErrNoAnalyzers, got %v", err)
		}
	})

	t.Run("InvalidSuppression", func(t *testing.T) {
		spec := distributionSpec("stable")
		spec.Suppress = []string{"1 + 1"}
		_, err := r.Run(ctx, spec)
		if !errors.Is(err, policy.ErrInvalidExpression) {
			t.Errorf("expected ErrInvalidExpression, got %v", err)
		}
	})
}

func TestRunAll(t *testing.T) {
	p := warehouse.NewMemoryProvider()
	seedOrders(p, "stable", false)
	seedOrders(p, "shifted", true)
	r := newRunner(t, p)

	specs := []domain.ModelSpec{
		distributionSpec("shifted"),
		{Name: "broken"},
		distributionSpec("stable"),
	}
	reports, err := r.RunAll(context.Background(), specs)
	if !errors.Is(err, ErrNoAnalyzers) {
		t.Errorf("expected joined ErrNoAnalyzers, got %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(reports))
	}
	if reports[0].Model != "shifted" || reports[0].Status != domain.RunStatusFailed {
		t.Errorf("unexpected first report: %+v", reports[0])
	}
	if reports[1] != nil {
		t.Error("broken spec should leave a nil report")
	}
	if reports[2].Model != "stable" || !reports[2].Passed {
		t.Errorf("unexpected third report: %+v", reports[2])
	}
}

func TestValidate(t *testing.T) {
	r := newRunner(t, warehouse.NewMemoryProvider())

	if err := r.Validate(distributionSpec("orders")); err != nil {
		t.Errorf("expected valid spec: %v", err)
	}

	cases := map[string]domain.ModelSpec{
		"MissingName": {Distribution: &domain.DistributionConfig{Segments: []string{"region"}}},
		"NoAnalyzers": {Name: "orders"},
		"MissingSeed": {Name: "orders", Multivariate: &domain.MultivariateConfig{Features: []string{"a", "b"}}},
		"BadSuppress": {Name: "orders", Distribution: &domain.DistributionConfig{Segments: []string{"region"}}, Suppress: []string{"nope("}},
		"OneVariable": {Name: "orders", Correlation: &domain.CorrelationConfig{Variables: []string{"a"}}},
		"NoSegments":  {Name: "orders", Distribution: &domain.DistributionConfig{}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			if err := r.Validate(spec); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCatalog(t *testing.T) {
	specs := []domain.ModelSpec{distributionSpec("zeta"), distributionSpec("alpha")}
	var loadErr error
	load := func() ([]domain.ModelSpec, error) { return specs, loadErr }

	r := newRunner(t, warehouse.NewMemoryProvider())
	c, err := NewCatalog(load, r.Validate)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}

	list := c.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("expected sorted models, got %+v", list)
	}
	if _, ok := c.Get("zeta"); !ok {
		t.Error("expected zeta to be present")
	}

	t.Run("ReloadKeepsPreviousOnError", func(t *testing.T) {
		specs = append(specs, distributionSpec("alpha"))
		if _, err := c.Reload(); err == nil {
			t.Error("expected duplicate model error")
		}
		if c.Len() != 2 {
			t.Errorf("expected 2 models after failed reload, got %d", c.Len())
		}

		specs = specs[:2]
		loadErr = errors.New("file vanished")
		if _, err := c.Reload(); err == nil {
			t.Error("expected load error")
		}
		if c.Len() != 2 {
			t.Errorf("expected 2 models after failed reload, got %d", c.Len())
		}
	})

	t.Run("Reload", func(t *testing.T) {
		loadErr = nil
		specs = []domain.ModelSpec{distributionSpec("beta")}
		n, err := c.Reload()
		if err != nil || n != 1 {
			t.Fatalf("reload failed: n=%d err=%v", n, err)
		}
		if _, ok := c.Get("alpha"); ok {
			t.Error("alpha should be gone")
		}
	})
}

func TestRunnerPassthroughs(t *testing.T) {
	p := warehouse.NewMemoryProvider()
	seedOrders(p, "orders", false)
	r := newRunner(t, p)
	ctx := context.Background()

	if _, err := r.FeatureImportance(ctx, distributionSpec("orders")); err == nil {
		t.Error("expected error without multivariate config")
	}

	summary, err := r.SegmentSummary(ctx, distributionSpec("orders"), 30)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary["region"].TotalRecords != 200 {
		t.Errorf("expected 200 records, got %d", summary["region"].TotalRecords)
	}

	drift, err := r.SegmentDrift(ctx, distributionSpec("orders"))
	if err != nil {
		t.Fatalf("drift failed: %v", err)
	}
	if drift.Failed() {
		t.Errorf("drift failed: %s", drift.Error)
	}
}
