package domain

import (
	"time"
)

// ModelSpec binds a model name to its analyzer configurations.
// A nil section disables that analyzer for the model.
type ModelSpec struct {
	Name         string              `koanf:"name" json:"name"`
	Description  string              `koanf:"description" json:"description,omitempty"`
	Correlation  *CorrelationConfig  `koanf:"correlation_analysis" json:"correlationAnalysis,omitempty"`
	Multivariate *MultivariateConfig `koanf:"multivariate_analysis" json:"multivariateAnalysis,omitempty"`
	Distribution *DistributionConfig `koanf:"distribution_analysis" json:"distributionAnalysis,omitempty"`

	// Suppress holds CEL predicates over a finding; matching findings are dropped.
	Suppress []string `koanf:"suppress" json:"suppress,omitempty"`
}

// Analyzers returns the configured analyzer kinds in execution order.
func (m ModelSpec) Analyzers() []AnalyzerKind {
	var kinds []AnalyzerKind
	if m.Correlation != nil {
		kinds = append(kinds, AnalyzerCorrelation)
	}
	if m.Multivariate != nil {
		kinds = append(kinds, AnalyzerMultivariate)
	}
	if m.Distribution != nil {
		kinds = append(kinds, AnalyzerDistribution)
	}
	return kinds
}

// Run status values.
const (
	RunStatusPassed = "passed"
	RunStatusFailed = "failed"
	RunStatusError  = "error"
)

// RunReport aggregates the analyzer results for one model run.
type RunReport struct {
	ID             string            `json:"id"`
	Model          string            `json:"model"`
	Target         string            `json:"target"`
	Status         string            `json:"status"`
	Passed         bool              `json:"passed"`
	TotalAnomalies int               `json:"totalAnomalies"`
	MaxSeverity    Severity          `json:"maxSeverity,omitempty"`
	Results        []*AnalysisResult `json:"results"`
	StartedAt      time.Time         `json:"startedAt"`
	DurationMs     int64             `json:"durationMs"`
	TraceID        string            `json:"traceId,omitempty"`
}

// Findings returns every finding across results.
func (r *RunReport) Findings() []AnomalyFinding {
	var all []AnomalyFinding
	for _, res := range r.Results {
		all = append(all, res.Findings...)
	}
	return all
}

// Errored reports whether any analyzer returned a failed result.
func (r *RunReport) Errored() bool {
	for _, res := range r.Results {
		if res.Failed() {
			return true
		}
	}
	return false
}

// AnomalyRecord is a persisted finding with its run context.
type AnomalyRecord struct {
	RunID      string       `json:"runId"`
	Model      string       `json:"model"`
	Target     string       `json:"target"`
	Analyzer   AnalyzerKind `json:"analyzer"`
	DetectedAt time.Time    `json:"detectedAt"`
	AnomalyFinding
}
