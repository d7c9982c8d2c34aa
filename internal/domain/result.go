package domain

import (
	"errors"
	"fmt"
)

// AnalyzerKind names one of the statistical analyzers.
type AnalyzerKind string

const (
	AnalyzerCorrelation  AnalyzerKind = "correlation"
	AnalyzerMultivariate AnalyzerKind = "multivariate"
	AnalyzerDistribution AnalyzerKind = "distribution"
)

// FindingType is the closed set of anomaly classes.
type FindingType string

const (
	FindingCorrelationDeviation FindingType = "correlation_deviation"
	FindingConsensusOutlier     FindingType = "consensus_outlier"
	FindingSegmentShareShift    FindingType = "segment_share_shift"
	FindingSegmentBehavior      FindingType = "segment_behavior_anomaly"
	FindingSegmentDrift         FindingType = "segment_drift"
)

// Severity classifies findings for downstream alerting.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities: critical > high > medium > low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the highest severity among findings, or "" if none.
func MaxSeverity(findings []AnomalyFinding) Severity {
	var max Severity
	for _, f := range findings {
		if f.Severity.Rank() > max.Rank() {
			max = f.Severity
		}
	}
	return max
}

// AnomalyFinding is a single structured anomaly.
type AnomalyFinding struct {
	Type        FindingType    `json:"type"`
	Subject     string         `json:"subject"`
	Statistic   float64        `json:"statistic"`
	PValue      *float64       `json:"pValue,omitempty"`
	Severity    Severity       `json:"severity"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// AnalysisResult is the outcome of one analyzer call.
// Passed is always equivalent to AnomaliesCount == 0.
type AnalysisResult struct {
	Analyzer       AnalyzerKind     `json:"analyzer"`
	Model          string           `json:"model"`
	Passed         bool             `json:"passed"`
	AnomaliesCount int              `json:"anomaliesCount"`
	Message        string           `json:"message"`
	Findings       []AnomalyFinding `json:"findings,omitempty"`
	Details        map[string]any   `json:"details,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// NewResult builds a result whose counts are derived from findings.
func NewResult(kind AnalyzerKind, model string, findings []AnomalyFinding, message string, details map[string]any) *AnalysisResult {
	if details == nil {
		details = make(map[string]any)
	}
	return &AnalysisResult{
		Analyzer:       kind,
		Model:          model,
		Passed:         len(findings) == 0,
		AnomaliesCount: len(findings),
		Message:        message,
		Findings:       findings,
		Details:        details,
	}
}

// FailedResult converts an error into a failed result with one anomaly.
func FailedResult(kind AnalyzerKind, model string, err error) *AnalysisResult {
	details := map[string]any{"error_kind": errorKind(err)}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		details["field"] = cfgErr.Field
	}
	return &AnalysisResult{
		Analyzer:       kind,
		Model:          model,
		Passed:         false,
		AnomaliesCount: 1,
		Message:        fmt.Sprintf("%s analysis failed: %v", kind, err),
		Details:        details,
		Error:          err.Error(),
	}
}

// InsufficientResult reports that there was not enough data to judge.
func InsufficientResult(kind AnalyzerKind, model string, cause *InsufficientDataError, details map[string]any) *AnalysisResult {
	if details == nil {
		details = make(map[string]any)
	}
	details["insufficient_data"] = true
	details["required"] = cause.Need
	details["available"] = cause.Got
	return NewResult(kind, model, nil, cause.Error(), details)
}

// SkippedResult reports a deliberate no-op.
func SkippedResult(kind AnalyzerKind, model, reason string) *AnalysisResult {
	return NewResult(kind, model, nil, reason, map[string]any{"skipped": true})
}

// Failed reports whether the result carries an error rather than findings.
func (r *AnalysisResult) Failed() bool {
	return r.Error != ""
}

// Filter returns a copy of the result keeping only findings for which keep
// returns true. Failed results are returned unchanged.
func (r *AnalysisResult) Filter(keep func(AnomalyFinding) bool) *AnalysisResult {
	if r.Failed() {
		return r
	}
	var kept []AnomalyFinding
	for _, f := range r.Findings {
		if keep(f) {
			kept = append(kept, f)
		}
	}
	details := make(map[string]any, len(r.Details)+1)
	for k, v := range r.Details {
		details[k] = v
	}
	message := r.Message
	if dropped := len(r.Findings) - len(kept); dropped > 0 {
		details["suppressed_count"] = dropped
		message = fmt.Sprintf("%s (%d suppressed by policy)", message, dropped)
	}
	return NewResult(r.Analyzer, r.Model, kept, message, details)
}

func errorKind(err error) string {
	var cfgErr *ConfigError
	var fetchErr *DataFetchError
	var algErr *AlgorithmError
	switch {
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &fetchErr):
		return "data_fetch"
	case errors.As(err, &algErr):
		return "algorithm"
	default:
		return "internal"
	}
}
