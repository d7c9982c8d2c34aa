package domain

import (
	"fmt"
	"strings"
)

// CorrelationMethod selects how pairwise coefficients are computed.
type CorrelationMethod string

const (
	MethodPearson    CorrelationMethod = "pearson"
	MethodSpearman   CorrelationMethod = "spearman"
	MethodCovariance CorrelationMethod = "covariance"
)

// Algorithm is a member of the closed multivariate detector set.
type Algorithm string

const (
	AlgorithmIsolationForest Algorithm = "isolation_forest"
	AlgorithmLOF             Algorithm = "lof"
	AlgorithmPCA             Algorithm = "pca"
	AlgorithmDBSCAN          Algorithm = "dbscan"
)

// Algorithms lists every supported detector in canonical order.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmIsolationForest, AlgorithmLOF, AlgorithmPCA, AlgorithmDBSCAN}
}

// Valid reports whether a is a known detector.
func (a Algorithm) Valid() bool {
	for _, known := range Algorithms() {
		if a == known {
			return true
		}
	}
	return false
}

const defaultDateColumn = "created_at"

// Ptr returns a pointer to v, for optional config fields.
func Ptr[T any](v T) *T {
	return &v
}

// CorrelationConfig parameterizes the correlation analyzer.
type CorrelationConfig struct {
	Variables           []string          `koanf:"variables" json:"variables"`
	ExpectedCorrelation *float64          `koanf:"expected_correlation" json:"expectedCorrelation,omitempty"`
	Threshold           *float64          `koanf:"threshold" json:"threshold,omitempty"`
	CorrelationType     CorrelationMethod `koanf:"correlation_type" json:"correlationType"`
	DateColumn          string            `koanf:"date_column" json:"dateColumn"`
	WindowDays          int               `koanf:"window_days" json:"windowDays"`
	RecentWindowDays    int               `koanf:"recent_window_days" json:"recentWindowDays"`
	SignificanceLevel   float64           `koanf:"significance_level" json:"significanceLevel"`
}

// WithDefaults returns a copy with unset fields filled in.
// Threshold is a pointer so an explicit 0 survives defaulting.
func (c CorrelationConfig) WithDefaults() CorrelationConfig {
	if c.Threshold == nil {
		c.Threshold = Ptr(0.2)
	}
	if c.CorrelationType == "" {
		c.CorrelationType = MethodPearson
	}
	if c.DateColumn == "" {
		c.DateColumn = defaultDateColumn
	}
	if c.WindowDays == 0 {
		c.WindowDays = 30
	}
	if c.RecentWindowDays == 0 {
		c.RecentWindowDays = 7
	}
	if c.SignificanceLevel == 0 {
		c.SignificanceLevel = 0.05
	}
	return c
}

// Validate checks a defaulted config.
func (c CorrelationConfig) Validate() error {
	if len(c.Variables) < 2 {
		return &ConfigError{Field: "variables", Reason: fmt.Sprintf("at least 2 variables required, got %d", len(c.Variables))}
	}
	if err := distinct("variables", c.Variables); err != nil {
		return err
	}
	switch c.CorrelationType {
	case MethodPearson, MethodSpearman, MethodCovariance:
	default:
		return &ConfigError{Field: "correlation_type", Reason: fmt.Sprintf("unsupported method %q", c.CorrelationType)}
	}
	if c.ExpectedCorrelation != nil && (*c.ExpectedCorrelation < -1 || *c.ExpectedCorrelation > 1) {
		return &ConfigError{Field: "expected_correlation", Reason: "must be within [-1, 1]"}
	}
	if c.Threshold == nil || *c.Threshold < 0 || *c.Threshold > 2 {
		return &ConfigError{Field: "threshold", Reason: "must be within [0, 2]"}
	}
	if c.WindowDays < 1 {
		return &ConfigError{Field: "window_days", Reason: "must be positive"}
	}
	if c.RecentWindowDays < 1 || c.RecentWindowDays >= c.WindowDays {
		return &ConfigError{Field: "recent_window_days", Reason: "must be positive and shorter than window_days"}
	}
	if c.SignificanceLevel <= 0 || c.SignificanceLevel >= 1 {
		return &ConfigError{Field: "significance_level", Reason: "must be within (0, 1)"}
	}
	return nil
}

// MultivariateConfig parameterizes the ensemble outlier analyzer.
type MultivariateConfig struct {
	Features      []string    `koanf:"features" json:"features"`
	Algorithms    []Algorithm `koanf:"algorithms" json:"algorithms"`
	Contamination float64     `koanf:"contamination" json:"contamination"`
	DateColumn    string      `koanf:"date_column" json:"dateColumn"`
	WindowDays    int         `koanf:"window_days" json:"windowDays"`
	MinSamples    int         `koanf:"min_samples" json:"minSamples"`
	Seed          *int64      `koanf:"seed" json:"seed"`
	NumTrees      int         `koanf:"num_trees" json:"numTrees"`
}

// WithDefaults returns a copy with unset fields filled in.
// Seed has no default.
func (c MultivariateConfig) WithDefaults() MultivariateConfig {
	if len(c.Algorithms) == 0 {
		c.Algorithms = []Algorithm{AlgorithmIsolationForest, AlgorithmLOF}
	}
	if c.Contamination == 0 {
		c.Contamination = 0.1
	}
	if c.DateColumn == "" {
		c.DateColumn = defaultDateColumn
	}
	if c.WindowDays == 0 {
		c.WindowDays = 30
	}
	if c.MinSamples == 0 {
		c.MinSamples = 100
	}
	if c.NumTrees == 0 {
		c.NumTrees = 100
	}
	return c
}

// Validate checks a defaulted config.
func (c MultivariateConfig) Validate() error {
	if len(c.Features) < 2 {
		return &ConfigError{Field: "features", Reason: fmt.Sprintf("at least 2 features required, got %d", len(c.Features))}
	}
	if err := distinct("features", c.Features); err != nil {
		return err
	}
	seen := make(map[Algorithm]bool)
	for _, a := range c.Algorithms {
		if !a.Valid() {
			return &ConfigError{Field: "algorithms", Reason: fmt.Sprintf("unknown algorithm %q", a)}
		}
		if seen[a] {
			return &ConfigError{Field: "algorithms", Reason: fmt.Sprintf("duplicate algorithm %q", a)}
		}
		seen[a] = true
	}
	if c.Contamination <= 0 || c.Contamination > 0.5 {
		return &ConfigError{Field: "contamination", Reason: "must be within (0, 0.5]"}
	}
	if c.Seed == nil {
		return &ConfigError{Field: "seed", Reason: "required for reproducible detection"}
	}
	if c.WindowDays < 1 {
		return &ConfigError{Field: "window_days", Reason: "must be positive"}
	}
	if c.MinSamples < 2 {
		return &ConfigError{Field: "min_samples", Reason: "must be at least 2"}
	}
	if c.NumTrees < 1 {
		return &ConfigError{Field: "num_trees", Reason: "must be positive"}
	}
	return nil
}

// MetricKind says how a distribution metric is aggregated.
type MetricKind string

const (
	MetricCount MetricKind = "count"
	MetricValue MetricKind = "value"
)

// Metric is a parsed distribution metric.
type Metric struct {
	Name   string
	Kind   MetricKind
	Column string
}

// ParseMetric accepts "count", "sum_<col>", "avg_<col>" or a bare column name.
func ParseMetric(name string) (Metric, error) {
	switch {
	case name == "":
		return Metric{}, &ConfigError{Field: "metrics", Reason: "empty metric name"}
	case name == "count":
		return Metric{Name: name, Kind: MetricCount}, nil
	case strings.HasPrefix(name, "sum_") && len(name) > 4:
		return Metric{Name: name, Kind: MetricValue, Column: name[4:]}, nil
	case strings.HasPrefix(name, "avg_") && len(name) > 4:
		return Metric{Name: name, Kind: MetricValue, Column: name[4:]}, nil
	case strings.HasPrefix(name, "std_"):
		return Metric{}, &ConfigError{Field: "metrics", Reason: fmt.Sprintf("unsupported metric %q", name)}
	default:
		return Metric{Name: name, Kind: MetricValue, Column: name}, nil
	}
}

// DistributionConfig parameterizes the segment distribution analyzer.
type DistributionConfig struct {
	Segments                  []string `koanf:"segments" json:"segments"`
	Metrics                   []string `koanf:"metrics" json:"metrics"`
	ReferencePeriod           int      `koanf:"reference_period" json:"referencePeriod"`
	ComparisonPeriod          int      `koanf:"comparison_period" json:"comparisonPeriod"`
	DateColumn                string   `koanf:"date_column" json:"dateColumn"`
	ShareThreshold            *float64 `koanf:"share_threshold" json:"shareThreshold,omitempty"`
	ShareHighThreshold        *float64 `koanf:"share_high_threshold" json:"shareHighThreshold,omitempty"`
	BehaviorThreshold         *float64 `koanf:"behavior_threshold" json:"behaviorThreshold,omitempty"`
	BehaviorCriticalThreshold *float64 `koanf:"behavior_critical_threshold" json:"behaviorCriticalThreshold,omitempty"`
	DriftLookbackWeeks        int      `koanf:"drift_lookback_weeks" json:"driftLookbackWeeks"`
}

// WithDefaults returns a copy with unset fields filled in.
// DateColumn is left empty on purpose: without it the analyzer skips.
// Thresholds are pointers so an explicit 0 survives defaulting.
func (c DistributionConfig) WithDefaults() DistributionConfig {
	if len(c.Metrics) == 0 {
		c.Metrics = []string{"count"}
	}
	if c.ReferencePeriod == 0 {
		c.ReferencePeriod = 30
	}
	if c.ComparisonPeriod == 0 {
		c.ComparisonPeriod = 7
	}
	if c.ShareThreshold == nil {
		c.ShareThreshold = Ptr(10.0)
	}
	if c.ShareHighThreshold == nil {
		c.ShareHighThreshold = Ptr(20.0)
	}
	if c.BehaviorThreshold == nil {
		c.BehaviorThreshold = Ptr(25.0)
	}
	if c.BehaviorCriticalThreshold == nil {
		c.BehaviorCriticalThreshold = Ptr(50.0)
	}
	if c.DriftLookbackWeeks == 0 {
		c.DriftLookbackWeeks = 8
	}
	return c
}

// ParsedMetrics returns the metrics in configured order.
func (c DistributionConfig) ParsedMetrics() ([]Metric, error) {
	out := make([]Metric, 0, len(c.Metrics))
	for _, name := range c.Metrics {
		m, err := ParseMetric(name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Validate checks a defaulted config.
func (c DistributionConfig) Validate() error {
	if len(c.Segments) == 0 {
		return &ConfigError{Field: "segments", Reason: "at least one segment column required"}
	}
	if err := distinct("segments", c.Segments); err != nil {
		return err
	}
	if _, err := c.ParsedMetrics(); err != nil {
		return err
	}
	if c.ReferencePeriod < 1 {
		return &ConfigError{Field: "reference_period", Reason: "must be positive"}
	}
	if c.ComparisonPeriod < 1 {
		return &ConfigError{Field: "comparison_period", Reason: "must be positive"}
	}
	for _, t := range []struct {
		field string
		v     *float64
	}{
		{"share_threshold", c.ShareThreshold},
		{"share_high_threshold", c.ShareHighThreshold},
		{"behavior_threshold", c.BehaviorThreshold},
		{"behavior_critical_threshold", c.BehaviorCriticalThreshold},
	} {
		if t.v == nil || *t.v < 0 {
			return &ConfigError{Field: t.field, Reason: "must be set and non-negative"}
		}
	}
	if *c.ShareHighThreshold < *c.ShareThreshold {
		return &ConfigError{Field: "share_high_threshold", Reason: "must not be below share_threshold"}
	}
	if *c.BehaviorCriticalThreshold < *c.BehaviorThreshold {
		return &ConfigError{Field: "behavior_critical_threshold", Reason: "must not be below behavior_threshold"}
	}
	if c.DriftLookbackWeeks < 3 {
		return &ConfigError{Field: "drift_lookback_weeks", Reason: "must be at least 3"}
	}
	return nil
}

func distinct(field string, names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			return &ConfigError{Field: field, Reason: "empty column name"}
		}
		if seen[n] {
			return &ConfigError{Field: field, Reason: fmt.Sprintf("duplicate column %q", n)}
		}
		seen[n] = true
	}
	return nil
}
