// Package metrics exposes Prometheus metrics for analysis runs.
// All metrics use the "heron" namespace and are registered with the default
// registry via promauto, so they are scraped on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opensource-finance/heron/internal/domain"
)

const namespace = "heron"

var (
	// AnalysisDuration tracks analyzer latency.
	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Duration of a single analyzer call in seconds.",
			// 10ms to ~40s
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"analyzer"},
	)

	// AnomaliesTotal counts findings that survived suppression.
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Total anomalies reported by analyzer and severity.",
		},
		[]string{"analyzer", "severity"},
	)

	// AnalysisFailures counts analyzer calls that returned a failed result.
	AnalysisFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_failures_total",
			Help:      "Total failed analyzer calls.",
		},
		[]string{"analyzer"},
	)

	// DetectorFailures counts individual multivariate detectors that failed.
	DetectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_failures_total",
			Help:      "Total failed multivariate detector runs by algorithm.",
		},
		[]string{"algorithm"},
	)

	// RunsTotal counts model runs by final status.
	// status: passed | failed | error
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total model runs by status.",
		},
		[]string{"status"},
	)

	// HTTPRequestDuration tracks API latency by route pattern, not raw path,
	// so model names do not explode cardinality.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)
)

// ObserveRequest records one API request.
func ObserveRequest(method, route string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

// ObserveResult records duration, findings and failures for one analyzer result.
func ObserveResult(res *domain.AnalysisResult, elapsed time.Duration) {
	kind := string(res.Analyzer)
	AnalysisDuration.WithLabelValues(kind).Observe(elapsed.Seconds())

	if res.Failed() {
		AnalysisFailures.WithLabelValues(kind).Inc()
	}
	for _, f := range res.Findings {
		AnomaliesTotal.WithLabelValues(kind, string(f.Severity)).Inc()
	}

	switch failed := res.Details["failed_algorithms"].(type) {
	case map[string]string:
		for alg := range failed {
			DetectorFailures.WithLabelValues(alg).Inc()
		}
	}
}

// ObserveRun records the final status of a model run.
func ObserveRun(report *domain.RunReport) {
	RunsTotal.WithLabelValues(report.Status).Inc()
}
