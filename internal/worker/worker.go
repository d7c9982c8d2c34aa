// Package worker runs models requested over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/runner"
)

// Executor runs a single model spec.
type Executor interface {
	Run(ctx context.Context, spec domain.ModelSpec) (*domain.RunReport, error)
}

// Models resolves model names to specs.
type Models interface {
	Get(name string) (domain.ModelSpec, bool)
}

// Alert is the payload published on domain.TopicAlert.
type Alert struct {
	RunID          string          `json:"runId,omitempty"`
	Model          string          `json:"model"`
	Target         string          `json:"target"`
	Status         string          `json:"status"`
	MaxSeverity    domain.Severity `json:"maxSeverity,omitempty"`
	TotalAnomalies int             `json:"totalAnomalies"`
	Reasons        []string        `json:"reasons,omitempty"`
	TraceID        string          `json:"traceId,omitempty"`
}

// Worker consumes analysis requests for one target.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	exec   Executor
	models Models
	target string

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker. repo may be nil, in which case reports are
// only published.
func NewWorker(bus domain.EventBus, repo domain.Repository, exec Executor, models Models, target string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		exec:   exec,
		models: models,
		target: target,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to analysis requests for the worker's target.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, w.target, domain.TopicAnalysisRequested, w.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicAnalysisRequested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"target", w.target,
		"topic", domain.TopicAnalysisRequested,
	)
	return nil
}

func (w *Worker) handle(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	err := w.process(ctx, msg)
	w.processed.Add(1)
	if err != nil {
		w.failed.Add(1)
	}
	return err
}

// process runs the requested model, stores the report and publishes the
// completion event, plus an alert when warranted.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.AnalysisRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse analysis request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	spec, ok := w.models.Get(req.Model)
	if !ok {
		err := fmt.Errorf("unknown model %q", req.Model)
		w.publishAlert(ctx, Alert{
			Model:   req.Model,
			Target:  w.target,
			Status:  domain.RunStatusError,
			Reasons: []string{err.Error()},
			TraceID: traceID,
		})
		return err
	}

	report, err := w.exec.Run(runner.WithTraceID(ctx, traceID), spec)
	if err != nil {
		slog.Error("model run failed",
			"model", req.Model,
			"trace_id", traceID,
			"error", err,
		)
		w.publishAlert(ctx, Alert{
			Model:   req.Model,
			Target:  w.target,
			Status:  domain.RunStatusError,
			Reasons: []string{err.Error()},
			TraceID: traceID,
		})
		return err
	}

	if w.repo != nil {
		if err := w.repo.SaveRun(ctx, w.target, report); err != nil {
			slog.Error("failed to save run",
				"run_id", report.ID,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := w.bus.Publish(ctx, w.target, domain.TopicAnalysisCompleted, payload); err != nil {
		slog.Error("failed to publish completion",
			"run_id", report.ID,
			"error", err,
		)
	}

	if ShouldAlert(report) {
		w.publishAlert(ctx, Alert{
			RunID:          report.ID,
			Model:          report.Model,
			Target:         report.Target,
			Status:         report.Status,
			MaxSeverity:    report.MaxSeverity,
			TotalAnomalies: report.TotalAnomalies,
			Reasons:        Reasons(report),
			TraceID:        report.TraceID,
		})
	}

	slog.Info("analysis request processed",
		"model", report.Model,
		"run_id", report.ID,
		"status", report.Status,
		"anomalies", report.TotalAnomalies,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) publishAlert(ctx context.Context, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("failed to marshal alert", "model", alert.Model, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, w.target, domain.TopicAlert, payload); err != nil {
		slog.Error("failed to publish alert",
			"model", alert.Model,
			"error", err,
		)
	}
}

// ShouldAlert reports whether a run errored or found something high or worse.
func ShouldAlert(report *domain.RunReport) bool {
	return report.Errored() || report.MaxSeverity.AtLeast(domain.SeverityHigh)
}

// Reasons lists analyzer errors and the descriptions of high and critical findings.
func Reasons(report *domain.RunReport) []string {
	var reasons []string
	for _, res := range report.Results {
		if res.Failed() {
			reasons = append(reasons, res.Message)
			continue
		}
		for _, f := range res.Findings {
			if f.Severity.AtLeast(domain.SeverityHigh) && f.Description != "" {
				reasons = append(reasons, f.Description)
			}
		}
	}
	return reasons
}

// Stop unsubscribes and waits for in-flight requests.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()
	slog.Info("worker stopped", "target", w.target)
	return nil
}

// Stats summarizes worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
