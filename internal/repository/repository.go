// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// OpenDB opens a pooled connection for cfg without running migrations.
// It dials both the result store (via New) and the warehouse the
// analyzers read from, so it must not assume the store schema exists.
func OpenDB(cfg domain.RepositoryConfig) (*sql.DB, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun stores a run report with its results and findings in one transaction.
func (r *SQLRepository) SaveRun(ctx context.Context, target string, report *domain.RunReport) error {
	if target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidInput)
	}
	if report == nil || report.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	runQuery := `
		INSERT INTO quality_runs (
			id, target, model, status, passed, total_anomalies,
			max_severity, started_at, duration_ms, trace_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, r.rebind(runQuery),
		report.ID, target, report.Model, report.Status,
		boolToInt(report.Passed), report.TotalAnomalies,
		string(report.MaxSeverity), report.StartedAt.UTC(),
		report.DurationMs, report.TraceID,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	resultQuery := r.rebind(`
		INSERT INTO quality_results (
			run_id, target, position, analyzer, model, passed,
			anomalies_count, message, details, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	anomalyQuery := r.rebind(`
		INSERT INTO quality_anomalies (
			run_id, target, model, analyzer, result_position, seq,
			type, subject, statistic, p_value, severity, confidence,
			description, evidence, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	detectedAt := report.StartedAt.UTC()
	for pos, res := range report.Results {
		details, _ := json.Marshal(res.Details)
		_, err = tx.ExecContext(ctx, resultQuery,
			report.ID, target, pos, string(res.Analyzer), res.Model,
			boolToInt(res.Passed), res.AnomaliesCount, res.Message,
			string(details), res.Error,
		)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}

		for seq, f := range res.Findings {
			evidence, _ := json.Marshal(f.Evidence)
			_, err = tx.ExecContext(ctx, anomalyQuery,
				report.ID, target, report.Model, string(res.Analyzer), pos, seq,
				string(f.Type), f.Subject, f.Statistic, nullFloat(f.PValue),
				string(f.Severity), nullFloat(f.Confidence),
				f.Description, string(evidence), detectedAt,
			)
			if err != nil {
				return fmt.Errorf("insert anomaly: %w", err)
			}
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID with target isolation.
func (r *SQLRepository) GetRun(ctx context.Context, target string, runID string) (*domain.RunReport, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidInput)
	}

	query := `
		SELECT id, target, model, status, passed, total_anomalies,
			   max_severity, started_at, duration_ms, trace_id
		FROM quality_runs
		WHERE target = ? AND id = ?
	`

	report, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), target, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := r.loadResults(ctx, target, report); err != nil {
		return nil, err
	}
	return report, nil
}

// ListRuns returns the most recent runs, newest first. An empty model lists
// every model.
func (r *SQLRepository) ListRuns(ctx context.Context, target string, model string, limit int) ([]*domain.RunReport, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, target, model, status, passed, total_anomalies,
			   max_severity, started_at, duration_ms, trace_id
		FROM quality_runs
		WHERE target = ? AND (? = '' OR model = ?)
		ORDER BY started_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), target, model, model, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.RunReport
	for rows.Next() {
		report, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, report := range runs {
		if err := r.loadResults(ctx, target, report); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListAnomalies returns findings for a model detected at or after since,
// newest first.
func (r *SQLRepository) ListAnomalies(ctx context.Context, target string, model string, since time.Time) ([]*domain.AnomalyRecord, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidInput)
	}

	query := `
		SELECT run_id, target, model, analyzer, type, subject, statistic,
			   p_value, severity, confidence, description, evidence, detected_at
		FROM quality_anomalies
		WHERE target = ? AND model = ? AND detected_at >= ?
		ORDER BY detected_at DESC, run_id, result_position, seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), target, model, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AnomalyRecord
	for rows.Next() {
		var rec domain.AnomalyRecord
		var analyzer, findingType, severity string
		var pValue, confidence sql.NullFloat64
		var evidence sql.NullString

		if err := rows.Scan(
			&rec.RunID, &rec.Target, &rec.Model, &analyzer,
			&findingType, &rec.Subject, &rec.Statistic,
			&pValue, &severity, &confidence,
			&rec.Description, &evidence, &rec.DetectedAt,
		); err != nil {
			return nil, err
		}

		rec.Analyzer = domain.AnalyzerKind(analyzer)
		rec.Type = domain.FindingType(findingType)
		rec.Severity = domain.Severity(severity)
		rec.PValue = floatPtr(pValue)
		rec.Confidence = floatPtr(confidence)
		if evidence.Valid && evidence.String != "" {
			json.Unmarshal([]byte(evidence.String), &rec.Evidence)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// loadResults attaches the analyzer results and their findings to report.
func (r *SQLRepository) loadResults(ctx context.Context, target string, report *domain.RunReport) error {
	query := `
		SELECT position, analyzer, model, passed, anomalies_count, message, details, error
		FROM quality_results
		WHERE target = ? AND run_id = ?
		ORDER BY position
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), target, report.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	byPosition := make(map[int]*domain.AnalysisResult)
	report.Results = nil
	for rows.Next() {
		var res domain.AnalysisResult
		var pos, passed int
		var analyzer string
		var details, errText sql.NullString

		if err := rows.Scan(
			&pos, &analyzer, &res.Model, &passed,
			&res.AnomaliesCount, &res.Message, &details, &errText,
		); err != nil {
			return err
		}

		res.Analyzer = domain.AnalyzerKind(analyzer)
		res.Passed = passed != 0
		res.Error = errText.String
		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &res.Details)
		}
		byPosition[pos] = &res
		report.Results = append(report.Results, &res)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	findingQuery := `
		SELECT result_position, type, subject, statistic, p_value,
			   severity, confidence, description, evidence
		FROM quality_anomalies
		WHERE target = ? AND run_id = ?
		ORDER BY result_position, seq
	`

	frows, err := r.db.QueryContext(ctx, r.rebind(findingQuery), target, report.ID)
	if err != nil {
		return err
	}
	defer frows.Close()

	for frows.Next() {
		var f domain.AnomalyFinding
		var pos int
		var findingType, severity string
		var pValue, confidence sql.NullFloat64
		var evidence sql.NullString

		if err := frows.Scan(
			&pos, &findingType, &f.Subject, &f.Statistic, &pValue,
			&severity, &confidence, &f.Description, &evidence,
		); err != nil {
			return err
		}

		f.Type = domain.FindingType(findingType)
		f.Severity = domain.Severity(severity)
		f.PValue = floatPtr(pValue)
		f.Confidence = floatPtr(confidence)
		if evidence.Valid && evidence.String != "" {
			json.Unmarshal([]byte(evidence.String), &f.Evidence)
		}
		if res, ok := byPosition[pos]; ok {
			res.Findings = append(res.Findings, f)
		}
	}
	return frows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.RunReport, error) {
	var report domain.RunReport
	var passed int
	var maxSeverity, traceID sql.NullString

	if err := row.Scan(
		&report.ID, &report.Target, &report.Model, &report.Status,
		&passed, &report.TotalAnomalies, &maxSeverity,
		&report.StartedAt, &report.DurationMs, &traceID,
	); err != nil {
		return nil, err
	}

	report.Passed = passed != 0
	report.MaxSeverity = domain.Severity(maxSeverity.String)
	report.TraceID = traceID.String
	return &report, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) rebind(query string) string {
	return Rebind(r.driver, query)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
