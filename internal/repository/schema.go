package repository

// Schema definitions for the Heron result store.
// Compatible with both SQLite and PostgreSQL.

const schemaRuns = `
CREATE TABLE IF NOT EXISTS quality_runs (
    id TEXT PRIMARY KEY,
    target TEXT NOT NULL,
    model TEXT NOT NULL,
    status TEXT NOT NULL,
    passed INTEGER NOT NULL,
    total_anomalies INTEGER NOT NULL DEFAULT 0,
    max_severity TEXT,
    started_at TIMESTAMP NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    trace_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_quality_runs_target ON quality_runs(target);
CREATE INDEX IF NOT EXISTS idx_quality_runs_model ON quality_runs(target, model, started_at);
`

const schemaResults = `
CREATE TABLE IF NOT EXISTS quality_results (
    run_id TEXT NOT NULL,
    target TEXT NOT NULL,
    position INTEGER NOT NULL,
    analyzer TEXT NOT NULL,
    model TEXT NOT NULL,
    passed INTEGER NOT NULL,
    anomalies_count INTEGER NOT NULL,
    message TEXT NOT NULL,
    details TEXT,
    error TEXT,
    PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_quality_results_target ON quality_results(target, run_id);
`

// schemaAnomalies flattens findings for history queries.
// result_position links a finding back to its analyzer result.
const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS quality_anomalies (
    run_id TEXT NOT NULL,
    target TEXT NOT NULL,
    model TEXT NOT NULL,
    analyzer TEXT NOT NULL,
    result_position INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    type TEXT NOT NULL,
    subject TEXT NOT NULL,
    statistic REAL NOT NULL,
    p_value REAL,
    severity TEXT NOT NULL,
    confidence REAL,
    description TEXT NOT NULL,
    evidence TEXT,
    detected_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, result_position, seq)
);

CREATE INDEX IF NOT EXISTS idx_quality_anomalies_model ON quality_anomalies(target, model, detected_at);
CREATE INDEX IF NOT EXISTS idx_quality_anomalies_severity ON quality_anomalies(target, severity);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuns,
		schemaResults,
		schemaAnomalies,
	}
}
