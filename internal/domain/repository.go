// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"context"
	"time"
)

// Repository persists run reports and their findings.
// All methods require a target for strict environment isolation.
type Repository interface {
	// Run operations
	SaveRun(ctx context.Context, target string, report *RunReport) error
	GetRun(ctx context.Context, target string, runID string) (*RunReport, error)
	ListRuns(ctx context.Context, target string, model string, limit int) ([]*RunReport, error)

	// Anomaly history
	ListAnomalies(ctx context.Context, target string, model string, since time.Time) ([]*AnomalyRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for database connections.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `koanf:"postgres_port" json:"postgresPort"`
	PostgresUser     string `koanf:"postgres_user" json:"postgresUser"`
	PostgresPassword string `koanf:"postgres_password" json:"-"`
	PostgresDB       string `koanf:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `koanf:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"connMaxLifetime"`
}
