// Package warehouse implements domain.DataProvider over SQL databases,
// in-memory tables, and a caching decorator.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
)

var (
	ErrUnsupportedDialect = errors.New("unsupported dialect")
	ErrInvalidIntent      = errors.New("invalid query intent")
	ErrUnknownModel       = errors.New("unknown model")
)

// DefaultQueryTimeout bounds a single warehouse query.
const DefaultQueryTimeout = 60 * time.Second

// SQLProvider runs compiled intents against a warehouse database.
type SQLProvider struct {
	db       *sql.DB
	compiler *compiler
	timeout  time.Duration
	logger   *slog.Logger
}

// Open connects to the warehouse described by cfg.
func Open(cfg domain.WarehouseConfig, logger *slog.Logger) (*SQLProvider, error) {
	db, err := repository.OpenDB(cfg.RepositoryConfig)
	if err != nil {
		return nil, fmt.Errorf("warehouse: %w", err)
	}
	p, err := NewSQLProvider(db, Dialect(cfg.Driver), cfg.Schema, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewSQLProvider wraps an open database.
func NewSQLProvider(db *sql.DB, dialect Dialect, schema string, logger *slog.Logger) (*SQLProvider, error) {
	c, err := newCompiler(dialect, schema)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLProvider{
		db:       db,
		compiler: c,
		timeout:  DefaultQueryTimeout,
		logger:   logger,
	}, nil
}

// WithTimeout overrides the per-query timeout.
func (p *SQLProvider) WithTimeout(d time.Duration) *SQLProvider {
	p.timeout = d
	return p
}

// Compile exposes the SQL an intent compiles to.
func (p *SQLProvider) Compile(intent domain.QueryIntent) (string, []any, error) {
	return p.compiler.Compile(intent)
}

// Fetch implements domain.DataProvider.
func (p *SQLProvider) Fetch(ctx context.Context, intent domain.QueryIntent) (*domain.Dataset, error) {
	query, args, err := p.compiler.Compile(intent)
	if err != nil {
		return nil, &domain.DataFetchError{Model: intent.Model, Err: err}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.DataFetchError{Model: intent.Model, Err: fmt.Errorf("query: %w", err)}
	}
	defer rows.Close()

	ds, err := scanDataset(rows)
	if err != nil {
		return nil, &domain.DataFetchError{Model: intent.Model, Err: err}
	}

	p.logger.Debug("warehouse query",
		"model", intent.Model,
		"rows", ds.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ds, nil
}

// Ping checks warehouse connectivity.
func (p *SQLProvider) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the underlying database.
func (p *SQLProvider) Close() error {
	return p.db.Close()
}

func scanDataset(rows *sql.Rows) (*domain.Dataset, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []domain.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(domain.Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.NewDataset(cols, out), nil
}

// normalize maps driver values onto the Row scalar set.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
