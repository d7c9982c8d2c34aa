package warehouse

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Dialect is a SQL flavour the provider can compile intents for.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// functions holds the per-dialect expressions that differ.
type functions struct {
	// timestamp wraps a column so it compares correctly with bound times.
	timestamp func(col string) string
	// day truncates a timestamp expression to a calendar date.
	day func(expr string) string
	// bindTime converts a time parameter into the driver's comparable form.
	bindTime func(t time.Time) any
	aggs     map[domain.AggFunc]string
}

var dialects = map[Dialect]functions{
	DialectPostgres: {
		timestamp: func(col string) string { return col },
		day:       func(expr string) string { return "DATE(" + expr + ")" },
		bindTime:  func(t time.Time) any { return t.UTC() },
		aggs: map[domain.AggFunc]string{
			domain.AggCount:  "COUNT",
			domain.AggSum:    "SUM",
			domain.AggAvg:    "AVG",
			domain.AggMin:    "MIN",
			domain.AggMax:    "MAX",
			domain.AggStddev: "STDDEV_SAMP",
		},
	},
	DialectSQLite: {
		timestamp: func(col string) string { return "DATETIME(" + col + ")" },
		day:       func(expr string) string { return "DATE(" + expr + ")" },
		bindTime:  func(t time.Time) any { return t.UTC().Format("2006-01-02 15:04:05") },
		aggs: map[domain.AggFunc]string{
			domain.AggCount: "COUNT",
			domain.AggSum:   "SUM",
			domain.AggAvg:   "AVG",
			domain.AggMin:   "MIN",
			domain.AggMax:   "MAX",
		},
	},
}

func lookupDialect(d Dialect) (functions, error) {
	fns, ok := dialects[d]
	if !ok {
		return functions{}, fmt.Errorf("%w: %q", ErrUnsupportedDialect, d)
	}
	return fns, nil
}

// quoteIdent quotes a possibly schema-qualified identifier.
func quoteIdent(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidIntent)
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%w: malformed identifier %q", ErrInvalidIntent, name)
		}
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, "."), nil
}
