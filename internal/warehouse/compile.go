package warehouse

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
)

// compiler turns a QueryIntent into SQL for one dialect.
type compiler struct {
	dialect Dialect
	fns     functions
	schema  string
}

func newCompiler(d Dialect, schema string) (*compiler, error) {
	fns, err := lookupDialect(d)
	if err != nil {
		return nil, err
	}
	return &compiler{dialect: d, fns: fns, schema: schema}, nil
}

// Compile returns the SQL text and its positional arguments.
func (c *compiler) Compile(intent domain.QueryIntent) (string, []any, error) {
	table := intent.Model
	if c.schema != "" && !strings.Contains(table, ".") {
		table = c.schema + "." + table
	}
	from, err := quoteIdent(table)
	if err != nil {
		return "", nil, err
	}

	var dateCol string
	if intent.DateColumn != "" {
		if dateCol, err = quoteIdent(intent.DateColumn); err != nil {
			return "", nil, err
		}
	}
	if (intent.BucketByDay || intent.DateRange != nil) && dateCol == "" {
		return "", nil, fmt.Errorf("%w: date column required for date range or bucketing", ErrInvalidIntent)
	}
	bucketExpr := ""
	if intent.BucketByDay {
		bucketExpr = c.fns.day(c.fns.timestamp(dateCol))
	}

	var selects []string
	if intent.BucketByDay {
		selects = append(selects, bucketExpr+` AS "`+domain.BucketColumn+`"`)
	}
	for _, col := range intent.Columns {
		if col == domain.BucketColumn && intent.BucketByDay {
			continue
		}
		q, err := quoteIdent(col)
		if err != nil {
			return "", nil, err
		}
		selects = append(selects, q)
	}
	for _, agg := range intent.Aggregations {
		expr, err := c.aggregation(agg)
		if err != nil {
			return "", nil, err
		}
		selects = append(selects, expr)
	}
	if len(selects) == 0 {
		selects = append(selects, "*")
	}

	var where []string
	var args []any
	if intent.DateRange != nil {
		ts := c.fns.timestamp(dateCol)
		where = append(where, ts+" >= ?", ts+" < ?")
		args = append(args, c.fns.bindTime(intent.DateRange.From), c.fns.bindTime(intent.DateRange.To))
	}
	for _, f := range intent.Filters {
		q, err := quoteIdent(f.Column)
		if err != nil {
			return "", nil, err
		}
		switch f.Op {
		case domain.OpNotNull:
			where = append(where, q+" IS NOT NULL")
		case domain.OpEq:
			where = append(where, q+" = ?")
			args = append(args, f.Value)
		default:
			return "", nil, fmt.Errorf("%w: unsupported filter %q", ErrInvalidIntent, f.Op)
		}
	}

	var groups []string
	bucketGrouped := false
	for _, col := range intent.GroupBy {
		if col == domain.BucketColumn && intent.BucketByDay {
			groups = append(groups, bucketExpr)
			bucketGrouped = true
			continue
		}
		q, err := quoteIdent(col)
		if err != nil {
			return "", nil, err
		}
		groups = append(groups, q)
	}
	if intent.BucketByDay && intent.Aggregated() && !bucketGrouped {
		groups = append([]string{bucketExpr}, groups...)
	}

	var orders []string
	for _, o := range intent.OrderBy {
		expr, err := orderTerm(o)
		if err != nil {
			return "", nil, err
		}
		orders = append(orders, expr)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM ")
	b.WriteString(from)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if len(groups) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groups, ", "))
	}
	if len(orders) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orders, ", "))
	}

	return repository.Rebind(string(c.dialect), b.String()), args, nil
}

func (c *compiler) aggregation(agg domain.Aggregation) (string, error) {
	fn, ok := c.fns.aggs[agg.Func]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedDialect, agg.Func, c.dialect)
	}
	alias := agg.Alias
	if alias == "" {
		return "", fmt.Errorf("%w: aggregation on %q needs an alias", ErrInvalidIntent, agg.Column)
	}
	quotedAlias, err := quoteIdent(alias)
	if err != nil {
		return "", err
	}

	arg := "*"
	switch {
	case agg.Column == "*" || agg.Column == "":
		if agg.Func != domain.AggCount {
			return "", fmt.Errorf("%w: %s(*)", ErrInvalidIntent, agg.Func)
		}
	default:
		if arg, err = quoteIdent(agg.Column); err != nil {
			return "", err
		}
	}
	return fn + "(" + arg + ") AS " + quotedAlias, nil
}

// orderTerm accepts "col" or "col desc".
func orderTerm(term string) (string, error) {
	fields := strings.Fields(term)
	if len(fields) == 0 || len(fields) > 2 {
		return "", fmt.Errorf("%w: order term %q", ErrInvalidIntent, term)
	}
	q, err := quoteIdent(fields[0])
	if err != nil {
		return "", err
	}
	if len(fields) == 1 {
		return q, nil
	}
	switch strings.ToLower(fields[1]) {
	case "asc":
		return q + " ASC", nil
	case "desc":
		return q + " DESC", nil
	default:
		return "", fmt.Errorf("%w: order direction %q", ErrInvalidIntent, fields[1])
	}
}
