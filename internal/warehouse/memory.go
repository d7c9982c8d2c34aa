package warehouse

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// MemoryProvider evaluates intents over in-memory tables. It backs tests and
// the CSV-fed benchmark, and follows SQL null semantics for aggregates.
type MemoryProvider struct {
	mu     sync.RWMutex
	tables map[string]*domain.Dataset
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{tables: make(map[string]*domain.Dataset)}
}

// Put replaces the rows of model.
func (m *MemoryProvider) Put(model string, columns []string, rows []domain.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[model] = domain.NewDataset(columns, rows)
}

// Fetch implements domain.DataProvider.
func (m *MemoryProvider) Fetch(ctx context.Context, intent domain.QueryIntent) (*domain.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DataFetchError{Model: intent.Model, Err: err}
	}

	m.mu.RLock()
	table, ok := m.tables[intent.Model]
	m.mu.RUnlock()
	if !ok {
		return nil, &domain.DataFetchError{Model: intent.Model, Err: ErrUnknownModel}
	}

	ds, err := evaluate(table, intent)
	if err != nil {
		return nil, &domain.DataFetchError{Model: intent.Model, Err: err}
	}
	return ds, nil
}

func evaluate(table *domain.Dataset, intent domain.QueryIntent) (*domain.Dataset, error) {
	if (intent.BucketByDay || intent.DateRange != nil) && intent.DateColumn == "" {
		return nil, fmt.Errorf("%w: date column required for date range or bucketing", ErrInvalidIntent)
	}

	var rows []domain.Row
	for i := 0; i < table.Len(); i++ {
		keep, err := matches(table, i, intent)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		row := table.Row(i)
		if intent.BucketByDay {
			t, _ := table.Time(i, intent.DateColumn)
			row[domain.BucketColumn] = domain.DayStart(t).Format("2006-01-02")
		}
		rows = append(rows, row)
	}

	var columns []string
	if intent.BucketByDay {
		columns = append(columns, domain.BucketColumn)
	}

	if intent.Aggregated() {
		out, cols, err := aggregate(rows, intent)
		if err != nil {
			return nil, err
		}
		columns = cols
		rows = out
	} else {
		proj := intent.Columns
		if len(proj) == 0 {
			proj = table.Columns()
		}
		for _, c := range proj {
			if c == domain.BucketColumn && intent.BucketByDay {
				continue
			}
			if !table.HasColumn(c) {
				return nil, fmt.Errorf("%w: no column %q", ErrInvalidIntent, c)
			}
			columns = append(columns, c)
		}
		for i, r := range rows {
			p := make(domain.Row, len(columns))
			for _, c := range columns {
				p[c] = r[c]
			}
			rows[i] = p
		}
	}

	if err := sortRows(rows, intent.OrderBy); err != nil {
		return nil, err
	}
	return domain.NewDataset(columns, rows), nil
}

func matches(table *domain.Dataset, i int, intent domain.QueryIntent) (bool, error) {
	if intent.DateRange != nil {
		t, ok := table.Time(i, intent.DateColumn)
		if !ok || !intent.DateRange.Contains(t) {
			return false, nil
		}
	}
	for _, f := range intent.Filters {
		v := table.Value(i, f.Column)
		switch f.Op {
		case domain.OpNotNull:
			if v == nil {
				return false, nil
			}
		case domain.OpEq:
			if v == nil || fmt.Sprint(v) != fmt.Sprint(f.Value) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("%w: unsupported filter %q", ErrInvalidIntent, f.Op)
		}
	}
	return true, nil
}

type group struct {
	key  []any
	rows []domain.Row
}

func aggregate(rows []domain.Row, intent domain.QueryIntent) ([]domain.Row, []string, error) {
	keys := append([]string(nil), intent.GroupBy...)
	if intent.BucketByDay && !contains(keys, domain.BucketColumn) {
		keys = append([]string{domain.BucketColumn}, keys...)
	}

	var order []string
	groups := make(map[string]*group)
	for _, r := range rows {
		key := make([]any, len(keys))
		parts := make([]string, len(keys))
		for j, k := range keys {
			key[j] = r[k]
			parts[j] = fmt.Sprintf("%T:%v", r[k], r[k])
		}
		id := strings.Join(parts, "\x00")
		g, ok := groups[id]
		if !ok {
			g = &group{key: key}
			groups[id] = g
			order = append(order, id)
		}
		g.rows = append(g.rows, r)
	}
	// a global aggregate over zero rows still yields one row
	if len(keys) == 0 && len(order) == 0 {
		groups[""] = &group{}
		order = append(order, "")
	}

	columns := append([]string(nil), keys...)
	for _, a := range intent.Aggregations {
		if a.Alias == "" {
			return nil, nil, fmt.Errorf("%w: aggregation on %q needs an alias", ErrInvalidIntent, a.Column)
		}
		columns = append(columns, a.Alias)
	}

	out := make([]domain.Row, 0, len(order))
	for _, id := range order {
		g := groups[id]
		row := make(domain.Row, len(columns))
		for j, k := range keys {
			row[k] = g.key[j]
		}
		for _, a := range intent.Aggregations {
			v, err := reduce(a, g.rows)
			if err != nil {
				return nil, nil, err
			}
			row[a.Alias] = v
		}
		out = append(out, row)
	}
	return out, columns, nil
}

func reduce(a domain.Aggregation, rows []domain.Row) (any, error) {
	if a.Func == domain.AggCount && (a.Column == "*" || a.Column == "") {
		return int64(len(rows)), nil
	}
	if a.Column == "*" || a.Column == "" {
		return nil, fmt.Errorf("%w: %s(*)", ErrInvalidIntent, a.Func)
	}

	var vals []float64
	nonNull := 0
	for _, r := range rows {
		v := r[a.Column]
		if v == nil {
			continue
		}
		nonNull++
		if f, ok := domain.ToFloat(v); ok {
			vals = append(vals, f)
		}
	}

	switch a.Func {
	case domain.AggCount:
		return int64(nonNull), nil
	case domain.AggSum, domain.AggAvg, domain.AggMin, domain.AggMax, domain.AggStddev:
	default:
		return nil, fmt.Errorf("%w: aggregation %q", ErrInvalidIntent, a.Func)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	sum := 0.0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(vals))

	switch a.Func {
	case domain.AggSum:
		return sum, nil
	case domain.AggAvg:
		return mean, nil
	case domain.AggMin:
		return lo, nil
	case domain.AggMax:
		return hi, nil
	default:
		if len(vals) < 2 {
			return nil, nil
		}
		ss := 0.0
		for _, v := range vals {
			ss += (v - mean) * (v - mean)
		}
		return math.Sqrt(ss / float64(len(vals)-1)), nil
	}
}

func sortRows(rows []domain.Row, orderBy []string) error {
	type term struct {
		col  string
		desc bool
	}
	terms := make([]term, 0, len(orderBy))
	for _, o := range orderBy {
		fields := strings.Fields(o)
		if len(fields) == 0 || len(fields) > 2 {
			return fmt.Errorf("%w: order term %q", ErrInvalidIntent, o)
		}
		t := term{col: fields[0]}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				t.desc = true
			default:
				return fmt.Errorf("%w: order direction %q", ErrInvalidIntent, fields[1])
			}
		}
		terms = append(terms, t)
	}
	if len(terms) == 0 {
		return nil
	}

	sort.SliceStable(rows, func(a, b int) bool {
		for _, t := range terms {
			c := compareValues(rows[a][t.col], rows[b][t.col])
			if c == 0 {
				continue
			}
			if t.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return nil
}

// compareValues orders nil first, then numbers, times and strings.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := domain.ToTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if fa, ok := numeric(a); ok {
		if fb, ok := numeric(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func numeric(v any) (float64, bool) {
	if _, ok := v.(string); ok {
		return 0, false
	}
	return domain.ToFloat(v)
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
