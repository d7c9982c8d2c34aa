package domain

import (
	"context"
	"time"
)

// DataProvider fetches datasets for a dialect-neutral query intent.
// Timeouts and retries belong to the provider, not to its callers.
type DataProvider interface {
	Fetch(ctx context.Context, intent QueryIntent) (*Dataset, error)
}

// AggFunc is an aggregation function understood by every provider.
type AggFunc string

const (
	AggCount  AggFunc = "count"
	AggSum    AggFunc = "sum"
	AggAvg    AggFunc = "avg"
	AggMin    AggFunc = "min"
	AggMax    AggFunc = "max"
	AggStddev AggFunc = "stddev"
)

// Aggregation computes Func over Column, exposed as Alias.
// Column "*" with AggCount counts rows.
type Aggregation struct {
	Column string  `json:"column"`
	Func   AggFunc `json:"func"`
	Alias  string  `json:"alias"`
}

// FilterOp is a predicate operator.
type FilterOp string

const (
	OpNotNull FilterOp = "not_null"
	OpEq      FilterOp = "eq"
)

// Filter restricts the rows considered by a query.
type Filter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value,omitempty"`
}

// DateRange is a half-open interval [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// BucketColumn is the column name providers use for the day bucket.
const BucketColumn = "analysis_date"

// QueryIntent describes what an analyzer needs without naming a SQL dialect.
type QueryIntent struct {
	Model        string        `json:"model"`
	Columns      []string      `json:"columns,omitempty"`
	Aggregations []Aggregation `json:"aggregations,omitempty"`
	GroupBy      []string      `json:"groupBy,omitempty"`
	DateColumn   string        `json:"dateColumn,omitempty"`
	DateRange    *DateRange    `json:"dateRange,omitempty"`
	BucketByDay  bool          `json:"bucketByDay,omitempty"`
	Filters      []Filter      `json:"filters,omitempty"`
	OrderBy      []string      `json:"orderBy,omitempty"`
}

// Aggregated reports whether the intent groups rows.
func (q QueryIntent) Aggregated() bool {
	return len(q.Aggregations) > 0
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// LastDays returns the window covering the last n days up to the end of today.
func LastDays(now time.Time, n int) DateRange {
	end := DayStart(now).AddDate(0, 0, 1)
	return DateRange{From: end.AddDate(0, 0, -n), To: end}
}
