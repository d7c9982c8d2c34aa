package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is a single record keyed by column name.
// Values are scalars: float64, int64, string, bool, time.Time or nil.
type Row map[string]any

// Dataset is the immutable tabular result of a DataProvider fetch.
type Dataset struct {
	columns []string
	index   map[string]struct{}
	rows    []Row
}

// NewDataset copies columns and rows into a new Dataset.
// When columns is empty the column set is derived from the rows.
func NewDataset(columns []string, rows []Row) *Dataset {
	if len(columns) == 0 {
		columns = deriveColumns(rows)
	}

	ds := &Dataset{
		columns: append([]string(nil), columns...),
		index:   make(map[string]struct{}, len(columns)),
		rows:    make([]Row, len(rows)),
	}
	for _, c := range columns {
		ds.index[c] = struct{}{}
	}
	for i, r := range rows {
		ds.rows[i] = copyRow(r)
	}
	return ds
}

// EmptyDataset returns a dataset with no rows.
func EmptyDataset(columns ...string) *Dataset {
	return NewDataset(columns, nil)
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.rows)
}

// Columns returns the declared column names.
func (d *Dataset) Columns() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.columns...)
}

// HasColumn reports whether the column is declared.
func (d *Dataset) HasColumn(col string) bool {
	if d == nil {
		return false
	}
	_, ok := d.index[col]
	return ok
}

// Require checks that every named column is declared.
// The first missing column is reported as a ConfigError.
func (d *Dataset) Require(cols ...string) error {
	for _, c := range cols {
		if !d.HasColumn(c) {
			return &ConfigError{Field: c, Reason: "column not present in dataset"}
		}
	}
	return nil
}

// Row returns a copy of row i.
func (d *Dataset) Row(i int) Row {
	return copyRow(d.rows[i])
}

// Value returns the raw value at row i, column col.
func (d *Dataset) Value(i int, col string) any {
	return d.rows[i][col]
}

// Float returns the numeric value at row i, column col.
// Nulls, unparsable strings and non-finite numbers are reported as missing.
func (d *Dataset) Float(i int, col string) (float64, bool) {
	return ToFloat(d.rows[i][col])
}

// Text returns the value at row i, column col formatted as a string.
func (d *Dataset) Text(i int, col string) (string, bool) {
	switch v := d.rows[i][col].(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case []byte:
		return string(v), true
	case time.Time:
		return v.Format(time.RFC3339), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return fmt.Sprint(v), true
	}
}

// Time returns the timestamp at row i, column col.
func (d *Dataset) Time(i int, col string) (time.Time, bool) {
	return ToTime(d.rows[i][col])
}

// Floats returns column col as a slice, with NaN marking missing values.
func (d *Dataset) Floats(col string) []float64 {
	out := make([]float64, d.Len())
	for i := range out {
		v, ok := d.Float(i, col)
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// Filter returns a new dataset holding the rows for which keep returns true.
func (d *Dataset) Filter(keep func(i int) bool) *Dataset {
	var rows []Row
	for i := range d.rows {
		if keep(i) {
			rows = append(rows, d.rows[i])
		}
	}
	return NewDataset(d.columns, rows)
}

type datasetJSON struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// MarshalJSON encodes the dataset as columns plus rows.
func (d *Dataset) MarshalJSON() ([]byte, error) {
	return json.Marshal(datasetJSON{Columns: d.columns, Rows: d.rows})
}

// UnmarshalJSON decodes a dataset written by MarshalJSON.
func (d *Dataset) UnmarshalJSON(data []byte) error {
	var raw datasetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = *NewDataset(raw.Columns, raw.Rows)
	return nil
}

// ToFloat converts a scalar to float64.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	case []byte:
		p, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToTime converts a scalar to time.Time.
func ToTime(v any) (time.Time, bool) {
	var s string
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func deriveColumns(rows []Row) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range rows {
		for k := range r {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
