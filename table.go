package modeltest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Table is the tabular result exchanged between the harness and backends.
// Columns carries the column order; a zero-column table is legal.
type Table struct {
	Columns []string
	Rows    []Row
}

// NewTable builds a table over the given column order.
func NewTable(columns []string, rows []Row) *Table {
	return &Table{Columns: columns, Rows: rows}
}

// HasColumn reports whether the table declares the column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}

	return false
}

// Project returns a copy of the table restricted to the given columns.
// Row maps are shared; only the column view changes.
func (t *Table) Project(columns []string) *Table {
	return &Table{Columns: columns, Rows: t.Rows}
}

// AnnotateType infers a SQL type name from a scalar value. It mirrors the
// type-annotation pass applied to the first fixture row when a test declares
// no explicit column types.
func AnnotateType(v any) string {
	switch val := v.(type) {
	case nil:
		return "text"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "bigint"
	case float32, float64:
		return "double"
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return "date"
		}

		return "timestamp"
	case []any, map[string]any:
		return "json"
	default:
		return "text"
	}
}

// NormalizeValue rewrites a decoded document value into the harness's plain
// representation: integral floats become int64, map keys become strings, and
// nested collections are normalized recursively.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if float64(int64(val)) == val {
			return int64(val)
		}

		return val
	case float32:
		return NormalizeValue(float64(val))
	case int:
		return int64(val)
	case uint64:
		if val <= 1<<62 {
			return int64(val)
		}

		return val
	case []any:
		res := make([]any, len(val))
		for i, item := range val {
			res[i] = NormalizeValue(item)
		}

		return res
	case map[any]any:
		res := make(map[string]any, len(val))

		for k, vv := range val {
			if ks, ok := k.(string); ok {
				res[ks] = NormalizeValue(vv)
			} else {
				res[fmt.Sprintf("%v", k)] = NormalizeValue(vv)
			}
		}

		return res
	case map[string]any:
		res := make(map[string]any, len(val))
		for k, vv := range val {
			res[k] = NormalizeValue(vv)
		}

		return res
	default:
		return v
	}
}

// NormalizeRow applies NormalizeValue to every cell of a row.
func NormalizeRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = NormalizeValue(v)
	}

	return out
}

// CanonicalValue renders a value into a stable, hashable string form. Nested
// lists and maps are flattened deterministically so rows can be counted and
// sorted regardless of value shape.
func CanonicalValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "\x00"
	case string:
		return "s:" + val
	case []byte:
		return "s:" + string(val)
	case bool:
		if val {
			return "b:1"
		}

		return "b:0"
	case time.Time:
		return "t:" + val.UTC().Format(time.RFC3339Nano)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = CanonicalValue(item)
		}

		return "l:[" + strings.Join(parts, ",") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + CanonicalValue(val[k])
		}

		return "m:{" + strings.Join(parts, ",") + "}"
	default:
		return fmt.Sprintf("v:%v", val)
	}
}
