package harness

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"

	"github.com/shibukawa/modeltest"
)

// Compare checks an actual result table against an expected one.
//
// Every expected column must exist in the actual result. Unless partial, the
// actual result may not carry columns the expectation never declares either;
// with partial, unreferenced actual columns are ignored and comparison runs
// over the expected column set only. Unless orderSensitive, both sides are
// sorted by a canonical row key before comparison. Equal row counts produce
// positional cell diffs; unequal counts produce a multiset difference in
// both directions.
func Compare(expected, actual *modeltest.Table, orderSensitive, partial bool) error {
	// The column checks run against the actual result's original column set;
	// projection happens only afterwards
	if err := compareColumns(expected, actual, partial); err != nil {
		return err
	}

	actual = actual.Project(expected.Columns)

	expectedRows := projectRows(expected)
	actualRows := projectRows(actual)

	if !orderSensitive {
		sortRows(expectedRows, expected.Columns)
		sortRows(actualRows, expected.Columns)
	}

	if len(expectedRows) != len(actualRows) {
		missing, unexpected := rowDifference(expectedRows, actualRows, expected.Columns)

		return &DiffError{
			Columns:        expected.Columns,
			ExpectedCount:  len(expectedRows),
			ActualCount:    len(actualRows),
			MissingRows:    missing,
			UnexpectedRows: unexpected,
		}
	}

	var cellDiffs []CellDiff

	for i := range expectedRows {
		for _, col := range expected.Columns {
			ev := expectedRows[i][col]
			av := actualRows[i][col]

			if !equalValue(ev, av) {
				cellDiffs = append(cellDiffs, CellDiff{Row: i, Column: col, Expected: ev, Actual: av})
			}
		}
	}

	if len(cellDiffs) > 0 {
		return &DiffError{
			Columns:       expected.Columns,
			ExpectedCount: len(expectedRows),
			ActualCount:   len(actualRows),
			CellDiffs:     cellDiffs,
		}
	}

	return nil
}

func compareColumns(expected, actual *modeltest.Table, partial bool) error {
	actualSet := make(map[string]bool, len(actual.Columns))
	for _, col := range actual.Columns {
		actualSet[col] = true
	}

	var missing []string

	for _, col := range expected.Columns {
		if !actualSet[col] {
			missing = append(missing, col)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w\n\nExpected column(s): %s\nMissing column(s): %s",
			modeltest.ErrUnexpectedColumns, strings.Join(expected.Columns, ", "), strings.Join(missing, ", "))
	}

	if partial {
		return nil
	}

	// A non-partial expectation pins the full column set, so columns the
	// expectation never declares are a mismatch too
	expectedSet := make(map[string]bool, len(expected.Columns))
	for _, col := range expected.Columns {
		expectedSet[col] = true
	}

	var unknown []string

	for _, col := range actual.Columns {
		if !expectedSet[col] {
			unknown = append(unknown, col)
		}
	}

	if len(unknown) > 0 {
		return fmt.Errorf("%w\n\nExpected column(s): %s\nUnknown column(s): %s",
			modeltest.ErrUnexpectedColumns, strings.Join(expected.Columns, ", "), strings.Join(unknown, ", "))
	}

	return nil
}

// projectRows copies rows down to the table's own column set so stray keys
// from wider sources never participate in comparison.
func projectRows(t *modeltest.Table) []modeltest.Row {
	rows := make([]modeltest.Row, len(t.Rows))

	for i, row := range t.Rows {
		projected := make(modeltest.Row, len(t.Columns))
		for _, col := range t.Columns {
			projected[col] = row[col]
		}

		rows[i] = projected
	}

	return rows
}

func rowKey(row modeltest.Row, columns []string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = modeltest.CanonicalValue(row[col])
	}

	return strings.Join(parts, "\x1f")
}

func sortRows(rows []modeltest.Row, columns []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rowKey(rows[i], columns) < rowKey(rows[j], columns)
	})
}

// rowDifference computes the multiset difference in both directions: rows
// expected but absent from the actual result, and rows produced but never
// expected. Duplicates count, so one surplus copy of a repeated row shows up
// exactly once.
func rowDifference(expected, actual []modeltest.Row, columns []string) (missing, unexpected []modeltest.Row) {
	counts := make(map[string]int, len(actual))
	samples := make(map[string]modeltest.Row, len(actual))

	for _, row := range actual {
		key := rowKey(row, columns)
		counts[key]++
		samples[key] = row
	}

	for _, row := range expected {
		key := rowKey(row, columns)
		if counts[key] > 0 {
			counts[key]--
		} else {
			missing = append(missing, row)
		}
	}

	remaining := make(map[string]int, len(counts))
	for key, count := range counts {
		remaining[key] = count
	}

	for _, row := range actual {
		key := rowKey(row, columns)
		if remaining[key] > 0 {
			remaining[key]--
			unexpected = append(unexpected, samples[key])
		}
	}

	return missing, unexpected
}

// equalValue compares one expected cell against one actual cell, bridging the
// representation gaps between literal YAML values and driver scan results.
func equalValue(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	if b, ok := expected.([]byte); ok {
		expected = string(b)
	}

	if eb, ok := expected.(bool); ok {
		return equalBool(eb, actual)
	}

	if ab, ok := actual.(bool); ok {
		return equalBool(ab, expected)
	}

	ed, eNum := asDecimal(expected)
	ad, aNum := asDecimal(actual)

	if eNum && aNum {
		return ed.Equal(ad)
	}

	// String timestamps only coerce against a native time value; two plain
	// strings always compare as strings
	_, eNative := expected.(time.Time)
	_, aNative := actual.(time.Time)

	if eNative || aNative {
		et, eTime := asTime(expected)
		at, aTime := asTime(actual)

		if eTime && aTime {
			return et.Equal(at)
		}
	}

	if es, ok := expected.(string); ok {
		if as, ok := actual.(string); ok {
			return es == as
		}

		if aNum {
			if esd, err := decimal.NewFromString(strings.TrimSpace(es)); err == nil {
				return esd.Equal(ad)
			}
		}
	}

	if as, ok := actual.(string); ok && eNum {
		if asd, err := decimal.NewFromString(strings.TrimSpace(as)); err == nil {
			return asd.Equal(ed)
		}
	}

	return modeltest.CanonicalValue(expected) == modeltest.CanonicalValue(actual)
}

// equalBool treats numeric 0/1 as booleans, for backends without a native
// boolean type.
func equalBool(b bool, other any) bool {
	switch v := other.(type) {
	case bool:
		return b == v
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		d, _ := asDecimal(v)
		if b {
			return d.Equal(decimal.NewFromInt(1))
		}

		return d.Equal(decimal.NewFromInt(0))
	default:
		return false
	}
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromUint64(uint64(n)), true
	case uint8:
		return decimal.NewFromUint64(uint64(n)), true
	case uint16:
		return decimal.NewFromUint64(uint64(n)), true
	case uint32:
		return decimal.NewFromUint64(uint64(n)), true
	case uint64:
		return decimal.NewFromUint64(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}

// asTime accepts native time values and parses string timestamps.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := dateparse.ParseAny(t)
		if err != nil {
			return time.Time{}, false
		}

		return parsed, true
	default:
		return time.Time{}, false
	}
}
