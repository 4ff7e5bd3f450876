package harness

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/modeltest"
)

func TestCompareOrderInsensitive(t *testing.T) {
	expected := modeltest.NewTable([]string{"id"}, []modeltest.Row{
		{"id": int64(3)}, {"id": int64(1)}, {"id": int64(2)},
	})
	actual := modeltest.NewTable([]string{"id"}, []modeltest.Row{
		{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)},
	})

	assert.NoError(t, Compare(expected, actual, false, false))
	assert.Error(t, Compare(expected, actual, true, false))
}

func TestCompareRowCountMismatch(t *testing.T) {
	expected := modeltest.NewTable([]string{"a"}, []modeltest.Row{
		{"a": int64(1)}, {"a": int64(2)},
	})
	actual := modeltest.NewTable([]string{"a"}, []modeltest.Row{
		{"a": int64(1)},
	})

	err := Compare(expected, actual, false, false)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, modeltest.ErrDataMismatch))

	diff, ok := AsDiffError(err)
	assert.True(t, ok)
	assert.Equal(t, 2, diff.ExpectedCount)
	assert.Equal(t, 1, diff.ActualCount)
	assert.Equal(t, 1, len(diff.MissingRows))
	assert.Equal(t, 0, len(diff.UnexpectedRows))
}

func TestRowDifferenceMultiset(t *testing.T) {
	expected := []modeltest.Row{{"a": int64(1)}, {"a": int64(1)}, {"a": int64(2)}}
	actual := []modeltest.Row{{"a": int64(1)}, {"a": int64(2)}, {"a": int64(2)}}

	missing, unexpected := rowDifference(expected, actual, []string{"a"})

	assert.Equal(t, []modeltest.Row{{"a": int64(1)}}, missing)
	assert.Equal(t, []modeltest.Row{{"a": int64(2)}}, unexpected)
}

func TestCompareCellDiff(t *testing.T) {
	expected := modeltest.NewTable([]string{"id", "name"}, []modeltest.Row{
		{"id": int64(1), "name": "maguro"},
	})
	actual := modeltest.NewTable([]string{"id", "name"}, []modeltest.Row{
		{"id": int64(1), "name": "saba"},
	})

	err := Compare(expected, actual, true, false)
	assert.Error(t, err)

	diff, ok := AsDiffError(err)
	assert.True(t, ok)
	assert.Equal(t, 1, len(diff.CellDiffs))
	assert.Equal(t, "name", diff.CellDiffs[0].Column)
	assert.Equal(t, "maguro", diff.CellDiffs[0].Expected.(string))
	assert.Equal(t, "saba", diff.CellDiffs[0].Actual.(string))
}

func TestCompareMissingExpectedColumn(t *testing.T) {
	expected := modeltest.NewTable([]string{"id", "bogus"}, []modeltest.Row{{"id": int64(1), "bogus": "x"}})
	actual := modeltest.NewTable([]string{"id"}, []modeltest.Row{{"id": int64(1)}})

	err := Compare(expected, actual, false, false)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, modeltest.ErrUnexpectedColumns))
}

func TestCompareUndeclaredActualColumn(t *testing.T) {
	expected := modeltest.NewTable([]string{"id"}, []modeltest.Row{{"id": int64(1)}})
	actual := modeltest.NewTable([]string{"id", "extra"}, []modeltest.Row{{"id": int64(1), "extra": "x"}})

	// Partial ignores columns the expectation never mentions; non-partial
	// treats them as a column-set mismatch
	assert.NoError(t, Compare(expected, actual, false, true))

	err := Compare(expected, actual, false, false)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, modeltest.ErrUnexpectedColumns))
	assert.True(t, strings.Contains(err.Error(), "extra"))
}

func TestEqualValueCoercions(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		equal    bool
	}{
		{name: "int and float", expected: int64(5), actual: 5.0, equal: true},
		{name: "int and differing float", expected: int64(5), actual: 5.5, equal: false},
		{name: "numeric string and int", expected: "5", actual: int64(5), equal: true},
		{name: "decimal string and float", expected: "1.50", actual: 1.5, equal: true},
		{name: "bool and one", expected: true, actual: int64(1), equal: true},
		{name: "bool and zero", expected: true, actual: int64(0), equal: false},
		{name: "bytes and string", expected: "abc", actual: []byte("abc"), equal: true},
		{name: "both nil", expected: nil, actual: nil, equal: true},
		{name: "nil and empty string", expected: nil, actual: "", equal: false},
		{
			name:     "time and equivalent string",
			expected: "2022-01-01 12:00:00",
			actual:   time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC),
			equal:    true,
		},
		{
			name:     "time and different string",
			expected: "2022-01-01 12:00:01",
			actual:   time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC),
			equal:    false,
		},
		{name: "plain strings", expected: "maguro", actual: "saba", equal: false},
		{
			name:     "two timestamp strings compare as strings",
			expected: "2022-01-01 00:00:00",
			actual:   "2022-01-01T00:00:00Z",
			equal:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, equalValue(tt.expected, tt.actual))
		})
	}
}
