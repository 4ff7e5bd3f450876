package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/shibukawa/modeltest"
)

var (
	subjectHeaderFmt  = color.New(color.FgBlue, color.Bold).SprintfFunc()
	legendExpectedFmt = color.New(color.FgGreen).SprintFunc()
	legendActualFmt   = color.New(color.FgRed).SprintFunc()
	rowLabelFmt       = color.New(color.FgBlue, color.Bold).SprintfFunc()
	expectPrefixFmt   = color.New(color.BgGreen, color.FgBlack).SprintFunc()
	actualPrefixFmt   = color.New(color.BgRed, color.FgBlack).SprintFunc()
	expectFieldFmt    = color.New(color.FgGreen).SprintfFunc()
	actualFieldFmt    = color.New(color.FgRed).SprintfFunc()
	expectValueFmt    = color.New(color.BgGreen, color.FgBlack).SprintfFunc()
	actualValueFmt    = color.New(color.BgRed, color.FgBlack).SprintfFunc()
	separatorFmt      = color.New(color.FgHiBlack).SprintFunc()
)

// DiffError carries the structured difference between an expected and an
// actual result. Either the row counts diverged, in which case MissingRows
// and UnexpectedRows hold the multiset difference, or the counts matched and
// CellDiffs holds the positional mismatches.
type DiffError struct {
	Subject        string
	Columns        []string
	ExpectedCount  int
	ActualCount    int
	MissingRows    []modeltest.Row
	UnexpectedRows []modeltest.Row
	CellDiffs      []CellDiff
}

// CellDiff identifies one mismatched cell by row position and column.
type CellDiff struct {
	Row      int
	Column   string
	Expected any
	Actual   any
}

func (d *DiffError) Error() string {
	if d == nil {
		return "data mismatch"
	}

	subject := d.Subject
	if subject == "" {
		subject = "query"
	}

	if d.ExpectedCount != d.ActualCount {
		return fmt.Sprintf("data mismatch for %s, expected %d row(s), got %d", subject, d.ExpectedCount, d.ActualCount)
	}

	return fmt.Sprintf("data mismatch for %s, %d cell(s) differ", subject, len(d.CellDiffs))
}

func (d *DiffError) Unwrap() error {
	return modeltest.ErrDataMismatch
}

// AsDiffError attempts to extract a DiffError from the error chain.
func AsDiffError(err error) (*DiffError, bool) {
	var de *DiffError
	if errors.As(err, &de) {
		return de, true
	}

	return nil, false
}

// FormatDiff renders a DiffError as a compact textual report ready for CLI
// output.
func FormatDiff(diff *DiffError) string {
	if diff == nil {
		return ""
	}

	var b strings.Builder

	if diff.Subject != "" {
		b.WriteString(subjectHeaderFmt("Subject: %s\n", diff.Subject))
	}

	b.WriteString(legendExpectedFmt("- Expected\n"))
	b.WriteString(legendActualFmt("+ Actual\n"))

	if diff.ExpectedCount != diff.ActualCount {
		b.WriteString(expectFieldFmt("- rows: %d\n", diff.ExpectedCount))
		b.WriteString(actualFieldFmt("+ rows: %d\n", diff.ActualCount))

		for _, row := range diff.MissingRows {
			writeRowLine(&b, expectPrefixFmt, "-", expectFieldFmt, expectValueFmt, row, diff.Columns, "missing")
		}

		for _, row := range diff.UnexpectedRows {
			writeRowLine(&b, actualPrefixFmt, "+", actualFieldFmt, actualValueFmt, row, diff.Columns, "unexpected")
		}

		return strings.TrimRight(b.String(), "\n")
	}

	lastRow := -1

	for _, cell := range diff.CellDiffs {
		if cell.Row != lastRow {
			if lastRow >= 0 {
				b.WriteString("\n")
			}

			b.WriteString(rowLabelFmt("row #%d [mismatch]\n", cell.Row+1))

			lastRow = cell.Row
		}

		b.WriteString(expectPrefixFmt("-"))
		b.WriteString(" ")
		b.WriteString(expectFieldFmt("%s: %s", cell.Column, expectValueFmt("%s", formatDiffValue(cell.Expected))))
		b.WriteString("\n")
		b.WriteString(actualPrefixFmt("+"))
		b.WriteString(" ")
		b.WriteString(actualFieldFmt("%s: %s", cell.Column, actualValueFmt("%s", formatDiffValue(cell.Actual))))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func writeRowLine(b *strings.Builder, prefix func(...any) string, sign string, fieldFmt, valueFmt func(string, ...any) string, row modeltest.Row, columns []string, status string) {
	b.WriteString(prefix(sign))
	b.WriteString(" ")

	for i, col := range columns {
		if i > 0 {
			b.WriteString(separatorFmt(", "))
		}

		b.WriteString(fieldFmt("%s: %s", col, valueFmt("%s", formatDiffValue(row[col]))))
	}

	b.WriteString(rowLabelFmt(" [%s]", status))
	b.WriteString("\n")
}

func formatDiffValue(v any) string {
	if v == nil {
		return "NULL"
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", v)
}
