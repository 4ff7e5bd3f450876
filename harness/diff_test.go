package harness

import (
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/shibukawa/modeltest"
)

func TestMain(m *testing.M) {
	color.NoColor = true

	os.Exit(m.Run())
}

func TestFormatDiffCellMismatch(t *testing.T) {
	diff := &DiffError{
		Subject:       "query",
		Columns:       []string{"id", "name"},
		ExpectedCount: 1,
		ActualCount:   1,
		CellDiffs: []CellDiff{
			{Row: 0, Column: "name", Expected: "Todo", Actual: "Todo!"},
		},
	}

	diffText := FormatDiff(diff)
	if diffText == "" {
		t.Fatalf("expected diff output, got empty string")
	}

	checks := []string{
		"Subject: query",
		"- Expected",
		"+ Actual",
		"row #1 [mismatch]",
		"- name: Todo",
		"+ name: Todo!",
	}
	for _, want := range checks {
		if !strings.Contains(diffText, want) {
			t.Fatalf("expected diff output to contain %q\n%s", want, diffText)
		}
	}
}

func TestFormatDiffRowCountMismatch(t *testing.T) {
	diff := &DiffError{
		Subject:       "CTE totals",
		Columns:       []string{"a"},
		ExpectedCount: 2,
		ActualCount:   1,
		MissingRows:   []modeltest.Row{{"a": int64(2)}},
	}

	diffText := FormatDiff(diff)

	checks := []string{
		"Subject: CTE totals",
		"- rows: 2",
		"+ rows: 1",
		"a: 2 [missing]",
	}
	for _, want := range checks {
		if !strings.Contains(diffText, want) {
			t.Fatalf("expected diff output to contain %q\n%s", want, diffText)
		}
	}
}

func TestDiffErrorMessage(t *testing.T) {
	diff := &DiffError{Subject: "query", ExpectedCount: 2, ActualCount: 3}
	if !strings.Contains(diff.Error(), "expected 2 row(s), got 3") {
		t.Fatalf("unexpected message: %s", diff.Error())
	}

	if FormatDiff(nil) != "" {
		t.Fatalf("nil diff should render empty")
	}
}
