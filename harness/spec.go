// Package harness is the correctness harness core: it normalizes declarative
// test specifications, materializes input fixtures, executes the model under
// test through a pluggable backend, and compares results against
// expectations. It also supports the inverse operation, capturing a live
// execution into a new specification.
package harness

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/shibukawa/modeltest"
)

// TestSpecification is one normalized test definition. It is owned by exactly
// one test run and immutable after normalization.
type TestSpecification struct {
	TestName    string
	Model       string
	Description string
	Vars        map[string]any
	InputOrder  []string
	Inputs      map[string]*FixtureSpec
	Outputs     OutputSpec
	Path        string
}

// FixtureSpec declares the rows (and optionally column types) of one input.
type FixtureSpec struct {
	Rows        []modeltest.Row
	ColumnOrder []string
	ColumnTypes map[string]string
}

// OutputSpec declares the expectations of a test: the model's query output
// and any number of named sub-expressions, in declaration order.
type OutputSpec struct {
	Query *ResultExpectation
	CTEs  []NamedExpectation
}

// ResultExpectation is a declared result table plus its comparison mode.
// ColumnOrder preserves the order columns were first referenced in.
type ResultExpectation struct {
	Rows        []modeltest.Row
	ColumnOrder []string
	Partial     bool
}

// NamedExpectation attaches a sub-expression name to its expectation.
type NamedExpectation struct {
	Name string
	ResultExpectation
}

// RawTest is one undecoded test body, as loaded from a specification file.
type RawTest struct {
	Name string
	Body any
	Path string
}

// LoadFile reads a specification document: a mapping of test name to test
// body. Declaration order is preserved.
func LoadFile(path string) ([]RawTest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test file: %w", err)
	}

	return ParseDocument(data, path)
}

// ParseDocument decodes specification bytes into raw tests.
func ParseDocument(data []byte, path string) ([]RawTest, error) {
	var doc any
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.UseOrderedMap()); err != nil {
		return nil, fmt.Errorf("failed to parse test file %s: %w", path, err)
	}

	if doc == nil {
		return nil, nil
	}

	root, ok := doc.(yaml.MapSlice)
	if !ok {
		return nil, fmt.Errorf("%w: %s", modeltest.ErrInvalidTestDocument, path)
	}

	tests := make([]RawTest, 0, len(root))

	for _, item := range root {
		name, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s", modeltest.ErrInvalidTestDocument, path)
		}

		tests = append(tests, RawTest{Name: name, Body: item.Value, Path: path})
	}

	return tests, nil
}

// asMapSlice views a decoded value as an ordered key/value sequence. Plain
// maps (from callers constructing bodies programmatically) are accepted too,
// at the cost of their iteration order.
func asMapSlice(v any) (yaml.MapSlice, bool) {
	switch val := v.(type) {
	case yaml.MapSlice:
		return val, true
	case map[string]any:
		ms := make(yaml.MapSlice, 0, len(val))
		for k, vv := range val {
			ms = append(ms, yaml.MapItem{Key: k, Value: vv})
		}

		return ms, true
	default:
		return nil, false
	}
}

// fieldOf looks a key up in an ordered mapping.
func fieldOf(ms yaml.MapSlice, key string) (any, bool) {
	for _, item := range ms {
		if k, ok := item.Key.(string); ok && k == key {
			return item.Value, true
		}
	}

	return nil, false
}

// decodeRow converts one decoded row value into a Row plus its column order.
func decodeRow(v any) (modeltest.Row, []string, bool) {
	ms, ok := asMapSlice(v)
	if !ok {
		return nil, nil, false
	}

	row := make(modeltest.Row, len(ms))
	order := make([]string, 0, len(ms))

	for _, item := range ms {
		key, ok := item.Key.(string)
		if !ok {
			key = fmt.Sprintf("%v", item.Key)
		}

		row[key] = modeltest.NormalizeValue(item.Value)
		order = append(order, key)
	}

	return row, order, true
}

// decodeRows converts a decoded rows list. The returned order is the union of
// column orders across rows, first reference wins.
func decodeRows(v any) ([]modeltest.Row, []string, bool) {
	list, ok := v.([]any)
	if !ok {
		if v == nil {
			return []modeltest.Row{}, nil, true
		}

		return nil, nil, false
	}

	rows := make([]modeltest.Row, 0, len(list))

	var (
		order []string
		seen  = map[string]bool{}
	)

	for _, item := range list {
		row, rowOrder, ok := decodeRow(item)
		if !ok {
			return nil, nil, false
		}

		rows = append(rows, row)

		for _, col := range rowOrder {
			if !seen[col] {
				seen[col] = true

				order = append(order, col)
			}
		}
	}

	return rows, order, true
}

func specError(err error, path string) error {
	if path == "" {
		return err
	}

	return fmt.Errorf("%w at %s", err, path)
}
