package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goccy/go-yaml"

	"github.com/shibukawa/modeltest"
	"github.com/shibukawa/modeltest/backend"
	"github.com/shibukawa/modeltest/model"
)

// GenerateOptions configures test generation.
type GenerateOptions struct {
	// Model is the name of the model under test.
	Model string
	// InputQueries fetch fixture rows from the source backend, keyed by the
	// upstream model name they stand in for.
	InputQueries map[string]string
	// Models is the registry of known models.
	Models model.Registry
	// Backend is the source backend the input queries run against.
	Backend backend.Backend
	// TestBackend executes the generated test; defaults to Backend.
	TestBackend backend.Backend
	// ProjectPath roots the tests/ directory the file is written under.
	ProjectPath string
	// Overwrite replaces an existing file instead of failing.
	Overwrite bool
	// Variables are recorded in the test body and used during execution.
	Variables map[string]any
	// Path overrides the default file name; a .yaml extension is enforced.
	Path string
	// Name overrides the default test name.
	Name string
	// IncludeCTEs captures an expectation for every sub-expression of the
	// model, not just the final query.
	IncludeCTEs bool
	// DefaultCatalog qualifies two-part model names.
	DefaultCatalog string
}

// Generate fetches live input data, executes the model against it and writes
// a self-contained test file whose expectations match the observed output.
func Generate(ctx context.Context, opts GenerateOptions) (path string, err error) {
	testBackend := opts.TestBackend
	if testBackend == nil {
		testBackend = opts.Backend
	}

	dialect := testBackend.Dialect()
	normalized := modeltest.NormalizeModelName(opts.Model, opts.DefaultCatalog, dialect)

	m, ok := opts.Models.Get(normalized)
	if !ok {
		return "", fmt.Errorf("%w: '%s'", modeltest.ErrModelNotFound, normalized)
	}

	testName := opts.Name
	if testName == "" {
		parts := modeltest.SplitQualified(normalized, dialect)
		testName = "test_" + parts[len(parts)-1]
	}

	fileName := opts.Path
	if fileName == "" {
		fileName = testName
	}

	if !strings.HasSuffix(fileName, ".yaml") && !strings.HasSuffix(fileName, ".yml") {
		fileName += ".yaml"
	}

	path = filepath.Join(opts.ProjectPath, "tests", fileName)

	if !opts.Overwrite {
		if _, serr := os.Stat(path); serr == nil {
			return "", fmt.Errorf("%w: '%s'", modeltest.ErrFixtureExists, path)
		}
	}

	body := yaml.MapSlice{{Key: "model", Value: normalized}}

	inputs := yaml.MapSlice{}

	for _, dep := range m.DependsOn() {
		depName := modeltest.NormalizeModelName(dep, opts.DefaultCatalog, dialect)

		query, ok := opts.InputQueries[depName]
		if !ok {
			query, ok = opts.InputQueries[dep]
		}

		if !ok {
			return "", fmt.Errorf("%w '%s', no input query given", modeltest.ErrMissingInput, depName)
		}

		table, ferr := opts.Backend.FetchRows(ctx, query)
		if ferr != nil {
			return "", fmt.Errorf("failed to fetch input rows for '%s': %w", depName, ferr)
		}

		inputs = append(inputs, yaml.MapItem{Key: depName, Value: marshalRows(table)})
	}

	if len(inputs) > 0 {
		body = append(body, yaml.MapItem{Key: "inputs", Value: inputs})
	}

	if len(opts.Variables) > 0 {
		vars := yaml.MapSlice{}
		for key, value := range opts.Variables {
			vars = append(vars, yaml.MapItem{Key: key, Value: canonicalizeValue(value)})
		}

		body = append(body, yaml.MapItem{Key: "vars", Value: vars})
	}

	// A placeholder expectation makes the body pass validation; the real
	// outputs replace it after execution
	raw := RawTest{
		Name: testName,
		Body: append(yaml.MapSlice{}, append(body, yaml.MapItem{Key: "outputs", Value: yaml.MapSlice{{Key: "query", Value: []any{}}}})...),
		Path: path,
	}

	mt, err := NewModelTest(raw, Options{
		Models:         opts.Models,
		Backend:        testBackend,
		DefaultCatalog: opts.DefaultCatalog,
	})
	if err != nil {
		return "", err
	}

	if err := mt.SetUp(ctx); err != nil {
		return "", err
	}

	defer func() {
		if terr := mt.TearDown(context.WithoutCancel(ctx)); terr != nil && err == nil {
			err = terr
		}
	}()

	outputs, err := captureOutputs(ctx, mt, opts.IncludeCTEs)
	if err != nil {
		return "", err
	}

	body = append(body, yaml.MapItem{Key: "outputs", Value: outputs})

	doc := yaml.MapSlice{{Key: testName, Value: body}}

	encoded, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode generated test: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create test directory: %w", err)
	}

	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", fmt.Errorf("failed to write generated test: %w", err)
	}

	return path, nil
}

// captureOutputs executes the model inside the prepared fixture environment
// and records whatever it produced as the expected output.
func captureOutputs(ctx context.Context, mt *ModelTest, includeCTEs bool) (yaml.MapSlice, error) {
	outputs := yaml.MapSlice{}

	switch m := mt.model.(type) {
	case *model.SQLModel:
		rendered, err := m.RenderQuery(mt.spec.Vars, mt.tableMapping(), mt.executionTime)
		if err != nil {
			return nil, err
		}

		if includeCTEs {
			ctes, _ := model.SplitCTEs(rendered, mt.opts.Dialect)
			if len(ctes) > 0 {
				captured := yaml.MapSlice{}

				for i, cte := range ctes {
					composed := model.ComposeCTEs(ctes[:i], cte.Body)

					table, ferr := mt.opts.Backend.FetchRows(ctx, composed)
					if ferr != nil {
						return nil, fmt.Errorf("failed to capture CTE '%s': %w", cte.Name, ferr)
					}

					captured = append(captured, yaml.MapItem{Key: cte.Name, Value: marshalRows(table)})
				}

				outputs = append(outputs, yaml.MapItem{Key: "ctes", Value: captured})
			}
		}

		table, err := mt.opts.Backend.FetchRows(ctx, rendered)
		if err != nil {
			return nil, fmt.Errorf("failed to capture model output: %w", err)
		}

		outputs = append(outputs, yaml.MapItem{Key: "query", Value: marshalRows(table)})

	case *model.ProceduralModel:
		var executionTime time.Time

		if mt.executionTime != "" {
			parsed, perr := dateparse.ParseAny(mt.executionTime)
			if perr != nil {
				return nil, fmt.Errorf("invalid execution_time '%s': %w", mt.executionTime, perr)
			}

			executionTime = parsed
		}

		execCtx := model.NewExecutionContext(mt.opts.Backend, mt.tableMapping(), executionTime)

		var captured *modeltest.Table

		for table, rerr := range m.Render(ctx, execCtx, mt.spec.Vars) {
			if rerr != nil {
				return nil, fmt.Errorf("failed to capture model output: %w", rerr)
			}

			captured = table

			break
		}

		if captured == nil {
			return nil, fmt.Errorf("%w: '%s'", modeltest.ErrEmptyModelOutput, mt.spec.Model)
		}

		outputs = append(outputs, yaml.MapItem{Key: "query", Value: marshalRows(captured)})

	default:
		return nil, fmt.Errorf("%w: '%s'", modeltest.ErrUnsupportedModelKind, mt.spec.Model)
	}

	return outputs, nil
}

// marshalRows converts a result table into ordered YAML rows, canonicalizing
// driver-specific value types along the way.
func marshalRows(t *modeltest.Table) []any {
	rows := make([]any, len(t.Rows))

	for i, row := range t.Rows {
		encoded := make(yaml.MapSlice, 0, len(t.Columns))
		for _, col := range t.Columns {
			encoded = append(encoded, yaml.MapItem{Key: col, Value: canonicalizeValue(row[col])})
		}

		rows[i] = encoded
	}

	return rows
}

func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		utc := val.UTC()
		if utc.Hour() == 0 && utc.Minute() == 0 && utc.Second() == 0 && utc.Nanosecond() == 0 {
			return utc.Format("2006-01-02")
		}

		return utc.Format("2006-01-02 15:04:05")
	case []byte:
		return string(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for key, value := range val {
			out[fmt.Sprintf("%v", key)] = canonicalizeValue(value)
		}

		return out
	case map[string]any:
		// duckdb returns MAP columns as {key: [...], value: [...]} pairs
		if keys, values, ok := splitMapPair(val); ok {
			out := make(map[string]any, len(keys))
			for i, key := range keys {
				out[fmt.Sprintf("%v", key)] = canonicalizeValue(values[i])
			}

			return out
		}

		out := make(map[string]any, len(val))
		for key, value := range val {
			out[key] = canonicalizeValue(value)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, value := range val {
			out[i] = canonicalizeValue(value)
		}

		return out
	default:
		return v
	}
}

func splitMapPair(val map[string]any) (keys, values []any, ok bool) {
	if len(val) != 2 {
		return nil, nil, false
	}

	keys, ok = val["key"].([]any)
	if !ok {
		return nil, nil, false
	}

	values, ok = val["value"].([]any)
	if !ok || len(keys) != len(values) {
		return nil, nil, false
	}

	return keys, values, true
}
