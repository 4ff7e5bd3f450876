package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/shibukawa/modeltest"
	"github.com/shibukawa/modeltest/backend"
	"github.com/shibukawa/modeltest/model"
)

const fixtureSuffix = "__fixture__"

// Options configures a ModelTest.
type Options struct {
	// Models is the registry of all known models, keyed by normalized name.
	Models model.Registry
	// Backend executes fixture and query operations.
	Backend backend.Backend
	// Dialect drives identifier normalization; defaults to the backend's.
	Dialect modeltest.Dialect
	// DefaultCatalog qualifies two-part model names.
	DefaultCatalog string
	// PreserveFixtures keeps fixture tables after the run, for debugging.
	PreserveFixtures bool
	// AggregateCTEErrors checks every declared sub-expression instead of
	// failing fast on the first mismatch.
	AggregateCTEErrors bool
}

type modelNameKey struct {
	name               string
	withDefaultCatalog bool
}

// ModelTest encapsulates one unit test for a model: fixture setup, execution,
// comparison and teardown. Instances are not shared between goroutines, but
// many instances may run concurrently against one backend; isolation comes
// from the run-scoped fixture identifier, not from locking.
type ModelTest struct {
	TestName    string
	Description string

	spec  *TestSpecification
	model model.Model
	opts  Options

	// Appended to every fixture name to avoid collisions between
	// concurrently executing tests
	runID         string
	executionTime string

	fixtureTableCache map[string]string
	modelNameCache    map[modelNameKey]string
	columnNameCache   map[string]string

	created []string
}

// NewModelTest validates and normalizes a raw test body into a runnable test.
// All specification errors surface here, before any backend call.
func NewModelTest(raw RawTest, opts Options) (*ModelTest, error) {
	if opts.Dialect == "" && opts.Backend != nil {
		opts.Dialect = opts.Backend.Dialect()
	}

	mt := &ModelTest{
		TestName:          raw.Name,
		opts:              opts,
		runID:             strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		fixtureTableCache: make(map[string]string),
		modelNameCache:    make(map[modelNameKey]string),
		columnNameCache:   make(map[string]string),
	}

	if err := mt.validateAndNormalize(raw); err != nil {
		return nil, err
	}

	return mt, nil
}

// Spec returns the normalized specification.
func (mt *ModelTest) Spec() *TestSpecification { return mt.spec }

// Model returns the model under test.
func (mt *ModelTest) Model() model.Model { return mt.model }

func (mt *ModelTest) validateAndNormalize(raw RawTest) error {
	body, ok := asMapSlice(raw.Body)
	if !ok {
		return specError(fmt.Errorf("%w for test '%s'", modeltest.ErrInvalidTestDocument, raw.Name), raw.Path)
	}

	spec := &TestSpecification{
		TestName: raw.Name,
		Path:     raw.Path,
		Inputs:   make(map[string]*FixtureSpec),
	}

	modelName, _ := fieldOf(body, "model")

	name, ok := modelName.(string)
	if !ok || name == "" {
		return specError(fmt.Errorf("%w, missing model name", modeltest.ErrIncompleteTest), raw.Path)
	}

	spec.Model = mt.normalizeModelName(name, true)

	m, found := mt.opts.Models.Get(spec.Model)
	if !found {
		return specError(fmt.Errorf("%w: '%s'", modeltest.ErrModelNotFound, spec.Model), raw.Path)
	}

	mt.model = m

	if desc, ok := fieldOf(body, "description"); ok {
		spec.Description, _ = desc.(string)
	}

	mt.Description = spec.Description

	if varsVal, ok := fieldOf(body, "vars"); ok {
		varsMap, ok := asMapSlice(varsVal)
		if !ok {
			return specError(fmt.Errorf("%w, 'vars' must be a mapping", modeltest.ErrIncompleteTest), raw.Path)
		}

		spec.Vars = make(map[string]any, len(varsMap))

		for _, item := range varsMap {
			if key, ok := item.Key.(string); ok {
				spec.Vars[key] = modeltest.NormalizeValue(item.Value)
			}
		}
	}

	if et, ok := spec.Vars["execution_time"]; ok && et != nil {
		mt.executionTime = fmt.Sprintf("%v", et)
	}

	outputsVal, ok := fieldOf(body, "outputs")
	if !ok || outputsVal == nil {
		return specError(modeltest.ErrMissingOutputs, raw.Path)
	}

	outputs, ok := asMapSlice(outputsVal)
	if !ok {
		return specError(modeltest.ErrMissingOutputs, raw.Path)
	}

	if err := mt.normalizeInputs(spec, body); err != nil {
		return err
	}

	return mt.normalizeOutputs(spec, outputs)
}

func (mt *ModelTest) normalizeInputs(spec *TestSpecification, body yaml.MapSlice) error {
	inputsVal, hasInputs := fieldOf(body, "inputs")
	if hasInputs && inputsVal != nil {
		inputs, ok := asMapSlice(inputsVal)
		if !ok {
			return specError(fmt.Errorf("%w, 'inputs' must be a mapping", modeltest.ErrIncompleteTest), spec.Path)
		}

		for _, item := range inputs {
			rawName, ok := item.Key.(string)
			if !ok {
				return specError(fmt.Errorf("%w, input names must be strings", modeltest.ErrIncompleteTest), spec.Path)
			}

			name := mt.normalizeModelName(rawName, true)

			fixture, err := mt.normalizeFixture(rawName, item.Value, spec.Path)
			if err != nil {
				return err
			}

			spec.InputOrder = append(spec.InputOrder, name)
			spec.Inputs[name] = fixture
		}
	}

	for _, dep := range mt.model.DependsOn() {
		normalized := mt.normalizeModelName(dep, true)
		if _, ok := spec.Inputs[normalized]; !ok {
			return specError(fmt.Errorf("%w '%s'", modeltest.ErrMissingInput, normalized), spec.Path)
		}
	}

	mt.spec = spec

	return nil
}

func (mt *ModelTest) normalizeFixture(name string, value any, path string) (*FixtureSpec, error) {
	rowsVal := value

	var columnsVal any

	if ms, ok := asMapSlice(value); ok {
		if _, hasRows := fieldOf(ms, "rows"); hasRows {
			rowsVal, _ = fieldOf(ms, "rows")
			columnsVal, _ = fieldOf(ms, "columns")
		} else if _, hasColumns := fieldOf(ms, "columns"); hasColumns {
			return nil, specError(fmt.Errorf("%w for '%s'", modeltest.ErrMissingRows, name), path)
		}
	}

	rows, order, ok := decodeRows(rowsVal)
	if !ok {
		return nil, specError(fmt.Errorf("%w for '%s'", modeltest.ErrMissingRows, name), path)
	}

	fixture := &FixtureSpec{
		Rows:        make([]modeltest.Row, len(rows)),
		ColumnOrder: mt.normalizeColumns(order),
	}

	for i, row := range rows {
		normalized := make(modeltest.Row, len(row))
		for col, val := range row {
			normalized[mt.normalizeColumnName(col)] = val
		}

		fixture.Rows[i] = normalized
	}

	if columnsVal != nil {
		columns, ok := asMapSlice(columnsVal)
		if !ok {
			return nil, specError(fmt.Errorf("%w for model '%s'", modeltest.ErrInvalidColumns, name), path)
		}

		fixture.ColumnTypes = make(map[string]string, len(columns))

		declaredOrder := make([]string, 0, len(columns))

		for _, item := range columns {
			col, ok := item.Key.(string)
			if !ok {
				return nil, specError(fmt.Errorf("%w for model '%s'", modeltest.ErrInvalidColumns, name), path)
			}

			typeName, ok := item.Value.(string)
			if !ok {
				return nil, specError(fmt.Errorf("%w for model '%s'", modeltest.ErrInvalidColumns, name), path)
			}

			normalized := mt.normalizeColumnName(col)
			fixture.ColumnTypes[normalized] = typeName
			declaredOrder = append(declaredOrder, normalized)
		}

		// Declared columns also pin the fixture's column order
		fixture.ColumnOrder = mergeColumnOrder(declaredOrder, fixture.ColumnOrder)
	}

	return fixture, nil
}

func mergeColumnOrder(primary, secondary []string) []string {
	seen := make(map[string]bool, len(primary))
	out := make([]string, 0, len(primary)+len(secondary))

	for _, col := range primary {
		if !seen[col] {
			seen[col] = true

			out = append(out, col)
		}
	}

	for _, col := range secondary {
		if !seen[col] {
			seen[col] = true

			out = append(out, col)
		}
	}

	return out
}

func (mt *ModelTest) normalizeOutputs(spec *TestSpecification, outputs yaml.MapSlice) error {
	outputsPartial := false
	if p, ok := fieldOf(outputs, "partial"); ok {
		outputsPartial, _ = p.(bool)
	}

	if ctesVal, ok := fieldOf(outputs, "ctes"); ok && ctesVal != nil {
		ctes, ok := asMapSlice(ctesVal)
		if !ok {
			return specError(fmt.Errorf("%w, 'ctes' must be a mapping", modeltest.ErrIncompleteTest), spec.Path)
		}

		for _, item := range ctes {
			rawName, ok := item.Key.(string)
			if !ok {
				return specError(fmt.Errorf("%w, CTE names must be strings", modeltest.ErrIncompleteTest), spec.Path)
			}

			name := mt.normalizeModelName(rawName, false)

			expectation, err := mt.normalizeExpectation(rawName, item.Value, outputsPartial, spec.Path)
			if err != nil {
				return err
			}

			spec.Outputs.CTEs = append(spec.Outputs.CTEs, NamedExpectation{Name: name, ResultExpectation: *expectation})
		}
	}

	queryVal, hasQuery := fieldOf(outputs, "query")
	if hasQuery {
		expectation, err := mt.normalizeExpectation(spec.Model, queryVal, outputsPartial, spec.Path)
		if err != nil {
			return err
		}

		spec.Outputs.Query = expectation
	}

	// An outputs mapping with neither a query nor a CTE expectation would
	// pass vacuously
	if spec.Outputs.Query == nil && len(spec.Outputs.CTEs) == 0 {
		return specError(modeltest.ErrMissingOutputs, spec.Path)
	}

	return nil
}

func (mt *ModelTest) normalizeExpectation(name string, value any, outputsPartial bool, path string) (*ResultExpectation, error) {
	rowsVal := value
	partial := outputsPartial

	if ms, ok := asMapSlice(value); ok {
		if _, hasRows := fieldOf(ms, "rows"); !hasRows {
			return nil, specError(fmt.Errorf("%w for '%s'", modeltest.ErrMissingRows, name), path)
		}

		rowsVal, _ = fieldOf(ms, "rows")

		if p, ok := fieldOf(ms, "partial"); ok {
			if pb, ok := p.(bool); ok && pb {
				partial = true
			}
		}
	}

	rows, order, ok := decodeRows(rowsVal)
	if !ok {
		return nil, specError(fmt.Errorf("%w for '%s'", modeltest.ErrMissingRows, name), path)
	}

	expectation := &ResultExpectation{
		Rows:        make([]modeltest.Row, len(rows)),
		ColumnOrder: mt.normalizeColumns(order),
		Partial:     partial,
	}

	for i, row := range rows {
		normalized := make(modeltest.Row, len(row))
		for col, val := range row {
			normalized[mt.normalizeColumnName(col)] = val
		}

		expectation.Rows[i] = normalized
	}

	return expectation, nil
}

func (mt *ModelTest) normalizeColumns(columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		out[i] = mt.normalizeColumnName(col)
	}

	return out
}

// normalizeModelName canonicalizes and caches a model/table name. The cache
// is instance-owned and keyed by (name, qualification mode) so each distinct
// input is normalized exactly once per test.
func (mt *ModelTest) normalizeModelName(name string, withDefaultCatalog bool) string {
	key := modelNameKey{name: name, withDefaultCatalog: withDefaultCatalog}
	if normalized, ok := mt.modelNameCache[key]; ok {
		return normalized
	}

	catalog := ""
	if withDefaultCatalog {
		catalog = mt.opts.DefaultCatalog
	}

	normalized := modeltest.NormalizeModelName(name, catalog, mt.opts.Dialect)
	mt.modelNameCache[key] = normalized

	return normalized
}

func (mt *ModelTest) normalizeColumnName(name string) string {
	if normalized, ok := mt.columnNameCache[name]; ok {
		return normalized
	}

	normalized := modeltest.NormalizeColumnName(name, mt.opts.Dialect)
	mt.columnNameCache[name] = normalized

	return normalized
}

// fixtureTable derives the run-scoped fixture identifier for a normalized
// input name. The same name always maps to the same identifier within one
// test instance.
func (mt *ModelTest) fixtureTable(name string) string {
	if table, ok := mt.fixtureTableCache[name]; ok {
		return table
	}

	parts := modeltest.SplitQualified(name, mt.opts.Dialect)
	parts[len(parts)-1] += fixtureSuffix + mt.runID

	table := modeltest.JoinQualified(parts, mt.opts.Dialect)
	mt.fixtureTableCache[name] = table

	return table
}

// SetUp materializes every declared input as a run-scoped fixture view.
func (mt *ModelTest) SetUp(ctx context.Context) error {
	for _, name := range mt.spec.InputOrder {
		fixture := mt.spec.Inputs[name]

		columnTypes := mt.resolveColumnTypes(name, fixture)

		table := modeltest.NewTable(fixture.ColumnOrder, fixture.Rows)
		fixtureName := mt.fixtureTable(name)

		if parts := modeltest.SplitQualified(fixtureName, mt.opts.Dialect); len(parts) > 1 {
			schema := modeltest.JoinQualified(parts[:len(parts)-1], mt.opts.Dialect)
			if err := mt.opts.Backend.CreateSchema(ctx, schema); err != nil {
				return fmt.Errorf("failed to create fixture schema for '%s': %w", name, err)
			}
		}

		if err := mt.opts.Backend.CreateView(ctx, fixtureName, table, columnTypes); err != nil {
			return fmt.Errorf("failed to create fixture for '%s': %w", name, err)
		}

		mt.created = append(mt.created, fixtureName)
	}

	return nil
}

// resolveColumnTypes applies the precedence rules: explicit per-test column
// declarations win over types declared on the input's own model, which win
// over ad hoc inference from the first row.
func (mt *ModelTest) resolveColumnTypes(name string, fixture *FixtureSpec) map[string]string {
	columnTypes := make(map[string]string)

	if inputModel, ok := mt.opts.Models.Get(name); ok {
		for _, ct := range inputModel.ColumnsAndTypes() {
			columnTypes[mt.normalizeColumnName(ct.Name)] = ct.Type
		}
	}

	for col, typeName := range fixture.ColumnTypes {
		columnTypes[col] = typeName
	}

	if len(columnTypes) == 0 && len(fixture.Rows) > 0 {
		for _, col := range fixture.ColumnOrder {
			columnTypes[col] = modeltest.AnnotateType(fixture.Rows[0][col])
		}
	}

	return columnTypes
}

// TearDown drops every fixture created by SetUp, unless preservation was
// requested. Drop failures are collected rather than short-circuiting so one
// failed drop never leaks the remaining fixtures.
func (mt *ModelTest) TearDown(ctx context.Context) error {
	if mt.opts.PreserveFixtures {
		return nil
	}

	var errs []error

	for _, table := range mt.created {
		if err := mt.opts.Backend.DropView(ctx, table); err != nil {
			errs = append(errs, err)
		}
	}

	mt.created = nil

	return errors.Join(errs...)
}

// Run executes the full test: fixture setup, model execution, comparison and
// teardown. Teardown runs on every exit path, including assertion failure and
// context cancellation.
func (mt *ModelTest) Run(ctx context.Context) (err error) {
	if err := mt.SetUp(ctx); err != nil {
		if terr := mt.TearDown(context.WithoutCancel(ctx)); terr != nil {
			return errors.Join(err, terr)
		}

		return err
	}

	defer func() {
		// Teardown must run even when the run context was canceled
		if terr := mt.TearDown(context.WithoutCancel(ctx)); terr != nil && err == nil {
			err = terr
		}
	}()

	switch mt.model.ModelKind() {
	case model.KindSQL:
		return mt.runSQL(ctx)
	case model.KindProcedural:
		return mt.runProcedural(ctx)
	default:
		return fmt.Errorf("%w: '%s'", modeltest.ErrUnsupportedModelKind, mt.spec.Model)
	}
}

// tableMapping maps every known model and input name to its fixture table.
// Both with- and without-catalog normalized forms are included so query text
// that omits the catalog still resolves.
func (mt *ModelTest) tableMapping() map[string]string {
	mapping := make(map[string]string)

	add := func(rawName string) {
		qualified := mt.normalizeModelName(rawName, true)
		table := mt.fixtureTable(qualified)
		mapping[qualified] = table
		mapping[mt.normalizeModelName(rawName, false)] = table

		// A name already carrying the default catalog must also resolve when
		// query text writes the bare two-part form
		if mt.opts.DefaultCatalog != "" {
			parts := modeltest.SplitQualified(qualified, mt.opts.Dialect)
			if len(parts) == 3 && parts[0] == mt.normalizeModelName(mt.opts.DefaultCatalog, false) {
				mapping[modeltest.JoinQualified(parts[1:], mt.opts.Dialect)] = table
			}
		}
	}

	for name := range mt.opts.Models {
		add(name)
	}

	for _, name := range mt.spec.InputOrder {
		add(name)
	}

	return mapping
}

func (mt *ModelTest) runSQL(ctx context.Context) error {
	sqlModel, ok := mt.model.(*model.SQLModel)
	if !ok {
		return fmt.Errorf("%w: '%s'", modeltest.ErrUnsupportedModelKind, mt.spec.Model)
	}

	rendered, err := sqlModel.RenderQuery(mt.spec.Vars, mt.tableMapping(), mt.executionTime)
	if err != nil {
		return specError(err, mt.spec.Path)
	}

	ctes, _ := model.SplitCTEs(rendered, mt.opts.Dialect)

	if err := mt.testCTEs(ctx, ctes, rendered); err != nil {
		return err
	}

	expectation := mt.spec.Outputs.Query
	if expectation == nil {
		return nil
	}

	expected, err := mt.buildExpected(expectation, mt.declaredModelColumns())
	if err != nil {
		return specError(err, mt.spec.Path)
	}

	actual, err := mt.opts.Backend.FetchRows(ctx, rendered)
	if err != nil {
		return fmt.Errorf("failed to execute model query: %w", err)
	}

	orderSensitive := model.HasTopLevelOrderBy(rendered, mt.opts.Dialect)

	if err := Compare(expected, actual, orderSensitive, expectation.Partial); err != nil {
		return subjectError("query", err)
	}

	return nil
}

// declaredModelColumns returns the model's annotated output columns,
// normalized, or nil when the model is unannotated.
func (mt *ModelTest) declaredModelColumns() []string {
	declared := mt.model.ColumnsAndTypes()
	if len(declared) == 0 {
		return nil
	}

	columns := make([]string, len(declared))
	for i, ct := range declared {
		columns[i] = mt.normalizeColumnName(ct.Name)
	}

	return columns
}

// testCTEs runs every declared sub-expression expectation. Each target is
// composed with the sub-expressions declared before it in the model, so later
// ones may reference earlier ones. Unknown names fail before any execution.
func (mt *ModelTest) testCTEs(ctx context.Context, ctes []model.CTE, rendered string) error {
	if len(mt.spec.Outputs.CTEs) == 0 {
		return nil
	}

	index := make(map[string]int, len(ctes))
	for i, cte := range ctes {
		index[mt.normalizeModelName(cte.Name, false)] = i
	}

	for _, declared := range mt.spec.Outputs.CTEs {
		if _, ok := index[declared.Name]; !ok {
			return specError(fmt.Errorf("%w '%s' in model '%s'", modeltest.ErrUnknownCTE, declared.Name, mt.spec.Model), mt.spec.Path)
		}
	}

	var errs []error

	for _, declared := range mt.spec.Outputs.CTEs {
		idx := index[declared.Name]
		body := ctes[idx].Body
		composed := model.ComposeCTEs(ctes[:idx], body)

		expected, err := mt.buildExpected(&declared.ResultExpectation, model.NamedSelects(body, mt.opts.Dialect))
		if err != nil {
			err = specError(subjectError("CTE "+declared.Name, err), mt.spec.Path)
			if !mt.opts.AggregateCTEErrors {
				return err
			}

			errs = append(errs, err)

			continue
		}

		actual, err := mt.opts.Backend.FetchRows(ctx, composed)
		if err != nil {
			return fmt.Errorf("failed to execute CTE '%s': %w", declared.Name, err)
		}

		orderSensitive := model.HasTopLevelOrderBy(body, mt.opts.Dialect)

		if err := Compare(expected, actual, orderSensitive, declared.Partial); err != nil {
			err = subjectError("CTE "+declared.Name, err)
			if !mt.opts.AggregateCTEErrors {
				return err
			}

			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (mt *ModelTest) runProcedural(ctx context.Context) error {
	proceduralModel, ok := mt.model.(*model.ProceduralModel)
	if !ok {
		return fmt.Errorf("%w: '%s'", modeltest.ErrUnsupportedModelKind, mt.spec.Model)
	}

	expectation := mt.spec.Outputs.Query
	if expectation == nil {
		return nil
	}

	expected, err := mt.buildExpected(expectation, mt.declaredModelColumns())
	if err != nil {
		return specError(err, mt.spec.Path)
	}

	var executionTime time.Time

	if mt.executionTime != "" {
		executionTime, err = dateparse.ParseAny(mt.executionTime)
		if err != nil {
			return specError(fmt.Errorf("invalid execution_time '%s': %w", mt.executionTime, err), mt.spec.Path)
		}
	}

	execCtx := model.NewExecutionContext(mt.opts.Backend, mt.tableMapping(), executionTime)

	// The model yields a lazy sequence of tables; only the first is consumed
	var actual *modeltest.Table

	for table, rerr := range proceduralModel.Render(ctx, execCtx, mt.spec.Vars) {
		if rerr != nil {
			return fmt.Errorf("failed to execute model '%s': %w", mt.spec.Model, rerr)
		}

		actual = table

		break
	}

	if actual == nil {
		return fmt.Errorf("%w: '%s'", modeltest.ErrEmptyModelOutput, mt.spec.Model)
	}

	if err := Compare(expected, actual, true, expectation.Partial); err != nil {
		return subjectError("query", err)
	}

	return nil
}

// buildExpected turns declared expectation rows into a comparable table over
// the declared column set. Rows referencing columns outside that set fail
// before any execution.
func (mt *ModelTest) buildExpected(expectation *ResultExpectation, declared []string) (*modeltest.Table, error) {
	referenced := expectation.ColumnOrder

	columns := declared
	if len(declared) > 0 {
		var unknown []string

		declaredSet := make(map[string]bool, len(declared))
		for _, col := range declared {
			declaredSet[col] = true
		}

		for _, col := range referenced {
			if !declaredSet[col] {
				unknown = append(unknown, col)
			}
		}

		if len(unknown) > 0 {
			return nil, fmt.Errorf("%w\n\nExpected column(s): %s\nUnknown column(s): %s",
				modeltest.ErrUnexpectedColumns, strings.Join(declared, ", "), strings.Join(unknown, ", "))
		}

		if expectation.Partial {
			columns = referenced
		}
	} else {
		columns = referenced
	}

	return modeltest.NewTable(columns, expectation.Rows), nil
}

func subjectError(subject string, err error) error {
	var diff *DiffError
	if errors.As(err, &diff) {
		diff.Subject = subject
		return diff
	}

	return fmt.Errorf("%s: %w", subject, err)
}
