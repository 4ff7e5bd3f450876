// Package model defines the model abstraction driven by the test harness:
// declarative SQL models rendered into backend queries, and procedural models
// invoked through an execution context.
package model

import (
	"context"
	"iter"
	"time"

	"github.com/shibukawa/modeltest"
	"github.com/shibukawa/modeltest/backend"
)

// Kind tags the two supported model variants.
type Kind int

const (
	// KindSQL is a declarative model defined by a single query.
	KindSQL Kind = iota + 1
	// KindProcedural is a model whose transformation runs as code and yields
	// a lazy sequence of result tables.
	KindProcedural
)

// Model is the interface the harness drives. Both variants implement it; the
// harness selects the execution strategy once, from ModelKind.
type Model interface {
	Name() string
	ModelKind() Kind
	// DependsOn lists the upstream model/table names this model reads from.
	DependsOn() []string
	// ColumnsAndTypes returns the declared output columns in order, or nil
	// when the model is not annotated.
	ColumnsAndTypes() []ColumnType
	Description() string
}

// ColumnType pairs an output column with its declared type.
type ColumnType struct {
	Name string
	Type string
}

// Registry holds all known models keyed by normalized name.
type Registry map[string]Model

// Get returns the model registered under the (already normalized) name.
func (r Registry) Get(name string) (Model, bool) {
	m, ok := r[name]
	return m, ok
}

// Names returns every registered model name.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}

	return names
}

// SQLModel is a declarative model backed by a single query, possibly with a
// WITH clause and CEL expression placeholders.
type SQLModel struct {
	name        string
	query       string
	dialect     modeltest.Dialect
	dependsOn   []string
	columns     []ColumnType
	description string
}

// SQLModelOption configures a SQLModel.
type SQLModelOption func(*SQLModel)

// WithColumns declares the model's output columns and types.
func WithColumns(columns []ColumnType) SQLModelOption {
	return func(m *SQLModel) { m.columns = columns }
}

// WithDescription attaches a human-readable description.
func WithDescription(description string) SQLModelOption {
	return func(m *SQLModel) { m.description = description }
}

// NewSQLModel builds a declarative model from its query text.
func NewSQLModel(name, query string, dialect modeltest.Dialect, dependsOn []string, options ...SQLModelOption) *SQLModel {
	m := &SQLModel{
		name:      name,
		query:     query,
		dialect:   dialect,
		dependsOn: dependsOn,
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

func (m *SQLModel) Name() string                  { return m.name }
func (m *SQLModel) ModelKind() Kind               { return KindSQL }
func (m *SQLModel) DependsOn() []string           { return m.dependsOn }
func (m *SQLModel) ColumnsAndTypes() []ColumnType { return m.columns }
func (m *SQLModel) Description() string           { return m.description }
func (m *SQLModel) Dialect() modeltest.Dialect    { return m.dialect }

// Query returns the raw, unrendered query text.
func (m *SQLModel) Query() string { return m.query }

// ExecutionContext is passed to procedural models. It exposes the fixture
// mapping and the execution-scoped clock so model code never touches global
// state. A zero execution time means the wall clock.
type ExecutionContext struct {
	backend       backend.Backend
	tables        map[string]string
	executionTime time.Time
}

// NewExecutionContext builds a context over the backend, the dependency-name
// to fixture-table mapping, and an optional frozen execution time.
func NewExecutionContext(b backend.Backend, tables map[string]string, executionTime time.Time) *ExecutionContext {
	return &ExecutionContext{backend: b, tables: tables, executionTime: executionTime}
}

// ResolveTable maps an upstream model name to the table the model should read.
// Unmapped names resolve to themselves.
func (c *ExecutionContext) ResolveTable(name string) string {
	if t, ok := c.tables[name]; ok {
		return t
	}

	return name
}

// FetchRows runs a query against the execution backend.
func (c *ExecutionContext) FetchRows(ctx context.Context, query string) (*modeltest.Table, error) {
	return c.backend.FetchRows(ctx, query)
}

// Now returns the frozen execution time when one is set, the wall clock otherwise.
func (c *ExecutionContext) Now() time.Time {
	if !c.executionTime.IsZero() {
		return c.executionTime
	}

	return time.Now()
}

// Dialect returns the execution backend's dialect.
func (c *ExecutionContext) Dialect() modeltest.Dialect { return c.backend.Dialect() }

// RenderFunc is a procedural model's entry point. It yields a lazy, finite,
// non-restartable sequence of result tables; callers consume as many as they
// need and stop.
type RenderFunc func(ctx context.Context, ec *ExecutionContext, vars map[string]any) iter.Seq2[*modeltest.Table, error]

// ProceduralModel is a model whose transformation is implemented in code.
type ProceduralModel struct {
	name        string
	dependsOn   []string
	columns     []ColumnType
	description string
	render      RenderFunc
}

// NewProceduralModel builds a procedural model around its entry point.
func NewProceduralModel(name string, dependsOn []string, columns []ColumnType, render RenderFunc) *ProceduralModel {
	return &ProceduralModel{
		name:      name,
		dependsOn: dependsOn,
		columns:   columns,
		render:    render,
	}
}

// SetDescription attaches a human-readable description.
func (m *ProceduralModel) SetDescription(description string) { m.description = description }

func (m *ProceduralModel) Name() string                  { return m.name }
func (m *ProceduralModel) ModelKind() Kind               { return KindProcedural }
func (m *ProceduralModel) DependsOn() []string           { return m.dependsOn }
func (m *ProceduralModel) ColumnsAndTypes() []ColumnType { return m.columns }
func (m *ProceduralModel) Description() string           { return m.description }

// Render invokes the model's entry point.
func (m *ProceduralModel) Render(ctx context.Context, ec *ExecutionContext, vars map[string]any) iter.Seq2[*modeltest.Table, error] {
	return m.render(ctx, ec, vars)
}
