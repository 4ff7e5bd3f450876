// Package backend defines the execution backend boundary the harness talks
// to, plus a database/sql implementation. Backends are assumed to own a
// concurrency-safe connection pool; the harness itself takes no locks.
package backend

import (
	"context"

	"github.com/shibukawa/modeltest"
)

// Backend is the surface consumed by the harness: schema and view lifecycle
// for fixtures, plus query execution. All calls are blocking and honor the
// supplied context.
type Backend interface {
	Dialect() modeltest.Dialect
	CreateSchema(ctx context.Context, name string) error
	CreateView(ctx context.Context, name string, table *modeltest.Table, columnTypes map[string]string) error
	DropView(ctx context.Context, name string) error
	FetchRows(ctx context.Context, query string) (*modeltest.Table, error)
}
