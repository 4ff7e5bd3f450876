package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shibukawa/modeltest"
)

// SQLBackend implements Backend over a database/sql pool.
type SQLBackend struct {
	db      *sql.DB
	dialect modeltest.Dialect
}

// NewSQLBackend wraps an open connection pool. The pool's lifecycle belongs
// to the caller.
func NewSQLBackend(db *sql.DB, dialect modeltest.Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect}
}

// Dialect returns the backend's SQL dialect.
func (b *SQLBackend) Dialect() modeltest.Dialect { return b.dialect }

// CreateSchema creates the containing schema if the dialect supports it.
// SQLite has no schema objects, so the call is a no-op there.
func (b *SQLBackend) CreateSchema(ctx context.Context, name string) error {
	var query string

	switch b.dialect {
	case modeltest.DialectMySQL:
		query = "CREATE DATABASE IF NOT EXISTS " + modeltest.QuoteQualified(name, b.dialect)
	case modeltest.DialectSQLite:
		return nil
	default:
		query = "CREATE SCHEMA IF NOT EXISTS " + modeltest.QuoteQualified(name, b.dialect)
	}

	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", name, err)
	}

	return nil
}

// CreateView materializes a row set as a view addressed at name. The view is
// a union of literal selects so no physical storage is involved.
func (b *SQLBackend) CreateView(ctx context.Context, name string, table *modeltest.Table, columnTypes map[string]string) error {
	query := "CREATE VIEW " + modeltest.QuoteQualified(name, b.dialect) + " AS " + b.viewBody(table, columnTypes)

	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create view %s: %w", name, err)
	}

	return nil
}

// viewBody renders the SELECT that backs a fixture view.
func (b *SQLBackend) viewBody(table *modeltest.Table, columnTypes map[string]string) string {
	if len(table.Columns) == 0 {
		// SQL cannot express a zero-column relation; an empty single-column
		// one is the closest legal shape and still yields zero rows.
		return "SELECT NULL AS empty WHERE 1 = 0"
	}

	if len(table.Rows) == 0 {
		items := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			items[i] = b.castLiteral("NULL", columnTypes[col]) + " AS " + b.dialect.QuoteIdentifier(col)
		}

		return "SELECT " + strings.Join(items, ", ") + " WHERE 1 = 0"
	}

	selects := make([]string, len(table.Rows))

	for ri, row := range table.Rows {
		items := make([]string, len(table.Columns))

		for i, col := range table.Columns {
			lit := b.castLiteral(b.formatLiteral(row[col]), columnTypes[col])
			if ri == 0 {
				lit += " AS " + b.dialect.QuoteIdentifier(col)
			}

			items[i] = lit
		}

		selects[ri] = "SELECT " + strings.Join(items, ", ")
	}

	return strings.Join(selects, " UNION ALL ")
}

func (b *SQLBackend) castLiteral(lit, typeName string) string {
	if typeName == "" {
		return lit
	}

	return "CAST(" + lit + " AS " + typeName + ")"
}

// formatLiteral renders a fixture value as a SQL literal. Nested values are
// serialized to JSON text; the declared column type decides how the engine
// reads them back.
func (b *SQLBackend) formatLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(val)
	case []byte:
		return quoteString(string(val))
	case bool:
		if b.dialect == modeltest.DialectSQLite {
			if val {
				return "1"
			}

			return "0"
		}

		if val {
			return "TRUE"
		}

		return "FALSE"
	case time.Time:
		return quoteString(val.UTC().Format("2006-01-02 15:04:05"))
	case []any, map[string]any:
		encoded, err := json.Marshal(val)
		if err != nil {
			return quoteString(fmt.Sprintf("%v", val))
		}

		return quoteString(string(encoded))
	default:
		return fmt.Sprintf("%v", val)
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DropView drops a fixture view if it still exists.
func (b *SQLBackend) DropView(ctx context.Context, name string) error {
	query := "DROP VIEW IF EXISTS " + modeltest.QuoteQualified(name, b.dialect)

	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to drop view %s: %w", name, err)
	}

	return nil
}

// FetchRows executes a query and loads the full result set.
func (b *SQLBackend) FetchRows(ctx context.Context, query string) (*modeltest.Table, error) {
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get column names: %w", err)
	}

	result := modeltest.NewTable(columns, nil)

	for rows.Next() {
		values := make([]any, len(columns))

		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(modeltest.Row, len(columns))

		for i, col := range columns {
			if bs, ok := values[i].([]byte); ok {
				row[col] = string(bs)
			} else {
				row[col] = values[i]
			}
		}

		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return result, nil
}
