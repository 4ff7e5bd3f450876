package backend

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shibukawa/modeltest"
)

func TestViewBody(t *testing.T) {
	pg := NewSQLBackend(nil, modeltest.DialectPostgres)

	tests := []struct {
		name     string
		backend  *SQLBackend
		table    *modeltest.Table
		types    map[string]string
		expected string
	}{
		{
			name:     "zero columns",
			backend:  pg,
			table:    modeltest.NewTable(nil, nil),
			expected: "SELECT NULL AS empty WHERE 1 = 0",
		},
		{
			name:     "zero rows with typed columns",
			backend:  pg,
			table:    modeltest.NewTable([]string{"id", "name"}, nil),
			types:    map[string]string{"id": "int", "name": "text"},
			expected: `SELECT CAST(NULL AS int) AS "id", CAST(NULL AS text) AS "name" WHERE 1 = 0`,
		},
		{
			name:    "rows union with aliases on first select only",
			backend: pg,
			table: modeltest.NewTable([]string{"id", "name"}, []modeltest.Row{
				{"id": int64(1), "name": "maguro"},
				{"id": int64(2), "name": "saba"},
			}),
			types:    map[string]string{"id": "int"},
			expected: `SELECT CAST(1 AS int) AS "id", 'maguro' AS "name" UNION ALL SELECT CAST(2 AS int), 'saba'`,
		},
		{
			name:    "string escaping and null cell",
			backend: pg,
			table: modeltest.NewTable([]string{"name", "note"}, []modeltest.Row{
				{"name": "O'Brien", "note": nil},
			}),
			expected: `SELECT 'O''Brien' AS "name", NULL AS "note"`,
		},
		{
			name:    "sqlite renders booleans as integers",
			backend: NewSQLBackend(nil, modeltest.DialectSQLite),
			table: modeltest.NewTable([]string{"fresh"}, []modeltest.Row{
				{"fresh": true},
			}),
			expected: `SELECT 1 AS "fresh"`,
		},
		{
			name:    "postgres renders boolean keywords",
			backend: pg,
			table: modeltest.NewTable([]string{"fresh"}, []modeltest.Row{
				{"fresh": false},
			}),
			expected: `SELECT FALSE AS "fresh"`,
		},
		{
			name:    "time renders canonically",
			backend: pg,
			table: modeltest.NewTable([]string{"ts"}, []modeltest.Row{
				{"ts": time.Date(2022, 1, 1, 12, 30, 0, 0, time.UTC)},
			}),
			expected: `SELECT '2022-01-01 12:30:00' AS "ts"`,
		},
		{
			name:    "nested values serialize to json text",
			backend: pg,
			table: modeltest.NewTable([]string{"tags"}, []modeltest.Row{
				{"tags": []any{"a", "b"}},
			}),
			expected: `SELECT '["a","b"]' AS "tags"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.backend.viewBody(tt.table, tt.types))
		})
	}
}

func newSQLiteBackend(t *testing.T) *SQLBackend {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	assert.NoError(t, err)

	// Each new connection would get its own in-memory database
	db.SetMaxOpenConns(1)

	t.Cleanup(func() { db.Close() })

	return NewSQLBackend(db, modeltest.DialectSQLite)
}

func TestSQLiteViewRoundTrip(t *testing.T) {
	b := newSQLiteBackend(t)
	ctx := context.Background()

	table := modeltest.NewTable([]string{"id", "item", "fresh", "ordered_at"}, []modeltest.Row{
		{"id": int64(2), "item": "o'toro", "fresh": true, "ordered_at": time.Date(2022, 1, 1, 12, 30, 0, 0, time.UTC)},
		{"id": int64(1), "item": "saba", "fresh": false, "ordered_at": nil},
	})

	err := b.CreateView(ctx, "raw_orders_fixture", table, map[string]string{"id": "int", "item": "text"})
	assert.NoError(t, err)

	got, err := b.FetchRows(ctx, `SELECT id, item, fresh, ordered_at FROM raw_orders_fixture ORDER BY id`)
	assert.NoError(t, err)

	assert.Equal(t, []string{"id", "item", "fresh", "ordered_at"}, got.Columns)
	assert.Equal(t, 2, len(got.Rows))

	assert.Equal(t, int64(1), got.Rows[0]["id"].(int64))
	assert.Equal(t, "saba", got.Rows[0]["item"].(string))
	assert.Equal(t, int64(0), got.Rows[0]["fresh"].(int64))
	assert.Equal(t, nil, got.Rows[0]["ordered_at"])

	assert.Equal(t, int64(2), got.Rows[1]["id"].(int64))
	assert.Equal(t, "o'toro", got.Rows[1]["item"].(string))
	assert.Equal(t, "2022-01-01 12:30:00", got.Rows[1]["ordered_at"].(string))

	assert.NoError(t, b.DropView(ctx, "raw_orders_fixture"))

	_, err = b.FetchRows(ctx, "SELECT * FROM raw_orders_fixture")
	assert.Error(t, err)
}

func TestSQLiteEmptyViewShapes(t *testing.T) {
	b := newSQLiteBackend(t)
	ctx := context.Background()

	err := b.CreateView(ctx, "typed_empty", modeltest.NewTable([]string{"id", "name"}, nil),
		map[string]string{"id": "int", "name": "text"})
	assert.NoError(t, err)

	got, err := b.FetchRows(ctx, "SELECT * FROM typed_empty")
	assert.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, got.Columns)
	assert.Equal(t, 0, len(got.Rows))

	err = b.CreateView(ctx, "no_columns", modeltest.NewTable(nil, nil), nil)
	assert.NoError(t, err)

	got, err = b.FetchRows(ctx, "SELECT * FROM no_columns")
	assert.NoError(t, err)
	assert.Equal(t, []string{"empty"}, got.Columns)
	assert.Equal(t, 0, len(got.Rows))

	assert.NoError(t, b.DropView(ctx, "typed_empty"))
	assert.NoError(t, b.DropView(ctx, "no_columns"))
}

func TestFormatLiteralMySQLQuoting(t *testing.T) {
	my := NewSQLBackend(nil, modeltest.DialectMySQL)

	body := my.viewBody(modeltest.NewTable([]string{"id"}, []modeltest.Row{{"id": int64(1)}}), nil)
	assert.Equal(t, "SELECT 1 AS `id`", body)
}
