package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/modeltest"
)

func generateStub() *stubBackend {
	return newStubBackend(func(query string) (*modeltest.Table, error) {
		if strings.Contains(query, "live_source") {
			return modeltest.NewTable([]string{"id", "item", "ordered_at"}, []modeltest.Row{
				{"id": int64(1), "item": "maguro", "ordered_at": time.Date(2022, 1, 1, 12, 30, 0, 0, time.UTC)},
			}), nil
		}

		return modeltest.NewTable([]string{"id", "item"}, []modeltest.Row{
			{"id": int64(1), "item": "maguro"},
		}), nil
	})
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	stub := generateStub()

	path, err := Generate(context.Background(), GenerateOptions{
		Model:        "sushi.orders",
		InputQueries: map[string]string{"sushi.raw_orders": "SELECT * FROM live_source"},
		Models:       ordersRegistry("SELECT id, item FROM sushi.raw_orders"),
		Backend:      stub,
		ProjectPath:  dir,
	})
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tests", "test_orders.yaml"), path)

	data, err := os.ReadFile(path)
	assert.NoError(t, err)

	content := string(data)
	assert.True(t, strings.Contains(content, "test_orders:"))
	assert.True(t, strings.Contains(content, "model: sushi.orders"))
	assert.True(t, strings.Contains(content, "sushi.raw_orders:"))
	// Temporal values are written in canonical form
	assert.True(t, strings.Contains(content, "2022-01-01 12:30:00"))

	// Generation leaves no fixtures behind
	assert.Equal(t, 0, len(stub.views))
}

func TestGenerateCollision(t *testing.T) {
	dir := t.TempDir()

	opts := GenerateOptions{
		Model:        "sushi.orders",
		InputQueries: map[string]string{"sushi.raw_orders": "SELECT * FROM live_source"},
		Models:       ordersRegistry("SELECT id, item FROM sushi.raw_orders"),
		Backend:      generateStub(),
		ProjectPath:  dir,
	}

	_, err := Generate(context.Background(), opts)
	assert.NoError(t, err)

	_, err = Generate(context.Background(), opts)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, modeltest.ErrFixtureExists))

	opts.Overwrite = true

	_, err = Generate(context.Background(), opts)
	assert.NoError(t, err)
}

func TestGenerateMissingInputQuery(t *testing.T) {
	_, err := Generate(context.Background(), GenerateOptions{
		Model:       "sushi.orders",
		Models:      ordersRegistry("SELECT id, item FROM sushi.raw_orders"),
		Backend:     generateStub(),
		ProjectPath: t.TempDir(),
	})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, modeltest.ErrMissingInput))
}

func TestGenerateIncludeCTEs(t *testing.T) {
	dir := t.TempDir()

	query := "WITH totals AS (SELECT item FROM sushi.raw_orders) SELECT item FROM totals"

	path, err := Generate(context.Background(), GenerateOptions{
		Model:        "sushi.orders",
		InputQueries: map[string]string{"sushi.raw_orders": "SELECT * FROM live_source"},
		Models:       ordersRegistry(query),
		Backend:      generateStub(),
		ProjectPath:  dir,
		Name:         "test_totals",
		IncludeCTEs:  true,
	})
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tests", "test_totals.yaml"), path)

	data, err := os.ReadFile(path)
	assert.NoError(t, err)

	content := string(data)
	assert.True(t, strings.Contains(content, "ctes:"))
	assert.True(t, strings.Contains(content, "totals:"))
}

func TestGenerateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stub := generateStub()
	registry := ordersRegistry("SELECT id, item FROM sushi.raw_orders")

	path, err := Generate(context.Background(), GenerateOptions{
		Model:        "sushi.orders",
		InputQueries: map[string]string{"sushi.raw_orders": "SELECT * FROM live_source"},
		Models:       registry,
		Backend:      stub,
		ProjectPath:  dir,
	})
	assert.NoError(t, err)

	tests, err := LoadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(tests))

	mt, err := NewModelTest(tests[0], Options{Models: registry, Backend: stub})
	assert.NoError(t, err)
	assert.NoError(t, mt.Run(context.Background()))
}
