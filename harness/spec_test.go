package harness

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/modeltest"
)

func TestParseDocumentPreservesOrder(t *testing.T) {
	doc := `
test_b:
  model: m
test_a:
  model: m
test_c:
  model: m
`

	tests, err := ParseDocument([]byte(doc), "suite.yaml")
	assert.NoError(t, err)
	assert.Equal(t, 3, len(tests))
	assert.Equal(t, "test_b", tests[0].Name)
	assert.Equal(t, "test_a", tests[1].Name)
	assert.Equal(t, "test_c", tests[2].Name)
	assert.Equal(t, "suite.yaml", tests[0].Path)
}

func TestParseDocumentRejectsNonMapping(t *testing.T) {
	_, err := ParseDocument([]byte("- a\n- b\n"), "suite.yaml")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, modeltest.ErrInvalidTestDocument))
}

func TestParseDocumentEmpty(t *testing.T) {
	tests, err := ParseDocument(nil, "suite.yaml")
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tests))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.yaml")

	content := `
test_orders:
  model: sushi.orders
  outputs:
    query: []
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tests, err := LoadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(tests))
	assert.Equal(t, "test_orders", tests[0].Name)
	assert.Equal(t, path, tests[0].Path)
}

func TestDecodeRowsColumnOrder(t *testing.T) {
	doc := `
rows:
  - b: 1
    a: 2
  - c: 3
    a: 4
`

	tests, err := ParseDocument([]byte(doc), "")
	assert.NoError(t, err)

	rows, order, ok := decodeRows(tests[0].Body)
	assert.True(t, ok)
	assert.Equal(t, 2, len(rows))
	// Union of column orders, first reference wins
	assert.Equal(t, []string{"b", "a", "c"}, order)
	assert.Equal(t, any(int64(1)), rows[0]["b"])
}

func TestDecodeRowsNilIsEmpty(t *testing.T) {
	rows, order, ok := decodeRows(nil)
	assert.True(t, ok)
	assert.Equal(t, 0, len(rows))
	assert.Equal(t, 0, len(order))
}

func TestDecodeRowsRejectsScalars(t *testing.T) {
	_, _, ok := decodeRows("nope")
	assert.False(t, ok)

	_, _, ok = decodeRows([]any{"nope"})
	assert.False(t, ok)
}
