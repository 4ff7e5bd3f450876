package modeltest

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNormalizeModelName(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		defaultCatalog string
		dialect        Dialect
		expected       string
	}{
		{
			name:     "bare name folds to lowercase",
			input:    "Sushi.Orders",
			dialect:  DialectPostgres,
			expected: "sushi.orders",
		},
		{
			name:     "quoted part keeps its spelling",
			input:    `sushi."Orders"`,
			dialect:  DialectPostgres,
			expected: `sushi."Orders"`,
		},
		{
			name:           "two part name gains the default catalog",
			input:          "sushi.orders",
			defaultCatalog: "memory",
			dialect:        DialectPostgres,
			expected:       "memory.sushi.orders",
		},
		{
			name:           "three part name keeps its catalog",
			input:          "local.sushi.orders",
			defaultCatalog: "memory",
			dialect:        DialectPostgres,
			expected:       "local.sushi.orders",
		},
		{
			name:           "one part name never gains a catalog",
			input:          "orders",
			defaultCatalog: "memory",
			dialect:        DialectPostgres,
			expected:       "orders",
		},
		{
			name:     "mysql backtick quoting",
			input:    "`Order Items`",
			dialect:  DialectMySQL,
			expected: "`Order Items`",
		},
		{
			name:     "mysql preserves unquoted table case",
			input:    "db.MyOrders",
			dialect:  DialectMySQL,
			expected: "db.MyOrders",
		},
		{
			name:           "mysql default catalog keeps its case",
			input:          "sushi.Orders",
			defaultCatalog: "Memory",
			dialect:        DialectMySQL,
			expected:       "Memory.sushi.Orders",
		},
		{
			name:     "part with spaces is requoted",
			input:    `"order items"`,
			dialect:  DialectPostgres,
			expected: `"order items"`,
		},
		{
			name:     "escaped quote inside quoted part",
			input:    `"a""b"`,
			dialect:  DialectPostgres,
			expected: `"a""b"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := NormalizeModelName(tt.input, tt.defaultCatalog, tt.dialect)
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestNormalizeModelNameIdempotent(t *testing.T) {
	inputs := []string{"Sushi.Orders", `sushi."Orders"`, "orders", `"order items"`}

	for _, input := range inputs {
		once := NormalizeModelName(input, "memory", DialectPostgres)
		twice := NormalizeModelName(once, "memory", DialectPostgres)
		assert.Equal(t, once, twice)
	}

	for _, input := range []string{"db.MyOrders", "`Order Items`"} {
		once := NormalizeModelName(input, "memory", DialectMySQL)
		twice := NormalizeModelName(once, "memory", DialectMySQL)
		assert.Equal(t, once, twice)
	}
}

func TestNormalizeColumnName(t *testing.T) {
	assert.Equal(t, "id", NormalizeColumnName("ID", DialectPostgres))
	assert.Equal(t, "Id", NormalizeColumnName(`"Id"`, DialectPostgres))
	assert.Equal(t, "name", NormalizeColumnName("orders.Name", DialectPostgres))
	// Columns fold even on mysql; only table identifiers are case sensitive
	assert.Equal(t, "mycol", NormalizeColumnName("MyCol", DialectMySQL))
}

func TestSplitAndJoinQualified(t *testing.T) {
	parts := SplitQualified(`memory.sushi."order items"`, DialectPostgres)
	assert.Equal(t, []string{"memory", "sushi", "order items"}, parts)

	joined := JoinQualified(parts, DialectPostgres)
	assert.Equal(t, `memory.sushi."order items"`, joined)
}

func TestJoinQualifiedFixtureSuffix(t *testing.T) {
	parts := SplitQualified("sushi.orders", DialectPostgres)
	parts[len(parts)-1] += "__fixture__1234abcd"

	assert.Equal(t, "sushi.orders__fixture__1234abcd", JoinQualified(parts, DialectPostgres))
}

func TestQuoteQualified(t *testing.T) {
	assert.Equal(t, `"sushi"."orders"`, QuoteQualified("sushi.orders", DialectPostgres))
	assert.Equal(t, "`sushi`.`orders`", QuoteQualified("sushi.orders", DialectMySQL))
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "$3", DialectPostgres.Placeholder(3))
	assert.Equal(t, "?", DialectMySQL.Placeholder(3))
	assert.Equal(t, "?", DialectSQLite.Placeholder(1))
}
