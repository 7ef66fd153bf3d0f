package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Order(t *testing.T) {
	m := Default()

	assert.Equal(t, Version, m.Version())
	assert.Equal(t, []string{
		"categories", "customers", "suppliers", "tax_rates", "users",
		"products", "purchase_orders", "sales",
		"payments", "purchase_order_items", "sale_items", "stock_movements",
		"refunds",
	}, m.Names())
}

func TestDefault_Deterministic(t *testing.T) {
	assert.Equal(t, Default().OrderedTables(), Default().OrderedTables())
}

func TestDefault_ParentsBeforeChildren(t *testing.T) {
	// child -> parents it references
	dependencies := map[string][]string{
		"products":             {"categories", "suppliers", "tax_rates"},
		"purchase_orders":      {"suppliers", "users"},
		"sales":                {"customers", "users"},
		"payments":             {"sales"},
		"purchase_order_items": {"purchase_orders", "products"},
		"sale_items":           {"sales", "products"},
		"stock_movements":      {"products", "users"},
		"refunds":              {"payments", "sale_items"},
	}

	m := Default()
	for child, parents := range dependencies {
		c, ok := m.Lookup(child)
		require.True(t, ok, child)
		for _, parent := range parents {
			p, ok := m.Lookup(parent)
			require.True(t, ok, parent)
			assert.Less(t, p.Rank, c.Rank, "%s must rank below %s", parent, child)
		}
	}
}

func TestReverseTables(t *testing.T) {
	m := Default()
	ordered := m.OrderedTables()
	reversed := m.ReverseTables()

	require.Len(t, reversed, len(ordered))
	for i := range ordered {
		assert.Equal(t, ordered[i], reversed[len(reversed)-1-i])
	}
	assert.Equal(t, "refunds", reversed[0].Table)
}

func TestPhases(t *testing.T) {
	m := Default()

	forward := m.Phases(false)
	require.Len(t, forward, 4)
	assert.Len(t, forward[0], 5)
	assert.Len(t, forward[3], 1)
	for i, phase := range forward {
		for _, e := range phase {
			assert.Equal(t, i, e.Rank)
		}
	}

	backward := m.Phases(true)
	require.Len(t, backward, 4)
	assert.Equal(t, "refunds", backward[0][0].Table)
	assert.Equal(t, 0, backward[3][0].Rank)

	total := 0
	for _, phase := range backward {
		total += len(phase)
	}
	assert.Equal(t, m.Len(), total, "no table may be skipped")
}

func TestOrderedTablesReturnsCopy(t *testing.T) {
	m := Default()
	tables := m.OrderedTables()
	tables[0].Table = "mutated"

	assert.Equal(t, "categories", m.OrderedTables()[0].Table)
}

func TestNew_Validation(t *testing.T) {
	valid := Entry{Table: "sales", TenantColumn: "tenant_id", PrimaryKey: "id"}

	tests := []struct {
		name    string
		version int
		entries []Entry
	}{
		{"zero version", 0, []Entry{valid}},
		{"no entries", 1, nil},
		{"bad table", 1, []Entry{{Table: "sales; DROP", TenantColumn: "tenant_id", PrimaryKey: "id"}}},
		{"bad tenant column", 1, []Entry{{Table: "sales", TenantColumn: "", PrimaryKey: "id"}}},
		{"bad primary key", 1, []Entry{{Table: "sales", TenantColumn: "tenant_id", PrimaryKey: "a b"}}},
		{"negative rank", 1, []Entry{{Table: "sales", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: -1}}},
		{"duplicate", 1, []Entry{valid, valid}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.version, tt.entries...)
			assert.Error(t, err)
		})
	}

	assert.Panics(t, func() { MustNew(0, valid) })
}

func TestNew_SortsByRankThenName(t *testing.T) {
	m, err := New(1,
		Entry{Table: "lines", TenantColumn: "shop_id", PrimaryKey: "id", Rank: 1},
		Entry{Table: "orders", TenantColumn: "shop_id", PrimaryKey: "id", Rank: 0},
		Entry{Table: "accounts", TenantColumn: "shop_id", PrimaryKey: "id", Rank: 0},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"accounts", "orders", "lines"}, m.Names())

	_, ok := m.Lookup("missing")
	assert.False(t, ok)
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, IsIdentifier("sale_items"))
	assert.True(t, IsIdentifier("_x1"))
	assert.False(t, IsIdentifier("1abc"))
	assert.False(t, IsIdentifier("name`"))
	assert.False(t, IsIdentifier(""))
}
