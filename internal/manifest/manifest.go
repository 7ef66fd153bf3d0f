// Package manifest declares every tenant-owned table, the column that scopes
// it to a tenant and its foreign-key dependency rank.
//
// The manifest is the single source of truth for backup capture, restore and
// cascading deletion. Adding a tenant-owned table means adding an entry to
// Default and bumping Version; the algorithms never change.
package manifest

import (
	"fmt"
	"regexp"
	"sort"
)

// Version identifies the table set captured into backups. Bump it whenever
// Default changes.
const Version = 3

// Entry describes one tenant-owned table
type Entry struct {
	Table        string `json:"table" yaml:"table"`
	TenantColumn string `json:"tenant_column" yaml:"tenant_column"`
	PrimaryKey   string `json:"primary_key" yaml:"primary_key"`
	// Rank is 0 for tables without tenant-owned parents, otherwise one more
	// than the highest rank among the tables it references.
	Rank int `json:"rank" yaml:"rank"`
}

// Manifest is an immutable, ordered set of entries
type Manifest struct {
	version int
	entries []Entry
	index   map[string]int
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// IsIdentifier reports whether name is safe to use as a bare table or column name
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// New validates the entries and orders them parents first. Entries of equal
// rank are ordered by table name.
func New(version int, entries ...Entry) (*Manifest, error) {
	if version <= 0 {
		return nil, fmt.Errorf("manifest version must be positive, got %d", version)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest must declare at least one table")
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)

	seen := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		if !IsIdentifier(e.Table) {
			return nil, fmt.Errorf("invalid table name %q", e.Table)
		}
		if seen[e.Table] {
			return nil, fmt.Errorf("table %s declared twice", e.Table)
		}
		seen[e.Table] = true
		if !IsIdentifier(e.TenantColumn) {
			return nil, fmt.Errorf("table %s: invalid tenant column %q", e.Table, e.TenantColumn)
		}
		if !IsIdentifier(e.PrimaryKey) {
			return nil, fmt.Errorf("table %s: invalid primary key %q", e.Table, e.PrimaryKey)
		}
		if e.Rank < 0 {
			return nil, fmt.Errorf("table %s: rank must not be negative", e.Table)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].Table < sorted[j].Table
	})

	index := make(map[string]int, len(sorted))
	for i, e := range sorted {
		index[e.Table] = i
	}

	return &Manifest{version: version, entries: sorted, index: index}, nil
}

// MustNew is like New but panics on an invalid declaration
func MustNew(version int, entries ...Entry) *Manifest {
	m, err := New(version, entries...)
	if err != nil {
		panic(err)
	}
	return m
}

// Default returns the manifest of the POS schema
func Default() *Manifest {
	return MustNew(Version,
		Entry{Table: "categories", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 0},
		Entry{Table: "customers", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 0},
		Entry{Table: "suppliers", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 0},
		Entry{Table: "tax_rates", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 0},
		Entry{Table: "users", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 0},
		// products -> categories, suppliers, tax_rates
		Entry{Table: "products", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 1},
		// purchase_orders -> suppliers, users
		Entry{Table: "purchase_orders", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 1},
		// sales -> customers, users
		Entry{Table: "sales", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 1},
		Entry{Table: "payments", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 2},
		Entry{Table: "purchase_order_items", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 2},
		Entry{Table: "sale_items", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 2},
		Entry{Table: "stock_movements", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 2},
		// refunds -> payments, sale_items
		Entry{Table: "refunds", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 3},
	)
}

// Version returns the manifest version
func (m *Manifest) Version() int {
	return m.version
}

// OrderedTables returns the entries parents first (insert order)
func (m *Manifest) OrderedTables() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ReverseTables returns the entries children first (delete order)
func (m *Manifest) ReverseTables() []Entry {
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[len(m.entries)-1-i] = e
	}
	return out
}

// Phases groups entries of equal rank. Tables in one phase have no
// dependency on each other and may be processed concurrently. With reverse
// set the phases run children first.
func (m *Manifest) Phases(reverse bool) [][]Entry {
	var phases [][]Entry
	for _, e := range m.entries {
		n := len(phases)
		if n == 0 || phases[n-1][0].Rank != e.Rank {
			phases = append(phases, []Entry{e})
			continue
		}
		phases[n-1] = append(phases[n-1], e)
	}

	if reverse {
		for i, j := 0, len(phases)-1; i < j; i, j = i+1, j-1 {
			phases[i], phases[j] = phases[j], phases[i]
		}
	}
	return phases
}

// Lookup returns the entry of a table
func (m *Manifest) Lookup(table string) (Entry, bool) {
	i, ok := m.index[table]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Names returns the table names in insert order
func (m *Manifest) Names() []string {
	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.Table
	}
	return names
}

// Len returns the number of manifested tables
func (m *Manifest) Len() int {
	return len(m.entries)
}
