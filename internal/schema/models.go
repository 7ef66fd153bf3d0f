// Package schema reads the live shape of the row store and checks it against
// the table manifest.
package schema

import "sort"

// Table is the live shape of one table
type Table struct {
	Name        string       `json:"name"`
	Columns     []string     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// ForeignKey is one referencing column
type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// NewTable creates an empty table
func NewTable(name string) *Table {
	return &Table{Name: name}
}

// HasColumn reports whether the table has the named column
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Parents returns the distinct referenced tables, sorted, excluding the table itself
func (t *Table) Parents() []string {
	seen := make(map[string]bool)
	var parents []string
	for _, fk := range t.ForeignKeys {
		if fk.ReferencedTable == t.Name || seen[fk.ReferencedTable] {
			continue
		}
		seen[fk.ReferencedTable] = true
		parents = append(parents, fk.ReferencedTable)
	}
	sort.Strings(parents)
	return parents
}

// Schema maps table names to their live shape
type Schema struct {
	Tables map[string]*Table `json:"tables"`
}

// NewSchema creates an empty schema
func NewSchema() *Schema {
	return &Schema{Tables: make(map[string]*Table)}
}

func (s *Schema) table(name string) *Table {
	t, ok := s.Tables[name]
	if !ok {
		t = NewTable(name)
		s.Tables[name] = t
	}
	return t
}
