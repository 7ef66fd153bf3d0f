package schema

import (
	"testing"

	"tenant-vault/internal/manifest"
)

func liveTable(name string, columns []string, parents ...string) *Table {
	t := &Table{Name: name, Columns: columns}
	for _, p := range parents {
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{Column: p + "_id", ReferencedTable: p, ReferencedColumn: "id"})
	}
	return t
}

func liveSchema(tables ...*Table) *Schema {
	s := NewSchema()
	for _, t := range tables {
		s.Tables[t.Name] = t
	}
	return s
}

func TestValidator_Validate(t *testing.T) {
	m := manifest.MustNew(1,
		manifest.Entry{Table: "customers", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 0},
		manifest.Entry{Table: "sales", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 1},
	)
	cols := []string{"id", "tenant_id"}

	tests := []struct {
		name      string
		live      *Schema
		wantValid bool
		wantTypes []IssueType
	}{
		{
			name: "matching schema",
			live: liveSchema(
				liveTable("tenants", []string{"id"}),
				liveTable("customers", cols, "tenants"),
				liveTable("sales", cols, "tenants", "customers"),
				liveTable("tenant_backups", cols),
			),
			wantValid: true,
		},
		{
			name:      "missing table",
			live:      liveSchema(liveTable("customers", cols)),
			wantValid: false,
			wantTypes: []IssueType{IssueMissingTable},
		},
		{
			name: "missing columns",
			live: liveSchema(
				liveTable("customers", []string{"id"}),
				liveTable("sales", []string{"tenant_id"}),
			),
			wantValid: false,
			wantTypes: []IssueType{IssueMissingTenantColumn, IssueMissingPrimaryKey},
		},
		{
			name: "parent ranked too high",
			live: liveSchema(
				liveTable("customers", cols, "sales"),
				liveTable("sales", cols),
			),
			wantValid: false,
			wantTypes: []IssueType{IssueRankOrder},
		},
		{
			name: "self reference is allowed",
			live: liveSchema(
				liveTable("customers", cols, "customers"),
				liveTable("sales", cols),
			),
			wantValid: true,
		},
		{
			name: "unmanifested tables only warn",
			live: liveSchema(
				liveTable("customers", cols),
				liveTable("sales", cols, "registers"),
				liveTable("registers", []string{"id"}),
				liveTable("loyalty_cards", cols),
			),
			wantValid: true,
			wantTypes: []IssueType{IssueUnmanifestedParent, IssueUnmanifestedTable},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewValidator().Validate(m, tt.live)
			if report.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (issues %+v)", report.Valid, tt.wantValid, report.Issues)
			}
			if report.TablesChecked != 2 {
				t.Errorf("TablesChecked = %d, want 2", report.TablesChecked)
			}
			if len(report.Issues) != len(tt.wantTypes) {
				t.Fatalf("got %d issues, want %d: %+v", len(report.Issues), len(tt.wantTypes), report.Issues)
			}
			for i, want := range tt.wantTypes {
				if report.Issues[i].Type != want {
					t.Errorf("issue %d type = %s, want %s", i, report.Issues[i].Type, want)
				}
			}
		})
	}
}

func TestTable_Parents(t *testing.T) {
	table := liveTable("refunds", []string{"id"}, "sale_items", "payments", "refunds", "payments")
	got := table.Parents()
	want := []string{"payments", "sale_items"}
	if len(got) != len(want) {
		t.Fatalf("Parents() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Parents()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
