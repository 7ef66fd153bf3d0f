package schema

import (
	"fmt"
	"sort"

	"tenant-vault/internal/manifest"
)

// IssueType classifies a mismatch between the manifest and the live schema
type IssueType string

const (
	IssueMissingTable        IssueType = "missing_table"
	IssueMissingTenantColumn IssueType = "missing_tenant_column"
	IssueMissingPrimaryKey   IssueType = "missing_primary_key"
	IssueRankOrder           IssueType = "rank_order"
	IssueUnmanifestedParent  IssueType = "unmanifested_parent"
	IssueUnmanifestedTable   IssueType = "unmanifested_table"
)

// Severity says whether an issue breaks backup, restore or deletion
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of a manifest check
type Issue struct {
	Type     IssueType `json:"type"`
	Severity Severity  `json:"severity"`
	Table    string    `json:"table"`
	Column   string    `json:"column,omitempty"`
	Message  string    `json:"message"`
}

// Report is the outcome of checking a manifest against a live schema
type Report struct {
	ManifestVersion int     `json:"manifest_version"`
	TablesChecked   int     `json:"tables_checked"`
	Valid           bool    `json:"valid"`
	Issues          []Issue `json:"issues"`
}

// Errors returns the issues of error severity
func (r *Report) Errors() []Issue {
	var errs []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			errs = append(errs, i)
		}
	}
	return errs
}

// Validator checks the manifest against a live schema
type Validator struct {
	// TenantsTable is the tenant directory; references to it are expected
	TenantsTable string
	// Ignore lists tables that are neither tenant-owned nor referenced, such
	// as the engine's own bookkeeping tables.
	Ignore map[string]bool
}

// NewValidator creates a validator for the POS store
func NewValidator() *Validator {
	return &Validator{
		TenantsTable: "tenants",
		Ignore: map[string]bool{
			"tenant_backups":        true,
			"tenant_restore_points": true,
			"schema_migrations":     true,
		},
	}
}

// Validate reports every manifested table that is missing, lacks its tenant or
// primary key column, or references a parent the manifest ranks no lower.
// Tables with a tenant column that the manifest omits are warned about since
// deletion would leave their rows behind.
func (v *Validator) Validate(m *manifest.Manifest, live *Schema) *Report {
	report := &Report{ManifestVersion: m.Version(), Issues: []Issue{}}

	for _, entry := range m.OrderedTables() {
		report.TablesChecked++
		table, ok := live.Tables[entry.Table]
		if !ok {
			report.add(Issue{
				Type: IssueMissingTable, Severity: SeverityError, Table: entry.Table,
				Message: fmt.Sprintf("table '%s' does not exist", entry.Table),
			})
			continue
		}
		if !table.HasColumn(entry.TenantColumn) {
			report.add(Issue{
				Type: IssueMissingTenantColumn, Severity: SeverityError, Table: entry.Table, Column: entry.TenantColumn,
				Message: fmt.Sprintf("tenant column '%s' does not exist", entry.TenantColumn),
			})
		}
		if !table.HasColumn(entry.PrimaryKey) {
			report.add(Issue{
				Type: IssueMissingPrimaryKey, Severity: SeverityError, Table: entry.Table, Column: entry.PrimaryKey,
				Message: fmt.Sprintf("primary key '%s' does not exist", entry.PrimaryKey),
			})
		}

		for _, parent := range table.Parents() {
			if parent == v.TenantsTable {
				continue
			}
			parentEntry, ok := m.Lookup(parent)
			if !ok {
				report.add(Issue{
					Type: IssueUnmanifestedParent, Severity: SeverityWarning, Table: entry.Table,
					Message: fmt.Sprintf("references '%s', which the manifest does not declare", parent),
				})
				continue
			}
			if parentEntry.Rank >= entry.Rank {
				report.add(Issue{
					Type: IssueRankOrder, Severity: SeverityError, Table: entry.Table,
					Message: fmt.Sprintf("rank %d must be above the rank %d of its parent '%s'", entry.Rank, parentEntry.Rank, parent),
				})
			}
		}
	}

	for _, name := range sortedNames(live) {
		if name == v.TenantsTable || v.Ignore[name] {
			continue
		}
		if _, ok := m.Lookup(name); ok {
			continue
		}
		for _, e := range m.OrderedTables() {
			if live.Tables[name].HasColumn(e.TenantColumn) {
				report.add(Issue{
					Type: IssueUnmanifestedTable, Severity: SeverityWarning, Table: name, Column: e.TenantColumn,
					Message: fmt.Sprintf("has column '%s' but is not in the manifest", e.TenantColumn),
				})
				break
			}
		}
	}

	report.Valid = len(report.Errors()) == 0
	return report
}

func (r *Report) add(issue Issue) {
	r.Issues = append(r.Issues, issue)
}

func sortedNames(s *Schema) []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
