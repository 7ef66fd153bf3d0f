package backup

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a backup
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// TableCounts maps a manifested table to its captured row count. It is
// stored as a JSON column.
type TableCounts map[string]int64

// Value implements driver.Valuer
func (c TableCounts) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]int64(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (c *TableCounts) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = TableCounts{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into TableCounts", src)
	}

	counts := TableCounts{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &counts); err != nil {
			return fmt.Errorf("invalid manifest column: %w", err)
		}
	}
	*c = counts
	return nil
}

// Total returns the number of rows across all tables
func (c TableCounts) Total() int64 {
	var total int64
	for _, n := range c {
		total += n
	}
	return total
}

// Backup is one capture of a tenant's rows. A complete backup is never
// modified again.
type Backup struct {
	ID              string      `db:"id" json:"id"`
	TenantID        int64       `db:"tenant_id" json:"tenant_id"`
	CreatedBy       int64       `db:"created_by" json:"created_by"`
	IsAutomatic     bool        `db:"is_automatic" json:"is_automatic"`
	Status          Status      `db:"status" json:"status"`
	PayloadRef      string      `db:"payload_ref" json:"payload_ref,omitempty"`
	Manifest        TableCounts `db:"manifest" json:"manifest"`
	ManifestVersion int         `db:"manifest_version" json:"manifest_version"`
	SizeBytes       int64       `db:"size_bytes" json:"size_bytes"`
	Checksum        string      `db:"checksum" json:"checksum,omitempty"`
	ErrorMessage    *string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	CompletedAt     *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// Restorable reports whether the backup can back a restore point
func (b *Backup) Restorable() bool {
	return b.Status == StatusComplete && b.PayloadRef != ""
}

// Stats aggregates backup records
type Stats struct {
	Total      int64      `db:"total" json:"total"`
	Automatic  int64      `db:"automatic" json:"automatic"`
	Manual     int64      `db:"manual" json:"manual"`
	Complete   int64      `db:"complete" json:"complete"`
	Failed     int64      `db:"failed" json:"failed"`
	InProgress int64      `db:"in_progress" json:"in_progress"`
	TotalBytes int64      `db:"total_bytes" json:"total_bytes"`
	NewestAt   *time.Time `db:"-" json:"newest_at,omitempty"`
}

// VerifyReport is the result of an integrity check of a stored backup
type VerifyReport struct {
	BackupID      string      `json:"backup_id"`
	TenantID      int64       `json:"tenant_id"`
	ChecksumValid bool        `json:"checksum_valid"`
	CountsMatch   bool        `json:"counts_match"`
	Counts        TableCounts `json:"counts"`
	Errors        []string    `json:"errors,omitempty"`
}

// Valid reports whether every check passed
func (r *VerifyReport) Valid() bool {
	return r.ChecksumValid && r.CountsMatch && len(r.Errors) == 0
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
