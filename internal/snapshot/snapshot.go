// Package snapshot holds the captured rows of one tenant and the codec that
// turns them into an opaque, checksummed payload.
package snapshot

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/manifest"
)

// FormatVersion is the version of the JSON row layout
const FormatVersion = 1

// Snapshot is every captured row of one tenant, grouped per manifested table
type Snapshot struct {
	FormatVersion   int       `json:"format_version"`
	TenantID        int64     `json:"tenant_id"`
	ManifestVersion int       `json:"manifest_version"`
	CapturedAt      time.Time `json:"captured_at"`
	Tables          []*Table  `json:"tables"`
}

// Table holds the rows of one table in column order
type Table struct {
	Name    string    `json:"name"`
	Columns []string  `json:"columns"`
	Rows    [][]Value `json:"rows"`
}

// New creates an empty snapshot for a tenant
func New(tenantID int64, manifestVersion int) *Snapshot {
	return &Snapshot{
		FormatVersion:   FormatVersion,
		TenantID:        tenantID,
		ManifestVersion: manifestVersion,
		CapturedAt:      time.Now().UTC(),
	}
}

// Table returns the captured table with the given name
func (s *Snapshot) Table(name string) (*Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Counts returns the captured row count per table
func (s *Snapshot) Counts() map[string]int64 {
	counts := make(map[string]int64, len(s.Tables))
	for _, t := range s.Tables {
		counts[t.Name] = int64(len(t.Rows))
	}
	return counts
}

// TotalRows returns the number of captured rows across all tables
func (s *Snapshot) TotalRows() int64 {
	var total int64
	for _, t := range s.Tables {
		total += int64(len(t.Rows))
	}
	return total
}

// ColumnIndex returns the position of a column or -1
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Validate checks the snapshot against the manifest before anything is
// written back. Structural problems are validation errors; any row carrying
// a tenant id other than tenantID is a tenant isolation violation.
func (s *Snapshot) Validate(m *manifest.Manifest, tenantID int64) error {
	if s.TenantID != tenantID {
		return apperrors.NewTenantIsolationError(
			"snapshot belongs to tenant %d, not tenant %d", s.TenantID, tenantID)
	}

	seen := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		entry, ok := m.Lookup(t.Name)
		if !ok {
			return apperrors.NewValidationError("snapshot table %q is not in the manifest", t.Name)
		}
		if seen[t.Name] {
			return apperrors.NewValidationError("snapshot table %q appears twice", t.Name)
		}
		seen[t.Name] = true

		columns := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if !manifest.IsIdentifier(c) {
				return apperrors.NewValidationError("table %s: invalid column name %q", t.Name, c)
			}
			if columns[c] {
				return apperrors.NewValidationError("table %s: duplicate column %q", t.Name, c)
			}
			columns[c] = true
		}

		tenantIdx := t.ColumnIndex(entry.TenantColumn)
		if len(t.Rows) > 0 && tenantIdx < 0 {
			return apperrors.NewValidationError("table %s: tenant column %s missing", t.Name, entry.TenantColumn)
		}
		if len(t.Rows) > 0 && t.ColumnIndex(entry.PrimaryKey) < 0 {
			return apperrors.NewValidationError("table %s: primary key %s missing", t.Name, entry.PrimaryKey)
		}

		for i, row := range t.Rows {
			if len(row) != len(t.Columns) {
				return apperrors.NewValidationError("table %s row %d: %d values for %d columns",
					t.Name, i, len(row), len(t.Columns))
			}
			if !SameTenant(row[tenantIdx].V, tenantID) {
				return apperrors.NewTenantIsolationError(
					"table %s row %d carries tenant id %v, expected %d", t.Name, i, row[tenantIdx].V, tenantID)
			}
		}
	}
	return nil
}

// SameTenant reports whether a captured tenant column value equals tenantID
func SameTenant(v interface{}, tenantID int64) bool {
	id, ok := AsInt64(v)
	return ok && id == tenantID
}

// AsInt64 converts the integer representations drivers return
func AsInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Value is one captured cell. Byte strings and timestamps are tagged in JSON
// so they survive the round trip with their driver types.
type Value struct {
	V interface{}
}

// NormalizeValue converts a scanned driver value into its captured form.
// Byte slices holding valid UTF-8 become strings; anything else stays binary.
func NormalizeValue(v interface{}) Value {
	if b, ok := v.([]byte); ok {
		if utf8.Valid(b) {
			return Value{V: string(b)}
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		return Value{V: cp}
	}
	return Value{V: v}
}

type taggedBytes struct {
	Bytes string `json:"$b64"`
}

type taggedTime struct {
	Time string `json:"$time"`
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch x := v.V.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return json.Marshal(taggedBytes{Bytes: base64.StdEncoding.EncodeToString(x)})
	case time.Time:
		return json.Marshal(taggedTime{Time: x.Format(time.RFC3339Nano)})
	case float64, float32:
		return marshalFloat(x)
	default:
		return json.Marshal(x)
	}
}

// marshalFloat keeps a fraction or exponent on every float so integral
// values such as 5.0 decode as float64 rather than int64
func marshalFloat(f interface{}) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return b, nil
}

// UnmarshalJSON implements json.Unmarshaler. Numbers written without a
// fraction or exponent decode to int64, all others to float64.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	switch x := raw.(type) {
	case nil, string, bool:
		v.V = x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			v.V = i
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", x, err)
		}
		v.V = f
	case map[string]interface{}:
		if s, ok := x["$b64"].(string); ok && len(x) == 1 {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return fmt.Errorf("invalid binary value: %w", err)
			}
			v.V = b
			return nil
		}
		if s, ok := x["$time"].(string); ok && len(x) == 1 {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("invalid timestamp value: %w", err)
			}
			v.V = t
			return nil
		}
		return fmt.Errorf("unsupported object value")
	default:
		return fmt.Errorf("unsupported value of type %T", raw)
	}
	return nil
}
