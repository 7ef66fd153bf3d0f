package snapshot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/manifest"
)

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	return manifest.MustNew(1,
		manifest.Entry{Table: "products", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 0},
		manifest.Entry{Table: "sales", TenantColumn: "tenant_id", PrimaryKey: "id", Rank: 1},
	)
}

func sampleSnapshot(tenantID int64) *Snapshot {
	s := New(tenantID, 1)
	s.Tables = []*Table{
		{
			Name:    "products",
			Columns: []string{"id", "tenant_id", "name", "price", "image", "updated_at"},
			Rows: [][]Value{
				{{V: int64(1)}, {V: tenantID}, {V: "Coffee"}, {V: 3.5}, {V: []byte{0xff, 0x00, 0x10}}, {V: time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)}},
				{{V: int64(2)}, {V: tenantID}, {V: "Tea"}, {V: int64(2)}, {V: nil}, {V: nil}},
			},
		},
		{
			Name:    "sales",
			Columns: []string{"id", "tenant_id", "total"},
			Rows:    [][]Value{{{V: int64(10)}, {V: tenantID}, {V: 5.5}}},
		},
	}
	return s
}

func TestValue_JSONRoundTrip(t *testing.T) {
	ts := time.Date(2026, 10, 17, 8, 30, 0, 123456789, time.UTC)
	values := []Value{
		{V: nil},
		{V: "text with {\"$b64\": 1}"},
		{V: true},
		{V: int64(9007199254740993)}, // beyond float64 precision
		{V: 12.75},
		{V: []byte{0x00, 0xfe, 0x80}},
		{V: ts},
	}

	data, err := json.Marshal(values)
	require.NoError(t, err)

	var decoded []Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, len(values))

	assert.Nil(t, decoded[0].V)
	assert.Equal(t, values[1].V, decoded[1].V)
	assert.Equal(t, true, decoded[2].V)
	assert.Equal(t, int64(9007199254740993), decoded[3].V)
	assert.Equal(t, 12.75, decoded[4].V)
	assert.Equal(t, []byte{0x00, 0xfe, 0x80}, decoded[5].V)
	assert.True(t, ts.Equal(decoded[6].V.(time.Time)))
}

func TestValue_IntegralFloatsStayFloats(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		json string
		want interface{}
	}{
		{"integral float64", 5.0, "5.0", 5.0},
		{"zero float64", 0.0, "0.0", 0.0},
		{"negative integral float64", -42.0, "-42.0", -42.0},
		{"large float64", 1e21, "1e+21", 1e21},
		{"float32", float32(3), "3.0", 3.0},
		{"int64", int64(5), "5", int64(5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(Value{V: tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.json, string(data))

			var decoded Value
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.want, decoded.V)
		})
	}
}

func TestValue_UnmarshalRejectsUnknownObjects(t *testing.T) {
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"other": 1}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"$time": "yesterday"}`), &v))
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "12.50", NormalizeValue([]byte("12.50")).V)
	assert.Equal(t, []byte{0xff, 0xfe}, NormalizeValue([]byte{0xff, 0xfe}).V)
	assert.Equal(t, int64(7), NormalizeValue(int64(7)).V)

	src := []byte{0xff}
	v := NormalizeValue(src)
	src[0] = 0x00
	assert.Equal(t, []byte{0xff}, v.V, "captured bytes must not alias the scan buffer")
}

func TestAsInt64(t *testing.T) {
	tests := []struct {
		in   interface{}
		want int64
		ok   bool
	}{
		{int64(42), 42, true},
		{42, 42, true},
		{int32(42), 42, true},
		{uint64(42), 42, true},
		{float64(42), 42, true},
		{42.5, 0, false},
		{json.Number("42"), 42, true},
		{"42", 42, true},
		{[]byte("42"), 42, true},
		{"forty-two", 0, false},
		{nil, 0, false},
	}

	for _, tt := range tests {
		got, ok := AsInt64(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "%#v", tt.in)
		}
	}
}

func TestSnapshot_CountsAndLookup(t *testing.T) {
	s := sampleSnapshot(42)

	assert.Equal(t, map[string]int64{"products": 2, "sales": 1}, s.Counts())
	assert.Equal(t, int64(3), s.TotalRows())

	table, ok := s.Table("sales")
	require.True(t, ok)
	assert.Equal(t, 2, table.ColumnIndex("total"))
	assert.Equal(t, -1, table.ColumnIndex("missing"))

	_, ok = s.Table("refunds")
	assert.False(t, ok)
}

func TestSnapshot_Validate(t *testing.T) {
	m := testManifest(t)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, sampleSnapshot(42).Validate(m, 42))
	})

	t.Run("snapshot of another tenant", func(t *testing.T) {
		err := sampleSnapshot(42).Validate(m, 43)
		assert.True(t, apperrors.Is(err, apperrors.ErrorTypeTenantIsolation))
	})

	t.Run("foreign row", func(t *testing.T) {
		s := sampleSnapshot(42)
		s.Tables[1].Rows[0][1] = Value{V: int64(7)}
		err := s.Validate(m, 42)
		assert.True(t, apperrors.Is(err, apperrors.ErrorTypeTenantIsolation))
	})

	t.Run("null tenant value", func(t *testing.T) {
		s := sampleSnapshot(42)
		s.Tables[0].Rows[1][1] = Value{V: nil}
		assert.True(t, apperrors.Is(s.Validate(m, 42), apperrors.ErrorTypeTenantIsolation))
	})

	cases := map[string]func(s *Snapshot){
		"unknown table":      func(s *Snapshot) { s.Tables[0].Name = "secrets" },
		"duplicate table":    func(s *Snapshot) { s.Tables[1].Name = "products" },
		"injected column":    func(s *Snapshot) { s.Tables[0].Columns[2] = "name = 1; DROP TABLE x; --" },
		"duplicate column":   func(s *Snapshot) { s.Tables[1].Columns[2] = "id" },
		"missing tenant col": func(s *Snapshot) { s.Tables[1].Columns[1] = "shop_id" },
		"missing pk":         func(s *Snapshot) { s.Tables[1].Columns[0] = "sale_id" },
		"short row":          func(s *Snapshot) { s.Tables[1].Rows[0] = s.Tables[1].Rows[0][:2] },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := sampleSnapshot(42)
			mutate(s)
			assert.True(t, apperrors.Is(s.Validate(m, 42), apperrors.ErrorTypeValidation))
		})
	}
}
