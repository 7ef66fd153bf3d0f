package display

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTable_Render(t *testing.T) {
	table := NewTable("TABLE", "ROWS").AlignRight(1)
	table.AddRow("products", "10").AddRow("sale_items", "3")

	want := strings.Join([]string{
		"+------------+------+",
		"| TABLE      | ROWS |",
		"+------------+------+",
		"| products   |   10 |",
		"| sale_items |    3 |",
		"+------------+------+",
		"",
	}, "\n")
	assert.Equal(t, want, table.Render())
	assert.Equal(t, 2, table.Len())
}

func TestTable_TruncatesToMaxWidth(t *testing.T) {
	table := NewTable("ID", "NAME").SetMaxWidth(24)
	table.AddRow("1", "a very long restore point name")

	for _, line := range strings.Split(strings.TrimSpace(table.Render()), "\n") {
		assert.LessOrEqual(t, len([]rune(line)), 24, line)
	}
	assert.Contains(t, table.Render(), "...")
}

func TestTable_Empty(t *testing.T) {
	assert.Empty(t, NewTable().Render())
}

func TestPalette_DisabledForBuffers(t *testing.T) {
	p := NewPalette(&bytes.Buffer{}, true)
	assert.False(t, p.Enabled())
	assert.Equal(t, "plain", p.Colorize("plain", ColorRed))
	assert.Equal(t, "n=3", p.Sprintf(ColorGreen, "n=%d", 3))
}

func TestThemeByName(t *testing.T) {
	assert.Equal(t, DarkTheme(), ThemeByName(""))
	assert.Equal(t, LightTheme(), ThemeByName("light"))
	assert.Equal(t, PlainTheme(), ThemeByName("none"))
}

type result struct {
	TenantID int64  `json:"tenant_id"`
	Status   string `json:"status"`
}

func TestPrinter_Render(t *testing.T) {
	data := result{TenantID: 42, Status: "complete"}

	tests := []struct {
		format OutputFormat
		want   string
	}{
		{FormatJSON, "{\n  \"tenant_id\": 42,\n  \"status\": \"complete\"\n}\n"},
		{FormatYAML, "status: complete\ntenant_id: 42\n"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var out, errOut bytes.Buffer
			p := NewPrinter(Config{Format: tt.format, Out: &out, Err: &errOut})
			p.Success("backup created")

			called := false
			require.NoError(t, p.Render(data, func() { called = true }))
			assert.False(t, called)
			assert.Equal(t, tt.want, out.String())
			assert.Contains(t, errOut.String(), "backup created")
		})
	}
}

func TestPrinter_TableFormat(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(Config{Out: &out, Err: &errOut, Color: true})
	assert.False(t, p.Structured())

	require.NoError(t, p.Render(nil, func() {
		p.Header("Backups")
		p.Fields(Field{Key: "Tenant", Value: "42"}, Field{Key: "Status", Value: "complete"})
		table := p.NewTable("ID")
		table.AddRow("b-1")
		p.Table(table)
	}))
	p.Error("store unavailable")

	assert.Contains(t, out.String(), "Backups\n=======")
	assert.Contains(t, out.String(), "Tenant:  42")
	assert.Contains(t, out.String(), "| b-1 |")
	assert.Contains(t, errOut.String(), "✗ store unavailable")
	assert.NotContains(t, out.String(), "\x1b[")
}
