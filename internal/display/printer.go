package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat parses an --output value
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("invalid output format %q, must be table, json or yaml", s)
	}
}

// Config configures a Printer
type Config struct {
	Format OutputFormat
	Color  bool
	Theme  string
	Out    io.Writer
	Err    io.Writer
}

// Printer writes command results. Structured formats write only the result
// document to Out; messages then go to Err.
type Printer struct {
	format  OutputFormat
	out     io.Writer
	err     io.Writer
	palette *Palette
	theme   Theme
}

// NewPrinter creates a printer
func NewPrinter(config Config) *Printer {
	if config.Out == nil {
		config.Out = os.Stdout
	}
	if config.Err == nil {
		config.Err = os.Stderr
	}
	if config.Format == "" {
		config.Format = FormatTable
	}
	return &Printer{
		format:  config.Format,
		out:     config.Out,
		err:     config.Err,
		palette: NewPalette(config.Out, config.Color),
		theme:   ThemeByName(config.Theme),
	}
}

// Format returns the output format
func (p *Printer) Format() OutputFormat {
	return p.format
}

// Structured reports whether results are written as JSON or YAML
func (p *Printer) Structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

func (p *Printer) messages() io.Writer {
	if p.Structured() {
		return p.err
	}
	return p.out
}

func (p *Printer) message(c Color, prefix, format string, args ...interface{}) {
	fmt.Fprintln(p.messages(), p.palette.Colorize(prefix+" "+fmt.Sprintf(format, args...), c))
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	p.message(p.theme.Success, "✓", format, args...)
}

// Warning prints a warning
func (p *Printer) Warning(format string, args ...interface{}) {
	p.message(p.theme.Warning, "⚠", format, args...)
}

// Info prints an informational message
func (p *Printer) Info(format string, args ...interface{}) {
	p.message(p.theme.Info, "ℹ", format, args...)
}

// Error prints an error to the error writer
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.err, p.palette.Colorize("✗ "+fmt.Sprintf(format, args...), p.theme.Error))
}

// Prompt writes an input prompt without a trailing newline
func (p *Printer) Prompt(text string) {
	fmt.Fprint(p.messages(), text)
}

// Header prints a section title
func (p *Printer) Header(title string) {
	w := p.messages()
	fmt.Fprintln(w, p.palette.Colorize(title, p.theme.Primary))
	fmt.Fprintln(w, strings.Repeat("=", len([]rune(title))))
}

// Field is one labelled value
type Field struct {
	Key   string
	Value string
}

// Fields prints aligned key value pairs
func (p *Printer) Fields(fields ...Field) {
	width := 0
	for _, f := range fields {
		if len(f.Key)+1 > width {
			width = len(f.Key) + 1
		}
	}
	w := p.messages()
	for _, f := range fields {
		fmt.Fprintf(w, "  %s  %s\n", p.palette.Colorize(fmt.Sprintf("%-*s", width, f.Key+":"), p.theme.Muted), f.Value)
	}
}

// NewTable creates a table sized for the terminal with tinted headers
func (p *Printer) NewTable(headers ...string) *Table {
	t := NewTable(headers...)
	t.palette = p.palette
	t.headerTint = p.theme.Primary
	if width := TerminalWidth(); width > 0 {
		t.SetMaxWidth(width)
	}
	return t
}

// Table writes a table to Out, or to Err next to the messages when the
// result itself is structured
func (p *Printer) Table(t *Table) {
	t.RenderTo(p.messages())
}

// Render writes data as JSON or YAML in the structured formats and calls
// table otherwise
func (p *Printer) Render(data interface{}, table func()) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return fmt.Errorf("failed to encode JSON output: %w", err)
		}
	case FormatYAML:
		// go through JSON so both formats share the json field names
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode YAML output: %w", err)
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to encode YAML output: %w", err)
		}
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode YAML output: %w", err)
		}
		return enc.Close()
	default:
		table()
	}
	return nil
}
