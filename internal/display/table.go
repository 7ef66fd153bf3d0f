package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle defines table border characters
type BorderStyle struct {
	Corner     string
	Horizontal string
	Vertical   string
}

var (
	ASCIIBorderStyle   = BorderStyle{Corner: "+", Horizontal: "-", Vertical: "|"}
	RoundedBorderStyle = BorderStyle{Corner: "┼", Horizontal: "─", Vertical: "│"}
)

// Table renders rows under a header line
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	border     BorderStyle
	padding    int
	maxWidth   int
	palette    *Palette
	headerTint Color
}

// NewTable creates a table with the given headers
func NewTable(headers ...string) *Table {
	return &Table{
		headers:    headers,
		alignments: map[int]Alignment{},
		border:     ASCIIBorderStyle,
		padding:    1,
	}
}

// AddRow appends a row; missing cells render empty
func (t *Table) AddRow(cells ...string) *Table {
	t.rows = append(t.rows, cells)
	return t
}

// AlignRight right-aligns the given columns, used for counts
func (t *Table) AlignRight(columns ...int) *Table {
	for _, c := range columns {
		t.alignments[c] = AlignRight
	}
	return t
}

// SetMaxWidth truncates cells so lines fit width; zero disables the limit
func (t *Table) SetMaxWidth(width int) *Table {
	t.maxWidth = width
	return t
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table
func (t *Table) Render() string {
	widths := t.columnWidths()
	if len(widths) == 0 {
		return ""
	}

	var b strings.Builder
	line := t.separator(widths)
	b.WriteString(line)
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true))
		b.WriteString(line)
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false))
	}
	b.WriteString(line)
	return b.String()
}

// RenderTo writes the table to w
func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnWidths() []int {
	cols := len(t.headers)
	for _, row := range t.rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	widths := make([]int, cols)
	measure := func(row []string) {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}

	if t.maxWidth > 0 {
		// shrink the widest column until the table fits
		for t.totalWidth(widths) > t.maxWidth {
			widest := 0
			for i := range widths {
				if widths[i] > widths[widest] {
					widest = i
				}
			}
			if widths[widest] <= 4 {
				break
			}
			widths[widest]--
		}
	}
	return widths
}

func (t *Table) totalWidth(widths []int) int {
	total := len(widths) + 1
	for _, w := range widths {
		total += w + 2*t.padding
	}
	return total
}

func (t *Table) separator(widths []int) string {
	var b strings.Builder
	b.WriteString(t.border.Corner)
	for _, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w+2*t.padding))
		b.WriteString(t.border.Corner)
	}
	b.WriteString("\n")
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var b strings.Builder
	b.WriteString(t.border.Vertical)
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		cell = fit(cell, w, t.alignments[i])
		if header && t.palette != nil {
			cell = t.palette.Colorize(cell, t.headerTint)
		}
		pad := strings.Repeat(" ", t.padding)
		b.WriteString(pad + cell + pad)
		b.WriteString(t.border.Vertical)
	}
	b.WriteString("\n")
	return b.String()
}

func fit(content string, width int, alignment Alignment) string {
	n := utf8.RuneCountInString(content)
	if n > width {
		runes := []rune(content)
		if width > 3 {
			return string(runes[:width-3]) + "..."
		}
		return string(runes[:width])
	}
	gap := strings.Repeat(" ", width-n)
	if alignment == AlignRight {
		return gap + content
	}
	return content + gap
}

// TerminalWidth returns the width of the terminal on stdout, or zero when
// stdout is not a terminal
func TerminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return width
}
