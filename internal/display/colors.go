// Package display renders command results as colored text, tables, JSON or
// YAML.
package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color names a terminal color
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorCyan
	ColorWhite
	ColorBold
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
)

// Theme maps message roles to colors
type Theme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// DarkTheme suits dark terminals
func DarkTheme() Theme {
	return Theme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// LightTheme suits light terminals
func LightTheme() Theme {
	return Theme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorReset,
	}
}

// PlainTheme uses no colors
func PlainTheme() Theme {
	return Theme{}
}

// ThemeByName returns the named theme, dark by default
func ThemeByName(name string) Theme {
	switch name {
	case "light":
		return LightTheme()
	case "plain", "none":
		return PlainTheme()
	default:
		return DarkTheme()
	}
}

// Palette applies colors when the output supports them
type Palette struct {
	enabled bool
	colors  map[Color]*color.Color
}

// NewPalette creates a palette for w. Colors are used only when enabled is
// set and w is a color capable terminal.
func NewPalette(w io.Writer, enabled bool) *Palette {
	p := &Palette{
		enabled: enabled && colorSupported(w),
		colors: map[Color]*color.Color{
			ColorReset:        color.New(color.Reset),
			ColorRed:          color.New(color.FgRed),
			ColorGreen:        color.New(color.FgGreen),
			ColorYellow:       color.New(color.FgYellow),
			ColorBlue:         color.New(color.FgBlue),
			ColorCyan:         color.New(color.FgCyan),
			ColorWhite:        color.New(color.FgWhite),
			ColorBold:         color.New(color.Bold),
			ColorBrightRed:    color.New(color.FgHiRed),
			ColorBrightGreen:  color.New(color.FgHiGreen),
			ColorBrightYellow: color.New(color.FgHiYellow),
			ColorBrightBlue:   color.New(color.FgHiBlue),
		},
	}
	for _, c := range p.colors {
		if p.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func colorSupported(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

// Enabled reports whether colors are applied
func (p *Palette) Enabled() bool {
	return p.enabled
}

// Colorize wraps text in c
func (p *Palette) Colorize(text string, c Color) string {
	if !p.enabled || c == ColorReset {
		return text
	}
	if fn, ok := p.colors[c]; ok {
		return fn.Sprint(text)
	}
	return text
}

// Sprintf formats and colors text
func (p *Palette) Sprintf(c Color, format string, args ...interface{}) string {
	return p.Colorize(fmt.Sprintf(format, args...), c)
}
