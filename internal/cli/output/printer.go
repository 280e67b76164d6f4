package output

import (
	"fmt"
	"io"
)

// ANSI colors accepted by Colorize.
const (
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	colorReset  = "\033[0m"
)

// Printer writes status messages, colored when enabled.
type Printer struct {
	out   io.Writer
	color bool
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer, color bool) *Printer {
	return &Printer{out: out, color: color}
}

// Success prints msg in green.
func (p *Printer) Success(msg string) { p.line(ColorGreen, msg) }

// Warning prints msg in yellow.
func (p *Printer) Warning(msg string) { p.line(ColorYellow, msg) }

// Error prints msg in red.
func (p *Printer) Error(msg string) { p.line(ColorRed, msg) }

// Colorize wraps s in the given color when color is enabled.
func (p *Printer) Colorize(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + colorReset
}

func (p *Printer) line(color, msg string) {
	_, _ = fmt.Fprintln(p.out, p.Colorize(color, msg))
}
