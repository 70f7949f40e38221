package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) printer {
	p := printer{w: w}
	if f, ok := w.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		p.color = isatty.IsTerminal(f.Fd())
	}
	return p
}

func (p printer) colorize(color, text string) string {
	if !p.color {
		return text
	}
	return color + text + colorReset
}

func (p printer) success(format string, args ...any) {
	fmt.Fprintln(p.w, p.colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func (p printer) failure(format string, args ...any) {
	fmt.Fprintln(p.w, p.colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func (p printer) warning(format string, args ...any) {
	fmt.Fprintln(p.w, p.colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func (p printer) status(label, format string, args ...any) {
	fmt.Fprintf(p.w, "  %s %s\n", p.colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
