package main

import (
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// palette colours terminal output. Colours are off unless w is a terminal.
type palette struct {
	address *color.Color
	name    *color.Color
	dim     *color.Color
	label   *color.Color
	warn    *color.Color
}

func newPalette(w io.Writer) palette {
	p := palette{
		address: color.New(color.FgCyan, color.Bold),
		name:    color.New(color.FgGreen),
		dim:     color.New(color.Faint),
		label:   color.New(color.Bold),
		warn:    color.New(color.FgYellow),
	}
	enabled := isTerminal(w)
	for _, c := range []*color.Color{p.address, p.name, p.dim, p.label, p.warn} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
