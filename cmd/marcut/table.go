package main

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

// newTable builds a table writer. On a real terminal the rounded style is
// used; redirected output gets a plain, grep-friendly layout.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	if stdoutIsTerminal() {
		t.SetStyle(table.StyleRounded)
	} else {
		style := table.StyleDefault
		style.Options.DrawBorder = false
		style.Options.SeparateColumns = true
		style.Options.SeparateHeader = true
		t.SetStyle(style)
	}
	return t
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// truncate shortens long cell values so the table stays on one line each.
func truncate(value string, max int) string {
	if max <= 0 || text.RuneWidthWithoutEscSequences(value) <= max {
		return value
	}
	return text.Trim(value, max-1) + "…"
}
