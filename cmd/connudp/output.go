package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// styles colours ping output when stdout is a terminal.
type styles struct {
	ok      lipgloss.Style
	fail    lipgloss.Style
	heading lipgloss.Style
}

func newStyles() styles {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		plain := lipgloss.NewStyle()
		return styles{ok: plain, fail: plain, heading: plain}
	}
	return styles{
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		fail:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		heading: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
	}
}
