package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// ANSI 256 colour codes, rendered plain when stdout is not a terminal.
var (
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
)

// label pads a field name so values line up in the CLI's key/value output.
func label(name string) string {
	return gray.Render(fmt.Sprintf("%-9s", name))
}
