package tui

import "github.com/charmbracelet/lipgloss"

var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle  = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#2D6CDF")).
			Padding(0, 1).
			Bold(true)
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F56"))
	boxStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2D6CDF")).
			Padding(0, 1)
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FAFAFA")).
				Bold(true).
				Underline(true)

	// row and total styles by resolution state
	selectedRowStyle = lipgloss.NewStyle().Bold(true)
	pendingRowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	partialStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFBD2E"))
)
