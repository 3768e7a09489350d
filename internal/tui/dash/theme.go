// Package dash implements the benchtop dashboard TUI: a live job table
// fed by the daemon over the unix socket, plus a diagnostics pane fed by
// the recipe-analysis server.
package dash

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the dashboard.
// Even with a single default theme, this keeps all colors in one place
// and makes future theme support trivial.
type Theme struct {
	// Job status colors
	StatusQueued    lipgloss.Style
	StatusRunning   lipgloss.Style
	StatusSucceeded lipgloss.Style
	StatusFailed    lipgloss.Style
	StatusCanceled  lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	// Diagnostics
	DiagError   lipgloss.Style
	DiagWarning lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusCanceled:  lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		DiagError:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		DiagWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

func (t Theme) statusStyle(status string) lipgloss.Style {
	switch status {
	case "queued":
		return t.StatusQueued
	case "running":
		return t.StatusRunning
	case "succeeded":
		return t.StatusSucceeded
	case "failed":
		return t.StatusFailed
	case "canceled":
		return t.StatusCanceled
	default:
		return t.Dim
	}
}
