package dash

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func (m *Model) View() string {
	if m.width == 0 {
		return "Starting benchtop..."
	}

	parts := []string{
		m.renderHeader(),
		m.theme.Border.Render(m.jobTable.View()),
	}
	if m.recipePath != "" && m.analyzer != nil {
		parts = append(parts, m.renderDiagnostics())
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [r] Refresh • [s] Submit Recipe • [c] Cancel Job • [↑/↓] Navigate"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m *Model) renderHeader() string {
	conn := m.theme.StatusFailed.Render("● offline")
	if m.connected {
		conn = m.theme.StatusSucceeded.Render("● connected")
	}

	analysisLabel := m.theme.Dim.Render("analysis: " + m.analysisState)
	if m.analysisState == "ready" {
		analysisLabel = m.theme.StatusSucceeded.Render("analysis: ready")
	} else if m.analysisState == "failed" {
		analysisLabel = m.theme.StatusFailed.Render("analysis: failed")
	}

	var clusterSummary string
	for _, cl := range m.clusters {
		clusterSummary += fmt.Sprintf(" %s %d/%d", cl.Name, cl.Running, cl.MaxJobs)
	}
	if clusterSummary == "" {
		clusterSummary = " no clusters"
	}

	title := m.theme.Title.Render("benchtop")
	info := m.theme.Dim.Render(fmt.Sprintf("queue: %d •%s", m.queueDepth, clusterSummary))

	return lipgloss.JoinHorizontal(lipgloss.Center,
		title, "  ", conn, "  ", analysisLabel, "  ", info)
}

func (m *Model) renderDiagnostics() string {
	title := m.theme.Header.Render(fmt.Sprintf(" Diagnostics — %s", filepath.Base(m.recipePath)))
	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.theme.Border.Render(m.viewport.View()),
	)
}

// updateViewport rebuilds the diagnostics pane content.
func (m *Model) updateViewport() {
	if len(m.diagnostics) == 0 {
		m.viewport.SetContent(m.theme.Dim.Render("no problems"))
		return
	}

	var b strings.Builder
	for _, d := range m.diagnostics {
		style := m.theme.DiagWarning
		label := "warn"
		if d.Severity == 1 {
			style = m.theme.DiagError
			label = "error"
		}
		fmt.Fprintf(&b, "%s %s\n",
			style.Render(fmt.Sprintf("%s %d:%d", label, d.Line+1, d.Column+1)),
			d.Message,
		)
	}
	m.viewport.SetContent(strings.TrimRight(b.String(), "\n"))
}
