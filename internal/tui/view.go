package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	sections := []string{
		m.renderHeader(),
		m.renderProgress(),
		m.renderWorkers(),
		m.renderResults(),
	}
	if len(m.snapshot.RecentFailures) > 0 {
		sections = append(sections, m.renderRecentFailures(3))
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderFailuresView lists every recent failure.
func (m Model) renderFailuresView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderRecentFailures(0),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" %s │ %s │ Suites: %d/%d │ Elapsed: %s ",
		m.title,
		GetRunLabel(m.snapshot),
		m.snapshot.Index,
		m.snapshot.Total,
		formatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	s := m.snapshot

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	var status string
	switch {
	case s.Interrupted:
		status = statusWarning.Render("Interrupted, stopping participants...")
	case s.Done:
		status = statusOK.Render("✓ Plan complete")
	default:
		status = statusInfo.Render(fmt.Sprintf("Running [%d/%d]", s.Index, s.Total))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Plan"),
		RenderProgressBar(s.Progress(), barWidth),
		status,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Workers
// =============================================================================

func (m Model) renderWorkers() string {
	s := m.snapshot
	rows := []string{sectionHeaderStyle.Render("Running")}
	if len(s.Workers) == 0 {
		rows = append(rows, dimStyle.Render("idle"))
	}
	width := m.width - 8
	for _, w := range s.Workers {
		line := fmt.Sprintf("#%d %s", w.ID, w.Entry)
		if w.Case != "" {
			line += " › " + w.Case
		}
		rows = append(rows, valueStyle.Render(truncate(line, width)))
		detail := w.State
		if !w.Started.IsZero() {
			detail += " for " + formatDuration(time.Since(w.Started))
		}
		if detail != "" {
			rows = append(rows, mutedStyle.Render("   "+detail))
		}
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Results
// =============================================================================

func (m Model) renderResults() string {
	s := m.snapshot
	rows := []string{
		sectionHeaderStyle.Render("Results"),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Passed:"), valueGoodStyle.Render(fmt.Sprintf("%d", s.Passed))),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Failed:"), GetFailedStyle(s.Failed).Render(fmt.Sprintf("%d", s.Failed))),
		RenderKeyValue("Skipped", fmt.Sprintf("%d", s.Skipped)),
	}
	if s.NotRun > 0 {
		rows = append(rows, RenderKeyValue("Not run", fmt.Sprintf("%d", s.NotRun)))
	}
	if s.Passed+s.Failed > 0 {
		rows = append(rows, RenderKeyValue("Pass rate", formatPercent(s.PassRate())))
	}
	rows = append(rows,
		RenderKeyValue("Processes", fmt.Sprintf("%d", s.ActiveProcesses)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Watchdog idle:"),
			GetIdleStyle(s.WatchdogIdle, m.watchdogInterval).Render(formatDuration(s.WatchdogIdle))),
	)
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Failures
// =============================================================================

// renderRecentFailures shows the last n failures, or all of them when n is 0.
func (m Model) renderRecentFailures(n int) string {
	failures := m.snapshot.RecentFailures
	if n > 0 && len(failures) > n {
		failures = failures[len(failures)-n:]
	}
	rows := []string{sectionHeaderStyle.Render(fmt.Sprintf("Failures (%d)", m.snapshot.Failed))}
	if len(failures) == 0 {
		rows = append(rows, dimStyle.Render("none"))
	}
	width := m.width - 8
	for _, f := range failures {
		rows = append(rows, statusError.Render("✗ ")+truncate(f, width-2))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: interrupt",
		"f: toggle failures",
		"r: refresh",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: " + m.metricsAddr)
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
