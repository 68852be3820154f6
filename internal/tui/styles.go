// Package tui provides a live terminal dashboard for a driver run.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays:
// - Plan progress ([i/total] suite runs)
// - The suite and test case each worker is running
// - Pass/fail/skip counters
// - Recent failures
// - Watchdog idle time
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)
)

// =============================================================================
// Status Indicator Styles
// =============================================================================

var (
	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(16)
)

// =============================================================================
// Progress Bar Styles
// =============================================================================

var (
	progressBarStyle = lipgloss.NewStyle().
				Foreground(colorPrimary)

	progressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(colorBorder)

	progressPercentStyle = lipgloss.NewStyle().
				Foreground(colorText).
				Bold(true)
)

// =============================================================================
// Run Status Indicator
// =============================================================================

// RunStatus summarizes the health of a run for the header.
type RunStatus int

const (
	RunStatusOK RunStatus = iota
	RunStatusFailing
	RunStatusInterrupted
	RunStatusDone
)

// GetRunStatus derives the status from the snapshot.
func GetRunStatus(s Snapshot) RunStatus {
	switch {
	case s.Interrupted:
		return RunStatusInterrupted
	case s.Failed > 0:
		return RunStatusFailing
	case s.Done:
		return RunStatusDone
	default:
		return RunStatusOK
	}
}

// GetRunLabel returns a styled label for the run status.
func GetRunLabel(s Snapshot) string {
	switch GetRunStatus(s) {
	case RunStatusInterrupted:
		return statusWarning.Render("● Interrupted")
	case RunStatusFailing:
		return statusError.Render(fmt.Sprintf("● %d failing", s.Failed))
	case RunStatusDone:
		return statusOK.Render("✓ Done")
	default:
		return statusOK.Render("● Running")
	}
}

// =============================================================================
// Watchdog Indicator
// =============================================================================

// GetIdleStyle colours the watchdog idle time against the warning interval.
func GetIdleStyle(idle, interval time.Duration) lipgloss.Style {
	if interval <= 0 {
		return valueStyle
	}
	switch {
	case idle >= interval:
		return valueBadStyle
	case idle >= interval/2:
		return valueWarnStyle
	default:
		return valueGoodStyle
	}
}

// GetFailedStyle returns a style for a failure counter.
func GetFailedStyle(failed int) lipgloss.Style {
	if failed == 0 {
		return valueGoodStyle
	}
	return valueBadStyle
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderProgressBar renders a progress bar.
func RenderProgressBar(progress float64, width int) string {
	if width < 10 {
		width = 10
	}

	filled := int(progress * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := progressBarStyle.Render(repeatChar('█', filled)) +
		progressBarEmptyStyle.Render(repeatChar('░', width-filled))

	percent := progressPercentStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))

	return bar + percent
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	result := make([]rune, count)
	for i := range result {
		result[i] = char
	}
	return string(result)
}
