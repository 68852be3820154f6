package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an updated snapshot.
type SnapshotMsg Snapshot

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Snapshot
// =============================================================================

// WorkerStatus is what one worker is doing.
type WorkerStatus struct {
	ID      int
	Entry   string // "<suite path> <config>"
	Case    string
	State   string
	Started time.Time
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	Index int // suite runs started
	Total int // suite runs planned

	Passed  int
	Failed  int
	Skipped int
	NotRun  int

	ActiveProcesses int
	Workers         []WorkerStatus

	// RecentFailures holds the latest failure lines, oldest first.
	RecentFailures []string

	WatchdogIdle time.Duration

	Done        bool
	Interrupted bool
}

// Progress returns the fraction of suite runs started.
func (s Snapshot) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Index) / float64(s.Total)
}

// PassRate returns passed / (passed + failed).
func (s Snapshot) PassRate() float64 {
	run := s.Passed + s.Failed
	if run == 0 {
		return 0
	}
	return float64(s.Passed) / float64(run)
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	title            string
	metricsAddr      string
	watchdogInterval time.Duration

	// Current state
	snapshot     Snapshot
	startTime    time.Time
	lastUpdate   time.Time
	failuresView bool

	// Display options
	width  int
	height int

	source Source

	quitting bool
}

// Source provides snapshots of the run.
type Source interface {
	Snapshot() Snapshot
}

// Config holds TUI configuration.
type Config struct {
	Title            string
	MetricsAddr      string
	WatchdogInterval time.Duration
	Source           Source
}

// New creates a new TUI model.
func New(cfg Config) Model {
	title := cfg.Title
	if title == "" {
		title = "interop-driver"
	}
	return Model{
		title:            title,
		metricsAddr:      cfg.MetricsAddr,
		watchdogInterval: cfg.WatchdogInterval,
		source:           cfg.Source,
		startTime:        time.Now(),
		lastUpdate:       time.Now(),
		width:            80,
		height:           24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "f":
			m.failuresView = !m.failuresView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			m.snapshot = m.source.Snapshot()
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case SnapshotMsg:
		m.snapshot = Snapshot(msg)
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.failuresView {
		return m.renderFailuresView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the run started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot returns the snapshot being displayed.
func (m Model) Snapshot() Snapshot {
	return m.snapshot
}

// Quitting reports whether the user asked to quit.
func (m Model) Quitting() bool {
	return m.quitting
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendSnapshot pushes a snapshot to the TUI.
func SendSnapshot(p *tea.Program, s Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg(s))
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatPercent formats a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

// truncate shortens s to width runes, marking the cut with "...".
func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 3 || len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}
