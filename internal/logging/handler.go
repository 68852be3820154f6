package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines kept per process.
	MaxBufferedLines = 100
)

// OutputHandler handles the merged output of one spawned process.
// It keeps the most recent lines for failure reports and logs them.
type OutputHandler struct {
	name    string
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	total  int
	mu     sync.Mutex
}

// NewOutputHandler creates a handler for the named process.
// A nil logger keeps lines without logging them.
func NewOutputHandler(name string, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		name:    name,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads from an io.Reader and processes each line.
// This should be run in a goroutine.
func (h *OutputHandler) HandleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, MaxLineLength)
	scanner.Buffer(buf, MaxLineLength)

	for scanner.Scan() {
		h.HandleLine(scanner.Text())
	}
}

// HandleLine processes a single line of output.
func (h *OutputHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.total++
	h.mu.Unlock()

	h.logLine(line)
}

// logLine logs the line at a level derived from its content.
func (h *OutputHandler) logLine(line string) {
	if h.logger == nil {
		return
	}
	level := h.classifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "process_output",
		"process", h.name,
		"line", line,
	)
}

// classifyLine determines the log level for a line based on content.
func (h *OutputHandler) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "exception") ||
		strings.Contains(lower, "traceback") ||
		strings.Contains(lower, "segmentation fault") ||
		strings.Contains(lower, "assertion") && strings.Contains(lower, "failed") ||
		strings.HasPrefix(lower, "panic:") {
		return slog.LevelWarn
	}

	if strings.Contains(lower, "warning") ||
		strings.Contains(lower, "retrying") {
		return slog.LevelWarn
	}

	// Readiness banners and progress chatter
	return slog.LevelDebug
}

// Total returns the number of lines seen so far.
func (h *OutputHandler) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)

	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}

// ErrorPatterns are common failure markers extracted for failure reports.
var ErrorPatterns = []string{
	"Exception",
	"Traceback",
	"Segmentation fault",
	"Assertion",
	"panic:",
	"core dumped",
	"Connection refused",
	"timeout",
}

// CountErrors counts occurrences of error patterns in the buffer.
func (h *OutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)

	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}
