package logging

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent worker lines kept for the exit summary.
	MaxBufferedLines = 100
)

// OutputHandler relays the stdout/stderr of worker processes into the
// arbiter's logger. It keeps the most recent lines for the exit summary.
type OutputHandler struct {
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewOutputHandler creates a handler that logs through logger.
func NewOutputHandler(logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads lines from r until EOF.
// This should be run in a goroutine.
func (h *OutputHandler) HandleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, MaxLineLength)
	scanner.Buffer(buf, MaxLineLength)

	for scanner.Scan() {
		h.HandleLine(scanner.Text())
	}
}

// HandleLine processes a single line of worker output.
func (h *OutputHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	h.logLine(line)
}

func (h *OutputHandler) logLine(line string) {
	level := h.classifyLine(line)

	// In non-verbose mode, only log info and above
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(nil, level, "worker_output", "line", line)
}

// classifyLine maps a worker line to a log level. Workers log through
// slog, so the level is usually spelled out in the line itself.
func (h *OutputHandler) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, `"level":"error"`),
		strings.Contains(lower, "level=error"),
		strings.Contains(lower, "panic:"),
		strings.Contains(lower, `"level":"warn"`),
		strings.Contains(lower, "level=warn"):
		return slog.LevelWarn
	case strings.Contains(lower, `"level":"info"`),
		strings.Contains(lower, "level=info"):
		return slog.LevelInfo
	}
	return slog.LevelDebug
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

// ErrorPatterns are the worker failure markers counted for the exit summary.
var ErrorPatterns = []string{
	"worker_boot_failed",
	"worker_unit_failed",
	"worker_panic",
	"heartbeat_failed",
	"panic:",
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

// Capture is a pipe whose write end is handed to every worker as its
// stdout and stderr. Lines read from it go to an OutputHandler.
type Capture struct {
	r, w    *os.File
	handler *OutputHandler
	done    chan struct{}
	once    sync.Once
}

// StartCapture creates the pipe and starts the reader goroutine.
func StartCapture(h *OutputHandler) (*Capture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	c := &Capture{r: r, w: w, handler: h, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		h.HandleReader(r)
	}()
	return c, nil
}

// Writer returns the write end for child processes.
func (c *Capture) Writer() *os.File {
	return c.w
}

// Handler returns the handler receiving captured lines.
func (c *Capture) Handler() *OutputHandler {
	return c.handler
}

// Close closes the write end and waits up to timeout for buffered output
// to drain. Workers still holding the pipe open would block EOF, so the
// read end is closed regardless once the timeout expires.
func (c *Capture) Close(timeout time.Duration) error {
	var err error
	c.once.Do(func() {
		err = c.w.Close()
		select {
		case <-c.done:
		case <-time.After(timeout):
			err = errors.Join(err, errors.New("worker output still open"))
		}
		c.r.Close()
	})
	return err
}
