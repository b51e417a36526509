package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
	"github.com/randomizedcoder/go-arbiter/internal/metrics"
	"github.com/randomizedcoder/go-arbiter/internal/sigqueue"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an arbiter snapshot pushed from outside.
type SnapshotMsg struct {
	Snapshot *arbiter.Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	pool        string
	metricsAddr string

	// Current state
	snap         *arbiter.Snapshot
	tallies      *metrics.Tallies
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool
	lastAction   string

	// Display options
	width  int
	height int

	// Sources
	source   SnapshotSource
	control  Controller
	counters TalliesSource

	// Quit flag
	quitting bool
}

// SnapshotSource provides the arbiter's published state.
type SnapshotSource interface {
	Snapshot() *arbiter.Snapshot
}

// Controller queues signal kinds for the arbiter loop, exactly as if the
// matching signal had been received.
type Controller interface {
	Enqueue(kind sigqueue.Kind) bool
}

// TalliesSource provides lifecycle counts. Optional.
type TalliesSource interface {
	Tallies() metrics.Tallies
}

// Config holds TUI configuration.
type Config struct {
	Pool        string
	MetricsAddr string
	Source      SnapshotSource
	Control     Controller
	Tallies     TalliesSource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		pool:        cfg.Pool,
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
		control:     cfg.Control,
		counters:    cfg.Tallies,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// Note: tea.WithAltScreen() is passed when creating the program,
	// so we don't need tea.EnterAltScreen here.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.send(sigqueue.KindGracefulStop)
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			m.send(sigqueue.KindReload)
			return m, nil
		case "+", "=":
			m.send(sigqueue.KindGrow)
			return m, nil
		case "-", "_":
			m.send(sigqueue.KindShrink)
			return m, nil
		case "u":
			m.send(sigqueue.KindBroadcast)
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case SnapshotMsg:
		m.snap = msg.Snapshot
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

	if m.detailedView && m.snap != nil && len(m.snap.Workers) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

func (m *Model) refresh() {
	if m.source != nil {
		if s := m.source.Snapshot(); s != nil {
			m.snap = s
		}
	}
	if m.counters != nil {
		t := m.counters.Tallies()
		m.tallies = &t
	}
	m.lastUpdate = time.Now()
}

// send queues a signal kind and records the outcome for the footer.
func (m *Model) send(kind sigqueue.Kind) {
	if m.control == nil {
		m.lastAction = "read-only: no arbiter control"
		return
	}
	if m.control.Enqueue(kind) {
		m.lastAction = fmt.Sprintf("queued %s", kind)
	} else {
		m.lastAction = fmt.Sprintf("signal queue full, dropped %s", kind)
	}
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

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// AliveWorkers returns the current live worker count.
func (m Model) AliveWorkers() int {
	if m.snap == nil {
		return 0
	}
	return m.snap.Alive
}

// TargetWorkers returns the sum of all spec targets.
func (m Model) TargetWorkers() int {
	if m.snap == nil {
		return 0
	}
	total := 0
	for _, n := range m.snap.Targets {
		total += n
	}
	return total
}

// Capacity returns live non-retiring workers over the target (0.0 to 1.0).
func (m Model) Capacity() float64 {
	target := m.TargetWorkers()
	if target == 0 || m.snap == nil {
		return 0
	}
	return min(float64(m.snap.Alive-m.snap.Retiring)/float64(target), 1.0)
}

// Stopping reports whether the arbiter is shutting down.
func (m Model) Stopping() bool {
	return m.snap != nil && m.snap.Stopping
}

// LastAction returns the outcome of the most recent key command.
func (m Model) LastAction() string {
	return m.lastAction
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendSnapshot sends a snapshot update to the TUI.
func SendSnapshot(p *tea.Program, s *arbiter.Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: s})
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

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatAge formats a heartbeat age with one decimal under ten seconds.
func formatAge(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < 10*time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
