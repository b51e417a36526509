package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main summary dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	// Header
	sections = append(sections, m.renderHeader())

	// Capacity section
	sections = append(sections, m.renderCapacity())

	// Spec and lifecycle sections (only once the arbiter has published)
	if m.snap != nil {
		sections = append(sections, m.renderSpecTable())
	}
	if m.tallies != nil {
		sections = append(sections, m.renderLifecycle())
	}

	// Footer
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-worker details.
func (m Model) renderDetailedView() string {
	var sections []string

	// Header
	sections = append(sections, m.renderHeader())

	// Per-worker table
	sections = append(sections, m.renderWorkerTable())

	// Footer
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	title := " go-arbiter"
	if m.snap != nil && m.snap.ArbiterID != "" {
		title += " " + m.snap.ArbiterID
	}

	var generation uint64
	if m.snap != nil {
		generation = m.snap.Generation
	}

	header := fmt.Sprintf(
		"%s │ %s │ Workers: %d/%d │ Gen: %d │ Elapsed: %s ",
		title,
		GetStatusLabel(m.Stopping(), m.Capacity()),
		m.AliveWorkers(),
		m.TargetWorkers(),
		generation,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Capacity Section
// =============================================================================

func (m Model) renderCapacity() string {
	capacity := m.Capacity()

	barWidth := max(m.width-30, 20)
	bar := RenderProgressBar(capacity, barWidth)

	var status string
	switch {
	case m.snap == nil:
		status = dimStyle.Render("Waiting for the first supervision pass...")
	case m.Stopping():
		status = statusWarning.Render(fmt.Sprintf("Stopping, %d workers left", m.snap.Alive))
	case m.snap.Alive == 0 && m.TargetWorkers() > 0:
		status = statusError.Render(fmt.Sprintf("No workers alive (%d pending)", m.snap.Pending))
	case capacity >= 1.0 && m.snap.Retiring > 0:
		status = statusInfo.Render(fmt.Sprintf("Retiring %d old workers", m.snap.Retiring))
	case capacity >= 1.0:
		status = statusOK.Render("✓ All workers running")
	default:
		status = statusInfo.Render(fmt.Sprintf("Filling... %d/%d (%d pending)",
			m.snap.Alive-m.snap.Retiring, m.TargetWorkers(), m.snap.Pending))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Capacity"),
		bar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Spec Table
// =============================================================================

func (m Model) renderSpecTable() string {
	specs := make([]string, 0, len(m.snap.Targets))
	for name := range m.snap.Targets {
		specs = append(specs, name)
	}
	slices.Sort(specs)

	header := tableHeaderStyle.Render(fmt.Sprintf("%-20s %8s %8s %8s %8s", "Spec", "Target", "Alive", "Pending", "Retiring"))
	rows := []string{sectionHeaderStyle.Render("Specs"), header}

	for i, name := range specs {
		var pending, retiring int
		for _, w := range m.snap.Workers {
			if w.Spec != name {
				continue
			}
			switch w.State {
			case "pending":
				pending++
			case "retiring":
				retiring++
			}
		}
		label := name
		if name == m.pool {
			label += " (pool)"
		}
		line := fmt.Sprintf("%-20s %8d %8d %8d %8d",
			truncate(label, 20),
			m.snap.Targets[name],
			m.snap.AliveFor(name),
			pending,
			retiring,
		)
		rows = append(rows, rowStyle(i).Render(line))
	}

	if m.snap.SignalsPending > 0 {
		rows = append(rows, mutedStyle.Render(fmt.Sprintf("%d signals queued", m.snap.SignalsPending)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Lifecycle Section
// =============================================================================

func (m Model) renderLifecycle() string {
	t := m.tallies

	rows := []string{
		sectionHeaderStyle.Render("Lifecycle"),
		RenderKeyValue("Spawns", formatNumber(int64(t.Spawns))),
		RenderKeyValue("Exits", formatNumber(int64(t.Exits))),
	}
	if t.StaleKills > 0 {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Heartbeat timeouts:"),
			valueBadStyle.Render(fmt.Sprintf("%d", t.StaleKills)),
		))
	}
	if t.SpawnFailures > 0 {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Spawn failures:"),
			valueWarnStyle.Render(fmt.Sprintf("%d", t.SpawnFailures)),
		))
	}
	if t.Reloads > 0 {
		rows = append(rows, RenderKeyValue("Reloads", fmt.Sprintf("%d", t.Reloads)))
	}
	if t.Dropped > 0 {
		rows = append(rows, RenderKeyValue("Signals dropped", fmt.Sprintf("%d", t.Dropped)))
	}
	if t.UptimeP50 > 0 {
		rows = append(rows, RenderKeyValueWide("Worker uptime P50/P95",
			formatDuration(t.UptimeP50)+" / "+formatDuration(t.UptimeP95)))
	}

	if len(t.ExitCodes) > 0 {
		codes := make([]int, 0, len(t.ExitCodes))
		for code := range t.ExitCodes {
			codes = append(codes, code)
		}
		slices.Sort(codes)
		parts := make([]string, 0, len(codes))
		for _, code := range codes {
			parts = append(parts, GetExitCodeStyle(code).Render(fmt.Sprintf("%d×%d", code, t.ExitCodes[code])))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Exit codes:"),
			strings.Join(parts, " "),
		))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Worker Table (detailed view)
// =============================================================================

func (m Model) renderWorkerTable() string {
	header := tableHeaderStyle.Render(fmt.Sprintf("%-8s %-14s %-11s %5s %-9s %10s %9s %8s",
		"PID", "Spec", "Role", "Gen", "State", "Uptime", "Heartbeat", "Restarts"))
	rows := []string{sectionHeaderStyle.Render("Workers"), header}

	// Leave room for header, footer and box borders
	limit := max(m.height-10, 5)
	for i, w := range m.snap.Workers {
		if i == limit {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... %d more", len(m.snap.Workers)-limit)))
			break
		}
		pid := "-"
		if w.Pid != 0 {
			pid = fmt.Sprintf("%d", w.Pid)
		}
		uptime := "-"
		if w.Uptime > 0 {
			uptime = formatDuration(w.Uptime)
		}
		line := lipgloss.JoinHorizontal(lipgloss.Left,
			rowStyle(i).Render(fmt.Sprintf("%-8s %-14s %-11s %5d ", pid, truncate(w.Spec, 14), w.Role, w.Generation)),
			GetStateStyle(w.State).Render(fmt.Sprintf("%-9s", w.State)),
			rowStyle(i).Render(fmt.Sprintf(" %10s ", uptime)),
			GetHeartbeatStyle(w.HeartbeatAge, w.Timeout).Render(fmt.Sprintf("%9s", formatAge(w.HeartbeatAge))),
			rowStyle(i).Render(fmt.Sprintf(" %8d", w.Restarts)),
		)
		rows = append(rows, line)
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func rowStyle(i int) lipgloss.Style {
	if i%2 == 0 {
		return tableRowEvenStyle
	}
	return tableRowOddStyle
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	// Keyboard shortcuts
	shortcuts := []string{
		"q: stop",
		"d: details",
		"r: reload",
		"+/-: grow/shrink",
		"u: usr1",
	}

	right := ""
	switch {
	case m.lastAction != "":
		right = m.lastAction
	case m.metricsAddr != "":
		right = "Metrics: http://" + m.metricsAddr + "/metrics"
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	rightR := dimStyle.Render(right)

	// Pad to fill width
	padding := max(m.width-lipgloss.Width(left)-lipgloss.Width(rightR)-2, 1)

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			rightR,
		),
	)
}
