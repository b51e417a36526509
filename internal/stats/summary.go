// Package stats formats arbiter run statistics for humans: the exit
// summary printed at shutdown and the report of the status command.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
	"github.com/randomizedcoder/go-arbiter/internal/metrics"
)

const (
	heavyRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	lightRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds everything the exit summary shows.
type SummaryConfig struct {
	// ArbiterID identifies the run in logs and metrics
	ArbiterID string

	// Duration is the total run duration
	Duration time.Duration

	// Pool and PoolSize describe the resizable pool, if any
	Pool     string
	PoolSize int

	// Targets is the final desired count per spec
	Targets map[string]int

	// StopReason says why the arbiter stopped
	StopReason string

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// Lifecycle tallies (from metrics.Collector)
	Tallies metrics.Tallies

	// RecentErrors are the last error lines seen in worker output
	RecentErrors []string
}

// FormatExitSummary formats the run statistics for display at exit.
func FormatExitSummary(cfg SummaryConfig) string {
	var b strings.Builder
	t := cfg.Tallies

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                           go-arbiter Exit Summary\n")
	b.WriteString(heavyRule + "\n")

	// Run info
	if cfg.ArbiterID != "" {
		fmt.Fprintf(&b, "Arbiter:                %s\n", cfg.ArbiterID)
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	if cfg.Pool != "" {
		fmt.Fprintf(&b, "Pool:                   %s x %d\n", cfg.Pool, cfg.PoolSize)
	}
	fmt.Fprintf(&b, "Peak Live Workers:      %d\n", t.PeakAlive)
	if cfg.StopReason != "" {
		fmt.Fprintf(&b, "Stopped By:             %s\n", cfg.StopReason)
	}
	b.WriteString("\n")

	// Targets
	if len(cfg.Targets) > 0 {
		b.WriteString(section("Targets"))
		for _, spec := range sortedKeys(cfg.Targets) {
			fmt.Fprintf(&b, "  %-20s %d\n", spec, cfg.Targets[spec])
		}
		b.WriteString("\n")
	}

	// Lifecycle
	b.WriteString(section("Lifecycle"))
	fmt.Fprintf(&b, "  Total Spawns:         %s\n", FormatNumber(int64(t.Spawns)))
	fmt.Fprintf(&b, "  Total Exits:          %s\n", FormatNumber(int64(t.Exits)))
	if t.SpawnFailures > 0 {
		fmt.Fprintf(&b, "  Spawn Failures:       %d\n", t.SpawnFailures)
	}
	if t.StaleKills > 0 {
		fmt.Fprintf(&b, "  Heartbeat Timeouts:   %d\n", t.StaleKills)
	}
	if t.Reloads > 0 {
		fmt.Fprintf(&b, "  Reloads:              %d\n", t.Reloads)
	}
	if t.Dropped > 0 {
		fmt.Fprintf(&b, "  Signals Dropped:      %d\n", t.Dropped)
	}
	b.WriteString("\n")

	// Uptime distribution
	if t.UptimeP50 > 0 || t.UptimeP95 > 0 {
		b.WriteString(section("Worker Uptime"))
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatDuration(t.UptimeP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatDuration(t.UptimeP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatDuration(t.UptimeP99))
		b.WriteString("\n")
	}

	// Exit codes
	if len(t.ExitCodes) > 0 {
		b.WriteString(section("Exit Codes"))
		codes := make([]int, 0, len(t.ExitCodes))
		for code := range t.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), t.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	// Recent worker errors
	if len(cfg.RecentErrors) > 0 {
		b.WriteString(section("Recent Worker Errors"))
		for _, line := range cfg.RecentErrors {
			fmt.Fprintf(&b, "  %s\n", truncate(line, 76))
		}
		b.WriteString("\n")
	}

	// Metrics endpoint
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(heavyRule)

	return b.String()
}

// FormatStatus formats a live arbiter's metrics and worker table for the
// status command. snap may be nil.
func FormatStatus(st *metrics.Status, snap *arbiter.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Arbiter %s (version %s), up %s, generation %d\n",
		st.ArbiterID, st.Version, FormatDuration(st.Uptime), st.Generation)
	if st.Stopping {
		b.WriteString("State: stopping\n")
	}
	fmt.Fprintf(&b, "Pending: %d  Retiring: %d  Signals queued: %d\n\n", st.Pending, st.Retiring, st.SignalsPending)

	fmt.Fprintf(&b, "  %-20s %8s %8s\n", "Spec", "Target", "Alive")
	b.WriteString("  " + strings.Repeat("─", 38) + "\n")
	for _, spec := range sortedKeys(st.Targets) {
		fmt.Fprintf(&b, "  %-20s %8d %8d\n", spec, st.Targets[spec], st.Alive[spec])
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Spawns: %s  Heartbeat timeouts: %d  Reloads: %d  Signals dropped: %d\n",
		FormatNumber(st.Spawns), st.StaleKills, st.Reloads, st.Dropped)

	if snap != nil && len(snap.Workers) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %-8s %-12s %-10s %4s %-9s %10s %9s\n", "PID", "Spec", "Role", "Gen", "State", "Uptime", "Heartbeat")
		b.WriteString("  " + strings.Repeat("─", 70) + "\n")
		for _, w := range snap.Workers {
			pid := "-"
			if w.Pid != 0 {
				pid = fmt.Sprintf("%d", w.Pid)
			}
			fmt.Fprintf(&b, "  %-8s %-12s %-10s %4d %-9s %10s %9s\n",
				pid,
				truncate(w.Spec, 12),
				w.Role,
				w.Generation,
				w.State,
				FormatDuration(w.Uptime),
				FormatAge(w.HeartbeatAge),
			)
		}
	}
	return b.String()
}

func section(title string) string {
	pad := max((79-len(title))/2, 0)
	return lightRule + strings.Repeat(" ", pad) + title + "\n" + lightRule + "\n"
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 3:
		return "(boot failure)"
	case 131:
		return "(SIGQUIT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatAge formats a heartbeat age compactly ("0.4s", "12s", "3m").
func FormatAge(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < 10*time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < 2*time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}
