// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-arbiter/internal/heartbeat"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describes what the arbiter is about to start.
type Options struct {
	// Workers is the total desired worker count across all specs
	Workers int

	// HeartbeatDir is where heartbeat tokens are created ("" = temp dir)
	HeartbeatDir string

	// ListenAddr is the shared socket address, if any
	ListenAddr string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	result.add(checkFileDescriptors(opts.Workers))
	result.add(checkProcessLimit(opts.Workers))
	result.add(checkHeartbeatDir(opts.HeartbeatDir))
	result.add(checkExecutable())

	// Privileged port check (warning only)
	if opts.ListenAddr != "" {
		result.add(checkListenPort(opts.ListenAddr))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(workers int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	// The arbiter keeps one heartbeat descriptor per worker and briefly
	// holds a second while starting it, plus the listener, output pipe,
	// metrics server and logging.
	required := workers*2 + 64
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d workers)", actual, required, workers),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(workers int) Check {
	// During a reload old and new workers overlap.
	required := workers*2 + 50

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &limit); err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// clampLimit converts an rlimit value, mapping "unlimited" and anything
// that overflows int to a large sentinel.
func clampLimit(v uint64) int {
	const unlimited = 1 << 30
	if v > unlimited {
		return unlimited
	}
	return int(v)
}

// checkHeartbeatDir verifies heartbeat tokens can be created and touched.
func checkHeartbeatDir(dir string) Check {
	shown := dir
	if shown == "" {
		shown = os.TempDir()
	}

	tok, err := heartbeat.New(dir)
	if err != nil {
		return Check{
			Name:    "heartbeat_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", shown, err),
		}
	}
	defer tok.Close()

	if err := tok.Touch(); err != nil {
		return Check{
			Name:    "heartbeat_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", shown, err),
		}
	}
	if _, err := tok.LastUpdate(); err != nil {
		return Check{
			Name:    "heartbeat_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", shown, err),
		}
	}

	return Check{
		Name:    "heartbeat_dir",
		Passed:  true,
		Message: fmt.Sprintf("%s is writable", shown),
	}
}

// checkExecutable verifies the arbiter can find its own binary, which it
// re-executes for every worker.
func checkExecutable() Check {
	path, err := os.Executable()
	if err != nil {
		return Check{
			Name:    "executable",
			Passed:  false,
			Message: fmt.Sprintf("cannot resolve own binary: %v", err),
		}
	}
	if _, err := os.Stat(path); err != nil {
		return Check{
			Name:    "executable",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", path, err),
		}
	}
	return Check{
		Name:    "executable",
		Passed:  true,
		Message: path,
	}
}

// checkListenPort warns about binding a privileged port without root.
func checkListenPort(addr string) Check {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Check{
			Name:    "listen_port",
			Passed:  false,
			Message: fmt.Sprintf("invalid address %q: %v", addr, err),
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		// Named service ports are resolved at bind time
		return Check{
			Name:    "listen_port",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s (not numeric, resolved at bind)", portStr),
		}
	}

	privileged := port > 0 && port < 1024 && os.Geteuid() != 0
	msg := addr
	if privileged {
		msg = fmt.Sprintf("%s is a privileged port and the arbiter is not root", addr)
	}
	return Check{
		Name:    "listen_port",
		Passed:  true,
		Warning: privileged,
		Message: msg,
	}
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	WriteResults(os.Stdout, result)
}

// WriteResults writes the preflight check results to w.
func WriteResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "heartbeat_dir":
		return "pass -heartbeat-dir with a writable local directory (not a read-only or noexec mount)"
	case "executable":
		return "run the arbiter from a path that still exists"
	case "listen_port":
		return "use host:port with a numeric port"
	default:
		return "see documentation"
	}
}
