package config

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
)

// paramList is a custom flag type for repeatable -param key=value flags.
type paramList map[string]string

func (p paramList) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, ", ")
}

func (p paramList) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("param %q: want key=value", value)
	}
	p[k] = v
	return nil
}

// ParseFlags parses command-line flags and returns a Config.
func ParseFlags() (*Config, error) {
	return parseFlags(flag.CommandLine, os.Args[1:])
}

func parseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()
	params := paramList{}

	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, `go-arbiter - pre-fork style process supervisor

Usage:
  go-arbiter [flags]
  go-arbiter status [-metrics addr]

Supervision Flags:
`)
		printFlagCategory(fs, []string{"config", "pool", "workers", "allow-empty-pool", "tick", "graceful-timeout", "heartbeat-dir"})

		fmt.Fprintf(out, "\nDefault Spec (without -config):\n")
		printFlagCategory(fs, []string{"handler", "timeout", "param"})

		fmt.Fprintf(out, "\nShared Socket:\n")
		printFlagCategory(fs, []string{"listen"})

		fmt.Fprintf(out, "\nRestart Policy:\n")
		printFlagCategory(fs, []string{"backoff-initial", "backoff-max", "backoff-multiply"})

		fmt.Fprintf(out, "\nSafety & Diagnostics:\n")
		printFlagCategory(fs, []string{"print-table", "skip-preflight"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, []string{"metrics", "reexec-metrics", "v", "log-format", "log-level"})

		fmt.Fprintf(out, "\nDashboard:\n")
		printFlagCategory(fs, []string{"tui"})

		fmt.Fprintf(out, `
Signals:
  HUP reload workers   TERM graceful stop   INT/QUIT immediate stop
  TTIN grow pool       TTOU shrink pool     USR1 forward to workers
  USR2 re-exec arbiter WINCH scale to zero when detached

Examples:
  # Four sleeping workers with a 10s heartbeat timeout
  go-arbiter -workers 4 -handler sleep -timeout 10s -param interval=1s

  # Echo pool sharing one socket
  go-arbiter -workers 8 -handler echo -listen 127.0.0.1:9000

  # Spec table from a file
  go-arbiter -config arbiter.yaml -tui

`)
	}

	// Supervision
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML child spec table")
	fs.StringVar(&cfg.Pool, "pool", cfg.Pool, "Name of the spec run as a resizable pool")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Pool size")
	fs.BoolVar(&cfg.AllowEmptyPool, "allow-empty-pool", cfg.AllowEmptyPool, "Allow TTOU to shrink the pool to zero")
	fs.DurationVar(&cfg.Tick, "tick", cfg.Tick, "Maximum time between supervision passes")
	fs.DurationVar(&cfg.GracefulTimeout, "graceful-timeout", cfg.GracefulTimeout, "Wait before SIGKILL on graceful stop")
	fs.StringVar(&cfg.HeartbeatDir, "heartbeat-dir", cfg.HeartbeatDir, "Directory for heartbeat files (default: system temp)")

	// Default spec
	fs.StringVar(&cfg.Handler, "handler", cfg.Handler, "Worker handler name")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Heartbeat timeout (0 = never)")
	fs.Var(params, "param", "Handler parameter key=value (can repeat)")

	// Shared socket
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP address shared by all workers")

	// Restart policy
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First respawn delay after a fast crash (0 = none)")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum respawn delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Respawn delay growth factor")

	// Safety & Diagnostics
	fs.BoolVar(&cfg.PrintTable, "print-table", cfg.PrintTable, "Print the resolved spec table and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, `Prometheus metrics address ("" to disable)`)
	fs.StringVar(&cfg.ReexecMetricsAddr, "reexec-metrics", cfg.ReexecMetricsAddr, `Metrics address for the generation started by SIGUSR2 ("" to disable)`)
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)

	// Dashboard
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg.explicit = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { cfg.explicit[f.Name] = true })

	if len(params) > 0 {
		cfg.Params = params
	}
	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, names []string) {
	out := fs.Output()
	fs.VisitAll(func(f *flag.Flag) {
		if !slices.Contains(names, f.Name) {
			return
		}
		fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
			fmt.Fprintf(out, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(out)
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
