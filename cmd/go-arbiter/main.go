// Package main provides the go-arbiter CLI entry point.
//
// go-arbiter supervises a table of worker processes: it keeps the desired
// number of each running, kills workers whose heartbeat goes stale and
// answers the classic pre-fork signal set (HUP reload, TTIN/TTOU resize,
// USR2 re-exec). The same binary is the worker: a child started with the
// worker environment runs a handler instead of the arbiter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
	"github.com/randomizedcoder/go-arbiter/internal/config"
	"github.com/randomizedcoder/go-arbiter/internal/logging"
	"github.com/randomizedcoder/go-arbiter/internal/metrics"
	"github.com/randomizedcoder/go-arbiter/internal/orchestrator"
	"github.com/randomizedcoder/go-arbiter/internal/process"
	"github.com/randomizedcoder/go-arbiter/internal/stats"
	"github.com/randomizedcoder/go-arbiter/internal/worker"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-arbiter
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Workers are this binary re-executed by the arbiter.
	if process.IsWorker() {
		return worker.Main(context.Background(), worker.DefaultRegistry())
	}

	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-version", "--version", "version":
			fmt.Printf("go-arbiter %s\n", version)
			return 0
		case "status":
			return runStatus(os.Args[2:])
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Handle -print-table mode
	if cfg.PrintTable {
		return printTable(cfg)
	}

	// Initialize logger
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.Discard()
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	slog.SetDefault(logger)

	logger.Info("starting",
		"version", version,
		"pid", os.Getpid(),
		"config", cfg.ConfigFile,
		"workers", cfg.Workers,
		"listen", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch := orchestrator.New(cfg, logger, version)
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("arbiter_failed", "error", err)
		if errors.Is(err, arbiter.ErrBootFailure) {
			return process.ExitBootFailure
		}
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                            go-arbiter                             ║")
	fmt.Println("║           Pre-fork Process Supervision with Heartbeats            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	if cfg.ConfigFile != "" {
		fmt.Printf("  Table:       %s\n", cfg.ConfigFile)
	} else {
		fmt.Printf("  Workers:     %d x %s\n", cfg.Workers, cfg.Handler)
	}
	if cfg.ListenAddr != "" {
		fmt.Printf("  Listen:      %s\n", cfg.ListenAddr)
	}
	if cfg.MetricsEnabled() {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Printf("  PID:         %d\n", os.Getpid())
	fmt.Println()
	fmt.Println("Send SIGTERM (or press Ctrl+C) to stop.")
	fmt.Println()
}

// printTable prints the resolved child table as YAML.
func printTable(cfg *config.Config) int {
	tf, err := config.ResolveTable(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := tf.Table(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	out, err := tf.Encode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println("# Child table the arbiter would supervise:")
	fmt.Println()
	os.Stdout.Write(out)
	return 0
}

// runStatus implements "go-arbiter status": it reads a running arbiter's
// metrics server and prints its state.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := fs.String("metrics", config.DefaultConfig().MetricsAddr, "Metrics address of the running arbiter")
	timeout := fs.Duration("timeout", 5*time.Second, "HTTP timeout")
	workers := fs.Bool("workers", true, "Include the per-worker table")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	scraper := metrics.NewStatusScraper(*addr, *timeout)
	st, err := scraper.Scrape(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var snap *arbiter.Snapshot
	if *workers {
		snap, err = scraper.FetchWorkers(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: worker table unavailable: %v\n", err)
		}
	}

	fmt.Print(stats.FormatStatus(st, snap))
	return 0
}
