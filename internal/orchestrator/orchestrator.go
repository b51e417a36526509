// Package orchestrator wires the arbiter to everything around it: the child
// table, the shared listener, worker output capture, metrics, the signal
// relay and the optional dashboard.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/xid"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
	"github.com/randomizedcoder/go-arbiter/internal/config"
	"github.com/randomizedcoder/go-arbiter/internal/listener"
	"github.com/randomizedcoder/go-arbiter/internal/logging"
	"github.com/randomizedcoder/go-arbiter/internal/metrics"
	"github.com/randomizedcoder/go-arbiter/internal/preflight"
	"github.com/randomizedcoder/go-arbiter/internal/process"
	"github.com/randomizedcoder/go-arbiter/internal/sigqueue"
	"github.com/randomizedcoder/go-arbiter/internal/stats"
	"github.com/randomizedcoder/go-arbiter/internal/tui"
)

const (
	// recordInterval is how often the arbiter snapshot is copied into
	// the Prometheus gauges.
	recordInterval = time.Second

	shutdownTimeout    = 10 * time.Second
	outputDrainTimeout = 2 * time.Second
	recentErrorLines   = 5
)

// Orchestrator coordinates all components of one arbiter run.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string
	id      string

	table         *config.TableFile
	targets       map[string]int
	listener      *listener.Listener
	capture       *logging.Capture
	runner        *process.SelfRunner
	arbiter       *arbiter.Arbiter
	pool          *arbiter.Pool
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	relay         *sigqueue.Relay

	startTime  time.Time
	stopReason string
}

// New creates a new Orchestrator. Nothing is started until Run.
func New(cfg *config.Config, logger *slog.Logger, version string) *Orchestrator {
	return &Orchestrator{
		config:  cfg,
		logger:  logger,
		version: version,
		id:      xid.New().String(),
	}
}

// ID returns the arbiter instance ID used in logs and metrics.
func (o *Orchestrator) ID() string {
	return o.id
}

// Run supervises workers until a stop signal, a boot failure or ctx
// cancellation. A boot failure is returned wrapping arbiter.ErrBootFailure.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if err := o.setup(); err != nil {
		o.teardown()
		return err
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			o.teardown()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	o.relay = sigqueue.StartRelay(o.arbiter.Signals(), o.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.recordLoop(ctx)
	}()

	program := o.startTUI(&wg)

	o.logger.Info("arbiter_running",
		"arbiter_id", o.id,
		"specs", len(o.table.Children),
		"pool", o.poolName(),
		"listener", o.listener != nil,
	)

	runErr := o.arbiter.Run(ctx)

	switch {
	case runErr != nil:
		o.stopReason = "halted: " + runErr.Error()
	case ctx.Err() != nil:
		o.stopReason = "context cancelled"
	}

	if program != nil {
		tui.SendQuit(program)
	}
	cancel()
	wg.Wait()

	o.record()
	o.teardown()
	fmt.Print(o.exitSummary())

	return runErr
}

// setup resolves the table and builds every component. Anything it opened
// is released by teardown, even on error.
func (o *Orchestrator) setup() error {
	tf, err := config.ResolveTable(o.config)
	if err != nil {
		return fmt.Errorf("resolve spec table: %w", err)
	}
	table, err := tf.Table()
	if err != nil {
		return fmt.Errorf("spec table: %w", err)
	}
	o.table = tf
	o.targets = InitialTargets(tf)

	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Workers:      TotalWorkers(o.targets),
			HeartbeatDir: o.config.HeartbeatDir,
			ListenAddr:   o.config.ListenAddr,
		})
		if !o.config.TUIEnabled {
			preflight.PrintResults(result)
		}
		if !result.Passed {
			return errors.New("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if o.config.ListenAddr != "" || os.Getenv(process.EnvListenFD) != "" {
		ln, err := listener.Open(o.config.ListenAddr)
		if err != nil {
			return err
		}
		o.listener = ln
		o.logger.Info("listener_ready", "addr", ln.Addr().String(), "inherited", ln.Inherited())
	}

	handler := logging.NewOutputHandler(o.logger.With("source", "worker"), o.config.Verbose)
	o.capture, err = logging.StartCapture(handler)
	if err != nil {
		return err
	}

	o.runner, err = process.NewSelfRunner()
	if err != nil {
		return err
	}
	o.runner.LogFormat = o.config.LogFormat
	o.runner.LogLevel = o.config.LogLevel
	o.runner.Stderr = o.capture.Writer()
	if o.listener != nil {
		o.runner.Listener = o.listener.File()
	}

	o.metrics = metrics.NewCollector(metrics.CollectorConfig{
		Version:   o.version,
		ArbiterID: o.id,
		Pool:      o.poolName(),
		Targets:   o.targets,
	})

	var reexecFile *os.File
	if o.listener != nil {
		reexecFile = o.listener.File()
	}
	reexec, err := NewReexec(reexecFile, o.config.MetricsAddr, o.config.ReexecMetricsAddr, o.logger)
	if err != nil {
		return err
	}

	acfg := arbiter.Config{
		ID:              o.id,
		Table:           table,
		Runner:          o.runner,
		Logger:          o.logger,
		Callbacks:       o.metrics.Callbacks(arbiter.Callbacks{OnSignal: o.onSignal}),
		Tick:            o.config.Tick,
		GracefulTimeout: o.config.GracefulTimeout,
		HeartbeatDir:    o.config.HeartbeatDir,
		Backoff: arbiter.BackoffConfig{
			Initial:    o.config.BackoffInitial,
			Max:        o.config.BackoffMax,
			Multiplier: o.config.BackoffMultiply,
			JitterPct:  0.4,
		},
		Targets:        o.targets,
		AllowEmptyPool: o.config.AllowEmptyPool,
		ExtraHandlers: map[sigqueue.Kind]func(){
			sigqueue.KindReexec: func() {
				if _, err := reexec.Start(); err != nil {
					o.logger.Error("reexec_failed", "error", err)
				}
			},
		},
	}
	if o.config.ConfigFile != "" {
		acfg.TableLoader = o.loadTable
	}

	if tf.Pool != nil {
		o.pool, err = arbiter.NewPool(acfg, tf.Pool.Spec, tf.Pool.Size)
		if err != nil {
			return err
		}
		o.arbiter = o.pool.Arbiter
	} else {
		o.arbiter, err = arbiter.New(acfg)
		if err != nil {
			return err
		}
	}

	if o.config.MetricsEnabled() {
		o.metricsServer = metrics.NewServer(o.config.MetricsAddr, o.logger, o.arbiter.Snapshot)
	}
	return nil
}

// loadTable re-reads the -config file on reload. The pool keeps its size.
func (o *Orchestrator) loadTable() (*arbiter.Table, error) {
	tf, err := config.LoadTable(o.config.ConfigFile)
	if err != nil {
		return nil, err
	}
	t, err := tf.Table()
	if err != nil {
		return nil, err
	}
	if o.pool != nil {
		if _, ok := t.Lookup(o.pool.Spec()); !ok {
			return nil, fmt.Errorf("reloaded table drops pool spec %q", o.pool.Spec())
		}
	}
	return t, nil
}

// teardown releases what setup opened, in reverse order.
func (o *Orchestrator) teardown() {
	if o.relay != nil {
		o.relay.Stop()
	}

	if o.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
		cancel()
	}

	if o.capture != nil {
		if err := o.capture.Close(outputDrainTimeout); err != nil {
			o.logger.Warn("worker_output_close", "error", err)
		}
	}

	if o.listener != nil {
		if err := o.listener.Close(); err != nil {
			o.logger.Warn("listener_close", "error", err)
		}
	}
}

// startTUI runs the dashboard on its own goroutine when enabled.
func (o *Orchestrator) startTUI(wg *sync.WaitGroup) *tea.Program {
	if !o.config.TUIEnabled {
		return nil
	}
	model := tui.New(tui.Config{
		Pool:        o.poolName(),
		MetricsAddr: o.config.MetricsAddr,
		Source:      o.arbiter,
		Control:     o.arbiter,
		Tallies:     o.metrics,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			o.logger.Error("tui_error", "error", err)
		}
	}()
	return p
}

// recordLoop copies the published snapshot into the metrics until ctx ends.
func (o *Orchestrator) recordLoop(ctx context.Context) {
	ticker := time.NewTicker(recordInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.record()
		}
	}
}

func (o *Orchestrator) record() {
	o.metrics.RecordSnapshot(o.arbiter.Snapshot())
	o.metrics.RecordOutputErrors(o.capture.Handler().CountErrors())
}

// onSignal runs on the arbiter loop and remembers what stopped it.
func (o *Orchestrator) onSignal(kind sigqueue.Kind) {
	switch kind {
	case sigqueue.KindGracefulStop, sigqueue.KindImmediateStop:
		o.stopReason = "signal: " + kind.String()
	}
}

func (o *Orchestrator) poolName() string {
	if o.table == nil || o.table.Pool == nil {
		return ""
	}
	return o.table.Pool.Spec
}

func (o *Orchestrator) exitSummary() string {
	cfg := stats.SummaryConfig{
		ArbiterID:  o.id,
		Duration:   time.Since(o.startTime),
		StopReason: o.stopReason,
		Tallies:    o.metrics.Tallies(),
	}
	if snap := o.arbiter.Snapshot(); snap != nil {
		cfg.Targets = snap.Targets
	}
	if o.pool != nil {
		cfg.Pool = o.pool.Spec()
		cfg.PoolSize = o.pool.Size()
	}
	if o.metricsServer != nil {
		cfg.MetricsAddr = o.config.MetricsAddr
	}
	cfg.RecentErrors = RecentErrors(o.capture.Handler().RecentLines(logging.MaxBufferedLines), recentErrorLines)
	return stats.FormatExitSummary(cfg)
}

// InitialTargets returns the starting desired count per spec: one for
// every child, the pool size for the pooled spec.
func InitialTargets(tf *config.TableFile) map[string]int {
	targets := make(map[string]int, len(tf.Children))
	for _, c := range tf.Children {
		targets[c.Name] = 1
	}
	if tf.Pool != nil {
		targets[tf.Pool.Spec] = tf.Pool.Size
	}
	return targets
}

// TotalWorkers sums the targets.
func TotalWorkers(targets map[string]int) int {
	n := 0
	for _, v := range targets {
		n += v
	}
	return n
}

// RecentErrors returns the last n lines that match a worker error pattern,
// oldest first.
func RecentErrors(lines []string, n int) []string {
	var out []string
	for _, line := range lines {
		for _, pattern := range logging.ErrorPatterns {
			if strings.Contains(line, pattern) {
				out = append(out, line)
				break
			}
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
