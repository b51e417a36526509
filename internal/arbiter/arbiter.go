// Package arbiter implements the process supervision loop.
//
// An Arbiter owns a table of child specs and keeps one (or, for pools, N)
// live OS process per spec. It is single threaded: every method except
// Enqueue, Signals and Snapshot must be called from the goroutine running
// Run, or before Run starts.
package arbiter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/xid"

	"github.com/randomizedcoder/go-arbiter/internal/heartbeat"
	"github.com/randomizedcoder/go-arbiter/internal/process"
	"github.com/randomizedcoder/go-arbiter/internal/sigqueue"
)

// ErrBootFailure is returned by Run when a worker exits with the reserved
// boot failure status.
var ErrBootFailure = errors.New("worker failed to boot")

const (
	defaultTick            = time.Second
	defaultGracefulTimeout = 30 * time.Second

	// quitWindow bounds how long an immediate stop waits between SIGQUIT
	// and SIGKILL.
	quitWindow = time.Second

	stopPollInterval = 100 * time.Millisecond
	killReapWindow   = 2 * time.Second
)

// Callbacks contains optional callback functions for arbiter events.
type Callbacks struct {
	// OnSpawn is called after a worker process has started.
	OnSpawn func(spec string, pid int, generation uint64)

	// OnSpawnFailed is called when a process could not be created.
	OnSpawnFailed func(spec string, err error)

	// OnExit is called when a worker has been reaped.
	OnExit func(spec string, pid int, exitCode int, uptime time.Duration)

	// OnStaleKill is called when a worker is killed for a stale heartbeat.
	OnStaleKill func(spec string, pid int, age time.Duration)

	// OnSignalSent is called for every signal sent to a worker.
	OnSignalSent func(pid int, sig syscall.Signal)

	// OnSignal is called when a queued signal kind is dispatched.
	OnSignal func(kind sigqueue.Kind)

	// OnSignalDropped is called when the signal queue is full.
	OnSignalDropped func(kind sigqueue.Kind)

	// OnReload is called at the start of every reload.
	OnReload func()

	// OnTargetChange is called when a spec's desired worker count changes.
	OnTargetChange func(spec string, target int)
}

// Config holds configuration for creating an Arbiter.
type Config struct {
	Table  *Table
	Runner process.Runner
	Logger *slog.Logger

	Callbacks Callbacks

	// Tick is the maximum time the loop sleeps between passes.
	Tick time.Duration

	// GracefulTimeout is how long a graceful stop waits before SIGKILL.
	GracefulTimeout time.Duration

	// HeartbeatDir is where heartbeat tokens are created (then unlinked).
	HeartbeatDir string

	Backoff BackoffConfig

	// Targets overrides the desired count per spec name. Specs not listed
	// get one worker.
	Targets map[string]int

	// AllowEmptyPool lets a pool shrink to zero workers.
	AllowEmptyPool bool

	// TableLoader, when set, is called on reload to pick up a new table.
	// A loader error keeps the current table.
	TableLoader func() (*Table, error)

	// ExtraHandlers registers additional signal kind handlers, such as
	// re-exec, that live outside the arbiter.
	ExtraHandlers map[sigqueue.Kind]func()

	// IsGroupLeader defaults to process.IsGroupLeader.
	IsGroupLeader func() bool

	// ID is the instance ID. Generated when empty.
	ID string
}

// Arbiter supervises worker processes.
type Arbiter struct {
	id        string
	cfg       Config
	logger    *slog.Logger
	callbacks Callbacks

	table      *Table
	targets    map[string]int
	records    []*WorkerRecord
	generation uint64

	signals  *sigqueue.Queue
	handlers map[sigqueue.Kind]func()

	stopping bool
	finished bool
	halt     error

	snapshot atomic.Pointer[Snapshot]
}

// New creates an Arbiter. Nothing is started until Run (or Manage).
func New(cfg Config) (*Arbiter, error) {
	if cfg.Table == nil {
		return nil, errors.New("arbiter: nil spec table")
	}
	if cfg.Runner == nil {
		return nil, errors.New("arbiter: nil runner")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.IsGroupLeader == nil {
		cfg.IsGroupLeader = process.IsGroupLeader
	}

	id := cfg.ID
	if id == "" {
		id = xid.New().String()
	}
	a := &Arbiter{
		id:        id,
		cfg:       cfg,
		logger:    cfg.Logger.With("arbiter_id", id),
		callbacks: cfg.Callbacks,
		table:     cfg.Table,
		targets:   make(map[string]int),
	}
	a.signals = sigqueue.New(a.logger, sigqueue.Callbacks{
		OnDrop: cfg.Callbacks.OnSignalDropped,
	})

	for _, spec := range a.table.Specs() {
		a.targets[spec.Name] = 1
	}
	for name, n := range cfg.Targets {
		if _, ok := a.table.Lookup(name); !ok {
			return nil, fmt.Errorf("arbiter: target for unknown spec %q", name)
		}
		if n < 0 {
			return nil, fmt.Errorf("arbiter: negative target %d for spec %q", n, name)
		}
		a.targets[name] = n
	}

	a.handlers = map[sigqueue.Kind]func(){
		sigqueue.KindReload:        a.Reload,
		sigqueue.KindGracefulStop:  func() { a.Stop(true); a.finished = true },
		sigqueue.KindImmediateStop: func() { a.Stop(false); a.finished = true },
		sigqueue.KindBroadcast:     func() { a.Broadcast(syscall.SIGUSR1) },
		sigqueue.KindRescaleHint:   a.rescaleHint,
		sigqueue.KindChildExited:   func() {},
	}
	for kind, h := range cfg.ExtraHandlers {
		a.handlers[kind] = h
	}

	a.publish()
	return a, nil
}

// ID returns the arbiter's unique instance ID.
func (a *Arbiter) ID() string {
	return a.id
}

// Signals returns the queue that feeds the event loop.
func (a *Arbiter) Signals() *sigqueue.Queue {
	return a.signals
}

// Enqueue queues a signal kind as if the corresponding OS signal arrived.
// Safe for concurrent use.
func (a *Arbiter) Enqueue(kind sigqueue.Kind) bool {
	return a.signals.Push(kind)
}

// Handle registers or replaces the handler for kind.
func (a *Arbiter) Handle(kind sigqueue.Kind, h func()) {
	a.handlers[kind] = h
}

// Run executes the event loop until a stop signal, a boot failure or ctx
// cancellation. Cancelling ctx stops workers gracefully and returns nil.
func (a *Arbiter) Run(ctx context.Context) error {
	defer a.signals.Close()

	a.logger.Info("arbiter_started",
		"specs", a.table.Len(),
		"runner", a.cfg.Runner.Name(),
		"tick", a.cfg.Tick,
	)

	a.Manage()
	a.publish()

	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context_cancelled")
			a.Stop(true)
			a.publish()
			return nil
		case <-ticker.C:
		case <-a.signals.Wake():
		}

		for _, kind := range a.signals.Drain() {
			a.handleSignal(kind)
			if a.finished {
				break
			}
		}
		if a.finished {
			a.publish()
			a.logger.Info("arbiter_stopped", "generation", a.generation)
			return a.halt
		}

		a.Reap()
		if a.halt != nil {
			a.logger.Error("arbiter_halting", "error", a.halt)
			a.Stop(true)
			a.publish()
			return a.halt
		}

		a.MurderStale()
		a.Manage()
		a.publish()
	}
}

func (a *Arbiter) handleSignal(kind sigqueue.Kind) {
	h, ok := a.handlers[kind]
	if !ok {
		a.logger.Warn("signal_ignored", "kind", kind.String())
		return
	}
	a.logger.Info("signal_handling", "kind", kind.String())
	if a.callbacks.OnSignal != nil {
		a.callbacks.OnSignal(kind)
	}
	h()
}

// Spawn starts a new worker for spec and registers it.
func (a *Arbiter) Spawn(spec ChildSpec) (*WorkerRecord, error) {
	rec := &WorkerRecord{
		ID:   xid.New().String(),
		Spec: spec.clone(),
	}
	rec.backoff = NewBackoff(spec.Name+"/"+rec.ID, a.cfg.Backoff)
	if err := a.start(rec); err != nil {
		return nil, err
	}
	a.records = append(a.records, rec)
	return rec, nil
}

// start creates the OS process for rec. On failure rec is left untouched.
func (a *Arbiter) start(rec *WorkerRecord) error {
	tok, err := heartbeat.New(a.cfg.HeartbeatDir)
	if err != nil {
		return a.spawnFailed(rec, err)
	}

	gen := a.generation + 1
	cmd, err := a.cfg.Runner.BuildCommand(process.Request{
		WorkerID:   rec.ID,
		Spec:       rec.Spec.Name,
		Handler:    rec.Spec.HandlerName(),
		Generation: gen,
		Timeout:    rec.Spec.Timeout,
		Params:     rec.Spec.Params,
		Heartbeat:  tok.File(),
	})
	if err != nil {
		tok.Close()
		return a.spawnFailed(rec, err)
	}
	if err := cmd.Start(); err != nil {
		tok.Close()
		return a.spawnFailed(rec, err)
	}

	pid := cmd.Process.Pid
	// Exits are collected with wait4 on the pid; the handle is not needed.
	cmd.Process.Release()

	a.generation = gen
	rec.Pid = pid
	rec.Generation = gen
	rec.Alive = true
	rec.StartedAt = time.Now()
	rec.token = tok
	rec.staleKilled = false
	rec.killed = false

	a.logger.Info("worker_spawned",
		"worker_id", rec.ID,
		"spec", rec.Spec.Name,
		"pid", pid,
		"generation", gen,
	)
	if a.callbacks.OnSpawn != nil {
		a.callbacks.OnSpawn(rec.Spec.Name, pid, gen)
	}
	return nil
}

func (a *Arbiter) spawnFailed(rec *WorkerRecord, err error) error {
	a.logger.Error("worker_spawn_failed",
		"spec", rec.Spec.Name,
		"error", err,
	)
	if a.callbacks.OnSpawnFailed != nil {
		a.callbacks.OnSpawnFailed(rec.Spec.Name, err)
	}
	return fmt.Errorf("spawn %s: %w", rec.Spec.Name, err)
}

// Reap collects every exited worker without blocking.
func (a *Arbiter) Reap() {
	for _, rec := range slices.Clone(a.records) {
		if !rec.Alive {
			continue
		}
		a.collect(rec)
	}
}

// collect polls one record's pid and processes its exit if it has one.
func (a *Arbiter) collect(rec *WorkerRecord) {
	exited, code, err := process.Poll(rec.Pid)
	if err != nil && !errors.Is(err, process.ErrGone) {
		a.logger.Warn("worker_poll_failed", "pid", rec.Pid, "error", err)
		return
	}
	if exited {
		a.handleExit(rec.Pid, code)
	}
}

// handleExit applies the exit of pid to the registry. A pid with no live
// record is ignored, which makes repeated reaps harmless.
func (a *Arbiter) handleExit(pid int, code int) bool {
	if pid <= 0 {
		return false
	}
	i := slices.IndexFunc(a.records, func(r *WorkerRecord) bool {
		return r.Alive && r.Pid == pid
	})
	if i < 0 {
		return false
	}
	rec := a.records[i]
	uptime := time.Since(rec.StartedAt)

	rec.Alive = false
	rec.releaseToken()

	a.logger.Info("worker_exited",
		"worker_id", rec.ID,
		"spec", rec.Spec.Name,
		"pid", pid,
		"exit_code", code,
		"uptime", uptime,
		"retiring", rec.retiring,
	)
	if a.callbacks.OnExit != nil {
		a.callbacks.OnExit(rec.Spec.Name, pid, code, uptime)
	}

	if process.IsBootFailure(code) {
		if a.halt == nil {
			a.halt = fmt.Errorf("%w: spec %q (pid %d)", ErrBootFailure, rec.Spec.Name, pid)
		}
		a.remove(rec)
		return true
	}

	if a.stopping || rec.retiring || !rec.Spec.Role.Restartable() {
		if !rec.Spec.Role.Restartable() && !rec.retiring {
			a.setTarget(rec.Spec.Name, a.targets[rec.Spec.Name]-1)
		}
		a.remove(rec)
		return true
	}

	if ShouldReset(uptime, code) {
		rec.backoff.Reset()
	}
	delay := rec.backoff.Next()
	rec.Pid = 0
	rec.Restarts++
	rec.notBefore = time.Now().Add(delay)

	a.logger.Info("worker_respawn_pending",
		"worker_id", rec.ID,
		"spec", rec.Spec.Name,
		"restarts", rec.Restarts,
		"delay", delay,
	)
	return true
}

func (a *Arbiter) remove(rec *WorkerRecord) {
	rec.releaseToken()
	a.records = slices.DeleteFunc(a.records, func(r *WorkerRecord) bool {
		return r == rec
	})
}

// MurderStale kills every worker whose heartbeat is older than its spec's
// timeout. Each process is killed at most once; the reaper takes it from
// there.
func (a *Arbiter) MurderStale() {
	now := time.Now()
	for _, rec := range slices.Clone(a.records) {
		if !rec.Alive || rec.staleKilled || rec.Spec.Timeout <= 0 || rec.token == nil {
			continue
		}
		age, err := rec.token.Age(now)
		if err != nil {
			a.logger.Warn("heartbeat_read_failed", "pid", rec.Pid, "error", err)
			continue
		}
		if age <= rec.Spec.Timeout {
			continue
		}

		a.logger.Warn("worker_stale",
			"worker_id", rec.ID,
			"spec", rec.Spec.Name,
			"pid", rec.Pid,
			"heartbeat_age", age,
			"timeout", rec.Spec.Timeout,
		)
		rec.staleKilled = true
		if a.callbacks.OnStaleKill != nil {
			a.callbacks.OnStaleKill(rec.Spec.Name, rec.Pid, age)
		}
		a.signal(rec, syscall.SIGKILL)
	}
}

// Manage respawns pending slots whose backoff has elapsed and converges
// each spec toward its target count.
func (a *Arbiter) Manage() {
	if a.stopping {
		return
	}

	now := time.Now()
	for _, rec := range slices.Clone(a.records) {
		if rec.Pending() && !now.Before(rec.notBefore) {
			// A failure leaves the slot pending for the next pass.
			_ = a.start(rec)
		}
	}

	for _, spec := range a.table.Specs() {
		target := a.targets[spec.Name]
		active := a.active(spec.Name)
		for n := len(active); n < target; n++ {
			if _, err := a.Spawn(spec); err != nil {
				break
			}
		}
		if surplus := len(active) - target; surplus > 0 {
			a.retire(spec.Name, surplus)
		}
	}
}

// active returns the non-retiring records (live or pending) for a spec.
func (a *Arbiter) active(name string) []*WorkerRecord {
	var out []*WorkerRecord
	for _, rec := range a.records {
		if rec.Spec.Name == name && !rec.retiring {
			out = append(out, rec)
		}
	}
	return out
}

// retire removes n surplus slots of a spec: pending slots first, then the
// oldest live workers by generation, which get their role's stop signal.
func (a *Arbiter) retire(name string, n int) {
	for _, rec := range a.active(name) {
		if n == 0 {
			return
		}
		if rec.Pending() {
			a.remove(rec)
			n--
		}
	}

	live := a.active(name)
	slices.SortFunc(live, byGeneration)
	for _, rec := range live {
		if n == 0 {
			return
		}
		a.logger.Info("worker_retiring",
			"worker_id", rec.ID,
			"spec", name,
			"pid", rec.Pid,
			"generation", rec.Generation,
		)
		rec.retiring = true
		a.signal(rec, rec.Spec.Role.StopSignal())
		n--
	}
}

func byGeneration(x, y *WorkerRecord) int {
	return cmp.Compare(x.Generation, y.Generation)
}

// signal sends sig to a record's process. A pid that is already gone is
// collected right away instead of being reported as an error.
func (a *Arbiter) signal(rec *WorkerRecord, sig syscall.Signal) {
	if !rec.Alive {
		return
	}
	if a.callbacks.OnSignalSent != nil {
		a.callbacks.OnSignalSent(rec.Pid, sig)
	}
	err := process.Signal(rec.Pid, sig)
	switch {
	case err == nil:
	case errors.Is(err, process.ErrGone):
		a.logger.Debug("worker_already_gone", "pid", rec.Pid, "signal", sig.String())
		exited, code, _ := process.Poll(rec.Pid)
		if !exited {
			code = -1
		}
		a.handleExit(rec.Pid, code)
	default:
		a.logger.Warn("worker_signal_failed",
			"pid", rec.Pid,
			"signal", sig.String(),
			"error", err,
		)
	}
}

// Broadcast forwards sig to every live worker.
func (a *Arbiter) Broadcast(sig syscall.Signal) {
	for _, rec := range slices.Clone(a.records) {
		a.signal(rec, sig)
	}
}

// Reload replaces every long-lived worker with a fresh one. Replacements
// are started before any existing worker is signalled, and a spec only
// retires as many old workers as it managed to replace, oldest first. A
// failed spawn therefore leaves the old generation serving. One-shot specs
// and specs dropped from the table are stopped and not replaced.
func (a *Arbiter) Reload() {
	if a.stopping {
		return
	}
	a.logger.Info("arbiter_reloading", "generation", a.generation)
	if a.callbacks.OnReload != nil {
		a.callbacks.OnReload()
	}

	if a.cfg.TableLoader != nil {
		t, err := a.cfg.TableLoader()
		if err != nil {
			a.logger.Error("table_reload_failed", "error", err)
		} else {
			a.applyTable(t)
		}
	}

	var old []*WorkerRecord
	for _, rec := range slices.Clone(a.records) {
		switch {
		case rec.Pending():
			a.remove(rec)
		case rec.Alive && !rec.retiring:
			old = append(old, rec)
		}
	}
	slices.SortFunc(old, byGeneration)

	spawned := make(map[string]int, a.table.Len())
	for _, spec := range a.table.Specs() {
		if !spec.Role.Restartable() {
			a.setTarget(spec.Name, 0)
			continue
		}
		want := a.targets[spec.Name]
		for spawned[spec.Name] < want {
			if _, err := a.Spawn(spec); err != nil {
				a.logger.Warn("reload_spawn_short",
					"spec", spec.Name,
					"spawned", spawned[spec.Name],
					"target", want,
					"error", err,
				)
				break
			}
			spawned[spec.Name]++
		}
	}

	for _, rec := range old {
		name := rec.Spec.Name
		if spec, ok := a.table.Lookup(name); ok && spec.Role.Restartable() {
			if spawned[name] == 0 {
				continue
			}
			spawned[name]--
		}
		a.logger.Info("worker_retiring",
			"worker_id", rec.ID,
			"spec", name,
			"pid", rec.Pid,
			"generation", rec.Generation,
		)
		rec.retiring = true
		a.signal(rec, rec.Spec.Role.StopSignal())
	}

	a.Manage()
}

// applyTable swaps in a new spec table. Existing targets are kept for
// specs that survive; new specs get one worker; removed specs are dropped.
func (a *Arbiter) applyTable(t *Table) {
	targets := make(map[string]int, t.Len())
	for _, spec := range t.Specs() {
		if n, ok := a.targets[spec.Name]; ok {
			targets[spec.Name] = n
		} else {
			targets[spec.Name] = 1
		}
	}
	a.table = t
	a.targets = targets
	a.logger.Info("table_reloaded", "specs", t.Len())
}

// Stop terminates all workers. A graceful stop sends SIGTERM and waits up
// to GracefulTimeout; an immediate stop sends SIGQUIT and waits briefly.
// Anything still alive afterwards receives SIGKILL exactly once.
func (a *Arbiter) Stop(graceful bool) {
	if a.stopping && len(a.records) == 0 {
		return
	}
	a.stopping = true

	for _, rec := range slices.Clone(a.records) {
		if rec.Pending() {
			a.remove(rec)
		}
	}

	sig, wait := syscall.SIGQUIT, min(quitWindow, a.cfg.GracefulTimeout)
	if graceful {
		sig, wait = syscall.SIGTERM, a.cfg.GracefulTimeout
	}
	a.logger.Info("arbiter_stopping",
		"graceful", graceful,
		"workers", len(a.records),
		"timeout", wait,
	)
	a.Broadcast(sig)

	a.waitForExit(wait)

	for _, rec := range slices.Clone(a.records) {
		if !rec.Alive || rec.killed || rec.staleKilled {
			continue
		}
		a.logger.Warn("worker_kill", "pid", rec.Pid, "spec", rec.Spec.Name)
		rec.killed = true
		a.signal(rec, syscall.SIGKILL)
	}
	a.waitForExit(killReapWindow)

	for _, rec := range slices.Clone(a.records) {
		a.logger.Error("worker_unreaped", "pid", rec.Pid, "spec", rec.Spec.Name)
		a.remove(rec)
	}
}

func (a *Arbiter) waitForExit(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		a.Reap()
		if a.liveCount() == 0 || !time.Now().Before(deadline) {
			return
		}
		time.Sleep(stopPollInterval)
	}
}

func (a *Arbiter) liveCount() int {
	n := 0
	for _, rec := range a.records {
		if rec.Alive {
			n++
		}
	}
	return n
}

// rescaleHint scales to zero when the arbiter has been detached from its
// process group, and is ignored otherwise.
func (a *Arbiter) rescaleHint() {
	if a.cfg.IsGroupLeader() {
		a.logger.Debug("rescale_hint_ignored")
		return
	}
	a.logger.Info("rescale_hint_scale_to_zero")
	for name := range a.targets {
		a.setTarget(name, 0)
	}
	a.Manage()
}

// Target returns the desired worker count for a spec.
func (a *Arbiter) Target(name string) int {
	return a.targets[name]
}

func (a *Arbiter) setTarget(name string, n int) {
	if n < 0 {
		n = 0
	}
	if a.targets[name] == n {
		return
	}
	a.targets[name] = n
	a.logger.Info("target_changed", "spec", name, "target", n)
	if a.callbacks.OnTargetChange != nil {
		a.callbacks.OnTargetChange(name, n)
	}
}

// Records returns the current worker records.
func (a *Arbiter) Records() []*WorkerRecord {
	return slices.Clone(a.records)
}

// Generation returns the generation of the most recently spawned worker.
func (a *Arbiter) Generation() uint64 {
	return a.generation
}
