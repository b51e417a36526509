package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/randomizedcoder/go-arbiter/internal/heartbeat"
	"github.com/randomizedcoder/go-arbiter/internal/listener"
	"github.com/randomizedcoder/go-arbiter/internal/logging"
	"github.com/randomizedcoder/go-arbiter/internal/process"
)

// Exit statuses returned by Main.
const (
	ExitOK          = 0
	ExitUnitFailure = 1
	ExitBootFailure = process.ExitBootFailure
)

// Worker runs a Handler in a loop, touching its heartbeat before every
// unit, until it is asked to stop.
//
// SIGTERM is a graceful stop: the current unit finishes and Run returns.
// SIGINT and SIGQUIT are immediate: the process exits without waiting.
type Worker struct {
	env     Env
	handler Handler
	token   *heartbeat.Token
	logger  *slog.Logger

	stopping atomic.Bool
	units    atomic.Uint64
	ppid     int

	// Replaced in tests.
	getppid func() int
	exit    func(code int)

	cancel   context.CancelFunc
	cancelMu sync.Mutex
}

// New creates a worker. The parent pid is captured now; if it changes the
// arbiter is gone and the loop ends.
func New(env Env, handler Handler, token *heartbeat.Token) *Worker {
	logger := env.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		env:     env,
		handler: handler,
		token:   token,
		logger:  logger,
		ppid:    os.Getppid(),
		getppid: os.Getppid,
		exit:    os.Exit,
	}
}

// Units returns how many units have completed.
func (w *Worker) Units() uint64 {
	return w.units.Load()
}

// Stopping reports whether a stop has been requested.
func (w *Worker) Stopping() bool {
	return w.stopping.Load()
}

// Run executes units until a graceful stop, parent death, ctx cancellation
// or a handler failure. Handler errors and panics are returned.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				w.handleSignal(sig)
			}
		}
	}()

	w.logger.Info("worker_started",
		"generation", w.env.Generation,
		"timeout", w.env.Timeout,
	)

	for !w.stopping.Load() {
		if ctx.Err() != nil {
			break
		}
		if err := w.token.Touch(); err != nil {
			w.logger.Error("heartbeat_failed", "error", err)
			return err
		}
		if pp := w.getppid(); pp != w.ppid {
			w.logger.Warn("worker_parent_gone", "ppid", w.ppid, "now", pp)
			break
		}
		if err := w.unit(ctx); err != nil {
			w.logger.Error("worker_unit_failed", "error", err, "units", w.units.Load())
			return err
		}
		w.units.Add(1)
	}

	w.logger.Info("worker_stopped", "units", w.units.Load())
	return nil
}

// unit runs one handler call, converting a panic into an error.
func (w *Worker) unit(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker_panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Unit(ctx)
}

func (w *Worker) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM:
		w.logger.Info("worker_graceful_stop")
		w.stopping.Store(true)
	case syscall.SIGINT, syscall.SIGQUIT:
		w.logger.Info("worker_immediate_stop", "signal", sig.String())
		w.stopping.Store(true)
		w.cancelMu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		w.cancelMu.Unlock()
		w.exit(ExitOK)
	case syscall.SIGUSR1:
		w.logger.Info("worker_signal", "signal", sig.String())
		if sh, ok := w.handler.(SignalHandler); ok {
			sh.OnSignal(sig)
		}
	}
}

// Main is the entry point of a worker process. It decodes the worker
// contract from the environment, builds the handler from reg and runs it.
// The returned value is the process exit status.
func Main(ctx context.Context, reg *Registry) int {
	env, err := process.LoadWorkerEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return ExitBootFailure
	}

	logger := logging.ForWorker(env, os.Stderr)

	code, err := boot(ctx, env, reg, logger)
	if err != nil && code == ExitBootFailure {
		logger.Error("worker_boot_failed", "error", err)
	}
	return code
}

func boot(ctx context.Context, env *process.WorkerEnv, reg *Registry, logger *slog.Logger) (int, error) {
	token, err := heartbeat.FromFD(env.HeartbeatFD)
	if err != nil {
		return ExitBootFailure, err
	}
	defer token.Close()

	var ln net.Listener
	if env.ListenFD >= 0 {
		if ln, err = listener.FromFD(env.ListenFD); err != nil {
			return ExitBootFailure, err
		}
		defer ln.Close()
	}

	factory, ok := reg.Lookup(env.Handler)
	if !ok {
		return ExitBootFailure, fmt.Errorf("unknown handler %q", env.Handler)
	}
	h, err := factory(Env{
		WorkerID:   env.WorkerID,
		Spec:       env.Spec,
		Generation: env.Generation,
		Timeout:    env.Timeout,
		Params:     env.Params,
		Listener:   ln,
		Logger:     logger,
	})
	if err != nil {
		return ExitBootFailure, err
	}
	if c, ok := h.(io.Closer); ok {
		defer c.Close()
	}

	if err := New(Env{
		WorkerID:   env.WorkerID,
		Spec:       env.Spec,
		Generation: env.Generation,
		Timeout:    env.Timeout,
		Logger:     logger,
	}, h, token).Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return ExitOK, nil
		}
		return ExitUnitFailure, err
	}
	return ExitOK, nil
}
