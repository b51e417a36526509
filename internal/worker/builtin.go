package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/randomizedcoder/go-arbiter/internal/listener"
)

// ErrCrashRequested is returned by the crash handler once its budget of
// units is spent.
var ErrCrashRequested = errors.New("crash requested")

// sleepHandler treats a fixed pause as one unit of work.
type sleepHandler struct {
	interval time.Duration
	logger   *slog.Logger
}

// NewSleepHandler builds the "sleep" handler. Params: interval (default 1s).
func NewSleepHandler(env Env) (Handler, error) {
	d, err := env.DurationParam("interval", time.Second)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, fmt.Errorf("sleep: interval must be positive, got %v", d)
	}
	return &sleepHandler{interval: d, logger: env.Logger}, nil
}

func (h *sleepHandler) Unit(ctx context.Context) error {
	t := time.NewTimer(h.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return nil
}

func (h *sleepHandler) OnSignal(sig os.Signal) {
	if h.logger != nil {
		h.logger.Info("sleep_handler_signal", "signal", sig.String(), "interval", h.interval)
	}
}

// echoHandler accepts at most one connection per unit from the shared
// listener and echoes one line back.
type echoHandler struct {
	ln       net.Listener
	wait     time.Duration
	ioWait   time.Duration
	prefix   string
	workerID string
}

// NewEchoHandler builds the "echo" handler. It needs the shared listener.
// Params: accept_timeout (default 1s), io_timeout (default 5s), prefix.
func NewEchoHandler(env Env) (Handler, error) {
	if env.Listener == nil {
		return nil, errors.New("echo: no listener handed down")
	}
	wait, err := env.DurationParam("accept_timeout", time.Second)
	if err != nil {
		return nil, err
	}
	ioWait, err := env.DurationParam("io_timeout", 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &echoHandler{
		ln:       env.Listener,
		wait:     wait,
		ioWait:   ioWait,
		prefix:   env.Param("prefix", ""),
		workerID: env.WorkerID,
	}, nil
}

func (h *echoHandler) Unit(ctx context.Context) error {
	if err := listener.SetDeadline(h.ln, time.Now().Add(h.wait)); err != nil {
		return err
	}
	conn, err := h.ln.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return fmt.Errorf("echo accept: %w", err)
	}
	defer conn.Close()

	// Client I/O errors are the client's problem, not a worker failure.
	conn.SetDeadline(time.Now().Add(h.ioWait))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return nil
	}
	fmt.Fprintf(conn, "%s%s", h.prefix, line)
	return nil
}

// crashHandler fails after a number of units, by error or by panic.
type crashHandler struct {
	after    int
	interval time.Duration
	panics   bool
	done     int
}

// NewCrashHandler builds the "crash" handler. Params: after (units,
// default 3), interval (default 100ms), mode ("error" or "panic").
func NewCrashHandler(env Env) (Handler, error) {
	after, err := env.IntParam("after", 3)
	if err != nil {
		return nil, err
	}
	interval, err := env.DurationParam("interval", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	mode := env.Param("mode", "error")
	if mode != "error" && mode != "panic" {
		return nil, fmt.Errorf("crash: unknown mode %q", mode)
	}
	return &crashHandler{after: after, interval: interval, panics: mode == "panic"}, nil
}

func (h *crashHandler) Unit(ctx context.Context) error {
	h.done++
	if h.done >= h.after {
		if h.panics {
			panic(fmt.Sprintf("crash handler: unit %d", h.done))
		}
		return fmt.Errorf("%w after %d units", ErrCrashRequested, h.done)
	}
	select {
	case <-ctx.Done():
	case <-time.After(h.interval):
	}
	return nil
}

// hangHandler blocks in its first unit until the context ends, so the
// heartbeat stops and the arbiter's timeout fires.
type hangHandler struct{}

// NewHangHandler builds the "hang" handler.
func NewHangHandler(Env) (Handler, error) {
	return hangHandler{}, nil
}

func (hangHandler) Unit(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// NewFailBootHandler always fails, which makes the worker exit with the
// boot failure status.
func NewFailBootHandler(env Env) (Handler, error) {
	return nil, fmt.Errorf("fail-boot: %s", env.Param("reason", "refusing to start"))
}
