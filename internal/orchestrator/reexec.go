package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/randomizedcoder/go-arbiter/internal/process"
)

// reexecListenFD is where the listener lands in the new arbiter: the only
// entry of ExtraFiles.
const reexecListenFD = 3

// Reexec starts a new generation of the arbiter binary next to the running
// one. The new arbiter adopts the shared listener instead of binding it, so
// both generations accept connections until the old one is told to stop.
type Reexec struct {
	Path     string
	Args     []string
	Listener *os.File
	Logger   *slog.Logger
}

// NewReexec prepares a re-exec of the running executable with the same
// command line, see ReexecArgs.
func NewReexec(listener *os.File, metricsAddr, nextMetricsAddr string, logger *slog.Logger) (*Reexec, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &Reexec{
		Path:     path,
		Args:     ReexecArgs(os.Args[1:], metricsAddr, nextMetricsAddr),
		Listener: listener,
		Logger:   logger,
	}, nil
}

// ReexecArgs returns the command line of the next generation: args with
// the dashboard switched off, since it has no terminal of its own, and the
// two metrics addresses swapped. The new generation serves on
// nextMetricsAddr while the old one still holds metricsAddr, and its own
// re-exec goes back to metricsAddr. Later flags override earlier ones.
func ReexecArgs(args []string, metricsAddr, nextMetricsAddr string) []string {
	out := append([]string(nil), args...)
	return append(out,
		"-tui=false",
		"-metrics="+nextMetricsAddr,
		"-reexec-metrics="+metricsAddr,
	)
}

// Command builds the exec.Cmd for the new generation.
func (r *Reexec) Command() (*exec.Cmd, error) {
	if r.Path == "" {
		return nil, errors.New("reexec: empty executable path")
	}
	cmd := exec.Command(r.Path, r.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		// Never let the new arbiter think it is a worker, or adopt a stale fd.
		if strings.HasPrefix(kv, process.EnvWorkerSpec+"=") ||
			strings.HasPrefix(kv, process.EnvListenFD+"=") {
			continue
		}
		env = append(env, kv)
	}
	if r.Listener != nil {
		cmd.ExtraFiles = []*os.File{r.Listener}
		env = append(env, process.EnvListenFD+"="+strconv.Itoa(reexecListenFD))
	}
	cmd.Env = env
	return cmd, nil
}

// Start launches the new generation and reaps it in the background. The
// running arbiter keeps supervising its own workers.
func (r *Reexec) Start() (int, error) {
	cmd, err := r.Command()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("reexec: %w", err)
	}
	pid := cmd.Process.Pid
	r.Logger.Info("reexec_started", "pid", pid, "path", r.Path, "listener", r.Listener != nil)

	go func() {
		err := cmd.Wait()
		r.Logger.Info("reexec_exited", "pid", pid, "error", err)
	}()
	return pid, nil
}
