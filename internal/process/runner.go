// Package process defines how worker processes are created and how the
// arbiter and its workers talk to each other across the exec boundary.
package process

import (
	"os"
	"os/exec"
	"time"
)

// Request describes one worker incarnation the arbiter wants started.
type Request struct {
	WorkerID   string
	Spec       string
	Handler    string
	Generation uint64
	Timeout    time.Duration // 0 = never
	Params     map[string]string

	// Heartbeat is the worker's liveness token. It must be inherited by the
	// child; the arbiter keeps its own handle for reading.
	Heartbeat *os.File
}

// Runner creates executable commands for workers.
// This interface allows the arbiter to be decoupled from how a worker
// binary is located and invoked.
type Runner interface {
	// BuildCommand returns a ready-to-start command for the request.
	// The command should NOT be started yet, and must not be created with
	// exec.CommandContext: the arbiter reaps children itself and never
	// calls Wait.
	BuildCommand(req Request) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string
}
