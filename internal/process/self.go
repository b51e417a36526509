package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// SelfRunner starts workers by re-executing the current binary. The child
// sees the worker contract in its environment and switches to worker mode.
type SelfRunner struct {
	// Path is the executable to run. Defaults to os.Executable().
	Path string

	// Args are passed after argv[0].
	Args []string

	// Listener, when set, is inherited by every worker as ListenFD.
	Listener *os.File

	// LogFormat and LogLevel are forwarded so workers log like the arbiter.
	LogFormat string
	LogLevel  string

	// Stderr receives the child's stdout and stderr. Defaults to os.Stderr.
	// It must be an *os.File so exec does not start copy goroutines that
	// only Wait would release.
	Stderr *os.File
}

// NewSelfRunner creates a runner for the running executable.
func NewSelfRunner() (*SelfRunner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &SelfRunner{Path: path}, nil
}

// BuildCommand implements Runner.
func (r *SelfRunner) BuildCommand(req Request) (*exec.Cmd, error) {
	if r.Path == "" {
		return nil, errors.New("self runner: empty executable path")
	}
	if req.Heartbeat == nil {
		return nil, errors.New("self runner: request has no heartbeat token")
	}

	cmd := exec.Command(r.Path, r.Args...)

	listenFD := -1
	cmd.ExtraFiles = []*os.File{req.Heartbeat}
	if r.Listener != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, r.Listener)
		listenFD = ListenFD
	}

	cmd.Env = append(os.Environ(), Environ(req, listenFD)...)
	if r.LogFormat != "" {
		cmd.Env = append(cmd.Env, EnvLogFormat+"="+r.LogFormat)
	}
	if r.LogLevel != "" {
		cmd.Env = append(cmd.Env, EnvLogLevel+"="+r.LogLevel)
	}

	out := r.Stderr
	if out == nil {
		out = os.Stderr
	}
	cmd.Stdout = out
	cmd.Stderr = out

	return cmd, nil
}

// Name implements Runner.
func (r *SelfRunner) Name() string {
	return "self"
}
