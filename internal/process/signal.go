package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrGone reports that a signalled or polled pid no longer exists (or is
// no longer our child). Callers treat it as "already exited".
var ErrGone = errors.New("process already gone")

// Signal sends sig to pid. A pid that has already been reaped maps to
// ErrGone rather than a raw ESRCH.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrGone
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return ErrGone
	}
	return err
}

// Poll performs a non-blocking wait on pid. It returns exited=false while
// the child is still running. A pid that is not our child maps to ErrGone.
func Poll(pid int) (exited bool, exitCode int, err error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) {
			return true, -1, ErrGone
		}
		if err != nil {
			return false, 0, err
		}
		if wpid == 0 {
			return false, 0, nil
		}
		if ws.Stopped() || ws.Continued() {
			return false, 0, nil
		}
		return true, ExitCode(ws), nil
	}
}

// ExitCode folds a wait status into a single shell-style code: the exit
// status for normal exits, 128 + signal number for signal deaths.
func ExitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return 1
	}
}

// IsBootFailure reports whether code is the reserved boot failure status.
func IsBootFailure(code int) bool {
	return code == ExitBootFailure
}

// IsGroupLeader reports whether this process leads its own process group.
func IsGroupLeader() bool {
	return unix.Getpgrp() == unix.Getpid()
}
