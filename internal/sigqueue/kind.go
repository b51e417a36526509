// Package sigqueue moves OS signals out of the runtime's signal delivery
// path and into the arbiter's event loop.
//
// The relay goroutine does nothing but classify the signal, append it to a
// bounded queue and poke a wake channel. All real work happens when the
// arbiter drains the queue from its own loop.
package sigqueue

import (
	"os"
	"syscall"
)

// Kind is the arbiter-level meaning of a received signal.
type Kind int

const (
	KindUnknown Kind = iota
	KindReload
	KindGracefulStop
	KindImmediateStop
	KindBroadcast
	KindRescaleHint
	KindGrow
	KindShrink
	KindChildExited
	KindReexec
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindReload:        "reload",
	KindGracefulStop:  "graceful_stop",
	KindImmediateStop: "immediate_stop",
	KindBroadcast:     "broadcast",
	KindRescaleHint:   "rescale_hint",
	KindGrow:          "grow",
	KindShrink:        "shrink",
	KindChildExited:   "child_exited",
	KindReexec:        "reexec",
}

// String returns the snake_case name used in logs and metrics labels.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// signalKinds is the fixed OS signal contract of the arbiter.
var signalKinds = map[syscall.Signal]Kind{
	syscall.SIGHUP:   KindReload,
	syscall.SIGTERM:  KindGracefulStop,
	syscall.SIGINT:   KindImmediateStop,
	syscall.SIGQUIT:  KindImmediateStop,
	syscall.SIGUSR1:  KindBroadcast,
	syscall.SIGWINCH: KindRescaleHint,
	syscall.SIGTTIN:  KindGrow,
	syscall.SIGTTOU:  KindShrink,
	syscall.SIGCHLD:  KindChildExited,
	syscall.SIGUSR2:  KindReexec,
}

// KindOf classifies sig. Signals outside the contract map to KindUnknown.
func KindOf(sig os.Signal) Kind {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return KindUnknown
	}
	if k, ok := signalKinds[s]; ok {
		return k
	}
	return KindUnknown
}

// Signals returns every OS signal the relay subscribes to.
func Signals() []os.Signal {
	out := make([]os.Signal, 0, len(signalKinds))
	for s := range signalKinds {
		out = append(out, s)
	}
	return out
}
