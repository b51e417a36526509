// Package listener owns the listening socket shared by pooled workers.
//
// The arbiter binds (or adopts) the socket once; every worker inherits the
// same descriptor and accepts on it, leaving the kernel to pick who gets
// each connection.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/randomizedcoder/go-arbiter/internal/process"
)

// Listener is a TCP listener plus the descriptor handed to children.
type Listener struct {
	net.Listener
	file      *os.File
	inherited bool
}

// Open adopts the descriptor named by ARBITER_LISTEN_FD when a previous
// arbiter generation left one, and binds addr otherwise.
func Open(addr string) (*Listener, error) {
	if v := os.Getenv(process.EnvListenFD); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", process.EnvListenFD, err)
		}
		ln, err := FromFD(fd)
		if err != nil {
			return nil, err
		}
		// The variable belongs to this generation only; workers get their own.
		os.Unsetenv(process.EnvListenFD)
		return wrap(ln, true)
	}

	if addr == "" {
		return nil, errors.New("listener: no address and no inherited descriptor")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return wrap(ln, false)
}

// FromFD turns an inherited descriptor into a net.Listener.
func FromFD(fd int) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), "listener")
	if f == nil {
		return nil, fmt.Errorf("listener: invalid descriptor %d", fd)
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("listener fd %d: %w", fd, err)
	}
	return ln, nil
}

func wrap(ln net.Listener, inherited bool) (*Listener, error) {
	fl, ok := ln.(interface{ File() (*os.File, error) })
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listener: %T has no descriptor", ln)
	}
	f, err := fl.File()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("listener descriptor: %w", err)
	}
	return &Listener{Listener: ln, file: f, inherited: inherited}, nil
}

// File returns the descriptor to pass to child processes.
func (l *Listener) File() *os.File {
	return l.file
}

// Inherited reports whether the socket came from a previous generation.
func (l *Listener) Inherited() bool {
	return l.inherited
}

// Close closes both the listener and the child descriptor.
func (l *Listener) Close() error {
	return errors.Join(l.Listener.Close(), l.file.Close())
}

// SetDeadline sets the accept deadline on ln if it supports one.
func SetDeadline(ln net.Listener, t time.Time) error {
	dl, ok := ln.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return fmt.Errorf("listener: %T does not support deadlines", ln)
	}
	return dl.SetDeadline(t)
}
