// Package heartbeat implements the worker liveness token.
//
// A token is an unlinked temporary file. The worker toggles its permission
// bits on every loop iteration, which bumps the inode change time; the
// arbiter reads that time with fstat. Neither side ever blocks on the other,
// so a worker whose control path is wedged still looks stale.
package heartbeat

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Token is a single-writer, single-reader liveness marker.
type Token struct {
	file    *os.File
	spinner atomic.Uint32
}

// New creates a token in dir (os.TempDir when empty). The backing file is
// created 0600 and unlinked before New returns, so it only lives as long
// as some process holds a descriptor for it.
func New(dir string) (*Token, error) {
	f, err := os.CreateTemp(dir, "arbiter-hb-")
	if err != nil {
		return nil, fmt.Errorf("create heartbeat file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlink heartbeat file: %w", err)
	}
	return &Token{file: f}, nil
}

// FromFD adopts an inherited token descriptor.
func FromFD(fd int) (*Token, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("heartbeat fd %d: %w", fd, err)
	}
	return &Token{file: os.NewFile(uintptr(fd), "heartbeat")}, nil
}

// Touch marks the token as fresh.
func (t *Token) Touch() error {
	mode := t.spinner.Add(1) & 1
	if err := unix.Fchmod(int(t.file.Fd()), mode); err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// LastUpdate returns the time of the most recent Touch (or creation).
func (t *Token) LastUpdate() (time.Time, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(t.file.Fd()), &st); err != nil {
		return time.Time{}, fmt.Errorf("stat heartbeat: %w", err)
	}
	sec, nsec := st.Ctim.Unix()
	return time.Unix(sec, nsec), nil
}

// Age is how long ago the token was last touched.
func (t *Token) Age(now time.Time) (time.Duration, error) {
	last, err := t.LastUpdate()
	if err != nil {
		return 0, err
	}
	return now.Sub(last), nil
}

// File exposes the descriptor so it can be handed to a child process.
func (t *Token) File() *os.File {
	return t.file
}

// Close releases this process's handle on the token.
func (t *Token) Close() error {
	return t.file.Close()
}
