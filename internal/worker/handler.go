// Package worker is the process-side half of the arbiter: the run loop a
// spawned process executes, and the registry of handlers it can run.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Handler performs one bounded unit of work per call. Returning an error
// ends the worker with a non-zero exit status.
type Handler interface {
	Unit(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// Unit implements Handler.
func (f HandlerFunc) Unit(ctx context.Context) error {
	return f(ctx)
}

// SignalHandler is implemented by handlers that want SIGUSR1 broadcasts.
type SignalHandler interface {
	OnSignal(sig os.Signal)
}

// Env is what a handler factory gets to build its handler from.
type Env struct {
	WorkerID   string
	Spec       string
	Generation uint64
	Timeout    time.Duration
	Params     map[string]string

	// Listener is the shared socket, or nil when none was handed down.
	Listener net.Listener
	Logger   *slog.Logger
}

// Param returns a string parameter or def.
func (e Env) Param(key, def string) string {
	if v, ok := e.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// DurationParam parses a duration parameter.
func (e Env) DurationParam(key string, def time.Duration) (time.Duration, error) {
	v, ok := e.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return d, nil
}

// IntParam parses an integer parameter.
func (e Env) IntParam(key string, def int) (int, error) {
	v, ok := e.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Factory builds a Handler. An error is a boot failure: the worker exits
// with the reserved status and the arbiter halts.
type Factory func(env Env) (Handler, error)

// Registry maps handler names to factories. It is filled at start-up; the
// child spec table refers to entries by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register handler %q: empty name or nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("register handler %q: already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// DefaultRegistry returns a registry holding the built-in handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("sleep", NewSleepHandler)
	r.MustRegister("echo", NewEchoHandler)
	r.MustRegister("crash", NewCrashHandler)
	r.MustRegister("hang", NewHangHandler)
	r.MustRegister("fail-boot", NewFailBootHandler)
	return r
}
