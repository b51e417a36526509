// Package logging builds the slog loggers used by the arbiter and its
// workers, and relays worker stderr back into the arbiter log.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/randomizedcoder/go-arbiter/internal/process"
)

// Options selects how a logger encodes and filters records.
type Options struct {
	Format  string    // "json" (default) or "text"
	Level   string    // debug, info, warn or error; anything else is info
	Verbose bool      // forces debug
	Writer  io.Writer // nil means os.Stderr
}

// New creates a logger from opts. Debug loggers also record the source
// location.
func New(opts Options) *slog.Logger {
	level := parseLevel(opts.Level)
	if opts.Verbose {
		level = slog.LevelDebug
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	hopts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if strings.EqualFold(opts.Format, "text") {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

// NewLogger creates the arbiter's logger on stderr.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	return New(Options{Format: format, Level: level, Verbose: verbose})
}

// Discard returns a logger that drops every record. The dashboard owns the
// terminal while it runs.
func Discard() *slog.Logger {
	return New(Options{Writer: io.Discard})
}

// ForWorker creates the logger a worker process writes to w, normally its
// stderr. It follows the arbiter's format and level as handed down in env,
// and every record carries the worker's identity so captured lines can be
// traced back to a slot.
func ForWorker(env *process.WorkerEnv, w io.Writer) *slog.Logger {
	return New(Options{Format: env.LogFormat, Level: env.LogLevel, Writer: w}).With(
		"worker_id", env.WorkerID,
		"spec", env.Spec,
		"handler", env.Handler,
		"generation", env.Generation,
		"pid", os.Getpid(),
	)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
