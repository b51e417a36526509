package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// Pool size
	if cfg.Workers < 0 {
		errs = append(errs, ValidationError{
			Field:   "workers",
			Message: "must be non-negative",
		})
	}
	if cfg.Workers == 0 && !cfg.AllowEmptyPool {
		errs = append(errs, ValidationError{
			Field:   "workers",
			Message: "must be at least 1 (or set -allow-empty-pool)",
		})
	}

	// Timing
	if cfg.Tick <= 0 {
		errs = append(errs, ValidationError{
			Field:   "tick",
			Message: "must be positive",
		})
	}
	if cfg.GracefulTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "graceful_timeout",
			Message: "must be non-negative",
		})
	}

	// Default spec
	if cfg.ConfigFile == "" && cfg.Handler == "" {
		errs = append(errs, ValidationError{
			Field:   "handler",
			Message: "is required without -config",
		})
	}
	if cfg.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "timeout",
			Message: "must be non-negative (0 = never)",
		})
	}
	if cfg.Timeout > 0 && cfg.Timeout < cfg.Tick {
		errs = append(errs, ValidationError{
			Field:   "timeout",
			Message: fmt.Sprintf("%v is shorter than the tick %v; healthy workers would be killed", cfg.Timeout, cfg.Tick),
		})
	}

	// Addresses
	if cfg.ListenAddr != "" {
		if err := validateAddr(cfg.ListenAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "listen",
				Message: err.Error(),
			})
		}
	}
	if cfg.MetricsAddr != "" {
		if err := validateAddr(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics",
				Message: err.Error(),
			})
		}
	}
	if cfg.ListenAddr != "" && cfg.ListenAddr == cfg.MetricsAddr {
		errs = append(errs, ValidationError{
			Field:   "listen",
			Message: "must differ from the metrics address",
		})
	}
	if cfg.ReexecMetricsAddr != "" {
		if err := validateAddr(cfg.ReexecMetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "reexec_metrics",
				Message: err.Error(),
			})
		}
		if cfg.ReexecMetricsAddr == cfg.MetricsAddr || cfg.ReexecMetricsAddr == cfg.ListenAddr {
			errs = append(errs, ValidationError{
				Field:   "reexec_metrics",
				Message: "must differ from the metrics and listen addresses",
			})
		}
	}

	// Restart policy
	if cfg.BackoffInitial < 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be non-negative (0 = none)",
		})
	}
	if cfg.BackoffInitial > 0 {
		if cfg.BackoffMax < cfg.BackoffInitial {
			errs = append(errs, ValidationError{
				Field:   "backoff_max",
				Message: fmt.Sprintf("must be at least backoff_initial (%v)", cfg.BackoffInitial),
			})
		}
		if cfg.BackoffMultiply < 1.0 {
			errs = append(errs, ValidationError{
				Field:   "backoff_multiply",
				Message: "must be at least 1.0",
			})
		}
	}

	// Logging
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text', got %q", cfg.LogFormat),
		})
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error, got %q", cfg.LogLevel),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateAddr checks a host:port address.
func validateAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", addr, err)
	}
	if port == "" {
		return fmt.Errorf("address %q has no port", addr)
	}
	return nil
}
