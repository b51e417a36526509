// Package config provides configuration management for the arbiter.
package config

import "time"

// Config holds all configuration options for the arbiter daemon.
type Config struct {
	// Supervision
	ConfigFile      string        `json:"config_file"`
	Pool            string        `json:"pool"`    // pooled spec name; "" = from file or default spec
	Workers         int           `json:"workers"` // pool size
	AllowEmptyPool  bool          `json:"allow_empty_pool"`
	Tick            time.Duration `json:"tick"`
	GracefulTimeout time.Duration `json:"graceful_timeout"`
	HeartbeatDir    string        `json:"heartbeat_dir"`

	// Default spec, used when no config file is given
	Handler string            `json:"handler"`
	Timeout time.Duration     `json:"timeout"` // 0 = never
	Params  map[string]string `json:"params"`

	// Shared socket
	ListenAddr string `json:"listen_addr"` // "" = no listener

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	// ReexecMetricsAddr is where a re-exec'd generation serves metrics
	// while this one still holds MetricsAddr. "" = no metrics there.
	ReexecMetricsAddr string `json:"reexec_metrics_addr"`
	Verbose           bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`

	// Dashboard
	TUIEnabled bool `json:"tui_enabled"`

	// Diagnostic modes
	PrintTable    bool `json:"print_table"`
	SkipPreflight bool `json:"skip_preflight"`

	// Restart policy
	BackoffInitial  time.Duration `json:"backoff_initial"` // 0 = respawn immediately
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	explicit map[string]bool // flags given on the command line
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Supervision
		Workers:         2,
		Tick:            time.Second,
		GracefulTimeout: 30 * time.Second,

		// Default spec
		Handler: "sleep",
		Timeout: 30 * time.Second,

		// Observability
		MetricsAddr:       "127.0.0.1:17092",
		ReexecMetricsAddr: "127.0.0.1:17093",
		LogFormat:         "json",
		LogLevel:          "info",

		// Restart policy
		BackoffInitial:  250 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		BackoffMultiply: 1.7,
	}
}

// MetricsEnabled reports whether the Prometheus endpoint should be served.
func (c *Config) MetricsEnabled() bool {
	return c.MetricsAddr != ""
}

// Explicit reports whether the named flag was given on the command line.
func (c *Config) Explicit(name string) bool {
	return c.explicit[name]
}
