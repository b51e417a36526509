package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
)

func testFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("go-arbiter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// Test paramList type
func TestParamList_String(t *testing.T) {
	testCases := []struct {
		input    paramList
		expected string
	}{
		{paramList{}, ""},
		{paramList{"interval": "1s"}, "interval=1s"},
		{paramList{"mode": "panic", "after": "3"}, "after=3, mode=panic"},
	}

	for _, tc := range testCases {
		result := tc.input.String()
		if result != tc.expected {
			t.Errorf("String() = %q, want %q", result, tc.expected)
		}
	}
}

func TestParamList_Set(t *testing.T) {
	p := paramList{}

	if err := p.Set("interval=1s"); err != nil {
		t.Errorf("Set returned error: %v", err)
	}
	// Values may contain '='
	if err := p.Set("prefix=a=b"); err != nil {
		t.Errorf("Set returned error: %v", err)
	}
	if p["interval"] != "1s" || p["prefix"] != "a=b" {
		t.Errorf("After Set: %v", p)
	}

	// Later value wins
	p.Set("interval=2s")
	if p["interval"] != "2s" {
		t.Errorf("interval = %q, want 2s", p["interval"])
	}

	for _, bad := range []string{"", "novalue", "=x"} {
		if err := p.Set(bad); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
}

func TestFlagType(t *testing.T) {
	testCases := []struct {
		name     string
		defValue string
		expected string
	}{
		{"bool true", "true", ""},
		{"bool false", "false", ""},
		{"int", "42", "int"},
		{"string", "hello", "string"},
		{"duration seconds", "5s", "duration"},
		{"duration minutes", "5m", "duration"},
		{"duration hours", "1h", "duration"},
		{"float", "1.7", "int"}, // Sscanf parses "1" then stops at decimal
		{"empty", "", "string"},
		{"zero", "0", "int"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := &flag.Flag{
				Name:     "test",
				DefValue: tc.defValue,
			}
			result := flagType(f)
			if result != tc.expected {
				t.Errorf("flagType(%q) = %q, want %q", tc.defValue, result, tc.expected)
			}
		})
	}
}

// =============================================================================
// Defaults and flag parsing
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
	if cfg.Tick != time.Second {
		t.Errorf("Tick = %v, want 1s", cfg.Tick)
	}
	if cfg.GracefulTimeout != 30*time.Second {
		t.Errorf("GracefulTimeout = %v, want 30s", cfg.GracefulTimeout)
	}
	if cfg.Handler != "sleep" {
		t.Errorf("Handler = %q, want sleep", cfg.Handler)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if !cfg.MetricsEnabled() {
		t.Error("metrics should be enabled by default")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags(testFlagSet(), []string{
		"-workers", "5",
		"-handler", "echo",
		"-listen", "127.0.0.1:9000",
		"-timeout", "0",
		"-param", "prefix=> ",
		"-param", "io_timeout=2s",
		"-log-format", "text",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Workers != 5 || cfg.Handler != "echo" || cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0", cfg.Timeout)
	}
	if cfg.Params["prefix"] != "> " || cfg.Params["io_timeout"] != "2s" {
		t.Errorf("Params = %v", cfg.Params)
	}
	if !cfg.Explicit("workers") || cfg.Explicit("pool") {
		t.Error("Explicit does not track given flags")
	}
}

func TestParseFlags_Errors(t *testing.T) {
	if _, err := parseFlags(testFlagSet(), []string{"-workers", "many"}); err == nil {
		t.Error("bad int accepted")
	}
	if _, err := parseFlags(testFlagSet(), []string{"-param", "oops"}); err == nil {
		t.Error("bad param accepted")
	}
	if _, err := parseFlags(testFlagSet(), []string{"stray"}); err == nil {
		t.Error("positional argument accepted")
	}
}

func TestParseFlags_Usage(t *testing.T) {
	fs := testFlagSet()
	var b strings.Builder
	fs.SetOutput(&b)
	if _, err := parseFlags(fs, []string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err = %v, want ErrHelp", err)
	}
	out := b.String()
	for _, want := range []string{"Supervision Flags:", "-workers int", "-graceful-timeout duration", "TTIN grow pool"} {
		if !strings.Contains(out, want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	if err := Validate(cfg); err != nil {
		t.Errorf("Valid config returned error: %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"zero tick", func(c *Config) { c.Tick = 0 }, "tick"},
		{"negative graceful", func(c *Config) { c.GracefulTimeout = -time.Second }, "graceful_timeout"},
		{"no handler", func(c *Config) { c.Handler = "" }, "handler"},
		{"negative timeout", func(c *Config) { c.Timeout = -1 }, "timeout"},
		{"timeout under tick", func(c *Config) { c.Timeout = 100 * time.Millisecond }, "timeout"},
		{"bad listen", func(c *Config) { c.ListenAddr = "nope" }, "listen"},
		{"bad metrics", func(c *Config) { c.MetricsAddr = "localhost" }, "metrics"},
		{"listen equals metrics", func(c *Config) { c.ListenAddr = c.MetricsAddr }, "listen"},
		{"bad reexec metrics", func(c *Config) { c.ReexecMetricsAddr = "localhost" }, "reexec_metrics"},
		{"reexec metrics equals metrics", func(c *Config) { c.ReexecMetricsAddr = c.MetricsAddr }, "reexec_metrics"},
		{"negative backoff", func(c *Config) { c.BackoffInitial = -1 }, "backoff_initial"},
		{"max under initial", func(c *Config) { c.BackoffMax = time.Millisecond }, "backoff_max"},
		{"multiplier under 1", func(c *Config) { c.BackoffMultiply = 0.5 }, "backoff_multiply"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.field+":") {
				t.Errorf("error %q does not name field %q", err, tc.field)
			}
		})
	}
}

func TestValidate_EmptyPoolAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	cfg.AllowEmptyPool = true
	if err := Validate(cfg); err != nil {
		t.Errorf("empty pool with AllowEmptyPool: %v", err)
	}
}

func TestValidate_DisabledBackoffIgnoresLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffInitial = 0
	cfg.BackoffMax = 0
	cfg.BackoffMultiply = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled backoff: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = -1
	cfg.Tick = 0
	cfg.LogFormat = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("errors.As ValidationError failed for %v", err)
	}
	for _, field := range []string{"workers", "tick", "log_format"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("joined error missing %q: %v", field, err)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test_field",
		Message: "test message",
	}

	errStr := err.Error()
	if errStr != "test_field: test message" {
		t.Errorf("Error string = %q, want %q", errStr, "test_field: test message")
	}
}

// =============================================================================
// Table files
// =============================================================================

const sampleTable = `
pool:
  spec: web
  size: 4
children:
  - name: web
    handler: echo
    timeout: 30s
    params:
      prefix: "> "
  - name: janitor
    handler: sleep
    role: kill
    timeout: never
  - name: reaper
    role: brutal_kill
`

func TestParseTable(t *testing.T) {
	tf, err := ParseTable([]byte(sampleTable))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if tf.Pool == nil || tf.Pool.Spec != "web" || tf.Pool.Size != 4 {
		t.Errorf("Pool = %+v", tf.Pool)
	}

	specs, err := tf.Specs()
	if err != nil {
		t.Fatalf("Specs: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("len(specs) = %d, want 3", len(specs))
	}

	web := specs[0]
	if web.HandlerName() != "echo" || web.Timeout != 30*time.Second || web.Role != arbiter.RoleWorker {
		t.Errorf("web = %+v", web)
	}
	if web.Params["prefix"] != "> " {
		t.Errorf("web params = %v", web.Params)
	}
	if specs[1].Role != arbiter.RoleKill || specs[1].Timeout != 0 {
		t.Errorf("janitor = %+v", specs[1])
	}
	if specs[2].Role != arbiter.RoleBrutalKill || specs[2].HandlerName() != "reaper" {
		t.Errorf("reaper = %+v", specs[2])
	}

	tbl, err := tf.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if tbl.Len() != 3 {
		t.Errorf("Len = %d", tbl.Len())
	}
}

func TestParseTable_Errors(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"no children", "children: []"},
		{"unknown key", "children:\n  - name: a\n    restart: always\n"},
		{"bad timeout", "children:\n  - name: a\n    timeout: soon\n"},
		{"negative timeout", "children:\n  - name: a\n    timeout: -1s\n"},
		{"not yaml", "children: [\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseTable([]byte(tc.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTableFile_SpecErrors(t *testing.T) {
	tf, err := ParseTable([]byte("children:\n  - name: a\n    role: temporary\n  - name: a\n"))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if _, err := tf.Specs(); err == nil || !strings.Contains(err.Error(), "temporary") {
		t.Errorf("Specs err = %v", err)
	}

	tf.Children[0].Role = ""
	if _, err := tf.Table(); err == nil {
		t.Error("duplicate names accepted")
	}
}

func TestTableFile_EncodeRoundTrip(t *testing.T) {
	tf, err := ParseTable([]byte(sampleTable))
	if err != nil {
		t.Fatal(err)
	}
	out, err := tf.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(out), "timeout: never") {
		t.Errorf("encoded table lost the never timeout:\n%s", out)
	}
	again, err := ParseTable(out)
	if err != nil {
		t.Fatalf("re-parse: %v\n%s", err, out)
	}
	if len(again.Children) != 3 || again.Children[0].Timeout != Timeout(30*time.Second) {
		t.Errorf("round trip = %+v", again.Children)
	}
}

func TestResolveTable_Default(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 3
	cfg.Params = map[string]string{"interval": "1s"}

	tf, err := ResolveTable(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tf.Pool.Spec != "sleep" || tf.Pool.Size != 3 {
		t.Errorf("Pool = %+v", tf.Pool)
	}
	if len(tf.Children) != 1 || tf.Children[0].Timeout != Timeout(cfg.Timeout) {
		t.Errorf("Children = %+v", tf.Children)
	}
}

func TestResolveTable_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbiter.yaml")
	if err := os.WriteFile(path, []byte(sampleTable), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := parseFlags(testFlagSet(), []string{"-config", path})
	if err != nil {
		t.Fatal(err)
	}
	tf, err := ResolveTable(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tf.Pool.Size != 4 {
		t.Errorf("file size overridden without -workers: %d", tf.Pool.Size)
	}

	cfg, _ = parseFlags(testFlagSet(), []string{"-config", path, "-workers", "7", "-pool", "janitor"})
	tf, err = ResolveTable(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tf.Pool.Spec != "janitor" || tf.Pool.Size != 7 {
		t.Errorf("Pool = %+v, want janitor/7", tf.Pool)
	}

	cfg, _ = parseFlags(testFlagSet(), []string{"-config", path, "-pool", "missing"})
	if _, err := ResolveTable(cfg); err == nil {
		t.Error("unknown pool spec accepted")
	}

	cfg, _ = parseFlags(testFlagSet(), []string{"-config", filepath.Join(t.TempDir(), "nope.yaml")})
	if _, err := ResolveTable(cfg); err == nil {
		t.Error("missing file accepted")
	}
}
