package orchestrator

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
	"github.com/randomizedcoder/go-arbiter/internal/config"
	"github.com/randomizedcoder/go-arbiter/internal/process"
	"github.com/randomizedcoder/go-arbiter/internal/sigqueue"
)

type sleepRunner struct{}

func (sleepRunner) BuildCommand(process.Request) (*exec.Cmd, error) {
	return exec.Command("sleep", "60"), nil
}

func (sleepRunner) Name() string { return "sleep" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTable(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbiter.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleTable = `
pool:
  spec: web
  size: 3
children:
  - name: web
    handler: echo
  - name: janitor
    handler: sleep
    role: supervisor
`

// =============================================================================
// Targets
// =============================================================================

func TestInitialTargets(t *testing.T) {
	tf, err := config.ParseTable([]byte(sampleTable))
	if err != nil {
		t.Fatal(err)
	}

	got := InitialTargets(tf)
	if got["web"] != 3 || got["janitor"] != 1 || len(got) != 2 {
		t.Errorf("InitialTargets = %v", got)
	}
	if n := TotalWorkers(got); n != 4 {
		t.Errorf("TotalWorkers = %d, want 4", n)
	}
}

func TestInitialTargets_NoPool(t *testing.T) {
	tf := &config.TableFile{Children: []config.ChildEntry{{Name: "a"}, {Name: "b"}}}
	got := InitialTargets(tf)
	if got["a"] != 1 || got["b"] != 1 {
		t.Errorf("InitialTargets = %v", got)
	}
}

// =============================================================================
// Recent errors
// =============================================================================

func TestRecentErrors(t *testing.T) {
	lines := []string{
		`{"level":"INFO","msg":"worker_started"}`,
		`{"level":"ERROR","msg":"worker_unit_failed","n":1}`,
		`{"level":"INFO","msg":"worker_heartbeat"}`,
		`panic: boom`,
		`{"level":"ERROR","msg":"worker_unit_failed","n":2}`,
	}

	tests := []struct {
		name string
		n    int
		want int
	}{
		{"all", 10, 3},
		{"last two", 2, 2},
		{"none", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecentErrors(lines, tt.n)
			if len(got) != tt.want {
				t.Fatalf("RecentErrors(n=%d) = %d lines, want %d", tt.n, len(got), tt.want)
			}
			if tt.want > 0 && !strings.Contains(got[len(got)-1], `"n":2`) {
				t.Errorf("newest line missing: %v", got)
			}
		})
	}
}

// =============================================================================
// Reload
// =============================================================================

func TestLoadTable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConfigFile = writeTable(t, sampleTable)
	o := New(cfg, testLogger(), "test")

	tbl, err := o.loadTable()
	if err != nil {
		t.Fatalf("loadTable: %v", err)
	}
	if tbl.Len() != 2 {
		t.Errorf("Len = %d, want 2", tbl.Len())
	}
}

func TestLoadTable_KeepsPoolSpec(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConfigFile = writeTable(t, "children:\n  - name: other\n")
	o := New(cfg, testLogger(), "test")

	pcfg := arbiter.Config{
		Table:  arbiter.MustTable(arbiter.ChildSpec{Name: "web"}),
		Runner: sleepRunner{},
		Logger: testLogger(),
	}
	pool, err := arbiter.NewPool(pcfg, "web", 1)
	if err != nil {
		t.Fatal(err)
	}
	o.pool = pool

	if _, err := o.loadTable(); err == nil {
		t.Error("table without the pool spec was accepted")
	}
}

func TestLoadTable_BadFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConfigFile = writeTable(t, "children: [")
	o := New(cfg, testLogger(), "test")

	if _, err := o.loadTable(); err == nil {
		t.Error("malformed table was accepted")
	}
}

// =============================================================================
// Run
// =============================================================================

func TestRun_MissingConfigFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	cfg.SkipPreflight = true

	o := New(cfg, testLogger(), "test")
	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded without a table")
	}
	if !strings.Contains(err.Error(), "resolve spec table") {
		t.Errorf("error = %v", err)
	}
}

func TestOnSignal_StopReason(t *testing.T) {
	o := New(config.DefaultConfig(), testLogger(), "test")

	o.onSignal(sigqueue.KindReload)
	if o.stopReason != "" {
		t.Errorf("reload set stop reason %q", o.stopReason)
	}
	o.onSignal(sigqueue.KindGracefulStop)
	if o.stopReason != "signal: graceful_stop" {
		t.Errorf("stopReason = %q", o.stopReason)
	}
}

func TestNew_UniqueIDs(t *testing.T) {
	a := New(config.DefaultConfig(), testLogger(), "test")
	b := New(config.DefaultConfig(), testLogger(), "test")
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("IDs %q and %q", a.ID(), b.ID())
	}
}

// =============================================================================
// Re-exec
// =============================================================================

func TestReexec_Command(t *testing.T) {
	t.Setenv(process.EnvWorkerSpec, "web")
	t.Setenv(process.EnvListenFD, "9")

	f, err := os.CreateTemp(t.TempDir(), "listener")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r := &Reexec{Path: "/bin/true", Args: []string{"-workers", "2"}, Listener: f, Logger: testLogger()}
	cmd, err := r.Command()
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	if !slices.Equal(cmd.Args, []string{"/bin/true", "-workers", "2"}) {
		t.Errorf("Args = %v", cmd.Args)
	}
	if len(cmd.ExtraFiles) != 1 || cmd.ExtraFiles[0] != f {
		t.Errorf("ExtraFiles = %v", cmd.ExtraFiles)
	}

	var listenFDs []string
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, process.EnvWorkerSpec+"=") {
			t.Errorf("worker marker leaked into new arbiter: %s", kv)
		}
		if strings.HasPrefix(kv, process.EnvListenFD+"=") {
			listenFDs = append(listenFDs, kv)
		}
	}
	if !slices.Equal(listenFDs, []string{process.EnvListenFD + "=3"}) {
		t.Errorf("listen fd env = %v", listenFDs)
	}
}

func TestReexec_NoListener(t *testing.T) {
	r := &Reexec{Path: "/bin/true", Logger: testLogger()}
	cmd, err := r.Command()
	if err != nil {
		t.Fatal(err)
	}
	if len(cmd.ExtraFiles) != 0 {
		t.Errorf("ExtraFiles = %v", cmd.ExtraFiles)
	}
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, process.EnvListenFD+"=") {
			t.Errorf("unexpected %s", kv)
		}
	}
}

func TestReexec_EmptyPath(t *testing.T) {
	if _, err := (&Reexec{Logger: testLogger()}).Command(); err == nil {
		t.Error("empty path accepted")
	}
}

func TestNewReexec_DisablesTUI(t *testing.T) {
	r, err := NewReexec(nil, "127.0.0.1:17092", "127.0.0.1:17093", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(r.Args, "-tui=false") {
		t.Errorf("Args = %v", r.Args)
	}
}

func TestReexecArgs_SwapsMetricsAddress(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		metrics   string
		next      string
		wantAddr  string
		wantAfter string
	}{
		{"defaults", nil, "127.0.0.1:17092", "127.0.0.1:17093", "127.0.0.1:17093", "127.0.0.1:17092"},
		{"explicit flag overridden", []string{"-metrics", ":9100", "-workers", "4"}, ":9100", ":9101", ":9101", ":9100"},
		{"next generation disabled", []string{"-metrics=:9100"}, ":9100", "", "", ":9100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReexecArgs(tt.args, tt.metrics, tt.next)

			fs := flag.NewFlagSet("reexec", flag.ContinueOnError)
			metrics := fs.String("metrics", "", "")
			after := fs.String("reexec-metrics", "", "")
			fs.Bool("tui", true, "")
			fs.Int("workers", 0, "")
			if err := fs.Parse(got); err != nil {
				t.Fatalf("parse %v: %v", got, err)
			}
			if *metrics != tt.wantAddr {
				t.Errorf("new generation -metrics = %q, want %q (args %v)", *metrics, tt.wantAddr, got)
			}
			if *metrics != "" && *metrics == tt.metrics {
				t.Errorf("new generation reuses the running metrics address %q", *metrics)
			}
			if *after != tt.wantAfter {
				t.Errorf("new generation -reexec-metrics = %q, want %q", *after, tt.wantAfter)
			}
		})
	}
}

func TestReexecArgs_DoesNotAlias(t *testing.T) {
	args := make([]string, 1, 8)
	args[0] = "-v"
	got := ReexecArgs(args, ":1", ":2")
	got[0] = "changed"
	if args[0] != "-v" {
		t.Error("ReexecArgs wrote into the caller's slice")
	}
}
