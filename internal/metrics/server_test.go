package metrics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
)

func testSnapshot() *arbiter.Snapshot {
	return &arbiter.Snapshot{
		ArbiterID:  "arb1",
		Generation: 3,
		Targets:    map[string]int{"web": 2},
		Workers: []arbiter.WorkerInfo{
			{ID: "w1", Spec: "web", Pid: 100, Generation: 2, State: "running"},
			{ID: "w2", Spec: "web", Pid: 101, Generation: 3, State: "running"},
		},
		Alive: 2,
	}
}

// =============================================================================
// Tests: HTTP endpoints
// =============================================================================

func TestServer_Endpoints(t *testing.T) {
	_, reg := newTestCollector(CollectorConfig{ArbiterID: "arb1"})
	snap := testSnapshot()
	srv := httptest.NewServer(newMux(reg, func() *arbiter.Snapshot { return snap }))
	defer srv.Close()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/health", http.StatusOK, "ok"},
		{"/healthz", http.StatusOK, "ok"},
		{"/ready", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, "arbiter_info"},
		{"/workers", http.StatusOK, `"arbiter_id": "arb1"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body missing %q:\n%s", tt.contains, body)
			}
		})
	}
}

func TestServer_NotReady(t *testing.T) {
	_, reg := newTestCollector(CollectorConfig{})

	var snap atomic.Pointer[arbiter.Snapshot]
	srv := httptest.NewServer(newMux(reg, snap.Load))
	defer srv.Close()

	for _, path := range []string{"/ready", "/workers"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s before first snapshot = %d, want 503", path, resp.StatusCode)
		}
	}

	snap.Store(&arbiter.Snapshot{Stopping: true})
	resp, err := http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/ready while stopping = %d, want 503", resp.StatusCode)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer("127.0.0.1:0", logger, nil)
	if s.Addr() != "127.0.0.1:0" || s.Handler() == nil {
		t.Fatalf("server = %+v", s)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestServer_StartAddressInUse(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(held.Addr().String(), logger, nil)
	if err := s.Start(); err == nil {
		s.Shutdown(context.Background())
		t.Fatal("Start succeeded on an address that is already bound")
	}
}

// =============================================================================
// Tests: StatusScraper
// =============================================================================

func TestStatusScraper(t *testing.T) {
	c, reg := newTestCollector(CollectorConfig{ArbiterID: "scraped", Version: "1.2.3"})
	c.RecordSnapshot(&arbiter.Snapshot{
		Generation: 42,
		Targets:    map[string]int{"status-web": 2},
		Workers:    []arbiter.WorkerInfo{{Spec: "status-web", Pid: 1}, {Spec: "status-web", Pid: 2}},
		Alive:      2,
		Pending:    1,
	})
	c.RecordExit("status-web", 3, time.Second)

	snap := testSnapshot()
	srv := httptest.NewServer(newMux(reg, func() *arbiter.Snapshot { return snap }))
	defer srv.Close()

	sc := NewStatusScraper(strings.TrimPrefix(srv.URL, "http://"), time.Second)
	st, err := sc.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if st.ArbiterID != "scraped" || st.Version != "1.2.3" {
		t.Errorf("info = %q %q", st.ArbiterID, st.Version)
	}
	if st.Generation != 42 || st.Pending != 1 {
		t.Errorf("generation/pending = %d/%d", st.Generation, st.Pending)
	}
	if st.Targets["status-web"] != 2 || st.Alive["status-web"] != 2 {
		t.Errorf("targets %v alive %v", st.Targets, st.Alive)
	}
	if st.ExitCodes[3] < 1 {
		t.Errorf("ExitCodes = %v, want code 3 counted", st.ExitCodes)
	}

	workers, err := sc.FetchWorkers(context.Background())
	if err != nil {
		t.Fatalf("FetchWorkers: %v", err)
	}
	if workers.ArbiterID != "arb1" || len(workers.Workers) != 2 || workers.Workers[1].Pid != 101 {
		t.Errorf("workers = %+v", workers)
	}
}

func TestStatusScraper_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			io.WriteString(w, "# TYPE other_metric gauge\nother_metric 1\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"workers": "not a list"})
	}))
	defer srv.Close()

	sc := NewStatusScraper(srv.URL+"/", time.Second)
	if _, err := sc.Scrape(context.Background()); err == nil {
		t.Error("Scrape of a non-arbiter endpoint succeeded")
	}
	if _, err := sc.FetchWorkers(context.Background()); err == nil {
		t.Error("FetchWorkers decoded a bad body")
	}

	srv.Close()
	if _, err := sc.Scrape(context.Background()); err == nil {
		t.Error("Scrape of a closed server succeeded")
	}
}
