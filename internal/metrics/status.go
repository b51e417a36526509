package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
)

// Status is the arbiter state read back from its /metrics endpoint.
type Status struct {
	ArbiterID      string
	Version        string
	Uptime         time.Duration
	Generation     uint64
	Stopping       bool
	Targets        map[string]int
	Alive          map[string]int
	Pending        int
	Retiring       int
	SignalsPending int

	Spawns     int64
	StaleKills int64
	Reloads    int64
	Dropped    int64
	ExitCodes  map[int]int64

	UptimeP50 time.Duration
	UptimeP95 time.Duration

	LastUpdate time.Time
}

// StatusScraper reads a running arbiter's metrics server.
type StatusScraper struct {
	baseURL    string
	httpClient *http.Client
}

// NewStatusScraper creates a scraper for the metrics server at addr
// (host:port or a full http URL).
func NewStatusScraper(addr string, timeout time.Duration) *StatusScraper {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatusScraper{
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *StatusScraper) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: http status %d", path, resp.StatusCode)
	}
	return resp, nil
}

// Scrape fetches and decodes /metrics.
func (s *StatusScraper) Scrape(ctx context.Context) (*Status, error) {
	resp, err := s.get(ctx, "/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Parse Prometheus text format
	decoder := expfmt.NewDecoder(resp.Body, expfmt.FmtText)
	families := make(map[string]*dto.MetricFamily)
	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		families[mf.GetName()] = &mf
	}

	if _, ok := families["arbiter_info"]; !ok {
		return nil, errors.New("no arbiter metrics at " + s.baseURL)
	}
	return statusFromFamilies(families), nil
}

// FetchWorkers fetches the worker table from /workers.
func (s *StatusScraper) FetchWorkers(ctx context.Context) (*arbiter.Snapshot, error) {
	resp, err := s.get(ctx, "/workers")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var snap arbiter.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode workers: %w", err)
	}
	return &snap, nil
}

func statusFromFamilies(families map[string]*dto.MetricFamily) *Status {
	st := &Status{
		Targets:    make(map[string]int),
		Alive:      make(map[string]int),
		ExitCodes:  make(map[int]int64),
		LastUpdate: time.Now(),
	}

	if mf := families["arbiter_info"]; mf != nil && len(mf.GetMetric()) > 0 {
		m := mf.GetMetric()[0]
		st.ArbiterID = labelValue(m, "arbiter_id")
		st.Version = labelValue(m, "version")
	}

	st.Uptime = seconds(gaugeValue(families["arbiter_uptime_seconds"]))
	st.Generation = uint64(gaugeValue(families["arbiter_generation"]))
	st.Stopping = gaugeValue(families["arbiter_stopping"]) > 0
	st.Pending = int(gaugeValue(families["arbiter_pending_workers"]))
	st.Retiring = int(gaugeValue(families["arbiter_retiring_workers"]))
	st.SignalsPending = int(gaugeValue(families["arbiter_signals_pending"]))
	st.UptimeP50 = seconds(gaugeValue(families["arbiter_worker_uptime_p50_seconds"]))
	st.UptimeP95 = seconds(gaugeValue(families["arbiter_worker_uptime_p95_seconds"]))

	eachMetric(families["arbiter_target_workers"], func(m *dto.Metric) {
		st.Targets[labelValue(m, "spec")] = int(m.GetGauge().GetValue())
	})
	eachMetric(families["arbiter_alive_workers"], func(m *dto.Metric) {
		st.Alive[labelValue(m, "spec")] = int(m.GetGauge().GetValue())
	})

	st.Spawns = counterSum(families["arbiter_spawns_total"])
	st.StaleKills = counterSum(families["arbiter_stale_kills_total"])
	st.Reloads = counterSum(families["arbiter_reloads_total"])
	st.Dropped = counterSum(families["arbiter_signals_dropped_total"])

	eachMetric(families["arbiter_worker_exits_total"], func(m *dto.Metric) {
		code, err := strconv.Atoi(labelValue(m, "code"))
		if err != nil {
			return
		}
		st.ExitCodes[code] += int64(m.GetCounter().GetValue())
	})

	return st
}

func eachMetric(mf *dto.MetricFamily, fn func(*dto.Metric)) {
	if mf == nil {
		return
	}
	for _, m := range mf.GetMetric() {
		fn(m)
	}
}

func gaugeValue(mf *dto.MetricFamily) float64 {
	if mf == nil || len(mf.GetMetric()) == 0 {
		return 0
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}

func counterSum(mf *dto.MetricFamily) int64 {
	var total float64
	eachMetric(mf, func(m *dto.Metric) {
		total += m.GetCounter().GetValue()
	})
	return int64(total)
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
