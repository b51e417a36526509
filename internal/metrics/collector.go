// Package metrics provides Prometheus metrics for go-arbiter.
//
// Lifecycle counters are fed from arbiter callbacks as events happen.
// Pool gauges are refreshed from the published arbiter snapshot.
package metrics

import (
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-arbiter/internal/arbiter"
	"github.com/randomizedcoder/go-arbiter/internal/sigqueue"
)

// --- Panel 1: Overview ---
var (
	arbiterInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_info",
			Help: "Information about the arbiter (value always 1)",
		},
		[]string{"version", "arbiter_id", "pool"},
	)

	arbiterUptimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_uptime_seconds",
			Help: "Seconds since the arbiter started",
		},
	)

	arbiterGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_generation",
			Help: "Number of worker processes started so far",
		},
	)

	arbiterStopping = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_stopping",
			Help: "1 while the arbiter is shutting down",
		},
	)
)

// --- Panel 2: Workers ---
var (
	arbiterTargetWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_target_workers",
			Help: "Desired worker count per spec",
		},
		[]string{"spec"},
	)

	arbiterAliveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_alive_workers",
			Help: "Live worker processes per spec (retiring included)",
		},
		[]string{"spec"},
	)

	arbiterPendingWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_pending_workers",
			Help: "Worker slots waiting to be respawned",
		},
	)

	arbiterRetiringWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_retiring_workers",
			Help: "Workers told to stop and not yet reaped",
		},
	)

	arbiterOldestHeartbeatSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_oldest_heartbeat_age_seconds",
			Help: "Largest heartbeat age among live workers",
		},
	)
)

// --- Panel 3: Lifecycle ---
var (
	arbiterSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_spawns_total",
			Help: "Worker processes started",
		},
		[]string{"spec"},
	)

	arbiterSpawnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_spawn_failures_total",
			Help: "Worker processes that could not be created",
		},
		[]string{"spec"},
	)

	arbiterExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_worker_exits_total",
			Help: "Reaped worker processes by exit code",
		},
		[]string{"spec", "code"},
	)

	arbiterStaleKillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_stale_kills_total",
			Help: "Workers killed for a stale heartbeat",
		},
		[]string{"spec"},
	)

	arbiterReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_reloads_total",
			Help: "Reloads performed",
		},
	)
)

// --- Panel 4: Signals ---
var (
	arbiterSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_signals_total",
			Help: "Signals dispatched from the queue by kind",
		},
		[]string{"kind"},
	)

	arbiterSignalsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_signals_dropped_total",
			Help: "Signals dropped because the queue was full",
		},
		[]string{"kind"},
	)

	arbiterSignalsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_signals_sent_total",
			Help: "Signals sent to workers",
		},
		[]string{"signal"},
	)

	arbiterSignalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_signals_pending",
			Help: "Signals queued and not yet dispatched",
		},
	)
)

// --- Panel 5: Uptime ---
var (
	arbiterWorkerUptimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "arbiter_worker_uptime_seconds",
			Help: "Worker lifetime at exit",
			Buckets: []float64{
				0.1, 0.5, 1, 5, 10, 30,
				60, 300, 900, 3600, 21600, 86400,
			},
		},
	)

	arbiterUptimeP50Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_worker_uptime_p50_seconds",
			Help: "Worker lifetime at exit, 50th percentile",
		},
	)

	arbiterUptimeP95Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_worker_uptime_p95_seconds",
			Help: "Worker lifetime at exit, 95th percentile",
		},
	)

	arbiterUptimeP99Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_worker_uptime_p99_seconds",
			Help: "Worker lifetime at exit, 99th percentile",
		},
	)
)

// --- Panel 6: Worker output ---
var (
	arbiterOutputErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_worker_output_errors_total",
			Help: "Known error patterns seen in worker output",
		},
		[]string{"pattern"},
	)
)

// Collector manages Prometheus metrics for the arbiter and keeps the
// tallies the exit summary is built from.
type Collector struct {
	mu sync.Mutex

	startTime time.Time

	spawns       int
	spawnFails   int
	staleKills   int
	reloads      int
	dropped      int
	exitCodes    map[int]int
	peakAlive    int
	uptimeDigest *tdigest.TDigest

	prevOutputErrors map[string]int
	knownSpecs       map[string]struct{}
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version   string
	ArbiterID string
	Pool      string
	Targets   map[string]int
}

// NewCollector creates a new metrics collector.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime:        time.Now(),
		exitCodes:        make(map[int]int),
		uptimeDigest:     tdigest.NewWithCompression(100),
		prevOutputErrors: make(map[string]int),
		knownSpecs:       make(map[string]struct{}),
	}

	registry.MustRegister(
		// Panel 1: Overview
		arbiterInfo,
		arbiterUptimeSeconds,
		arbiterGeneration,
		arbiterStopping,

		// Panel 2: Workers
		arbiterTargetWorkers,
		arbiterAliveWorkers,
		arbiterPendingWorkers,
		arbiterRetiringWorkers,
		arbiterOldestHeartbeatSeconds,

		// Panel 3: Lifecycle
		arbiterSpawnsTotal,
		arbiterSpawnFailuresTotal,
		arbiterExitsTotal,
		arbiterStaleKillsTotal,
		arbiterReloadsTotal,

		// Panel 4: Signals
		arbiterSignalsTotal,
		arbiterSignalsDroppedTotal,
		arbiterSignalsSentTotal,
		arbiterSignalsPending,

		// Panel 5: Uptime
		arbiterWorkerUptimeSeconds,
		arbiterUptimeP50Seconds,
		arbiterUptimeP95Seconds,
		arbiterUptimeP99Seconds,

		// Panel 6: Worker output
		arbiterOutputErrorsTotal,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	arbiterInfo.WithLabelValues(version, cfg.ArbiterID, cfg.Pool).Set(1)
	for spec, n := range cfg.Targets {
		c.knownSpecs[spec] = struct{}{}
		arbiterTargetWorkers.WithLabelValues(spec).Set(float64(n))
	}

	return c
}

// =============================================================================
// Event Methods (wired to arbiter.Callbacks)
// =============================================================================

// Callbacks returns arbiter callbacks that feed this collector. Fields of
// next that are set are called after the collector has recorded the event.
func (c *Collector) Callbacks(next arbiter.Callbacks) arbiter.Callbacks {
	return arbiter.Callbacks{
		OnSpawn: func(spec string, pid int, gen uint64) {
			c.RecordSpawn(spec)
			if next.OnSpawn != nil {
				next.OnSpawn(spec, pid, gen)
			}
		},
		OnSpawnFailed: func(spec string, err error) {
			c.RecordSpawnFailure(spec)
			if next.OnSpawnFailed != nil {
				next.OnSpawnFailed(spec, err)
			}
		},
		OnExit: func(spec string, pid, code int, uptime time.Duration) {
			c.RecordExit(spec, code, uptime)
			if next.OnExit != nil {
				next.OnExit(spec, pid, code, uptime)
			}
		},
		OnStaleKill: func(spec string, pid int, age time.Duration) {
			c.RecordStaleKill(spec)
			if next.OnStaleKill != nil {
				next.OnStaleKill(spec, pid, age)
			}
		},
		OnSignalSent: func(pid int, sig syscall.Signal) {
			arbiterSignalsSentTotal.WithLabelValues(signalName(sig)).Inc()
			if next.OnSignalSent != nil {
				next.OnSignalSent(pid, sig)
			}
		},
		OnSignal: func(kind sigqueue.Kind) {
			arbiterSignalsTotal.WithLabelValues(kind.String()).Inc()
			if next.OnSignal != nil {
				next.OnSignal(kind)
			}
		},
		OnSignalDropped: func(kind sigqueue.Kind) {
			c.RecordSignalDropped(kind)
			if next.OnSignalDropped != nil {
				next.OnSignalDropped(kind)
			}
		},
		OnReload: func() {
			c.RecordReload()
			if next.OnReload != nil {
				next.OnReload()
			}
		},
		OnTargetChange: func(spec string, n int) {
			c.RecordTarget(spec, n)
			if next.OnTargetChange != nil {
				next.OnTargetChange(spec, n)
			}
		},
	}
}

// RecordSpawn records a worker start.
func (c *Collector) RecordSpawn(spec string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.spawns++
	arbiterSpawnsTotal.WithLabelValues(spec).Inc()
}

// RecordSpawnFailure records a failed process creation.
func (c *Collector) RecordSpawnFailure(spec string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.spawnFails++
	arbiterSpawnFailuresTotal.WithLabelValues(spec).Inc()
}

// RecordExit records a reaped worker and its lifetime.
func (c *Collector) RecordExit(spec string, exitCode int, uptime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exitCodes[exitCode]++
	arbiterExitsTotal.WithLabelValues(spec, strconv.Itoa(exitCode)).Inc()

	if uptime <= 0 {
		return
	}
	arbiterWorkerUptimeSeconds.Observe(uptime.Seconds())
	c.uptimeDigest.Add(uptime.Seconds(), 1)
	arbiterUptimeP50Seconds.Set(c.uptimeDigest.Quantile(0.50))
	arbiterUptimeP95Seconds.Set(c.uptimeDigest.Quantile(0.95))
	arbiterUptimeP99Seconds.Set(c.uptimeDigest.Quantile(0.99))
}

// RecordStaleKill records a heartbeat timeout kill.
func (c *Collector) RecordStaleKill(spec string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.staleKills++
	arbiterStaleKillsTotal.WithLabelValues(spec).Inc()
}

// RecordSignalDropped records a signal lost to a full queue.
func (c *Collector) RecordSignalDropped(kind sigqueue.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropped++
	arbiterSignalsDroppedTotal.WithLabelValues(kind.String()).Inc()
}

// RecordReload records a reload.
func (c *Collector) RecordReload() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reloads++
	arbiterReloadsTotal.Inc()
}

// RecordTarget records a change of a spec's desired worker count.
func (c *Collector) RecordTarget(spec string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.knownSpecs[spec] = struct{}{}
	arbiterTargetWorkers.WithLabelValues(spec).Set(float64(n))
}

// RecordOutputErrors adds the growth of the worker output error pattern
// counts since the previous call.
func (c *Collector) RecordOutputErrors(counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pattern, n := range counts {
		if delta := n - c.prevOutputErrors[pattern]; delta > 0 {
			arbiterOutputErrorsTotal.WithLabelValues(pattern).Add(float64(delta))
		}
		c.prevOutputErrors[pattern] = n
	}
}

// =============================================================================
// Snapshot Gauges
// =============================================================================

// RecordSnapshot refreshes the pool gauges from an arbiter snapshot.
func (c *Collector) RecordSnapshot(s *arbiter.Snapshot) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	arbiterUptimeSeconds.Set(time.Since(c.startTime).Seconds())
	arbiterGeneration.Set(float64(s.Generation))
	if s.Stopping {
		arbiterStopping.Set(1)
	} else {
		arbiterStopping.Set(0)
	}

	for spec, n := range s.Targets {
		c.knownSpecs[spec] = struct{}{}
		arbiterTargetWorkers.WithLabelValues(spec).Set(float64(n))
	}
	for spec := range c.knownSpecs {
		arbiterAliveWorkers.WithLabelValues(spec).Set(float64(s.AliveFor(spec)))
	}

	arbiterPendingWorkers.Set(float64(s.Pending))
	arbiterRetiringWorkers.Set(float64(s.Retiring))
	arbiterSignalsPending.Set(float64(s.SignalsPending))

	var oldest time.Duration
	for _, w := range s.Workers {
		oldest = max(oldest, w.HeartbeatAge)
	}
	arbiterOldestHeartbeatSeconds.Set(oldest.Seconds())

	if s.Alive > c.peakAlive {
		c.peakAlive = s.Alive
	}
}

// =============================================================================
// Summary Accessors
// =============================================================================

// Tallies is a copy of the collector's lifecycle counts.
type Tallies struct {
	Spawns        int
	SpawnFailures int
	StaleKills    int
	Reloads       int
	Dropped       int
	PeakAlive     int
	ExitCodes     map[int]int
	Exits         int
	UptimeP50     time.Duration
	UptimeP95     time.Duration
	UptimeP99     time.Duration
	Elapsed       time.Duration
}

// Tallies returns the lifecycle counts collected so far.
func (c *Collector) Tallies() Tallies {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := Tallies{
		Spawns:        c.spawns,
		SpawnFailures: c.spawnFails,
		StaleKills:    c.staleKills,
		Reloads:       c.reloads,
		Dropped:       c.dropped,
		PeakAlive:     c.peakAlive,
		ExitCodes:     make(map[int]int, len(c.exitCodes)),
		Elapsed:       time.Since(c.startTime),
	}
	for code, n := range c.exitCodes {
		t.ExitCodes[code] = n
		t.Exits += n
	}
	if t.Exits > 0 {
		t.UptimeP50 = seconds(c.uptimeDigest.Quantile(0.50))
		t.UptimeP95 = seconds(c.uptimeDigest.Quantile(0.95))
		t.UptimeP99 = seconds(c.uptimeDigest.Quantile(0.99))
	}
	return t
}

// signalName returns "SIGTERM" style names, falling back to the number.
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return strconv.Itoa(int(sig))
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
