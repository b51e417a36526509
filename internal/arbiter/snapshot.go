package arbiter

import (
	"maps"
	"time"
)

// WorkerInfo is a read-only view of one worker record.
type WorkerInfo struct {
	ID           string        `json:"id"`
	Spec         string        `json:"spec"`
	Handler      string        `json:"handler"`
	Role         string        `json:"role"`
	Pid          int           `json:"pid"`
	Generation   uint64        `json:"generation"`
	State        string        `json:"state"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	Uptime       time.Duration `json:"uptime_ns"`
	HeartbeatAge time.Duration `json:"heartbeat_age_ns"`
	Timeout      time.Duration `json:"timeout_ns"`
	Restarts     int           `json:"restarts"`
}

// Snapshot is the arbiter state published after every loop pass. It is
// safe to read from any goroutine.
type Snapshot struct {
	ArbiterID      string         `json:"arbiter_id"`
	Taken          time.Time      `json:"taken"`
	Generation     uint64         `json:"generation"`
	Stopping       bool           `json:"stopping"`
	Targets        map[string]int `json:"targets"`
	Workers        []WorkerInfo   `json:"workers"`
	Alive          int            `json:"alive"`
	Pending        int            `json:"pending"`
	Retiring       int            `json:"retiring"`
	SignalsPending int            `json:"signals_pending"`
}

// AliveFor counts live workers of one spec, retiring ones included.
func (s *Snapshot) AliveFor(spec string) int {
	n := 0
	for _, w := range s.Workers {
		if w.Spec == spec && w.Pid != 0 {
			n++
		}
	}
	return n
}

// Snapshot returns the most recently published state.
func (a *Arbiter) Snapshot() *Snapshot {
	return a.snapshot.Load()
}

func (a *Arbiter) publish() {
	now := time.Now()
	s := &Snapshot{
		ArbiterID:      a.id,
		Taken:          now,
		Generation:     a.generation,
		Stopping:       a.stopping,
		Targets:        maps.Clone(a.targets),
		Workers:        make([]WorkerInfo, 0, len(a.records)),
		SignalsPending: a.signals.Len(),
	}
	for _, rec := range a.records {
		info := WorkerInfo{
			ID:         rec.ID,
			Spec:       rec.Spec.Name,
			Handler:    rec.Spec.HandlerName(),
			Role:       rec.Spec.Role.String(),
			Pid:        rec.Pid,
			Generation: rec.Generation,
			State:      rec.State().String(),
			Timeout:    rec.Spec.Timeout,
			Restarts:   rec.Restarts,
		}
		switch {
		case rec.Pending():
			s.Pending++
		case rec.Alive:
			info.StartedAt = rec.StartedAt
			info.Uptime = now.Sub(rec.StartedAt)
			if rec.token != nil {
				if age, err := rec.token.Age(now); err == nil {
					info.HeartbeatAge = age
				}
			}
			s.Alive++
			if rec.retiring {
				s.Retiring++
			}
		}
		s.Workers = append(s.Workers, info)
	}
	a.snapshot.Store(s)
}
