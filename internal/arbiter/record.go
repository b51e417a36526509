package arbiter

import (
	"time"

	"github.com/randomizedcoder/go-arbiter/internal/heartbeat"
)

// State is the externally visible lifecycle state of a worker record.
type State int

const (
	StatePending State = iota
	StateRunning
	StateRetiring
	StateStale
)

var stateNames = [...]string{"pending", "running", "retiring", "stale"}

// String returns a human-readable state name.
func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// WorkerRecord is the arbiter's bookkeeping for one worker slot.
//
// A slot with Pid == 0 is waiting to be respawned. When a restartable
// worker exits the record is flipped back to that state rather than
// deleted, so its backoff history survives the respawn.
type WorkerRecord struct {
	ID         string
	Spec       ChildSpec
	Pid        int
	Generation uint64
	Alive      bool
	StartedAt  time.Time
	Restarts   int

	token       *heartbeat.Token
	backoff     *Backoff
	notBefore   time.Time
	retiring    bool
	staleKilled bool
	killed      bool
}

// Pending reports whether the record is a respawn placeholder.
func (r *WorkerRecord) Pending() bool {
	return r.Pid == 0
}

// State derives the record's display state.
func (r *WorkerRecord) State() State {
	switch {
	case r.Pending():
		return StatePending
	case r.staleKilled:
		return StateStale
	case r.retiring:
		return StateRetiring
	default:
		return StateRunning
	}
}

func (r *WorkerRecord) releaseToken() {
	if r.token != nil {
		r.token.Close()
		r.token = nil
	}
}
