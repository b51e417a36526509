package arbiter

import (
	"slices"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-arbiter/internal/sigqueue"
)

func newTestPool(t *testing.T, size int, allowEmpty bool) *Pool {
	t.Helper()
	cfg := testConfig(sleepRunner(), ChildSpec{Name: "web"})
	cfg.AllowEmptyPool = allowEmpty
	p, err := NewPool(cfg, "web", size)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { p.Stop(true) })
	return p
}

// settle runs loop passes until no retiring worker is left.
func settle(t *testing.T, a *Arbiter) {
	t.Helper()
	waitFor(t, 5*time.Second, "retiring workers to exit", func() bool {
		pass(a)
		for _, r := range a.records {
			if r.retiring {
				return false
			}
		}
		return true
	})
}

func TestNewPool_Validation(t *testing.T) {
	cfg := testConfig(sleepRunner(), ChildSpec{Name: "web"})
	if _, err := NewPool(cfg, "web", -1); err == nil {
		t.Error("negative size accepted")
	}
	if _, err := NewPool(cfg, "web", 0); err == nil {
		t.Error("empty pool accepted without AllowEmptyPool")
	}
	if _, err := NewPool(cfg, "nope", 2); err == nil {
		t.Error("pool for unknown spec accepted")
	}
}

func TestPool_GrowShrinkScenario(t *testing.T) {
	p := newTestPool(t, 3, false)

	p.Manage()
	if n := len(alive(p.Arbiter, "web")); n != 3 {
		t.Fatalf("alive = %d, want 3", n)
	}

	p.handleSignal(sigqueue.KindGrow)
	if n := len(alive(p.Arbiter, "web")); n != 4 {
		t.Fatalf("after grow alive = %d, want 4", n)
	}

	gens := func() []uint64 {
		var out []uint64
		for _, r := range alive(p.Arbiter, "web") {
			out = append(out, r.Generation)
		}
		slices.Sort(out)
		return out
	}
	before := gens()

	p.handleSignal(sigqueue.KindShrink)
	p.handleSignal(sigqueue.KindShrink)
	if p.Size() != 2 {
		t.Fatalf("Size = %d, want 2", p.Size())
	}
	settle(t, p.Arbiter)

	after := gens()
	if !slices.Equal(after, before[2:]) {
		t.Errorf("survivors = %v, want the two youngest of %v", after, before)
	}
}

func TestPool_ShrinkFloor(t *testing.T) {
	p := newTestPool(t, 2, false)
	p.Manage()

	p.Shrink()
	p.Shrink()
	p.Shrink()
	if p.Size() != 1 {
		t.Errorf("Size = %d, want floor of 1", p.Size())
	}
	settle(t, p.Arbiter)
	if n := len(alive(p.Arbiter, "web")); n != 1 {
		t.Errorf("alive = %d, want 1", n)
	}
}

func TestPool_AllowEmpty(t *testing.T) {
	p := newTestPool(t, 1, true)
	p.Manage()

	p.Shrink()
	if p.Size() != 0 {
		t.Fatalf("Size = %d, want 0", p.Size())
	}
	settle(t, p.Arbiter)
	if n := len(p.Records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}

	p.Grow()
	if n := len(alive(p.Arbiter, "web")); n != 1 {
		t.Errorf("alive after grow from empty = %d", n)
	}
}

func TestPool_ShrinkDropsPendingFirst(t *testing.T) {
	cfg := testConfig(sleepRunner(), ChildSpec{Name: "web"})
	cfg.Backoff = BackoffConfig{Initial: time.Hour, Max: time.Hour, Multiplier: 1}
	p, err := NewPool(cfg, "web", 3)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Stop(true) })
	p.Manage()

	victim := p.records[2]
	syscall.Kill(victim.Pid, syscall.SIGKILL)
	waitFor(t, 5*time.Second, "victim reaped", func() bool {
		p.Reap()
		return victim.Pending()
	})

	var retiring int
	p.Shrink()
	for _, r := range p.records {
		if r.retiring {
			retiring++
		}
	}
	if retiring != 0 {
		t.Errorf("shrink retired %d live workers instead of the pending slot", retiring)
	}
	if n := len(p.Records()); n != 2 {
		t.Errorf("records = %d, want 2", n)
	}
}

func TestPool_ReloadKeepsSize(t *testing.T) {
	var targetChanges []int
	cfg := testConfig(sleepRunner(), ChildSpec{Name: "web"})
	cfg.Callbacks.OnTargetChange = func(_ string, n int) { targetChanges = append(targetChanges, n) }
	p, err := NewPool(cfg, "web", 3)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Stop(true) })

	p.Manage()
	p.Reload()
	if n := len(alive(p.Arbiter, "web")); n != 6 {
		t.Errorf("alive during reload = %d, want 6", n)
	}
	settle(t, p.Arbiter)
	if n := len(alive(p.Arbiter, "web")); n != 3 {
		t.Errorf("alive after reload = %d, want 3", n)
	}
	if len(targetChanges) != 0 {
		t.Errorf("reload changed the target: %v", targetChanges)
	}
}
