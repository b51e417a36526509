package arbiter

import (
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-arbiter/internal/sigqueue"
)

// Pool is an Arbiter that runs a resizable number of identical workers
// from one spec. Other specs in the table keep their normal counts.
type Pool struct {
	*Arbiter
	spec string
}

// NewPool creates a pool of size workers for the named spec.
func NewPool(cfg Config, spec string, size int) (*Pool, error) {
	if size < 0 {
		return nil, fmt.Errorf("pool: negative size %d", size)
	}
	if size == 0 && !cfg.AllowEmptyPool {
		return nil, errors.New("pool: size 0 requires AllowEmptyPool")
	}
	targets := make(map[string]int, len(cfg.Targets)+1)
	for k, v := range cfg.Targets {
		targets[k] = v
	}
	targets[spec] = size
	cfg.Targets = targets

	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	p := &Pool{Arbiter: a, spec: spec}
	a.Handle(sigqueue.KindGrow, p.Grow)
	a.Handle(sigqueue.KindShrink, p.Shrink)
	return p, nil
}

// Spec returns the pooled spec name.
func (p *Pool) Spec() string {
	return p.spec
}

// Size returns the target pool size.
func (p *Pool) Size() int {
	return p.Target(p.spec)
}

// Grow raises the target by one and converges immediately.
func (p *Pool) Grow() {
	if p.stopping {
		return
	}
	p.setTarget(p.spec, p.Size()+1)
	p.Manage()
}

// Shrink lowers the target by one, retiring the oldest worker. The pool
// never shrinks below one worker unless AllowEmptyPool is set.
func (p *Pool) Shrink() {
	if p.stopping {
		return
	}
	floor := 1
	if p.cfg.AllowEmptyPool {
		floor = 0
	}
	if p.Size() <= floor {
		p.logger.Info("pool_shrink_refused", "spec", p.spec, "size", p.Size(), "floor", floor)
		return
	}
	p.setTarget(p.spec, p.Size()-1)
	p.Manage()
}
