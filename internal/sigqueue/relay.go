package sigqueue

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

// Relay forwards OS signals into a Queue. SIGCHLD only wakes the loop:
// child exits are discovered by reaping, so they never take a queue slot.
type Relay struct {
	q      *Queue
	ch     chan os.Signal
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
	once   sync.Once
}

// StartRelay subscribes to sigs (Signals() when empty) and starts forwarding.
func StartRelay(q *Queue, logger *slog.Logger, sigs ...os.Signal) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sigs) == 0 {
		sigs = Signals()
	}
	r := &Relay{
		q:      q,
		ch:     make(chan os.Signal, Capacity*2),
		done:   make(chan struct{}),
		logger: logger,
	}
	signal.Notify(r.ch, sigs...)

	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Relay) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case sig := <-r.ch:
			kind := KindOf(sig)
			if kind == KindChildExited {
				r.q.Wakeup()
				continue
			}
			r.logger.Debug("signal_received", "signal", sig.String(), "kind", kind.String())
			r.q.Push(kind)
		}
	}
}

// Stop unsubscribes and waits for the relay goroutine to exit.
func (r *Relay) Stop() {
	r.once.Do(func() {
		signal.Stop(r.ch)
		close(r.done)
		r.wg.Wait()
	})
}
