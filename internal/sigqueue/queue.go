package sigqueue

import (
	"log/slog"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
)

// Capacity is the maximum number of pending signal kinds. Anything that
// arrives while the queue is full is dropped and logged.
const Capacity = 5

// Callbacks contains optional hooks for queue events.
type Callbacks struct {
	// OnPush is called after a kind has been queued.
	OnPush func(kind Kind, pending int)

	// OnDrop is called when a kind is discarded because the queue is full.
	OnDrop func(kind Kind)
}

// Queue is a bounded FIFO of signal kinds plus a coalescing wake channel.
// Push may be called from any goroutine; Drain is meant for a single
// consumer.
type Queue struct {
	q         *queue.Queue
	pushMu    sync.Mutex
	wake      chan struct{}
	logger    *slog.Logger
	callbacks Callbacks
}

// New creates an empty queue.
func New(logger *slog.Logger, callbacks Callbacks) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		q:         queue.New(Capacity),
		wake:      make(chan struct{}, 1),
		logger:    logger,
		callbacks: callbacks,
	}
}

// Push appends kind and wakes the consumer. It never blocks. It returns
// false when the kind was dropped.
func (q *Queue) Push(kind Kind) bool {
	q.pushMu.Lock()
	pending := int(q.q.Len())
	if pending >= Capacity {
		q.pushMu.Unlock()
		q.logger.Warn("signal_dropped",
			"kind", kind.String(),
			"pending", pending,
			"capacity", Capacity,
		)
		if q.callbacks.OnDrop != nil {
			q.callbacks.OnDrop(kind)
		}
		q.Wakeup()
		return false
	}
	if err := q.q.Put(kind); err != nil {
		// Only fails after Dispose.
		q.pushMu.Unlock()
		return false
	}
	pending++
	q.pushMu.Unlock()

	if q.callbacks.OnPush != nil {
		q.callbacks.OnPush(kind, pending)
	}
	q.Wakeup()
	return true
}

// Drain removes and returns every pending kind in arrival order.
func (q *Queue) Drain() []Kind {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	if q.q.Empty() {
		return nil
	}
	items, err := q.q.Get(Capacity)
	if err != nil {
		return nil
	}
	kinds := make([]Kind, 0, len(items))
	for _, it := range items {
		if k, ok := it.(Kind); ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Len returns the number of pending kinds.
func (q *Queue) Len() int {
	return int(q.q.Len())
}

// Wake returns the channel that becomes readable after Push or Wakeup.
// Multiple wake-ups before a read coalesce into one.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Wakeup pokes the consumer without queueing anything.
func (q *Queue) Wakeup() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close disposes of the underlying queue. Pushes after Close are ignored.
func (q *Queue) Close() {
	q.q.Dispose()
}
