package multiplexer

import (
	"context"
	"sync"
	"time"

	"github.com/tenzoki/agen/mux/internal/envelope"
)

// ErrEmpty is returned when a non-blocking (or timed-out blocking) dequeue
// finds nothing available.
type ErrEmpty struct{}

func (ErrEmpty) Error() string { return "multiplexer: queue is empty" }

// item is either a real envelope or the shutdown sentinel (the "null
// envelope" of spec.md §4.3.1/§4.3.3). Only the out-queue ever carries a
// sentinel item.
type item struct {
	env       envelope.Envelope
	sentinel  bool
}

// queue is an unbounded FIFO that supports both cooperative (channel-based)
// and synchronous blocking consumers against the same underlying buffer,
// per spec.md §9: a mutex-guarded slice paired with a readiness channel
// that is closed and recreated on every push, so any number
// of waiters can be woken without losing items to a single consumed
// channel send.
type queue struct {
	mu    sync.Mutex
	items []item
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{})}
}

// Put appends an envelope and wakes any waiters. Never blocks.
func (q *queue) Put(env envelope.Envelope) {
	q.push(item{env: env})
}

// PutSentinel appends the shutdown sentinel.
func (q *queue) PutSentinel() {
	q.push(item{sentinel: true})
}

func (q *queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
}

// tryGet pops the head item if present.
func (q *queue) tryGet() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *queue) waitChan() chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// Empty reports whether the queue currently holds no items.
func (q *queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Get dequeues synchronously. block=false returns ErrEmpty immediately if
// nothing is available; block=true with timeout<=0 waits indefinitely,
// otherwise it respects the timeout. A sentinel item is reported as
// ErrEmpty to synchronous callers, who never expect to observe it.
func (q *queue) Get(block bool, timeout time.Duration) (envelope.Envelope, error) {
	if it, ok := q.tryGet(); ok && !it.sentinel {
		return it.env, nil
	}
	if !block {
		return envelope.Envelope{}, ErrEmpty{}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		wait := q.waitChan()
		if it, ok := q.tryGet(); ok && !it.sentinel {
			return it.env, nil
		}
		select {
		case <-wait:
			// woken by a push; re-check (another consumer may have won
			// the race, or a sentinel landed here by mistake).
		case <-deadline:
			return envelope.Envelope{}, ErrEmpty{}
		}
	}
}

// AsyncGetItem dequeues cooperatively, returning the raw item (possibly the
// sentinel). Used internally by the send loop.
func (q *queue) AsyncGetItem(ctx context.Context) (item, error) {
	for {
		wait := q.waitChan()
		if it, ok := q.tryGet(); ok {
			return it, nil
		}
		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return item{}, ErrEmpty{}
		}
	}
}

// AsyncGet dequeues cooperatively, returning ErrEmpty if ctx is cancelled
// before a real envelope becomes available.
func (q *queue) AsyncGet(ctx context.Context) (envelope.Envelope, error) {
	for {
		it, err := q.AsyncGetItem(ctx)
		if err != nil {
			return envelope.Envelope{}, err
		}
		if !it.sentinel {
			return it.env, nil
		}
	}
}

// AsyncWait blocks cooperatively until the queue is non-empty, without
// consuming anything.
func (q *queue) AsyncWait(ctx context.Context) error {
	for {
		wait := q.waitChan()
		if !q.Empty() {
			return nil
		}
		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
