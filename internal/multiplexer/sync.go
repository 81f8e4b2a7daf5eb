package multiplexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/agen/mux/internal/envelope"
)

// callDeadline bounds every cross-thread call the sync façade submits to
// its worker, per spec.md §4.5/§9.
const callDeadline = 240 * time.Second

// call is one submitted unit of work: a thunk to run on the worker
// goroutine, plus a channel the submitter waits on for its result.
type call struct {
	fn   func(ctx context.Context) error
	done chan error
}

// SyncMultiplexer wraps a cooperative Multiplexer for callers that are
// synchronous by nature (spec.md §4.5). It owns a dedicated worker
// goroutine that runs the cooperative loop, and exposes blocking
// Connect/Disconnect/Put built on a thread-safe submit-and-wait bridge —
// callers never see the underlying cooperative primitives.
type SyncMultiplexer struct {
	mux *Multiplexer
	log *logrus.Entry

	syncMu sync.Mutex // serializes Connect/Disconnect/Put against worker state

	workerStarted bool
	workerCancel  context.CancelFunc
	calls         chan call

	connected bool
}

// NewSync wraps mux in a synchronous façade.
func NewSync(mux *Multiplexer, log *logrus.Logger) *SyncMultiplexer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SyncMultiplexer{mux: mux, log: log.WithField("component", "sync-multiplexer")}
}

// startWorker starts the dedicated worker goroutine if it isn't already
// running. Must be called with syncMu held.
func (s *SyncMultiplexer) startWorker() {
	if s.workerStarted {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.workerCancel = cancel
	s.calls = make(chan call)
	s.workerStarted = true
	go s.runWorker(ctx)
}

// runWorker is the sole goroutine that ever touches the wrapped
// Multiplexer directly; every other goroutine reaches it only through the
// calls channel.
func (s *SyncMultiplexer) runWorker(ctx context.Context) {
	for {
		select {
		case c := <-s.calls:
			c.done <- c.fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// submit runs fn on the worker goroutine and blocks the caller up to
// callDeadline for the result.
func (s *SyncMultiplexer) submit(fn func(ctx context.Context) error) error {
	s.syncMu.Lock()
	if !s.workerStarted {
		s.syncMu.Unlock()
		return fmt.Errorf("multiplexer: worker is not running")
	}
	calls := s.calls
	s.syncMu.Unlock()

	c := call{fn: fn, done: make(chan error, 1)}
	select {
	case calls <- c:
	case <-time.After(callDeadline):
		return fmt.Errorf("multiplexer: timed out submitting call to worker after %s", callDeadline)
	}

	select {
	case err := <-c.done:
		return err
	case <-time.After(callDeadline):
		return fmt.Errorf("multiplexer: call timed out after %s", callDeadline)
	}
}

// Connect starts the worker goroutine if needed and blocks until the
// wrapped multiplexer is connected or callDeadline elapses. Idempotent:
// calling twice after a successful connect is a no-op.
func (s *SyncMultiplexer) Connect() error {
	s.syncMu.Lock()
	if s.connected {
		s.syncMu.Unlock()
		s.log.Debug("sync multiplexer already connected")
		return nil
	}
	s.startWorker()
	s.syncMu.Unlock()

	if err := s.submit(func(ctx context.Context) error { return s.mux.Connect(ctx) }); err != nil {
		return err
	}

	s.syncMu.Lock()
	s.connected = true
	s.syncMu.Unlock()
	return nil
}

// Disconnect blocks until the wrapped multiplexer is disconnected, then
// stops the worker goroutine if this façade started it. Safe to call
// without a prior Connect, and safe to call twice.
func (s *SyncMultiplexer) Disconnect() error {
	s.syncMu.Lock()
	if !s.workerStarted {
		s.syncMu.Unlock()
		return nil
	}
	wasConnected := s.connected
	s.syncMu.Unlock()

	var err error
	if wasConnected {
		err = s.submit(func(ctx context.Context) error { return s.mux.Disconnect(ctx) })
		s.syncMu.Lock()
		s.connected = false
		s.syncMu.Unlock()
	} else {
		// Drain and stop idempotently even without a prior connect.
		_ = s.submit(func(ctx context.Context) error { return s.mux.Disconnect(ctx) })
	}

	s.syncMu.Lock()
	if s.workerStarted {
		s.workerCancel()
		s.workerStarted = false
	}
	s.syncMu.Unlock()

	return err
}

// Put blocks until env is handed to the wrapped multiplexer's out-queue
// or callDeadline elapses.
func (s *SyncMultiplexer) Put(env envelope.Envelope) error {
	return s.submit(func(ctx context.Context) error { return s.mux.Put(ctx, env) })
}

// Multiplexer exposes the wrapped cooperative core, e.g. for constructing
// an InBox/OutBox pair.
func (s *SyncMultiplexer) Multiplexer() *Multiplexer {
	return s.mux
}
