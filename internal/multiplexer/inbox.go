package multiplexer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/agen/mux/internal/envelope"
)

// InBox is a blocking and non-blocking view onto a Multiplexer's in-queue.
// It does not own the multiplexer's lifecycle.
type InBox struct {
	mux *Multiplexer
	log *logrus.Entry
}

// NewInBox wraps mux.
func NewInBox(mux *Multiplexer, log *logrus.Logger) *InBox {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &InBox{mux: mux, log: log.WithField("component", "inbox")}
}

// Empty reports whether there is currently an envelope waiting.
func (b *InBox) Empty() bool {
	return b.mux.InEmpty()
}

// Get dequeues synchronously, raising ErrEmpty on an empty non-blocking
// (or timed-out) attempt.
func (b *InBox) Get(block bool, timeout time.Duration) (envelope.Envelope, error) {
	env, err := b.mux.Get(block, timeout)
	if err != nil {
		return envelope.Envelope{}, err
	}
	b.log.WithFields(logrus.Fields{
		"to": env.To, "sender": env.Sender, "protocol_id": env.ProtocolID,
	}).Debug("incoming envelope")
	return env, nil
}

// GetNowait is Get(false, 0) with ErrEmpty collapsed to (zero, false).
func (b *InBox) GetNowait() (envelope.Envelope, bool) {
	env, err := b.Get(false, 0)
	if err != nil {
		return envelope.Envelope{}, false
	}
	return env, true
}

// AsyncGet dequeues cooperatively.
func (b *InBox) AsyncGet(ctx context.Context) (envelope.Envelope, error) {
	env, err := b.mux.AsyncGet(ctx)
	if err != nil {
		return envelope.Envelope{}, err
	}
	b.log.WithFields(logrus.Fields{
		"to": env.To, "sender": env.Sender, "protocol_id": env.ProtocolID,
	}).Debug("incoming envelope (async)")
	return env, nil
}

// AsyncWait waits cooperatively for the in-queue to become non-empty.
func (b *InBox) AsyncWait(ctx context.Context) error {
	return b.mux.AsyncWait(ctx)
}
