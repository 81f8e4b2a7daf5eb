package multiplexer

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/agen/mux/internal/envelope"
	"github.com/tenzoki/agen/mux/internal/ids"
)

// OutBox is a write-only view onto a Multiplexer's out-queue. It does not
// own the multiplexer's lifecycle.
type OutBox struct {
	mux *Multiplexer
	log *logrus.Entry
}

// NewOutBox wraps mux.
func NewOutBox(mux *Multiplexer, log *logrus.Logger) *OutBox {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OutBox{mux: mux, log: log.WithField("component", "outbox")}
}

// Empty reports whether the out-queue currently holds no envelopes.
func (b *OutBox) Empty() bool {
	return b.mux.OutEmpty()
}

// Put enqueues env for sending.
func (b *OutBox) Put(ctx context.Context, env envelope.Envelope) error {
	b.log.WithFields(logrus.Fields{
		"to": env.To, "sender": env.Sender, "protocol_id": env.ProtocolID,
	}).Debug("enqueueing envelope for sending")
	return b.mux.Put(ctx, env)
}

// PutMessage constructs an envelope with a default empty context and
// enqueues it.
func (b *OutBox) PutMessage(ctx context.Context, to, sender envelope.Address, protocolID ids.ProtocolId, message []byte) error {
	return b.Put(ctx, envelope.New(to, sender, protocolID, message))
}
