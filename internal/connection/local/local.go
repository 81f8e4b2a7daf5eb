// Package local implements an in-process Connection backed by Go channels.
// It is the variant used for wiring two Multiplexers together in the same
// process, and for exercising the multiplexer's routing and whitelist logic
// in tests without any real transport (spec.md §6, "in-process" variant).
package local

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/agen/mux/internal/connection"
	"github.com/tenzoki/agen/mux/internal/envelope"
	"github.com/tenzoki/agen/mux/internal/ids"
)

// Connection is a Connection backed by two envelope channels: one it reads
// inbound traffic from, one it writes outbound traffic to. Use NewPair to
// get two ends that talk to each other directly, or construct one end
// manually to bridge to arbitrary channels.
type Connection struct {
	id          ids.ConnectionId
	restricted  []ids.ProtocolId
	status      connection.Status
	log         *logrus.Entry
	loopCtx     context.Context

	inbound  <-chan envelope.Envelope
	outbound chan<- envelope.Envelope
}

// New constructs a local Connection reading from inbound and writing to
// outbound.
func New(id ids.ConnectionId, restricted []ids.ProtocolId, inbound <-chan envelope.Envelope, outbound chan<- envelope.Envelope, log *logrus.Logger) *Connection {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Connection{
		id:         id,
		restricted: append([]ids.ProtocolId(nil), restricted...),
		inbound:    inbound,
		outbound:   outbound,
		log:        log.WithField("component", "local-connection").WithField("connection_id", id),
	}
}

// NewPair builds two Connections, each end's outbound feeding the other's
// inbound, with buffer capacity buf on each direction.
func NewPair(idA, idB ids.ConnectionId, buf int, log *logrus.Logger) (*Connection, *Connection) {
	aToB := make(chan envelope.Envelope, buf)
	bToA := make(chan envelope.Envelope, buf)
	a := New(idA, nil, bToA, aToB, log)
	b := New(idB, nil, aToB, bToA, log)
	return a, b
}

func (c *Connection) ID() ids.ConnectionId                       { return c.id }
func (c *Connection) Status() *connection.Status                 { return &c.status }
func (c *Connection) RestrictedToProtocols() []ids.ProtocolId    { return c.restricted }

func (c *Connection) BindLoop(ctx context.Context) {
	c.loopCtx = ctx
}

func (c *Connection) Connect(ctx context.Context) error {
	if c.status.IsConnected() {
		return nil
	}
	c.status.Set(connection.Connecting)
	c.status.Set(connection.Connected)
	c.log.Debug("local connection connected")
	return nil
}

func (c *Connection) Disconnect(ctx context.Context) error {
	if !c.status.IsConnected() {
		return nil
	}
	c.status.Set(connection.Disconnecting)
	c.status.Set(connection.Disconnected)
	c.log.Debug("local connection disconnected")
	return nil
}

func (c *Connection) Send(ctx context.Context, env envelope.Envelope) error {
	if !c.status.IsConnected() {
		return &connection.Error{Op: "send", Err: fmt.Errorf("connection %s is not connected", c.id)}
	}
	select {
	case c.outbound <- env:
		return nil
	case <-ctx.Done():
		return &connection.Error{Op: "send", Err: ctx.Err()}
	}
}

// Receive blocks until an envelope arrives, the loop context is cancelled
// (reported as end-of-stream, matching a transport being torn down), or ctx
// itself is cancelled (reported as an error).
func (c *Connection) Receive(ctx context.Context) (envelope.Envelope, bool, error) {
	loopDone := c.loopDoneChan()
	select {
	case env, ok := <-c.inbound:
		if !ok {
			return envelope.Envelope{}, false, nil
		}
		return env, true, nil
	case <-loopDone:
		return envelope.Envelope{}, false, nil
	case <-ctx.Done():
		return envelope.Envelope{}, false, ctx.Err()
	}
}

func (c *Connection) loopDoneChan() <-chan struct{} {
	if c.loopCtx == nil {
		return nil
	}
	return c.loopCtx.Done()
}
