// Package tcp implements a network Connection: envelopes are framed as a
// protobuf varint length prefix followed by the envelope's wire record
// (internal/envelope's ProtobufSerializer), matching the framing convention
// used throughout this module for anything protocol-buffers-compatible
// (spec.md §6, network variant). It plays the role the teacher's broker
// client plays for GOX agents: dial out, run a background read loop, and
// correlate nothing beyond delivering whatever arrives.
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tenzoki/agen/mux/internal/connection"
	"github.com/tenzoki/agen/mux/internal/envelope"
	"github.com/tenzoki/agen/mux/internal/ids"
)

// maxFrameSize bounds a single envelope record to guard against a
// corrupted or malicious length prefix driving an unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// Connection is a Connection backed by a TCP socket, either dialed out to
// address (Dial) or handed an already-accepted net.Conn (Accept-side use).
type Connection struct {
	id         ids.ConnectionId
	restricted []ids.ProtocolId
	status     connection.Status
	log        *logrus.Entry

	address string

	mu        sync.Mutex
	conn      net.Conn
	ownCancel context.CancelFunc
	envelopes chan envelope.Envelope

	loopCtx context.Context
}

// Dial constructs a Connection that dials address on Connect.
func Dial(id ids.ConnectionId, restricted []ids.ProtocolId, address string, log *logrus.Logger) *Connection {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Connection{
		id:         id,
		restricted: append([]ids.ProtocolId(nil), restricted...),
		address:    address,
		log:        log.WithField("component", "tcp-connection").WithField("connection_id", id),
	}
}

// FromAccepted constructs a Connection around an already-established
// net.Conn, e.g. one handed to a listener's Accept loop.
func FromAccepted(id ids.ConnectionId, restricted []ids.ProtocolId, conn net.Conn, log *logrus.Logger) *Connection {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Connection{
		id:         id,
		restricted: append([]ids.ProtocolId(nil), restricted...),
		conn:       conn,
		log:        log.WithField("component", "tcp-connection").WithField("connection_id", id),
	}
}

func (c *Connection) ID() ids.ConnectionId                    { return c.id }
func (c *Connection) Status() *connection.Status              { return &c.status }
func (c *Connection) RestrictedToProtocols() []ids.ProtocolId { return c.restricted }

func (c *Connection) BindLoop(ctx context.Context) {
	c.loopCtx = ctx
}

// Connect dials c.address if no net.Conn was supplied already, then starts
// the background read loop.
func (c *Connection) Connect(ctx context.Context) error {
	if c.status.IsConnected() {
		return nil
	}
	c.status.Set(connection.Connecting)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		var dialer net.Dialer
		dialed, err := dialer.DialContext(ctx, "tcp", c.address)
		if err != nil {
			return &connection.Error{Op: "connect", Err: fmt.Errorf("dial %s: %w", c.address, err)}
		}
		conn = dialed
	}

	ownCtx, ownCancel := context.WithCancel(c.loopCtx)

	c.mu.Lock()
	c.conn = conn
	c.ownCancel = ownCancel
	c.envelopes = make(chan envelope.Envelope, 16)
	c.mu.Unlock()

	go c.readLoop(ownCtx, conn)

	c.status.Set(connection.Connected)
	c.log.WithField("address", c.address).Debug("tcp connection connected")
	return nil
}

func (c *Connection) Disconnect(ctx context.Context) error {
	if !c.status.IsConnected() {
		return nil
	}
	c.status.Set(connection.Disconnecting)

	c.mu.Lock()
	if c.ownCancel != nil {
		c.ownCancel()
	}
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close() // unblocks the read loop
	}

	c.status.Set(connection.Disconnected)
	c.log.Debug("tcp connection disconnected")
	if err != nil {
		return &connection.Error{Op: "disconnect", Err: err}
	}
	return nil
}

// Send frames env as a varint length prefix plus its wire record and writes
// it in one call.
func (c *Connection) Send(ctx context.Context, env envelope.Envelope) error {
	if !c.status.IsConnected() {
		return &connection.Error{Op: "send", Err: fmt.Errorf("connection %s is not connected", c.id)}
	}

	payload, err := env.Encode()
	if err != nil {
		return &connection.Error{Op: "send", Err: err}
	}

	frame := protowire.AppendVarint(nil, uint64(len(payload)))
	frame = append(frame, payload...)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &connection.Error{Op: "send", Err: fmt.Errorf("connection %s has no socket", c.id)}
	}
	if _, err := conn.Write(frame); err != nil {
		return &connection.Error{Op: "send", Err: err}
	}
	return nil
}

// Receive returns the next successfully-decoded envelope read off the
// socket, or (zero, false, nil) once the connection is torn down.
func (c *Connection) Receive(ctx context.Context) (envelope.Envelope, bool, error) {
	c.mu.Lock()
	envelopes := c.envelopes
	c.mu.Unlock()

	select {
	case env, ok := <-envelopes:
		if !ok {
			return envelope.Envelope{}, false, nil
		}
		return env, true, nil
	case <-c.loopCtx.Done():
		return envelope.Envelope{}, false, nil
	case <-ctx.Done():
		return envelope.Envelope{}, false, ctx.Err()
	}
}

// readLoop decodes a stream of varint-length-prefixed envelope records
// until the socket closes or ctx is cancelled.
func (c *Connection) readLoop(ctx context.Context, conn net.Conn) {
	defer close(c.envelopes)

	r := bufio.NewReader(conn)
	for {
		size, err := readUvarint(r)
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Debug("tcp read loop ending")
			}
			return
		}
		if size > maxFrameSize {
			c.log.WithField("size", size).Error("envelope frame exceeds maximum size, dropping connection")
			return
		}

		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			c.log.WithError(err).Debug("tcp read loop ending while reading frame body")
			return
		}

		env, err := envelope.Decode(buf)
		if err != nil {
			c.log.WithError(err).Error("failed to decode envelope frame")
			continue
		}

		select {
		case c.envelopes <- env:
		case <-ctx.Done():
			return
		}
	}
}

// readUvarint reads a base-128 varint one byte at a time, matching the
// encoding protowire.AppendVarint produces.
func readUvarint(r io.ByteReader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			if i > 9 || (i == 9 && b > 1) {
				return 0, fmt.Errorf("tcp: varint overflows 64 bits")
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}
