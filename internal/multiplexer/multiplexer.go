// Package multiplexer implements the connection multiplexer: it fans
// outbound envelopes to connections by routing policy, and fans inbound
// envelopes from many connections into a single queue (spec.md §4.3).
//
// Called by: InBox/OutBox, the sync façade, and any caller wiring up a set
// of Connections.
// Calls: internal/connection, internal/envelope, internal/ids.
package multiplexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/agen/mux/internal/connection"
	"github.com/tenzoki/agen/mux/internal/envelope"
	"github.com/tenzoki/agen/mux/internal/ids"
)

// Multiplexer is the cooperative core: construction does not connect.
//
// Thread safety: every exported method is safe for concurrent use. The
// lifecycle lock serializes Connect/Disconnect; nothing else takes it.
type Multiplexer struct {
	log *logrus.Entry

	connections       []connection.Connection
	idToConnection    map[ids.ConnectionId]connection.Connection
	defaultConnection connection.Connection

	routing routingTable

	lifecycleMu sync.Mutex
	connected   bool

	inQueue  *queue
	outQueue *queue

	// recvCancel stops the receive loop (and any in-flight per-connection
	// receive tasks) immediately on disconnect. sendCancel is a distinct
	// context's cancel func: per spec.md §4.3.1 step 4, the send loop must
	// be cancelled only *after* it has consumed the out-queue sentinel, so
	// it cannot share recvCancel's context — that would let the send loop
	// race the sentinel via queue.go's ctx.Done() branch instead of
	// draining it.
	recvCancel context.CancelFunc
	sendCancel context.CancelFunc
	loopWg     sync.WaitGroup
}

// New constructs a Multiplexer over conns, using conns[defaultIndex] as the
// fallback destination for envelopes with no routing hint. Connection ids
// must be unique and defaultIndex must be in bounds.
func New(conns []connection.Connection, defaultIndex int, log *logrus.Logger) (*Multiplexer, error) {
	if len(conns) == 0 {
		return nil, fmt.Errorf("multiplexer: connection list must not be empty")
	}
	if defaultIndex < 0 || defaultIndex >= len(conns) {
		return nil, fmt.Errorf("multiplexer: default connection index %d out of range [0,%d)", defaultIndex, len(conns))
	}

	idToConnection := make(map[ids.ConnectionId]connection.Connection, len(conns))
	for _, c := range conns {
		id := c.ID()
		if _, exists := idToConnection[id]; exists {
			return nil, fmt.Errorf("multiplexer: duplicate connection id %s", id)
		}
		idToConnection[id] = c
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	m := &Multiplexer{
		log:               log.WithField("component", "multiplexer"),
		connections:       append([]connection.Connection(nil), conns...),
		idToConnection:    idToConnection,
		defaultConnection: conns[defaultIndex],
		inQueue:           newQueue(),
	}
	m.routing.store(map[ids.ProtocolId]ids.ConnectionId{})
	return m, nil
}

// Connections returns the ordered connection list.
func (m *Multiplexer) Connections() []connection.Connection {
	return append([]connection.Connection(nil), m.connections...)
}

// SetDefaultRouting atomically replaces the protocol-id-keyed routing
// table. Readers observe either the old or the new table, never a partial
// update.
func (m *Multiplexer) SetDefaultRouting(routing map[ids.ProtocolId]ids.ConnectionId) {
	cloned := make(map[ids.ProtocolId]ids.ConnectionId, len(routing))
	for k, v := range routing {
		cloned[k] = v
	}
	m.routing.store(cloned)
}

// DefaultRouting returns a snapshot of the current routing table.
func (m *Multiplexer) DefaultRouting() map[ids.ProtocolId]ids.ConnectionId {
	return m.routing.load()
}

// IsConnected is true iff every child connection reports connected.
func (m *Multiplexer) IsConnected() bool {
	for _, c := range m.connections {
		if !c.Status().IsConnected() {
			return false
		}
	}
	return true
}

// Connect brings every child connection up in declared order, then starts
// the receive and send loops. On the first child failing to connect, the
// already-connected prefix is rolled back and a *connection.Error is
// returned. Calling Connect when already connected is a no-op.
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.connected {
		m.log.Debug("multiplexer already connected")
		return nil
	}

	m.outQueue = newQueue()

	recvCtx, recvCancel := context.WithCancel(context.Background())
	sendCtx, sendCancel := context.WithCancel(context.Background())

	connected := make([]connection.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		c.BindLoop(recvCtx)
		if c.Status().IsConnected() {
			connected = append(connected, c)
			continue
		}
		if err := c.Connect(ctx); err != nil {
			m.log.WithError(err).WithField("connection_id", c.ID()).Error("failed to connect child connection, rolling back")
			for i := len(connected) - 1; i >= 0; i-- {
				if dErr := connected[i].Disconnect(ctx); dErr != nil {
					m.log.WithError(dErr).WithField("connection_id", connected[i].ID()).Error("failed to roll back connection")
				}
			}
			recvCancel()
			sendCancel()
			return &connection.Error{Op: "connect", Err: err}
		}
		connected = append(connected, c)
	}

	if !m.IsConnected() {
		recvCancel()
		sendCancel()
		return &connection.Error{Op: "connect", Err: fmt.Errorf("at least one connection failed to connect")}
	}

	m.connected = true
	m.recvCancel = recvCancel
	m.sendCancel = sendCancel

	m.loopWg.Add(2)
	go m.receiveLoop(recvCtx)
	go m.sendLoop(sendCtx)

	m.log.Debug("multiplexer connected and running")
	return nil
}

// Disconnect tears every child connection down (logging but not aborting
// on individual failures), stops the loop tasks, and marks the multiplexer
// disconnected. Calling Disconnect when not connected still idempotently
// drains and stops the loop tasks.
func (m *Multiplexer) Disconnect(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.connected {
		m.log.Debug("multiplexer already disconnected")
		m.stopLoops(ctx)
		return nil
	}

	var firstErr error
	for _, c := range m.connections {
		stepCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		if err := c.Disconnect(stepCtx); err != nil {
			m.log.WithError(err).WithField("connection_id", c.ID()).Error("error while disconnecting connection")
			if firstErr == nil {
				firstErr = err
			}
		}
		cancel()
	}

	m.stopLoops(ctx)
	m.connected = false

	if firstErr != nil {
		return &connection.Error{Op: "disconnect", Err: firstErr}
	}
	return nil
}

// stopLoops cancels the receive loop, pushes the send-loop sentinel, and
// waits for both loop goroutines to exit before cancelling the send loop's
// own context. Safe to call multiple times.
//
// The ordering matters (spec.md §4.3.1 step 4): the receive loop is
// cancelled immediately, but the send loop is never cancelled directly —
// it is only ever asked to quit by consuming the sentinel off the
// out-queue. sendCancel is invoked afterwards purely to release the
// context's resources, once the loop has already returned on its own.
func (m *Multiplexer) stopLoops(ctx context.Context) {
	if m.recvCancel != nil {
		m.recvCancel()
		m.recvCancel = nil
	}
	if m.outQueue != nil {
		m.outQueue.PutSentinel() // wakes the send loop and tells it to quit
	}

	done := make(chan struct{})
	go func() {
		m.loopWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		m.log.Error("timed out waiting for loop tasks to stop")
	case <-ctx.Done():
	}

	if m.sendCancel != nil {
		m.sendCancel()
		m.sendCancel = nil
	}
}

// receiveLoop maintains one in-flight receive task per connected
// connection, re-spawning a fresh task whenever one completes with an
// envelope (and that connection is still connected), and letting drained
// connections fall out of the set.
func (m *Multiplexer) receiveLoop(ctx context.Context) {
	defer m.loopWg.Done()

	type result struct {
		conn connection.Connection
		env  envelope.Envelope
		ok   bool
		err  error
	}

	results := make(chan result, len(m.connections))
	inFlight := 0

	spawn := func(c connection.Connection) {
		inFlight++
		go func() {
			env, ok, err := c.Receive(ctx)
			select {
			case results <- result{conn: c, env: env, ok: ok, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	for _, c := range m.connections {
		spawn(c)
	}

	for inFlight > 0 {
		select {
		case r := <-results:
			inFlight--
			if r.err != nil {
				m.log.WithError(r.err).WithField("connection_id", r.conn.ID()).Error("error in receive loop")
			} else if r.ok {
				m.inQueue.Put(r.env)
			}
			if r.ok && r.err == nil && r.conn.Status().IsConnected() {
				spawn(r.conn)
			}
		case <-ctx.Done():
			m.log.Debug("receiving loop cancelled")
			return
		}
	}
	m.log.Debug("receiving loop terminated: no more in-flight connections")
}

// sendLoop blocks on the out-queue, routing and sending each envelope in
// turn. The out-queue's sentinel item (queue.PutSentinel) is the shutdown
// signal.
func (m *Multiplexer) sendLoop(ctx context.Context) {
	defer m.loopWg.Done()

	for {
		it, err := m.outQueue.AsyncGetItem(ctx)
		if err != nil {
			m.log.Debug("sending loop cancelled")
			return
		}
		if it.sentinel {
			m.log.Debug("received sentinel, quitting the sending loop")
			return
		}
		if err := m.send(ctx, it.env); err != nil {
			m.log.WithError(err).Error("error in the sending loop")
		}
	}
}

// send resolves the destination connection for env (context hint, then
// default routing, then the default connection) and, if the connection's
// protocol whitelist allows it, sends.
func (m *Multiplexer) send(ctx context.Context, env envelope.Envelope) error {
	var connID *ids.ConnectionId
	if env.Context.ConnectionID != nil {
		connID = env.Context.ConnectionID
	}

	if connID == nil {
		if target, ok := m.routing.load()[env.ProtocolID]; ok {
			connID = &target
			m.log.WithField("connection_id", target).Debug("using default routing")
		}
	}

	var target connection.Connection
	if connID == nil {
		target = m.defaultConnection
		m.log.WithField("connection_id", target.ID()).Debug("using default connection")
	} else {
		c, ok := m.idToConnection[*connID]
		if !ok {
			return &connection.Error{Op: "send", Err: fmt.Errorf("no connection registered with id: %s", *connID)}
		}
		target = c
	}

	if !connection.AcceptsProtocol(target.RestrictedToProtocols(), env.ProtocolID) {
		m.log.WithFields(logrus.Fields{
			"connection_id": target.ID(),
			"protocol_id":   env.ProtocolID,
		}).Warn("connection cannot handle protocol, dropping envelope")
		return nil
	}

	return target.Send(ctx, env)
}

// Get dequeues an envelope from the in-queue synchronously.
func (m *Multiplexer) Get(block bool, timeout time.Duration) (envelope.Envelope, error) {
	return m.inQueue.Get(block, timeout)
}

// AsyncGet dequeues an envelope cooperatively.
func (m *Multiplexer) AsyncGet(ctx context.Context) (envelope.Envelope, error) {
	return m.inQueue.AsyncGet(ctx)
}

// AsyncWait waits for the in-queue to become non-empty without consuming.
func (m *Multiplexer) AsyncWait(ctx context.Context) error {
	return m.inQueue.AsyncWait(ctx)
}

// Put schedules env for sending.
func (m *Multiplexer) Put(ctx context.Context, env envelope.Envelope) error {
	q := m.outQueue
	if q == nil {
		return &connection.Error{Op: "put", Err: fmt.Errorf("accessing out queue before the multiplexer is connected")}
	}
	q.Put(env)
	return nil
}

// InEmpty reports whether the in-queue currently holds no envelopes.
func (m *Multiplexer) InEmpty() bool {
	return m.inQueue.Empty()
}

// OutEmpty reports whether the out-queue currently holds no envelopes.
func (m *Multiplexer) OutEmpty() bool {
	if m.outQueue == nil {
		return true
	}
	return m.outQueue.Empty()
}
