package multiplexer

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/agen/mux/internal/connection"
	"github.com/tenzoki/agen/mux/internal/connection/local"
	"github.com/tenzoki/agen/mux/internal/envelope"
	"github.com/tenzoki/agen/mux/internal/ids"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func mustID(t *testing.T, raw string) ids.PublicId {
	t.Helper()
	id, err := ids.Parse(raw)
	require.NoError(t, err)
	return id
}

// sinkConnection is a minimal Connection whose Send calls are observable
// from the test and whose Receive never produces anything, used to isolate
// routing decisions from any real transport.
type sinkConnection struct {
	id         ids.ConnectionId
	restricted []ids.ProtocolId
	status     connection.Status
	sent       chan envelope.Envelope
	loopCtx    context.Context
}

func newSink(id ids.ConnectionId, restricted []ids.ProtocolId) *sinkConnection {
	return &sinkConnection{id: id, restricted: restricted, sent: make(chan envelope.Envelope, 8)}
}

func (s *sinkConnection) ID() ids.ConnectionId                    { return s.id }
func (s *sinkConnection) Status() *connection.Status              { return &s.status }
func (s *sinkConnection) RestrictedToProtocols() []ids.ProtocolId { return s.restricted }
func (s *sinkConnection) BindLoop(ctx context.Context)            { s.loopCtx = ctx }
func (s *sinkConnection) Connect(ctx context.Context) error {
	s.status.Set(connection.Connected)
	return nil
}
func (s *sinkConnection) Disconnect(ctx context.Context) error {
	s.status.Set(connection.Disconnected)
	return nil
}
func (s *sinkConnection) Send(ctx context.Context, env envelope.Envelope) error {
	s.sent <- env
	return nil
}
func (s *sinkConnection) Receive(ctx context.Context) (envelope.Envelope, bool, error) {
	select {
	case <-s.loopCtx.Done():
		return envelope.Envelope{}, false, nil
	case <-ctx.Done():
		return envelope.Envelope{}, false, ctx.Err()
	}
}

func TestIsConnectedReflectsAllChildren(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	c2 := newSink(mustID(t, "fetchai/c2:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1, c2}, 0, testLogger())
	require.NoError(t, err)

	assert.False(t, mux.IsConnected())

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	assert.True(t, mux.IsConnected())

	require.NoError(t, mux.Disconnect(ctx))
	assert.False(t, mux.IsConnected())
}

// Scenario 4: an explicit context connection id wins over the default
// connection even with no default routing configured.
func TestSendThroughContextRoute(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	c2 := newSink(mustID(t, "fetchai/c2:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1, c2}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	defer mux.Disconnect(ctx)

	c2ID := c2.ID()
	env := envelope.Envelope{
		To:         "A",
		Sender:     "B",
		ProtocolID: mustID(t, "fetchai/default:0.1.0"),
		Message:    []byte("hello"),
		Context:    envelope.EnvelopeContext{ConnectionID: &c2ID},
	}
	require.NoError(t, mux.Put(ctx, env))

	select {
	case got := <-c2.sent:
		assert.True(t, env.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("expected envelope to be sent on c2")
	}

	select {
	case <-c1.sent:
		t.Fatal("did not expect envelope to be sent on c1")
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario 5: default routing resolves a protocol id to a connection when
// the envelope carries no explicit connection hint.
func TestSendThroughDefaultRouting(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	c2 := newSink(mustID(t, "fetchai/c2:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1, c2}, 0, testLogger())
	require.NoError(t, err)

	protocolID := mustID(t, "p/x:0.1.0")
	mux.SetDefaultRouting(map[ids.ProtocolId]ids.ConnectionId{protocolID: c2.ID()})

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	defer mux.Disconnect(ctx)

	env := envelope.New("A", "B", protocolID, []byte("hello"))
	require.NoError(t, mux.Put(ctx, env))

	select {
	case got := <-c2.sent:
		assert.True(t, env.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("expected envelope to be sent on c2")
	}
}

// Scenario 6: a connection restricted to a protocol whitelist silently
// drops an envelope of a protocol it does not accept.
func TestProtocolWhitelistDrop(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	restricted := []ids.ProtocolId{mustID(t, "q/y:0.1.0")}
	c2 := newSink(mustID(t, "fetchai/c2:0.1.0"), restricted)
	mux, err := New([]connection.Connection{c1, c2}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	defer mux.Disconnect(ctx)

	c2ID := c2.ID()
	protocolID := mustID(t, "p/x:0.1.0")
	env := envelope.Envelope{
		To:         "A",
		Sender:     "B",
		ProtocolID: protocolID,
		Message:    []byte("hello"),
		Context:    envelope.EnvelopeContext{ConnectionID: &c2ID},
	}
	require.NoError(t, mux.Put(ctx, env))

	select {
	case <-c2.sent:
		t.Fatal("did not expect envelope to be sent on a connection whose whitelist rejects the protocol")
	case <-time.After(200 * time.Millisecond):
	}
}

// Scenario 7: connect immediately followed by disconnect leaves every
// connection disconnected and both loop tasks stopped.
func TestDisconnectWhileIdle(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	require.NoError(t, mux.Disconnect(ctx))

	assert.False(t, mux.IsConnected())
	assert.Equal(t, connection.Disconnected, c1.Status().Get())
}

// Scenario 8: a second connect()/disconnect() call is a no-op.
func TestConnectDisconnectIdempotence(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	require.NoError(t, mux.Connect(ctx))
	assert.True(t, mux.IsConnected())

	require.NoError(t, mux.Disconnect(ctx))
	require.NoError(t, mux.Disconnect(ctx))
	assert.False(t, mux.IsConnected())
}

// Sends into the same connection observe the order they were enqueued in.
func TestSendOrderPreservedPerConnection(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	defer mux.Disconnect(ctx)

	protocolID := mustID(t, "fetchai/default:0.1.0")
	for i := 0; i < 5; i++ {
		require.NoError(t, mux.Put(ctx, envelope.New("A", "B", protocolID, []byte{byte(i)})))
	}

	for i := 0; i < 5; i++ {
		select {
		case got := <-c1.sent:
			assert.Equal(t, []byte{byte(i)}, got.Message)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for send %d", i)
		}
	}
}

// failingConnection always fails to connect; used to exercise rollback.
type failingConnection struct {
	sinkConnection
}

func (f *failingConnection) Connect(ctx context.Context) error {
	return &connection.Error{Op: "connect", Err: assert.AnError}
}

// Scenario: the first child failing to connect rolls back every
// already-connected child and leaves the multiplexer disconnected.
func TestConnectRollsBackOnFirstFailure(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	c2 := &failingConnection{sinkConnection: *newSink(mustID(t, "fetchai/c2:0.1.0"), nil)}
	mux, err := New([]connection.Connection{c1, c2}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	err = mux.Connect(ctx)
	require.Error(t, err)
	var connErr *connection.Error
	require.ErrorAs(t, err, &connErr)

	assert.False(t, mux.IsConnected())
	assert.Equal(t, connection.Disconnected, c1.Status().Get())
}

// Scenario: with no context hint and no default routing entry, an outbound
// envelope falls all the way through to the default connection.
func TestSendFallsBackToDefaultConnection(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	c2 := newSink(mustID(t, "fetchai/c2:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1, c2}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	defer mux.Disconnect(ctx)

	env := envelope.New("A", "B", mustID(t, "p/untouched:0.1.0"), []byte("hello"))
	require.NoError(t, mux.Put(ctx, env))

	select {
	case got := <-c1.sent:
		assert.True(t, env.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("expected envelope to be sent on the default connection c1")
	}

	select {
	case <-c2.sent:
		t.Fatal("did not expect envelope to be sent on c2")
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario: routing to a connection id unknown to the multiplexer is
// logged and dropped, never propagated to the Put caller.
func TestSendToUnknownConnectionIsContained(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	defer mux.Disconnect(ctx)

	unknown := mustID(t, "fetchai/ghost:0.1.0")
	env := envelope.Envelope{
		To:         "A",
		Sender:     "B",
		ProtocolID: mustID(t, "fetchai/default:0.1.0"),
		Message:    []byte("hello"),
		Context:    envelope.EnvelopeContext{ConnectionID: &unknown},
	}
	require.NoError(t, mux.Put(ctx, env))

	select {
	case <-c1.sent:
		t.Fatal("did not expect envelope to be sent anywhere")
	case <-time.After(200 * time.Millisecond):
	}
}

// End-to-end exercise of local.Connection feeding the multiplexer's
// in-queue, reached via InBox.
func TestInBoxReceivesFromLocalConnection(t *testing.T) {
	a, b := local.NewPair(mustID(t, "fetchai/a:0.1.0"), mustID(t, "fetchai/b:0.1.0"), 4, testLogger())
	mux, err := New([]connection.Connection{a}, 0, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mux.Connect(ctx))
	defer mux.Disconnect(ctx)
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	protocolID := mustID(t, "fetchai/default:0.1.0")
	env := envelope.New("A", "B", protocolID, []byte("hello from b"))
	require.NoError(t, b.Send(ctx, env))

	inBox := NewInBox(mux, testLogger())
	got, err := inBox.Get(true, 3*time.Second)
	require.NoError(t, err)
	assert.True(t, env.Equal(got))
}
