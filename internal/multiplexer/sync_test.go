package multiplexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/agen/mux/internal/connection"
	"github.com/tenzoki/agen/mux/internal/envelope"
)

func newSyncMultiplexer(t *testing.T) *SyncMultiplexer {
	t.Helper()
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1}, 0, testLogger())
	require.NoError(t, err)
	return NewSync(mux, testLogger())
}

// A second Connect after a successful one is a no-op and does not block or
// error.
func TestSyncConnectTwiceIsNoOp(t *testing.T) {
	s := newSyncMultiplexer(t)
	require.NoError(t, s.Connect())
	defer s.Disconnect()

	require.NoError(t, s.Connect())
	assert.True(t, s.Multiplexer().IsConnected())
}

// Disconnect before any Connect has ever been called is a safe no-op: there
// is no worker goroutine to stop and no wrapped multiplexer to tear down.
func TestSyncDisconnectBeforeConnect(t *testing.T) {
	s := newSyncMultiplexer(t)
	require.NoError(t, s.Disconnect())
	assert.False(t, s.Multiplexer().IsConnected())
}

// A second Disconnect after the first one succeeds is also a safe no-op.
func TestSyncDisconnectTwice(t *testing.T) {
	s := newSyncMultiplexer(t)
	require.NoError(t, s.Connect())

	require.NoError(t, s.Disconnect())
	assert.False(t, s.Multiplexer().IsConnected())

	require.NoError(t, s.Disconnect())
	assert.False(t, s.Multiplexer().IsConnected())
}

// Put after Disconnect fails rather than blocking forever: the worker
// goroutine backing submit() has already stopped.
func TestSyncPutAfterDisconnectFails(t *testing.T) {
	s := newSyncMultiplexer(t)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Disconnect())

	protocolID := mustID(t, "fetchai/default:0.1.0")
	err := s.Put(envelope.New("A", "B", protocolID, []byte("hello")))
	require.Error(t, err)
}

// Put with no prior Connect at all fails the same way.
func TestSyncPutWithoutConnectFails(t *testing.T) {
	s := newSyncMultiplexer(t)
	protocolID := mustID(t, "fetchai/default:0.1.0")
	err := s.Put(envelope.New("A", "B", protocolID, []byte("hello")))
	require.Error(t, err)
}

// Connect/Put/Disconnect round trip through the sync façade end to end,
// confirming the worker goroutine actually relays the call to the wrapped
// Multiplexer rather than merely reporting success.
func TestSyncConnectPutDisconnectRoundTrip(t *testing.T) {
	c1 := newSink(mustID(t, "fetchai/c1:0.1.0"), nil)
	mux, err := New([]connection.Connection{c1}, 0, testLogger())
	require.NoError(t, err)
	s := NewSync(mux, testLogger())

	require.NoError(t, s.Connect())

	protocolID := mustID(t, "fetchai/default:0.1.0")
	env := envelope.New("A", "B", protocolID, []byte("hello"))
	require.NoError(t, s.Put(env))

	select {
	case got := <-c1.sent:
		assert.True(t, env.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("expected envelope to be sent through the sync façade")
	}

	require.NoError(t, s.Disconnect())
	assert.False(t, mux.IsConnected())
}
