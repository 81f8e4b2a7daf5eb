package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/agen/mux/internal/ids"
	"github.com/tenzoki/agen/mux/internal/uri"
)

func mustProtocolID(t *testing.T, raw string) ids.ProtocolId {
	t.Helper()
	id, err := ids.Parse(raw)
	require.NoError(t, err)
	return id
}

func TestRoundTripWithURIContext(t *testing.T) {
	parsed, err := uri.Parse("http://x/y")
	require.NoError(t, err)

	env := Envelope{
		To:         "A",
		Sender:     "B",
		ProtocolID: mustProtocolID(t, "fetchai/default:0.1.0"),
		Message:    []byte("hello"),
		Context:    EnvelopeContext{URI: &parsed},
	}

	encoded, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.True(t, env.Equal(decoded), "expected %s to equal %s", env, decoded)
}

func TestRoundTripWithEmptyContext(t *testing.T) {
	env := New("any", "any", mustProtocolID(t, "some_author/some_name:0.1.0"), []byte("\x08\x02\x12\x011"))

	encoded, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.True(t, env.Equal(decoded))
}

// A connection_id-only context is a local routing hint; it never reaches
// the wire, so it round-trips to an empty context.
func TestConnectionIDContextDoesNotSurviveTheWire(t *testing.T) {
	connID := mustProtocolID(t, "fetchai/tcp:0.1.0")
	env := Envelope{
		To:         "any",
		Sender:     "any",
		ProtocolID: mustProtocolID(t, "fetchai/default:0.1.0"),
		Message:    []byte("hello"),
		Context:    EnvelopeContext{ConnectionID: &connID},
	}

	encoded, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Nil(t, decoded.Context.ConnectionID)
	assert.Nil(t, decoded.Context.URI)
}

func TestDecodeMalformedRecord(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0xFF, 0xFF})
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeMalformedURI(t *testing.T) {
	env := New("any", "any", mustProtocolID(t, "fetchai/default:0.1.0"), []byte("x"))
	encoded, err := env.Encode()
	require.NoError(t, err)

	// Overwrite encoding with an invalid uri field by re-encoding manually.
	bad := ProtobufSerializer{}
	raw, err := bad.Encode(Envelope{
		To:         env.To,
		Sender:     env.Sender,
		ProtocolID: env.ProtocolID,
		Message:    env.Message,
		Context:    EnvelopeContext{URI: &uri.URI{Raw: "http://[::1"}},
	})
	require.NoError(t, err)
	_ = encoded

	_, err = Decode(raw)
	require.Error(t, err)
}
