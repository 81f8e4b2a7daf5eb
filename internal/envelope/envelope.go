// Package envelope provides the core message structure for agent-to-agent
// communication: the Envelope transport unit, its routing context, and the
// wire serializer used to put envelopes on (and take them off) a
// Connection.
//
// Called by: the multiplexer core and every Connection implementation.
// Calls: nothing outside internal/ids and internal/uri.
package envelope

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tenzoki/agen/mux/internal/ids"
	"github.com/tenzoki/agen/mux/internal/uri"
)

// Address is an opaque, non-empty string identifying a participant.
type Address string

// EnvelopeContext carries optional routing/annotation hints for an
// outgoing envelope: an explicit connection to route through, and/or a URI
// (whose path may double as a skill id).
type EnvelopeContext struct {
	ConnectionID *ids.ConnectionId
	URI          *uri.URI
}

// SkillID derives a SkillId from the context's URI path, if the context
// carries a URI and that path parses as a PublicId. Returns ok=false
// (never an error) when there is no URI or the path does not parse; the
// latter case is logged at debug level.
func (c EnvelopeContext) SkillID() (ids.SkillId, bool) {
	if c.URI == nil {
		return ids.SkillId{}, false
	}
	skill, ok := ids.FromURIPath(c.URI.Path)
	if !ok {
		logrus.WithField("uri_path", c.URI.Path).Debug("uri path is not a valid skill id")
	}
	return skill, ok
}

func (c EnvelopeContext) String() string {
	connStr := "None"
	if c.ConnectionID != nil {
		connStr = c.ConnectionID.String()
	}
	uriStr := "None"
	if c.URI != nil {
		uriStr = c.URI.String()
	}
	return fmt.Sprintf("EnvelopeContext(connection_id=%s, uri_raw=%s)", connStr, uriStr)
}

// Equal compares two contexts field-wise, treating nil pointers and pointers
// to equal values as equal.
func (c EnvelopeContext) Equal(other EnvelopeContext) bool {
	if !connectionIDsEqual(c.ConnectionID, other.ConnectionID) {
		return false
	}
	if (c.URI == nil) != (other.URI == nil) {
		return false
	}
	if c.URI != nil && !c.URI.Equal(*other.URI) {
		return false
	}
	return true
}

func connectionIDsEqual(a, b *ids.ConnectionId) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// Envelope is the transport unit exchanged through the multiplexer. message
// is opaque to the core: it belongs to protocol_id and is never inspected.
type Envelope struct {
	To         Address
	Sender     Address
	ProtocolID ids.ProtocolId
	Message    []byte
	Context    EnvelopeContext
}

// New builds an Envelope with an empty (zero-value) context, matching the
// wire format's "absent context" default.
func New(to, sender Address, protocolID ids.ProtocolId, message []byte) Envelope {
	return Envelope{To: to, Sender: sender, ProtocolID: protocolID, Message: message}
}

// Equal compares two envelopes field-wise, including their context.
func (e Envelope) Equal(other Envelope) bool {
	return e.To == other.To &&
		e.Sender == other.Sender &&
		e.ProtocolID == other.ProtocolID &&
		string(e.Message) == string(other.Message) &&
		e.Context.Equal(other.Context)
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope(to=%s, sender=%s, protocol_id=%s, message=%q)",
		e.To, e.Sender, e.ProtocolID, e.Message)
}

// ValidationError reports an identifier or URI failing format validation.
// Nothing in this module constructs it: ids.Parse and uri.Parse return
// plain wrapped errors, not a *ValidationError.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
