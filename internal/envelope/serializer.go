package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tenzoki/agen/mux/internal/ids"
	"github.com/tenzoki/agen/mux/internal/uri"
)

// Protobuf field numbers for the envelope wire record (spec.md §4.1).
const (
	fieldTo         protowire.Number = 1
	fieldSender     protowire.Number = 2
	fieldProtocolID protowire.Number = 3
	fieldMessage    protowire.Number = 4
	fieldURI        protowire.Number = 5
)

// DecodeError reports a malformed envelope record or a malformed URI string
// inside one.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: decode error: %s", e.Reason)
}

// Serializer encodes and decodes envelopes to/from the wire format.
type Serializer interface {
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// ProtobufSerializer implements Serializer using the Protocol-Buffers wire
// encoding directly (tag + length-delimited bytes/string per field),
// matching a proto3 message:
//
//	message Envelope {
//	  string to = 1;
//	  string sender = 2;
//	  string protocol_id = 3;
//	  bytes message = 4;
//	  string uri = 5;
//	}
type ProtobufSerializer struct{}

// DefaultSerializer is the serializer used when none is supplied explicitly.
var DefaultSerializer Serializer = ProtobufSerializer{}

// Encode writes all five fields in declared order. An absent URI in the
// context is emitted as an empty string, the proto3 convention for "unset".
func (ProtobufSerializer) Encode(env Envelope) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTo, protowire.BytesType)
	b = protowire.AppendString(b, string(env.To))
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendString(b, string(env.Sender))
	b = protowire.AppendTag(b, fieldProtocolID, protowire.BytesType)
	b = protowire.AppendString(b, env.ProtocolID.String())
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Message)

	uriRaw := ""
	if env.Context.URI != nil {
		uriRaw = env.Context.URI.Raw
	}
	b = protowire.AppendTag(b, fieldURI, protowire.BytesType)
	b = protowire.AppendString(b, uriRaw)

	return b, nil
}

// Decode parses the five-field record. An empty uri field yields an
// Envelope with an empty context; a non-empty uri field is parsed as
// RFC3986 and wrapped in a context with no connection id.
// connection_id is never present on the wire: it is a local routing hint.
func (ProtobufSerializer) Decode(data []byte) (Envelope, error) {
	var to, sender, protocolID, uriRaw string
	var message []byte
	haveMessage := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Envelope{}, &DecodeError{Reason: "malformed field tag"}
		}
		data = data[n:]

		if typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return Envelope{}, &DecodeError{Reason: "malformed field value"}
			}
			data = data[skip:]
			continue
		}

		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return Envelope{}, &DecodeError{Reason: "malformed length-delimited field"}
		}
		data = data[n:]

		switch num {
		case fieldTo:
			to = string(val)
		case fieldSender:
			sender = string(val)
		case fieldProtocolID:
			protocolID = string(val)
		case fieldMessage:
			message = append([]byte(nil), val...)
			haveMessage = true
		case fieldURI:
			uriRaw = string(val)
		}
	}

	if !haveMessage {
		message = []byte{}
	}

	pid, err := ids.Parse(protocolID)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("malformed protocol_id %q: %v", protocolID, err)}
	}

	env := Envelope{
		To:         Address(to),
		Sender:     Address(sender),
		ProtocolID: pid,
		Message:    message,
	}

	if uriRaw != "" {
		parsed, err := uri.Parse(uriRaw)
		if err != nil {
			return Envelope{}, &DecodeError{Reason: fmt.Sprintf("malformed uri %q: %v", uriRaw, err)}
		}
		env.Context = EnvelopeContext{URI: &parsed}
	}

	return env, nil
}

// Encode encodes the envelope with the default serializer.
func (e Envelope) Encode() ([]byte, error) {
	return DefaultSerializer.Encode(e)
}

// Decode decodes bytes produced by Encode using the default serializer.
func Decode(data []byte) (Envelope, error) {
	return DefaultSerializer.Decode(data)
}
