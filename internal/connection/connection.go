// Package connection defines the Connection capability set the multiplexer
// treats as opaque and polymorphic (spec.md §4.2): a unique id, a lifecycle
// status, a protocol whitelist, and connect/disconnect/send/receive
// operations. Variants (file-backed stub, in-process local, TCP network)
// are independent implementations of this single contract — never a class
// hierarchy.
package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenzoki/agen/mux/internal/envelope"
	"github.com/tenzoki/agen/mux/internal/ids"
)

// State is one of the four lifecycle states a Connection moves through.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Status is a thread-safe, monotonic-within-a-call lifecycle tracker shared
// by every Connection implementation.
type Status struct {
	mu    sync.RWMutex
	state State
}

// Get returns the current state.
func (s *Status) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Set transitions to a new state.
func (s *Status) Set(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// IsConnected reports whether the connection is fully up.
func (s *Status) IsConnected() bool {
	return s.Get() == Connected
}

// IsConnecting reports whether a connect() call is in flight.
func (s *Status) IsConnecting() bool {
	return s.Get() == Connecting
}

// Error is the taxonomy's ConnectionError: routing to an unknown id,
// failing to connect at least one child, or failing to disconnect cleanly.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection: %s", e.Op)
	}
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Connection is the capability set every transport provides. Send and
// Receive may suspend (they take a context for cancellation); Connect and
// Disconnect are idempotent.
type Connection interface {
	ID() ids.ConnectionId
	Status() *Status
	RestrictedToProtocols() []ids.ProtocolId

	// BindLoop associates the connection with the multiplexer's receive
	// loop's cancellation context, so blocking Receive calls unblock as soon
	// as the multiplexer is torn down. Called before Connect is first called.
	BindLoop(ctx context.Context)

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, env envelope.Envelope) error

	// Receive produces exactly one Envelope, or returns (zero, false, nil)
	// to signal end-of-stream. A non-nil error means a cancellable wait was
	// interrupted or the transport failed outright.
	Receive(ctx context.Context) (envelope.Envelope, bool, error)
}

// AcceptsProtocol reports whether a connection with the given whitelist
// will accept protocolID: an empty whitelist accepts everything.
func AcceptsProtocol(restrictedTo []ids.ProtocolId, protocolID ids.ProtocolId) bool {
	if len(restrictedTo) == 0 {
		return true
	}
	for _, p := range restrictedTo {
		if p == protocolID {
			return true
		}
	}
	return false
}
