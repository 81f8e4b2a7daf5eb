package multiplexer

import (
	"sync/atomic"

	"github.com/tenzoki/agen/mux/internal/ids"
)

// routingTable holds the default-routing map as an immutable value swapped
// atomically (spec.md §9): readers load a reference under no lock and see
// either the whole old table or the whole new one, never a partial update.
type routingTable struct {
	value atomic.Pointer[map[ids.ProtocolId]ids.ConnectionId]
}

func (r *routingTable) store(m map[ids.ProtocolId]ids.ConnectionId) {
	r.value.Store(&m)
}

func (r *routingTable) load() map[ids.ProtocolId]ids.ConnectionId {
	p := r.value.Load()
	if p == nil {
		return nil
	}
	return *p
}
