// Package relay implements the media relay hot path (§4.8): forwarding
// VOICE/SCREEN/CAMERA datagrams from one active-call participant to the
// other in O(1) time, without ever touching the signaling registry's mutex.
// Payload bytes are opaque here — this package only moves them.
package relay

import (
	"log/slog"
	"net"
	"sync"

	"callifornia/shared/protocol"
	"callifornia/shared/transport"
)

// route is immutable for the lifetime of one active call leg, so Table
// reads it under a plain RWMutex rather than through the signaling
// registry's lock (§4.8: the hot path never blocks on signaling state).
type route struct {
	peer *net.UDPAddr
}

// Table maps an endpoint (the string form of a *net.UDPAddr) to the peer it
// should relay media datagrams to. Populated on CALL_ACCEPT, cleared on
// CALL_END/LOGOUT/eviction. down tracks endpoints whose connection is
// currently reported down (§4.9's ping controller callbacks) so Forward can
// drop media addressed to them silently, per §3 invariant 4.
type Table struct {
	mu     sync.RWMutex
	routes map[string]route
	down   map[string]bool
	log    *slog.Logger
}

// New creates an empty relay table.
func New(log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{routes: make(map[string]route), down: make(map[string]bool), log: log}
}

// MarkDown flags endpoint as connection-down: Forward will silently drop
// media destined for it until MarkRestored is called.
func (t *Table) MarkDown(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[endpoint] = true
}

// MarkRestored clears endpoint's connection-down flag.
func (t *Table) MarkRestored(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.down, endpoint)
}

// SetRoute establishes a one-directional forwarding rule: datagrams arriving
// from srcEndpoint are forwarded to dst. Callers install both directions of
// an active call.
func (t *Table) SetRoute(srcEndpoint string, dst *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[srcEndpoint] = route{peer: dst}
}

// ClearRoute removes any forwarding rule keyed by srcEndpoint.
func (t *Table) ClearRoute(srcEndpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, srcEndpoint)
}

// Forward is the hot-path entry point: look up msg.Endpoint's route and, if
// one exists and the peer isn't connection-down, relay msg.Data verbatim to
// it over conn. Dropped silently otherwise (§3 invariant 4, §4.6).
func (t *Table) Forward(conn *transport.Conn, msg transport.Message) {
	t.mu.RLock()
	r, ok := t.routes[msg.Endpoint]
	down := ok && t.down[r.peer.String()]
	t.mu.RUnlock()
	if !ok || down {
		return
	}
	if err := conn.Send(r.peer, msg.Type, msg.Data); err != nil {
		t.log.Warn("relay: forward failed", "to", r.peer, "type", msg.Type.String(), "err", err)
	}
}

// IsMediaType reports whether typ is one of the three relayed media types
// (§6.1), as opposed to a signaling message handled by the signaling
// package.
func IsMediaType(typ protocol.PacketType) bool {
	switch typ {
	case protocol.TypeVoice, protocol.TypeScreen, protocol.TypeCamera:
		return true
	default:
		return false
	}
}
