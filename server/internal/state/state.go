// Package state implements the server state machine (§4.6, §3): the
// authoritative in-memory registry of connected Users, ringing PendingCalls
// and established Calls, guarded by a single mutex as the spec requires so
// every transition is observed atomically by every other transition.
package state

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"callifornia/shared/protocol"
)

// Reconnect grace window: a User whose connection goes down stays registered
// (so a RECONNECT with its Token still succeeds) for this long before being
// evicted entirely (§4.9, SPEC_FULL §6.5 -reconnect-grace default 2m).
const DefaultReconnectGrace = 2 * time.Minute

var (
	ErrTakenNickname  = errors.New("state: nickname already in use")
	ErrUnknownUser    = errors.New("state: no such user")
	ErrBadToken       = errors.New("state: token does not match")
	ErrAlreadyInCall  = errors.New("state: user already has an active or pending call")
	ErrNoSuchCall     = errors.New("state: no matching pending call")
)

// User is one authorized, currently-or-recently-connected client (§3).
type User struct {
	UID          string
	NicknameHash protocol.NicknameHash
	PublicKey    []byte
	Token        string
	Endpoint     *net.UDPAddr
	ConnDown     bool
	DownSince    time.Time

	// Outgoing is the one ring this user is currently placing, nil when not
	// calling out (§3 invariant 1: at most one outgoing PendingCall).
	// Active is nil whenever Outgoing is set and vice versa.
	Outgoing *PendingCall
	// Incoming indexes every unanswered ring directed at this user, keyed
	// by the initiator's nickname hash — unbounded in count, but each
	// peer contributes at most one (§3 invariant 1). A user may have
	// entries here while also Active in an unrelated call (§4.5's two
	// accept-time edge cases depend on this).
	Incoming map[protocol.NicknameHash]*PendingCall
	Active   *Call
}

// PendingCall is an outstanding ring, not yet accepted or declined (§3).
type PendingCall struct {
	Initiator *User
	Responder *User
	StartedAt time.Time
}

// Call is an established, active call between exactly two users (§3).
type Call struct {
	A, B      *User
	StartedAt time.Time
}

// Other returns the far side of the call from the perspective of u.
func (c *Call) Other(u *User) *User {
	if c.A == u {
		return c.B
	}
	return c.A
}

// CallRecord is the ledger-only record of a completed call (SPEC_FULL §3),
// handed to an optional async writer when EndCall ends a Call. Calls torn
// down by Logout or EvictStale produce no record.
type CallRecord struct {
	Initiator, Responder protocol.NicknameHash
	StartedAt, EndedAt   time.Time
	EndReason            string
}

// Registry is the single authoritative server state machine. Every exported
// method takes the one global mutex for its duration — the spec requires a
// single lock per shared-state owner, and the registry is the only owner of
// live signaling state (the media relay hot path never touches it, §4.8).
type Registry struct {
	mu              sync.Mutex
	byNickname      map[protocol.NicknameHash]*User
	byUID           map[string]*User
	byEndpoint      map[string]*User
	reconnectGrace  time.Duration
	onCallRecord    func(CallRecord)
}

// Options configures a Registry.
type Options struct {
	ReconnectGrace time.Duration
	// OnCallRecord, if set, is invoked (off the caller's goroutine) once per
	// Call ended through EndCall, with its ledger summary (SPEC_FULL §2 admin
	// plane). Calls torn down by Logout or EvictStale do not invoke it.
	OnCallRecord func(CallRecord)
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = DefaultReconnectGrace
	}
	return &Registry{
		byNickname:     make(map[protocol.NicknameHash]*User),
		byUID:          make(map[string]*User),
		byEndpoint:     make(map[string]*User),
		reconnectGrace: opts.ReconnectGrace,
		onCallRecord:   opts.OnCallRecord,
	}
}

// Authorize registers a new User under nickname, minting a fresh Token.
// Fails with ErrTakenNickname if the nickname is already registered and not
// in its reconnect grace window.
func (r *Registry) Authorize(uid string, nickname protocol.NicknameHash, publicKey []byte, endpoint *net.UDPAddr) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byNickname[nickname]; ok {
		if !existing.ConnDown {
			return nil, ErrTakenNickname
		}
		r.evictLocked(existing)
	}

	u := &User{
		UID:          uid,
		NicknameHash: nickname,
		PublicKey:    publicKey,
		Token:        xid.New().String(),
		Endpoint:     endpoint,
	}
	r.byNickname[nickname] = u
	r.byUID[uid] = u
	if endpoint != nil {
		r.byEndpoint[endpoint.String()] = u
	}
	return u, nil
}

// Reconnect resumes a User's session after a connection-down period,
// validating the presented token and refreshing its endpoint.
func (r *Registry) Reconnect(nickname protocol.NicknameHash, token string, endpoint *net.UDPAddr) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byNickname[nickname]
	if !ok {
		return nil, ErrUnknownUser
	}
	if u.Token != token {
		return nil, ErrBadToken
	}
	if u.Endpoint != nil {
		delete(r.byEndpoint, u.Endpoint.String())
	}
	u.Endpoint = endpoint
	u.ConnDown = false
	u.DownSince = time.Time{}
	if endpoint != nil {
		r.byEndpoint[endpoint.String()] = u
	}
	return u, nil
}

// UserByNickname looks up a currently-registered User.
func (r *Registry) UserByNickname(nickname protocol.NicknameHash) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byNickname[nickname]
	return u, ok
}

// UserByUID looks up a currently-registered User by its session uid.
func (r *Registry) UserByUID(uid string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byUID[uid]
	return u, ok
}

// UserByEndpoint looks up a currently-registered User by its last-known
// wire endpoint, used to resolve the ping controller's endpoint-keyed
// down/restored callbacks back to a nickname hash.
func (r *Registry) UserByEndpoint(endpoint string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byEndpoint[endpoint]
	return u, ok
}

// MarkConnectionDown flips a User to the connection-down state (§4.9),
// begins the reconnect grace window, and returns the peer that needs a
// CONNECTION_DOWN_WITH_USER notification, if any.
func (r *Registry) MarkConnectionDown(nickname protocol.NicknameHash) (peer *User, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, found := r.byNickname[nickname]
	if !found {
		return nil, false
	}
	u.ConnDown = true
	u.DownSince = time.Now()
	if u.Active != nil {
		return u.Active.Other(u), true
	}
	return nil, true
}

// MarkConnectionRestored clears the down flag, returning the active-call
// peer (if any) that needs CONNECTION_RESTORED_WITH_USER.
func (r *Registry) MarkConnectionRestored(nickname protocol.NicknameHash) (peer *User, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, found := r.byNickname[nickname]
	if !found {
		return nil, false
	}
	u.ConnDown = false
	u.DownSince = time.Time{}
	if u.Active != nil {
		return u.Active.Other(u), true
	}
	return nil, true
}

// BeginCall creates a PendingCall from initiator to responder, filed as the
// initiator's outgoing slot and one entry in the responder's incoming set
// keyed by the initiator's hash (§3 invariant 1). Fails only if the
// initiator is already calling out or active; the responder may already be
// Active or mid-ring with other peers — a busy user must still be
// reachable by a new ring for §4.5's accept-time edge cases to apply. A
// repeated BeginCall for the same pair while the first ring is still
// outstanding fails with ErrAlreadyInCall.
func (r *Registry) BeginCall(initiator, responder protocol.NicknameHash) (*PendingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byNickname[initiator]
	if !ok {
		return nil, ErrUnknownUser
	}
	b, ok := r.byNickname[responder]
	if !ok {
		return nil, ErrUnknownUser
	}
	if a.Outgoing != nil || a.Active != nil {
		return nil, ErrAlreadyInCall
	}
	if existing, ok := b.Incoming[initiator]; ok {
		a.Outgoing = existing
		return existing, nil
	}

	pc := &PendingCall{Initiator: a, Responder: b, StartedAt: time.Now()}
	a.Outgoing = pc
	if b.Incoming == nil {
		b.Incoming = make(map[protocol.NicknameHash]*PendingCall)
	}
	b.Incoming[initiator] = pc
	return pc, nil
}

// CancelCall tears down one PendingCall without establishing a Call — used
// by CALLING_END (initiator cancels) and CALL_DECLINE (responder refuses).
func (r *Registry) CancelCall(initiator, responder protocol.NicknameHash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byNickname[initiator]
	if !ok {
		return ErrUnknownUser
	}
	b, ok := r.byNickname[responder]
	if !ok {
		return ErrUnknownUser
	}
	pc, ok := b.Incoming[initiator]
	if !ok || a.Outgoing != pc {
		return ErrNoSuchCall
	}
	a.Outgoing = nil
	delete(b.Incoming, initiator)
	return nil
}

// AcceptResult is the outcome of a successful AcceptCall: the established
// Call plus every other pending-call peer the acceptance implicitly
// cancels.
type AcceptResult struct {
	Call *Call
	// Declined lists peers that are no longer ringing (or being rung) now
	// that the responder has committed to Call: its own outgoing target,
	// if it had one, plus every other user still ringing it (§4.5:
	// "accepting ... cancels the outgoing ... broadcasts CALL_DECLINE to
	// every incoming pending peer").
	Declined []*User
}

// AcceptCall promotes the PendingCall from initiator to responder into an
// established Call. Because accepting commits the responder to exactly
// one call (§3 invariant 1), it also tears down the responder's own
// outgoing ring, if any, and every other peer still ringing the responder.
func (r *Registry) AcceptCall(initiator, responder protocol.NicknameHash) (*AcceptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byNickname[initiator]
	if !ok {
		return nil, ErrUnknownUser
	}
	b, ok := r.byNickname[responder]
	if !ok {
		return nil, ErrUnknownUser
	}
	pc, ok := b.Incoming[initiator]
	if !ok || a.Outgoing != pc {
		return nil, ErrNoSuchCall
	}

	var declined []*User
	if b.Outgoing != nil {
		if other := b.Outgoing.Responder; other != nil {
			delete(other.Incoming, b.NicknameHash)
			declined = append(declined, other)
		}
		b.Outgoing = nil
	}
	for otherHash, otherPC := range b.Incoming {
		if otherHash == initiator {
			continue
		}
		otherPC.Initiator.Outgoing = nil
		declined = append(declined, otherPC.Initiator)
	}

	a.Outgoing = nil
	b.Incoming = make(map[protocol.NicknameHash]*PendingCall)

	call := &Call{A: a, B: b, StartedAt: time.Now()}
	a.Active = call
	b.Active = call
	return &AcceptResult{Call: call, Declined: declined}, nil
}

// EndCall tears down the active call naming either participant, recording a
// CallRecord via onCallRecord if configured.
func (r *Registry) EndCall(nickname protocol.NicknameHash, reason string) error {
	r.mu.Lock()
	u, ok := r.byNickname[nickname]
	if !ok || u.Active == nil {
		r.mu.Unlock()
		if !ok {
			return ErrUnknownUser
		}
		return ErrNoSuchCall
	}
	call := u.Active
	other := call.Other(u)
	u.Active = nil
	other.Active = nil
	r.mu.Unlock()

	if r.onCallRecord != nil {
		rec := CallRecord{
			Initiator: call.A.NicknameHash,
			Responder: call.B.NicknameHash,
			StartedAt: call.StartedAt,
			EndedAt:   time.Now(),
			EndReason: reason,
		}
		go r.onCallRecord(rec)
	}
	return nil
}

// Logout permanently removes a User (no reconnect grace — explicit logout,
// unlike connection-down). It cascades exactly as §4.6 describes: the
// active-call partner, the outgoing pending-call partner, and every
// incoming pending-call partner each need their own notification.
func (r *Registry) Logout(nickname protocol.NicknameHash) (activePeer *User, hadCall bool, outgoingPeer *User, incomingPeers []*User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byNickname[nickname]
	if !ok {
		return nil, false, nil, nil
	}
	if u.Active != nil {
		activePeer = u.Active.Other(u)
		activePeer.Active = nil
		hadCall = true
	}
	outgoingPeer, incomingPeers = r.unlinkPendingLocked(u)
	r.evictLocked(u)
	return activePeer, hadCall, outgoingPeer, incomingPeers
}

// unlinkPendingLocked clears every PendingCall touching u — its own
// outgoing ring and every peer still ringing it — and reports the peers
// that each need their own cancellation notification. Caller must hold
// r.mu.
func (r *Registry) unlinkPendingLocked(u *User) (outgoingPeer *User, incomingPeers []*User) {
	if u.Outgoing != nil {
		outgoingPeer = u.Outgoing.Responder
		if outgoingPeer != nil {
			delete(outgoingPeer.Incoming, u.NicknameHash)
		}
		u.Outgoing = nil
	}
	for hash, pc := range u.Incoming {
		pc.Initiator.Outgoing = nil
		incomingPeers = append(incomingPeers, pc.Initiator)
		delete(u.Incoming, hash)
	}
	return outgoingPeer, incomingPeers
}

// evictLocked removes u from every index. Caller must hold r.mu.
func (r *Registry) evictLocked(u *User) {
	delete(r.byNickname, u.NicknameHash)
	delete(r.byUID, u.UID)
	if u.Endpoint != nil {
		delete(r.byEndpoint, u.Endpoint.String())
	}
}

// EvictResult is one evicted user's cascade notification targets, mirroring
// Logout's — eviction is a connection-down timeout rather than an explicit
// LOGOUT, but §4.9 requires the same fan-out (§4.6 LOGOUT cascade).
type EvictResult struct {
	Nickname      protocol.NicknameHash
	Endpoint      *net.UDPAddr
	ActivePeer    *User
	OutgoingPeer  *User
	IncomingPeers []*User
}

// EvictStale removes every User whose connection has been down longer than
// the reconnect grace window, returning each one's cascade targets for
// USER_LOGOUT/CALL_DECLINE-style notification (§4.9).
func (r *Registry) EvictStale(now time.Time) []EvictResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []EvictResult
	for hash, u := range r.byNickname {
		if !u.ConnDown {
			continue
		}
		if now.Sub(u.DownSince) < r.reconnectGrace {
			continue
		}
		res := EvictResult{Nickname: hash, Endpoint: u.Endpoint}
		if u.Active != nil {
			res.ActivePeer = u.Active.Other(u)
			res.ActivePeer.Active = nil
		}
		res.OutgoingPeer, res.IncomingPeers = r.unlinkPendingLocked(u)
		r.evictLocked(u)
		evicted = append(evicted, res)
	}
	return evicted
}

// Endpoints returns the current wire endpoint of every registered User,
// consulted by the ping registration loop (SPEC_FULL §6.5) to keep the ping
// controller's tracked set current.
func (r *Registry) Endpoints() []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*net.UDPAddr, 0, len(r.byEndpoint))
	for _, u := range r.byEndpoint {
		out = append(out, u.Endpoint)
	}
	return out
}

// Snapshot is the admin-plane read model (SPEC_FULL §6.4): counts only, no
// payload bytes, since those are opaque and may be sensitive.
type Snapshot struct {
	AuthorizedUsers int
	ConnectionsDown int
	ActiveCalls     int
	PendingCalls    int
}

// Snapshot takes a point-in-time count of registry state for the admin API.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{AuthorizedUsers: len(r.byNickname)}
	seenCalls := make(map[*Call]struct{})
	seenPending := make(map[*PendingCall]struct{})
	for _, u := range r.byNickname {
		if u.ConnDown {
			snap.ConnectionsDown++
		}
		if u.Active != nil {
			seenCalls[u.Active] = struct{}{}
		}
		if u.Outgoing != nil {
			seenPending[u.Outgoing] = struct{}{}
		}
		for _, pc := range u.Incoming {
			seenPending[pc] = struct{}{}
		}
	}
	snap.ActiveCalls = len(seenCalls)
	snap.PendingCalls = len(seenPending)
	return snap
}
