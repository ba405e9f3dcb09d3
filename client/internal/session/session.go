// Package session implements the client state machine (§4.5): the
// UNAUTHORIZED/FREE/CALLING/IN_CALL transitions, the 32s ring timers, the
// cryptographic envelope construction for CALLING_BEGIN/CALL_ACCEPT, and the
// embedding API (§6.2) a GUI or binding layers on top of.
package session

import (
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"callifornia/shared/crypto"
	"callifornia/shared/protocol"
	"callifornia/shared/reliability"
	"callifornia/shared/transport"
)

// State is one node of the client state diagram in §4.5.
type State int

const (
	StateUnauthorized State = iota
	StateFree
	StateCalling
	StateInCall
)

func (s State) String() string {
	switch s {
	case StateUnauthorized:
		return "UNAUTHORIZED"
	case StateFree:
		return "FREE"
	case StateCalling:
		return "CALLING"
	case StateInCall:
		return "IN_CALL"
	default:
		return "UNKNOWN"
	}
}

// RingTimeout is the ring duration both ends honor identically (§4.5); no
// protocol message cancels it, each side's timer fires independently.
const RingTimeout = 32 * time.Second

type outgoingCall struct {
	peerNickname string
	peer         protocol.NicknameHash
	peerKey      *rsa.PublicKey
	callKey      crypto.CallKey
	getUserInfoUID string
	timer        *time.Timer
}

type incomingCall struct {
	peerNickname string
	peer         protocol.NicknameHash
	peerKey      *rsa.PublicKey
	callKey      crypto.CallKey
	timer        *time.Timer
}

type activeCall struct {
	peerNickname string
	peer         protocol.NicknameHash
	callKey      crypto.CallKey
	peerConnDown bool
}

// Callbacks are the embedding-API event hooks (§6.2). Any may be left nil;
// Session checks before invoking one.
type Callbacks struct {
	OnAuthorizationResult                func(ec protocol.ErrorKind)
	OnIncomingCall                       func(peer string)
	OnIncomingCallExpired                func(ec protocol.ErrorKind, peer string)
	OnOutgoingCallAccepted               func()
	OnOutgoingCallDeclined               func()
	OnOutgoingCallTimeout                func(ec protocol.ErrorKind)
	OnCallEndedByRemote                  func(ec protocol.ErrorKind)
	OnCallParticipantConnectionDown      func()
	OnCallParticipantConnectionRestored  func()
	OnConnectionDown                     func()
	OnConnectionRestored                 func()
	OnConnectionRestoredAuthorizationNeeded func()
	OnIncomingVoice                      func(data []byte)
	OnIncomingScreen                     func(data []byte)
	OnIncomingCamera                     func(data []byte)
}

// Session is the client-side half of the protocol: one nickname, one
// transport, one small state machine guarded by a single mutex (§5).
type Session struct {
	conn       *transport.Conn
	serverAddr *net.UDPAddr
	reliable   *reliability.Manager
	log        *slog.Logger
	keys       *crypto.AsymKeyPair

	mu             sync.Mutex
	state          State
	nickname       string
	nicknameHash   protocol.NicknameHash
	token          string
	connectionDown bool
	outgoing       *outgoingCall
	incoming       map[protocol.NicknameHash]*incomingCall
	active         *activeCall
	authUID        string

	cb Callbacks
}

// New builds a Session bound to an already-running transport.Conn pointed at
// the rendezvous server. A fresh RSA key pair is minted immediately (§3: the
// private half never leaves this process, never persisted).
func New(conn *transport.Conn, serverAddr *net.UDPAddr, log *slog.Logger) (*Session, error) {
	keys, err := crypto.GenerateAsymKeyPair()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn:       conn,
		serverAddr: serverAddr,
		reliable:   reliability.New(),
		log:        log,
		keys:       keys,
		state:      StateUnauthorized,
		incoming:   make(map[protocol.NicknameHash]*incomingCall),
	}, nil
}

// SetCallbacks installs the embedding-API event hooks. Safe to call before
// any other method.
func (s *Session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// State reports the current node of the state diagram.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop releases the reliable-request manager's background goroutines.
func (s *Session) Stop() {
	s.reliable.Stop()
}

// Authorize sends the AUTHORIZATION request (§6.2 authorize). The result
// arrives asynchronously via OnAuthorizationResult.
func (s *Session) Authorize(nickname string) error {
	s.mu.Lock()
	if nickname == "" {
		s.mu.Unlock()
		return errInvalidNickname
	}
	s.nickname = nickname
	s.nicknameHash = protocol.HashNickname(nickname)
	uid := uuid.NewString()
	s.authUID = uid
	s.mu.Unlock()

	body := protocol.Authorization{
		UID:                uid,
		SenderNicknameHash: s.nicknameHash,
		PublicKey:          crypto.MarshalPublicKey(s.keys.Public),
	}
	s.sendReliable(protocol.TypeAuthorization, body, uid)
	return nil
}

// Logout sends LOGOUT and resets to UNAUTHORIZED immediately — the client
// does not wait for the server's CONFIRMATION to consider itself logged out.
func (s *Session) Logout() {
	s.mu.Lock()
	nh := s.nicknameHash
	s.resetLocked()
	s.mu.Unlock()

	uid := uuid.NewString()
	s.sendReliable(protocol.TypeLogout, protocol.Logout{UID: uid, SenderNicknameHash: nh}, uid)
}

// StartOutgoingCall begins ringing peerNickname (§6.2). Returns false
// immediately for an empty or self-referential peer; all further failures
// (unknown user, timeout, decline) are delivered via callbacks.
func (s *Session) StartOutgoingCall(peerNickname string) bool {
	if peerNickname == "" || peerNickname == s.nickname {
		return false
	}
	s.mu.Lock()
	if s.state != StateFree {
		s.mu.Unlock()
		return false
	}
	peerHash := protocol.HashNickname(peerNickname)
	uid := uuid.NewString()
	s.state = StateCalling
	s.outgoing = &outgoingCall{peerNickname: peerNickname, peer: peerHash, getUserInfoUID: uid}
	s.mu.Unlock()

	s.sendReliable(protocol.TypeGetUserInfo, protocol.GetUserInfo{
		UID:                uid,
		SenderNicknameHash: s.nicknameHash,
		NicknameHash:       peerHash,
	}, uid)
	return true
}

// StopOutgoingCall cancels a ring that has not yet been accepted or declined.
func (s *Session) StopOutgoingCall() bool {
	s.mu.Lock()
	out := s.outgoing
	if out == nil {
		s.mu.Unlock()
		return false
	}
	s.stopOutgoingTimerLocked()
	s.outgoing = nil
	s.state = StateFree
	s.mu.Unlock()

	s.send(protocol.TypeCallingEnd, protocol.CallingEnd{
		SenderNicknameHash:   s.nicknameHash,
		ReceiverNicknameHash: out.peer,
	})
	return true
}

// AcceptCall accepts a ringing incoming call (§6.2, §4.5 edge cases: an
// existing active call is ended first; an outstanding outgoing ring is
// cancelled first).
func (s *Session) AcceptCall(peerNickname string) bool {
	peerHash := protocol.HashNickname(peerNickname)

	s.mu.Lock()
	call, ok := s.incoming[peerHash]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if s.active != nil {
		s.endActiveLocked("accept_incoming")
	}
	if s.outgoing != nil {
		s.cancelOutgoingLocked()
	}
	call.timer.Stop()
	delete(s.incoming, peerHash)
	s.active = &activeCall{peerNickname: call.peerNickname, peer: peerHash, callKey: call.callKey}
	s.state = StateInCall
	s.mu.Unlock()

	packetKey, wrappedKey, err := crypto.WrapPacketKey(call.peerKey)
	if err != nil {
		s.log.Error("session: wrap packet key for accept", "err", err)
		return false
	}
	nonce, ciphertext, err := crypto.Seal(packetKey, []byte(s.nickname))
	if err != nil {
		s.log.Error("session: seal nickname for accept", "err", err)
		return false
	}
	s.send(protocol.TypeCallAccept, protocol.CallAccept{
		Envelope: protocol.Envelope{
			PacketKey:         wrappedKey,
			EncryptedNickname: ciphertext,
			NicknameNonce:     nonce,
		},
		SenderNicknameHash:   s.nicknameHash,
		ReceiverNicknameHash: peerHash,
		SenderPublicKey:      crypto.MarshalPublicKey(s.keys.Public),
	})
	return true
}

// DeclineCall rejects a ringing incoming call.
func (s *Session) DeclineCall(peerNickname string) bool {
	peerHash := protocol.HashNickname(peerNickname)

	s.mu.Lock()
	call, ok := s.incoming[peerHash]
	if !ok {
		s.mu.Unlock()
		return false
	}
	call.timer.Stop()
	delete(s.incoming, peerHash)
	s.mu.Unlock()

	s.send(protocol.TypeCallDecline, protocol.CallDecline{
		SenderNicknameHash:   s.nicknameHash,
		ReceiverNicknameHash: peerHash,
	})
	return true
}

// EndCall terminates the active call.
func (s *Session) EndCall() bool {
	s.mu.Lock()
	active := s.active
	if active == nil {
		s.mu.Unlock()
		return false
	}
	s.active = nil
	s.state = StateFree
	s.mu.Unlock()

	s.send(protocol.TypeCallEnd, protocol.CallEnd{
		SenderNicknameHash:   s.nicknameHash,
		ReceiverNicknameHash: active.peer,
	})
	return true
}

// SendVoice/SendScreen/SendCamera push an opaque, already-encrypted media
// frame for the active call. The caller (GUI/codec layer) owns encryption
// under the active CallKey — Session only knows the call exists.
func (s *Session) SendVoice(data []byte) error  { return s.sendMedia(protocol.TypeVoice, data) }
func (s *Session) SendScreen(data []byte) error { return s.sendMedia(protocol.TypeScreen, data) }
func (s *Session) SendCamera(data []byte) error { return s.sendMedia(protocol.TypeCamera, data) }

func (s *Session) sendMedia(typ protocol.PacketType, data []byte) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return errNotInCall
	}
	return s.conn.Send(s.serverAddr, typ, data)
}

// ActiveCallKey exposes the negotiated symmetric key so a media layer can
// encrypt/decrypt voice/screen/camera frames without Session holding any
// codec concerns itself.
func (s *Session) ActiveCallKey() (crypto.CallKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, false
	}
	return s.active.callKey, true
}

// HandleMessage dispatches one reassembled datagram-transport message to the
// appropriate handler. Media types bypass signaling entirely and are
// delivered straight to the matching OnIncomingX callback.
func (s *Session) HandleMessage(msg transport.Message) {
	switch msg.Type {
	case protocol.TypeAuthorizationResult:
		s.handleAuthorizationResult(msg)
	case protocol.TypeReconnectResult:
		s.handleReconnectResult(msg)
	case protocol.TypeGetUserInfoResult:
		s.handleGetUserInfoResult(msg)
	case protocol.TypeCallingBegin:
		s.handleCallingBegin(msg)
	case protocol.TypeCallingEnd:
		s.handleCallingEnd(msg)
	case protocol.TypeCallAccept:
		s.handleCallAccept(msg)
	case protocol.TypeCallDecline:
		s.handleCallDecline(msg)
	case protocol.TypeCallEnd:
		s.handleCallEnd(msg)
	case protocol.TypeConnectionDownWithUser:
		s.handleConnectionEvent(msg, true)
	case protocol.TypeConnectionRestoredWithUser:
		s.handleConnectionEvent(msg, false)
	case protocol.TypeUserLogout:
		s.handleUserLogout(msg)
	case protocol.TypeVoice:
		s.dispatchMedia(s.cb.OnIncomingVoice, msg.Data)
	case protocol.TypeScreen:
		s.dispatchMedia(s.cb.OnIncomingScreen, msg.Data)
	case protocol.TypeCamera:
		s.dispatchMedia(s.cb.OnIncomingCamera, msg.Data)
	default:
		s.log.Debug("session: unhandled packet type", "type", msg.Type.String())
	}
}

func (s *Session) dispatchMedia(fn func([]byte), data []byte) {
	if fn != nil {
		fn(data)
	}
}

func (s *Session) handleAuthorizationResult(msg transport.Message) {
	var body protocol.AuthorizationResult
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.mu.Lock()
	if body.UID != s.authUID {
		s.mu.Unlock()
		return
	}
	s.reliable.Complete(body.UID)
	if !body.Result {
		s.mu.Unlock()
		s.fireAuthResult(protocol.ErrTakenNickname)
		return
	}
	s.token = body.Token
	s.state = StateFree
	s.mu.Unlock()
	s.fireAuthResult(protocol.ErrNone)
}

func (s *Session) fireAuthResult(ec protocol.ErrorKind) {
	s.mu.Lock()
	fn := s.cb.OnAuthorizationResult
	s.mu.Unlock()
	if fn != nil {
		fn(ec)
	}
}

func (s *Session) handleReconnectResult(msg transport.Message) {
	var body protocol.ReconnectResult
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.reliable.Complete(body.UID)

	s.mu.Lock()
	if !body.Result {
		s.connectionDown = true
		s.resetLocked()
		fn := s.cb.OnConnectionRestoredAuthorizationNeeded
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	s.connectionDown = false
	s.token = body.Token
	fn := s.cb.OnConnectionRestored
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) handleGetUserInfoResult(msg transport.Message) {
	var body protocol.GetUserInfoResult
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.mu.Lock()
	out := s.outgoing
	if out == nil || out.getUserInfoUID != body.UID || out.peer != body.NicknameHash {
		s.mu.Unlock()
		return
	}
	s.reliable.Complete(body.UID)
	if !body.Result {
		s.outgoing = nil
		s.state = StateFree
		s.mu.Unlock()
		s.fireOutgoingTimeout(protocol.ErrUnexistingUser)
		return
	}
	peerKey, err := crypto.ParsePublicKey(body.PublicKey)
	if err != nil {
		s.outgoing = nil
		s.state = StateFree
		s.mu.Unlock()
		s.fireOutgoingTimeout(protocol.ErrNetwork)
		return
	}
	out.peerKey = peerKey
	callKey, err := crypto.GenerateCallKey()
	if err != nil {
		s.mu.Unlock()
		return
	}
	out.callKey = callKey
	out.timer = time.AfterFunc(RingTimeout, s.outgoingRingTimedOut)
	s.mu.Unlock()

	s.sendCallingBegin(out)
}

func (s *Session) sendCallingBegin(out *outgoingCall) {
	packetKey, wrappedKey, err := crypto.WrapPacketKey(out.peerKey)
	if err != nil {
		s.log.Error("session: wrap packet key for calling_begin", "err", err)
		return
	}
	nonce, ciphertext, err := crypto.Seal(packetKey, []byte(s.nickname))
	if err != nil {
		s.log.Error("session: seal nickname for calling_begin", "err", err)
		return
	}
	callKeyNonce, wrappedCallKey, err := crypto.Seal(packetKey, out.callKey)
	if err != nil {
		s.log.Error("session: seal call key for calling_begin", "err", err)
		return
	}
	s.send(protocol.TypeCallingBegin, protocol.CallingBegin{
		Envelope: protocol.Envelope{
			PacketKey:         wrappedKey,
			EncryptedNickname: ciphertext,
			NicknameNonce:     nonce,
			EncryptedCallKey:  wrappedCallKey,
			CallKeyNonce:      callKeyNonce,
		},
		SenderNicknameHash:   s.nicknameHash,
		ReceiverNicknameHash: out.peer,
		SenderPublicKey:      crypto.MarshalPublicKey(s.keys.Public),
	})
}

func (s *Session) outgoingRingTimedOut() {
	s.mu.Lock()
	if s.outgoing == nil {
		s.mu.Unlock()
		return
	}
	s.outgoing = nil
	s.state = StateFree
	s.mu.Unlock()
	s.fireOutgoingTimeout(protocol.ErrTimeout)
}

func (s *Session) fireOutgoingTimeout(ec protocol.ErrorKind) {
	s.mu.Lock()
	fn := s.cb.OnOutgoingCallTimeout
	s.mu.Unlock()
	if fn != nil {
		fn(ec)
	}
}

func (s *Session) handleCallingBegin(msg transport.Message) {
	var body protocol.CallingBegin
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	if body.ReceiverNicknameHash != s.nicknameHash {
		return
	}
	peerKey, err := crypto.ParsePublicKey(body.SenderPublicKey)
	if err != nil {
		return
	}
	packetKey, err := crypto.UnwrapPacketKey(s.keys.Private, body.PacketKey)
	if err != nil {
		return
	}
	nicknameBytes, err := crypto.Open(packetKey, body.NicknameNonce, body.EncryptedNickname)
	if err != nil {
		return
	}
	var callKey crypto.CallKey
	if len(body.EncryptedCallKey) > 0 {
		callKey, _ = crypto.Open(packetKey, body.CallKeyNonce, body.EncryptedCallKey)
	}
	peerNickname := string(nicknameBytes)

	s.mu.Lock()
	ring := &incomingCall{
		peerNickname: peerNickname,
		peer:         body.SenderNicknameHash,
		peerKey:      peerKey,
		callKey:      callKey,
	}
	ring.timer = time.AfterFunc(RingTimeout, func() { s.incomingRingExpired(ring.peer, peerNickname) })
	s.incoming[body.SenderNicknameHash] = ring
	fn := s.cb.OnIncomingCall
	s.mu.Unlock()

	if fn != nil {
		fn(peerNickname)
	}
}

func (s *Session) incomingRingExpired(peer protocol.NicknameHash, peerNickname string) {
	s.mu.Lock()
	if _, ok := s.incoming[peer]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.incoming, peer)
	fn := s.cb.OnIncomingCallExpired
	s.mu.Unlock()
	if fn != nil {
		fn(protocol.ErrTimeout, peerNickname)
	}
}

func (s *Session) handleCallingEnd(msg transport.Message) {
	var body protocol.CallingEnd
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.mu.Lock()
	ring, ok := s.incoming[body.SenderNicknameHash]
	if !ok {
		s.mu.Unlock()
		return
	}
	ring.timer.Stop()
	delete(s.incoming, body.SenderNicknameHash)
	fn := s.cb.OnIncomingCallExpired
	nickname := ring.peerNickname
	s.mu.Unlock()
	if fn != nil {
		fn(protocol.ErrNone, nickname)
	}
}

func (s *Session) handleCallAccept(msg transport.Message) {
	var body protocol.CallAccept
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.mu.Lock()
	out := s.outgoing
	if out == nil || out.peer != body.SenderNicknameHash {
		s.mu.Unlock()
		return
	}
	s.stopOutgoingTimerLocked()
	s.outgoing = nil
	s.active = &activeCall{peerNickname: out.peerNickname, peer: out.peer, callKey: out.callKey}
	s.state = StateInCall
	fn := s.cb.OnOutgoingCallAccepted
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) handleCallDecline(msg transport.Message) {
	var body protocol.CallDecline
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.mu.Lock()
	out := s.outgoing
	if out == nil || out.peer != body.SenderNicknameHash {
		s.mu.Unlock()
		return
	}
	s.stopOutgoingTimerLocked()
	s.outgoing = nil
	s.state = StateFree
	fn := s.cb.OnOutgoingCallDeclined
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) handleCallEnd(msg transport.Message) {
	var body protocol.CallEnd
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.mu.Lock()
	if s.active == nil || s.active.peer != body.SenderNicknameHash {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.state = StateFree
	fn := s.cb.OnCallEndedByRemote
	s.mu.Unlock()
	if fn != nil {
		fn(protocol.ErrNone)
	}
}

func (s *Session) handleConnectionEvent(msg transport.Message, down bool) {
	var body protocol.ConnectionEvent
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.ackConfirmation(body.UID, body.NicknameHash)

	s.mu.Lock()
	var fn func()
	switch {
	case s.active != nil && s.active.peer == body.NicknameHash:
		s.active.peerConnDown = down
		if down {
			fn = s.cb.OnCallParticipantConnectionDown
		} else {
			fn = s.cb.OnCallParticipantConnectionRestored
		}
	case s.outgoing != nil && s.outgoing.peer == body.NicknameHash && down:
		fn = func() {
			if s.cb.OnOutgoingCallTimeout != nil {
				s.cb.OnOutgoingCallTimeout(protocol.ErrConnectionDownWithUser)
			}
		}
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) handleUserLogout(msg transport.Message) {
	var body protocol.ConnectionEvent
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	s.ackConfirmation(body.UID, body.NicknameHash)

	s.mu.Lock()
	var fn func()
	if s.active != nil && s.active.peer == body.NicknameHash {
		s.active = nil
		s.state = StateFree
		fn = func() {
			if s.cb.OnCallEndedByRemote != nil {
				s.cb.OnCallEndedByRemote(protocol.ErrUserLogout)
			}
		}
	}
	if ring, ok := s.incoming[body.NicknameHash]; ok {
		ring.timer.Stop()
		delete(s.incoming, body.NicknameHash)
	}
	if s.outgoing != nil && s.outgoing.peer == body.NicknameHash {
		s.stopOutgoingTimerLocked()
		s.outgoing = nil
		s.state = StateFree
		fn = func() {
			if s.cb.OnOutgoingCallTimeout != nil {
				s.cb.OnOutgoingCallTimeout(protocol.ErrUserLogout)
			}
		}
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) ackConfirmation(uid string, receiver protocol.NicknameHash) {
	s.send(protocol.TypeConfirmation, protocol.Confirmation{UID: uid, ReceiverNicknameHash: receiver})
}

// SetConnectionDown is driven by the local ping controller's down callback
// (§4.9) — Session itself never touches socket liveness logic. Restoration
// fires OnConnectionRestored only once RECONNECT succeeds (handled in
// handleReconnectResult), per §4.6: the ping controller's own restore only
// resets the wire-level edge, not the client's reconnection state.
func (s *Session) SetConnectionDown() {
	s.mu.Lock()
	already := s.connectionDown
	s.connectionDown = true
	fn := s.cb.OnConnectionDown
	s.mu.Unlock()
	if !already && fn != nil {
		fn()
	}
}

// Reconnect sends RECONNECT carrying the saved token (§4.9); the result
// arrives via ReconnectResult, handled above.
func (s *Session) Reconnect() {
	s.mu.Lock()
	nh, token := s.nicknameHash, s.token
	s.mu.Unlock()
	if nh == "" {
		return
	}
	uid := uuid.NewString()
	s.sendReliable(protocol.TypeReconnect, protocol.Reconnect{
		UID:                uid,
		SenderNicknameHash: nh,
		Token:              token,
	}, uid)
}

func (s *Session) resetLocked() {
	s.state = StateUnauthorized
	s.token = ""
	s.outgoing = nil
	s.incoming = make(map[protocol.NicknameHash]*incomingCall)
	s.active = nil
}

func (s *Session) stopOutgoingTimerLocked() {
	if s.outgoing != nil && s.outgoing.timer != nil {
		s.outgoing.timer.Stop()
	}
}

func (s *Session) cancelOutgoingLocked() {
	s.stopOutgoingTimerLocked()
	out := s.outgoing
	s.outgoing = nil
	go s.send(protocol.TypeCallingEnd, protocol.CallingEnd{
		SenderNicknameHash:   s.nicknameHash,
		ReceiverNicknameHash: out.peer,
	})
}

func (s *Session) endActiveLocked(_ string) {
	active := s.active
	s.active = nil
	go s.send(protocol.TypeCallEnd, protocol.CallEnd{
		SenderNicknameHash:   s.nicknameHash,
		ReceiverNicknameHash: active.peer,
	})
}

func (s *Session) send(typ protocol.PacketType, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.log.Error("session: marshal outgoing body", "type", typ.String(), "err", err)
		return
	}
	if err := s.conn.Send(s.serverAddr, typ, data); err != nil {
		s.log.Warn("session: send failed", "type", typ.String(), "err", err)
	}
}

func (s *Session) sendReliable(typ protocol.PacketType, body any, uid string) {
	data, err := json.Marshal(body)
	if err != nil {
		s.log.Error("session: marshal outgoing reliable body", "type", typ.String(), "err", err)
		return
	}
	s.reliable.Track(uid, reliability.Options{
		Send: func() {
			if err := s.conn.Send(s.serverAddr, typ, data); err != nil {
				s.log.Warn("session: reliable send failed", "type", typ.String(), "err", err)
			}
		},
		OnFailure: func() {
			s.log.Warn("session: reliable request exhausted attempts", "type", typ.String(), "uid", uid)
		},
	})
}
