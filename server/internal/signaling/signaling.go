// Package signaling implements the server's per-packet-type handling rules
// (§4.6, §4.7): it dispatches reassembled datagram-transport messages to the
// state registry, relays cryptographic envelopes between callers without
// ever touching their contents (§1 Non-goals: no server-side decryption),
// and drives the reliable-request manager for the message types the spec
// marks as requiring delivery confirmation.
package signaling

import (
	"encoding/json"
	"log/slog"
	"net"

	"callifornia/server/internal/relay"
	"callifornia/server/internal/state"
	"callifornia/shared/protocol"
	"callifornia/shared/reliability"
	"callifornia/shared/transport"
)

// Handler wires the datagram transport to the state registry.
type Handler struct {
	Conn     *transport.Conn
	Registry *state.Registry
	Relay    *relay.Table
	Reliable *reliability.Manager
	Log      *slog.Logger
}

// New builds a Handler over an already-running transport.Conn.
func New(conn *transport.Conn, registry *state.Registry, relayTable *relay.Table, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Conn:     conn,
		Registry: registry,
		Relay:    relayTable,
		Reliable: reliability.New(),
		Log:      log,
	}
}

// Run consumes the transport's delivery queue until it's closed or ctx done
// is signaled externally via Stop on the underlying Conn. Media datagrams
// (§4.8) are forwarded directly through Relay and never reach Registry's
// mutex; everything else goes through the signaling dispatch table.
func (h *Handler) Run() {
	for msg := range h.Conn.Delivery() {
		if relay.IsMediaType(msg.Type) {
			if h.Relay != nil {
				h.Relay.Forward(h.Conn, msg)
			}
			continue
		}
		h.dispatch(msg)
	}
}

func (h *Handler) dispatch(msg transport.Message) {
	switch msg.Type {
	case protocol.TypeAuthorization:
		h.handleAuthorization(msg)
	case protocol.TypeLogout:
		h.handleLogout(msg)
	case protocol.TypeReconnect:
		h.handleReconnect(msg)
	case protocol.TypeGetUserInfo:
		h.handleGetUserInfo(msg)
	case protocol.TypeCallingBegin:
		h.handleCallingBegin(msg)
	case protocol.TypeCallingEnd:
		h.handleCallingEnd(msg)
	case protocol.TypeCallAccept:
		h.handleCallAccept(msg)
	case protocol.TypeCallDecline:
		h.handleCallDecline(msg)
	case protocol.TypeCallEnd:
		h.handleCallEnd(msg)
	case protocol.TypeConfirmation:
		h.handleConfirmation(msg)
	default:
		h.Log.Warn("signaling: unhandled packet type on control channel", "type", msg.Type.String())
	}
}

func (h *Handler) send(addr net.Addr, typ protocol.PacketType, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.Log.Error("signaling: marshal outgoing body", "type", typ.String(), "err", err)
		return
	}
	if err := h.Conn.Send(addr, typ, data); err != nil {
		h.Log.Warn("signaling: send failed", "type", typ.String(), "addr", addr, "err", err)
	}
}

// sendReliable tracks the send under uid and retries it on the reliable
// manager's period until Confirmation(uid) arrives or attempts are
// exhausted (§4.3).
func (h *Handler) sendReliable(addr net.Addr, typ protocol.PacketType, body any, uid string) {
	data, err := json.Marshal(body)
	if err != nil {
		h.Log.Error("signaling: marshal outgoing reliable body", "type", typ.String(), "err", err)
		return
	}
	h.Reliable.Track(uid, reliability.Options{
		Send: func() {
			if err := h.Conn.Send(addr, typ, data); err != nil {
				h.Log.Warn("signaling: reliable send failed", "type", typ.String(), "addr", addr, "err", err)
			}
		},
		OnFailure: func() {
			h.Log.Warn("signaling: reliable request exhausted attempts", "type", typ.String(), "uid", uid)
		},
	})
}

// NotifyConnectionEvent sends a reliable CONNECTION_DOWN_WITH_USER /
// CONNECTION_RESTORED_WITH_USER notification to peer about subject, driven
// by the ping controller's down/restored callbacks (§4.9).
func (h *Handler) NotifyConnectionEvent(typ protocol.PacketType, peer *state.User, subject protocol.NicknameHash) {
	if peer == nil || peer.Endpoint == nil {
		return
	}
	uid := peer.UID + ":" + typ.String() + ":" + string(subject)
	h.sendReliable(peer.Endpoint, typ, protocol.ConnectionEvent{UID: uid, NicknameHash: subject}, uid)
}

func (h *Handler) handleConfirmation(msg transport.Message) {
	var body protocol.Confirmation
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		h.Log.Warn("signaling: bad confirmation body", "err", err)
		return
	}
	h.Reliable.Complete(body.UID)
}

func (h *Handler) handleAuthorization(msg transport.Message) {
	var body protocol.Authorization
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		h.Log.Warn("signaling: bad authorization body", "err", err)
		return
	}
	addr, err := net.ResolveUDPAddr("udp", msg.Endpoint)
	if err != nil {
		h.Log.Warn("signaling: bad endpoint", "endpoint", msg.Endpoint, "err", err)
		return
	}

	user, err := h.Registry.Authorize(body.UID, body.SenderNicknameHash, body.PublicKey, addr)
	result := protocol.AuthorizationResult{UID: body.UID, NicknameHash: body.SenderNicknameHash}
	if err != nil {
		result.Result = false
		h.send(addr, protocol.TypeAuthorizationResult, result)
		return
	}
	result.Result = true
	result.Token = user.Token
	h.send(addr, protocol.TypeAuthorizationResult, result)
}

func (h *Handler) handleLogout(msg transport.Message) {
	var body protocol.Logout
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		h.Log.Warn("signaling: bad logout body", "err", err)
		return
	}
	leaving, leavingOK := h.Registry.UserByNickname(body.SenderNicknameHash)
	if h.Relay != nil && leavingOK && leaving.Endpoint != nil {
		h.Relay.ClearRoute(transport.Endpoint(leaving.Endpoint))
	}
	activePeer, hadCall, outgoingPeer, incomingPeers := h.Registry.Logout(body.SenderNicknameHash)
	if hadCall && activePeer != nil && activePeer.Endpoint != nil {
		if h.Relay != nil {
			h.Relay.ClearRoute(transport.Endpoint(activePeer.Endpoint))
		}
		h.notifyUserLogout(activePeer, body.SenderNicknameHash, body.UID)
	}
	if outgoingPeer != nil {
		h.notifyUserLogout(outgoingPeer, body.SenderNicknameHash, body.UID)
	}
	for _, peer := range incomingPeers {
		h.notifyUserLogout(peer, body.SenderNicknameHash, body.UID)
	}
}

// notifyUserLogout sends the reliable USER_LOGOUT every call/pending-call
// partner of a departing user needs, whether the departure came from an
// explicit LOGOUT or a stale-connection eviction (§4.6, §4.9).
func (h *Handler) notifyUserLogout(peer *state.User, leaving protocol.NicknameHash, leavingUID string) {
	if peer == nil || peer.Endpoint == nil {
		return
	}
	uid := peer.UID + ":logout:" + leavingUID
	h.sendReliable(peer.Endpoint, protocol.TypeUserLogout,
		protocol.ConnectionEvent{UID: uid, NicknameHash: leaving}, uid)
}

// FanOutEviction runs the same USER_LOGOUT/relay-clear cascade handleLogout
// drives for an explicit LOGOUT, but for one user the eviction loop has just
// purged for outliving the reconnect grace window (§4.9, §4.6).
func (h *Handler) FanOutEviction(res state.EvictResult) {
	if h.Relay != nil && res.Endpoint != nil {
		h.Relay.ClearRoute(transport.Endpoint(res.Endpoint))
	}
	if res.ActivePeer != nil && res.ActivePeer.Endpoint != nil {
		if h.Relay != nil {
			h.Relay.ClearRoute(transport.Endpoint(res.ActivePeer.Endpoint))
		}
		h.notifyUserLogout(res.ActivePeer, res.Nickname, string(res.Nickname))
	}
	if res.OutgoingPeer != nil {
		h.notifyUserLogout(res.OutgoingPeer, res.Nickname, string(res.Nickname))
	}
	for _, peer := range res.IncomingPeers {
		h.notifyUserLogout(peer, res.Nickname, string(res.Nickname))
	}
}

func (h *Handler) handleReconnect(msg transport.Message) {
	var body protocol.Reconnect
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		h.Log.Warn("signaling: bad reconnect body", "err", err)
		return
	}
	addr, err := net.ResolveUDPAddr("udp", msg.Endpoint)
	if err != nil {
		return
	}

	result := protocol.ReconnectResult{UID: body.UID, NicknameHash: body.SenderNicknameHash}
	user, rerr := h.Registry.Reconnect(body.SenderNicknameHash, body.Token, addr)
	if rerr != nil {
		result.Result = false
		h.send(addr, protocol.TypeReconnectResult, result)
		return
	}
	result.Result = true
	result.Token = user.Token
	if user.Active != nil {
		result.IsActiveCall = true
		result.CallPartnerNicknameHash = user.Active.Other(user).NicknameHash
	}
	h.send(addr, protocol.TypeReconnectResult, result)
}

func (h *Handler) handleGetUserInfo(msg transport.Message) {
	var body protocol.GetUserInfo
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		h.Log.Warn("signaling: bad get_user_info body", "err", err)
		return
	}
	addr, err := net.ResolveUDPAddr("udp", msg.Endpoint)
	if err != nil {
		return
	}
	result := protocol.GetUserInfoResult{UID: body.UID, NicknameHash: body.NicknameHash}
	target, ok := h.Registry.UserByNickname(body.NicknameHash)
	if !ok {
		result.Result = false
		h.send(addr, protocol.TypeGetUserInfoResult, result)
		return
	}
	result.Result = true
	result.PublicKey = target.PublicKey
	h.send(addr, protocol.TypeGetUserInfoResult, result)
}

func (h *Handler) handleCallingBegin(msg transport.Message) {
	var body protocol.CallingBegin
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		h.Log.Warn("signaling: bad calling_begin body", "err", err)
		return
	}
	if _, err := h.Registry.BeginCall(body.SenderNicknameHash, body.ReceiverNicknameHash); err != nil {
		h.Log.Debug("signaling: calling_begin rejected", "err", err)
		return
	}
	responder, ok := h.Registry.UserByNickname(body.ReceiverNicknameHash)
	if !ok || responder.Endpoint == nil {
		return
	}
	h.send(responder.Endpoint, protocol.TypeCallingBegin, body)
}

func (h *Handler) handleCallingEnd(msg transport.Message) {
	var body protocol.CallingEnd
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	_ = h.Registry.CancelCall(body.SenderNicknameHash, body.ReceiverNicknameHash)
	responder, ok := h.Registry.UserByNickname(body.ReceiverNicknameHash)
	if ok && responder.Endpoint != nil {
		h.send(responder.Endpoint, protocol.TypeCallingEnd, body)
	}
}

func (h *Handler) handleCallAccept(msg transport.Message) {
	var body protocol.CallAccept
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		h.Log.Warn("signaling: bad call_accept body", "err", err)
		return
	}
	// body.SenderNicknameHash is the responder accepting; ReceiverNicknameHash
	// names the original initiator.
	result, err := h.Registry.AcceptCall(body.ReceiverNicknameHash, body.SenderNicknameHash)
	if err != nil {
		h.Log.Debug("signaling: call_accept rejected", "err", err)
		return
	}
	initiator, ok := h.Registry.UserByNickname(body.ReceiverNicknameHash)
	if !ok || initiator.Endpoint == nil {
		return
	}
	responder, ok := h.Registry.UserByNickname(body.SenderNicknameHash)
	if ok && responder.Endpoint != nil && h.Relay != nil {
		h.Relay.SetRoute(transport.Endpoint(initiator.Endpoint), responder.Endpoint)
		h.Relay.SetRoute(transport.Endpoint(responder.Endpoint), initiator.Endpoint)
	}
	h.send(initiator.Endpoint, protocol.TypeCallAccept, body)

	for _, declined := range result.Declined {
		if declined.Endpoint == nil {
			continue
		}
		h.send(declined.Endpoint, protocol.TypeCallDecline, protocol.CallDecline{
			SenderNicknameHash:   body.SenderNicknameHash,
			ReceiverNicknameHash: declined.NicknameHash,
			Reason:               protocol.ErrDeclinedElsewhere,
		})
	}
}

func (h *Handler) handleCallDecline(msg transport.Message) {
	var body protocol.CallDecline
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	_ = h.Registry.CancelCall(body.ReceiverNicknameHash, body.SenderNicknameHash)
	initiator, ok := h.Registry.UserByNickname(body.ReceiverNicknameHash)
	if ok && initiator.Endpoint != nil {
		h.send(initiator.Endpoint, protocol.TypeCallDecline, body)
	}
}

func (h *Handler) handleCallEnd(msg transport.Message) {
	var body protocol.CallEnd
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return
	}
	var peerNick protocol.NicknameHash
	sender, senderOK := h.Registry.UserByNickname(body.SenderNicknameHash)
	if senderOK && sender.Active != nil {
		peerNick = sender.Active.Other(sender).NicknameHash
	}
	if h.Relay != nil && senderOK && sender.Endpoint != nil {
		h.Relay.ClearRoute(transport.Endpoint(sender.Endpoint))
	}
	if err := h.Registry.EndCall(body.SenderNicknameHash, "remote_end"); err != nil {
		return
	}
	if peerNick == "" {
		return
	}
	peer, ok := h.Registry.UserByNickname(peerNick)
	if ok && peer.Endpoint != nil {
		if h.Relay != nil {
			h.Relay.ClearRoute(transport.Endpoint(peer.Endpoint))
		}
		h.send(peer.Endpoint, protocol.TypeCallEnd, body)
	}
}
