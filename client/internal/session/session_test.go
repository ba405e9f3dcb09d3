package session_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"callifornia/client/internal/session"
	"callifornia/shared/crypto"
	"callifornia/shared/protocol"
	"callifornia/shared/transport"
)

// newLoopbackSession wires a Session to one end of a loopback UDP pair. The
// other end (peerConn) stands in for a minimal fake server in these tests.
func newLoopbackSession(t *testing.T) (*session.Session, *transport.Conn, *net.UDPAddr) {
	t.Helper()
	clientPC, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	serverPC, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	t.Cleanup(func() { clientPC.Close(); serverPC.Close() })

	clientConn := transport.NewConn(clientPC, transport.Options{})
	serverConn := transport.NewConn(serverPC, transport.Options{})
	t.Cleanup(clientConn.Stop)
	t.Cleanup(serverConn.Stop)

	s, err := session.New(clientConn, serverPC.LocalAddr().(*net.UDPAddr), nil)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(s.Stop)

	go func() {
		for msg := range clientConn.Delivery() {
			s.HandleMessage(msg)
		}
	}()

	return s, serverConn, clientPC.LocalAddr().(*net.UDPAddr)
}

func recvFakeServer(t *testing.T, serverConn *transport.Conn) transport.Message {
	t.Helper()
	select {
	case msg := <-serverConn.Delivery():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message at fake server")
		return transport.Message{}
	}
}

func TestAuthorizeTransitionsToFreeOnSuccess(t *testing.T) {
	s, serverConn, clientAddr := newLoopbackSession(t)

	results := make(chan protocol.ErrorKind, 1)
	s.SetCallbacks(session.Callbacks{
		OnAuthorizationResult: func(ec protocol.ErrorKind) { results <- ec },
	})

	if err := s.Authorize("alice"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	msg := recvFakeServer(t, serverConn)
	if msg.Type != protocol.TypeAuthorization {
		t.Fatalf("expected AUTHORIZATION, got %v", msg.Type)
	}
	var body protocol.Authorization
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	reply, _ := json.Marshal(protocol.AuthorizationResult{
		UID: body.UID, Result: true, NicknameHash: body.SenderNicknameHash, Token: "tok-1",
	})
	if err := serverConn.Send(clientAddr, protocol.TypeAuthorizationResult, reply); err != nil {
		t.Fatalf("reply send: %v", err)
	}

	select {
	case ec := <-results:
		if ec != protocol.ErrNone {
			t.Fatalf("expected ErrNone, got %v", ec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnAuthorizationResult")
	}

	if s.State() != session.StateFree {
		t.Fatalf("expected StateFree, got %v", s.State())
	}
}

func TestAuthorizeRejectedKeepsUnauthorized(t *testing.T) {
	s, serverConn, clientAddr := newLoopbackSession(t)

	results := make(chan protocol.ErrorKind, 1)
	s.SetCallbacks(session.Callbacks{
		OnAuthorizationResult: func(ec protocol.ErrorKind) { results <- ec },
	})

	if err := s.Authorize("bob"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	msg := recvFakeServer(t, serverConn)
	var body protocol.Authorization
	_ = json.Unmarshal(msg.Data, &body)

	reply, _ := json.Marshal(protocol.AuthorizationResult{UID: body.UID, Result: false, NicknameHash: body.SenderNicknameHash})
	_ = serverConn.Send(clientAddr, protocol.TypeAuthorizationResult, reply)

	select {
	case ec := <-results:
		if ec != protocol.ErrTakenNickname {
			t.Fatalf("expected ErrTakenNickname, got %v", ec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnAuthorizationResult")
	}
	if s.State() != session.StateUnauthorized {
		t.Fatalf("expected StateUnauthorized, got %v", s.State())
	}
}

func TestStartOutgoingCallRejectsSelfAndEmpty(t *testing.T) {
	s, _, _ := newLoopbackSession(t)
	_ = s.Authorize("carol")

	if s.StartOutgoingCall("") {
		t.Error("expected false for empty peer")
	}
	if s.StartOutgoingCall("carol") {
		t.Error("expected false for self-call")
	}
}

func TestStartOutgoingCallFullHandshakeReachesInCall(t *testing.T) {
	s, serverConn, clientAddr := newLoopbackSession(t)
	accepted := make(chan struct{}, 1)
	s.SetCallbacks(session.Callbacks{OnOutgoingCallAccepted: func() { accepted <- struct{}{} }})

	_ = s.Authorize("dave")
	authMsg := recvFakeServer(t, serverConn) // AUTHORIZATION
	var authBody protocol.Authorization
	_ = json.Unmarshal(authMsg.Data, &authBody)
	authReply, _ := json.Marshal(protocol.AuthorizationResult{
		UID: authBody.UID, Result: true, NicknameHash: authBody.SenderNicknameHash, Token: "tok",
	})
	_ = serverConn.Send(clientAddr, protocol.TypeAuthorizationResult, authReply)
	time.Sleep(50 * time.Millisecond)

	peerKeys, err := crypto.GenerateAsymKeyPair()
	if err != nil {
		t.Fatalf("generate peer keys: %v", err)
	}

	if !s.StartOutgoingCall("erin") {
		t.Fatal("expected StartOutgoingCall to return true")
	}

	msg := recvFakeServer(t, serverConn) // GET_USER_INFO
	var guiBody protocol.GetUserInfo
	_ = json.Unmarshal(msg.Data, &guiBody)

	guiReply, _ := json.Marshal(protocol.GetUserInfoResult{
		UID: guiBody.UID, Result: true, NicknameHash: guiBody.NicknameHash,
		PublicKey: crypto.MarshalPublicKey(peerKeys.Public),
	})
	_ = serverConn.Send(clientAddr, protocol.TypeGetUserInfoResult, guiReply)

	msg = recvFakeServer(t, serverConn) // CALLING_BEGIN
	if msg.Type != protocol.TypeCallingBegin {
		t.Fatalf("expected CALLING_BEGIN, got %v", msg.Type)
	}
	var begin protocol.CallingBegin
	_ = json.Unmarshal(msg.Data, &begin)

	packetKey, err := crypto.UnwrapPacketKey(peerKeys.Private, begin.PacketKey)
	if err != nil {
		t.Fatalf("unwrap packet key: %v", err)
	}
	nickname, err := crypto.Open(packetKey, begin.NicknameNonce, begin.EncryptedNickname)
	if err != nil {
		t.Fatalf("open nickname: %v", err)
	}
	if string(nickname) != "dave" {
		t.Fatalf("expected nickname dave, got %q", nickname)
	}

	acceptReply, _ := json.Marshal(protocol.CallAccept{
		SenderNicknameHash: begin.ReceiverNicknameHash,
	})
	_ = serverConn.Send(clientAddr, protocol.TypeCallAccept, acceptReply)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnOutgoingCallAccepted")
	}
	if s.State() != session.StateInCall {
		t.Fatalf("expected StateInCall, got %v", s.State())
	}
}
