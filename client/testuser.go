package main

import (
	"log/slog"
	"net"

	"callifornia/client/internal/session"
	"callifornia/shared/protocol"
	"callifornia/shared/transport"
)

// TestUser is a synthetic peer for manual and integration testing of the
// signaling core: it authorizes under a fixed nickname and auto-accepts
// every incoming call, logging the resulting state transitions. It never
// touches audio/video — media frames it receives are just counted, since
// codec/capture layers are out of scope (§1).
type TestUser struct {
	nickname string
	session  *session.Session
	conn     *transport.Conn
	log      *slog.Logger

	voiceFrames int
}

// newTestUser builds a TestUser bound to its own UDP socket and session.
func newTestUser(nickname string, serverAddr *net.UDPAddr, log *slog.Logger) (*TestUser, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, err
	}
	conn := transport.NewConn(pc, transport.Options{})
	sess, err := session.New(conn, serverAddr, log)
	if err != nil {
		conn.Stop()
		return nil, err
	}

	tu := &TestUser{nickname: nickname, session: sess, conn: conn, log: log}
	sess.SetCallbacks(session.Callbacks{
		OnAuthorizationResult: func(ec protocol.ErrorKind) {
			log.Info("testuser: authorization result", "nickname", nickname, "error", ec)
		},
		OnIncomingCall: func(peer string) {
			log.Info("testuser: incoming call, auto-accepting", "nickname", nickname, "peer", peer)
			sess.AcceptCall(peer)
		},
		OnCallEndedByRemote: func(ec protocol.ErrorKind) {
			log.Info("testuser: call ended by remote", "nickname", nickname, "error", ec)
		},
		OnIncomingVoice: func(data []byte) { tu.voiceFrames++ },
	})
	return tu, nil
}

// start drives the test user's receive loop until stop is called.
func (tu *TestUser) start() error {
	go func() {
		for msg := range tu.conn.Delivery() {
			tu.session.HandleMessage(msg)
		}
	}()
	return tu.session.Authorize(tu.nickname)
}

// stop releases the test user's socket and background goroutines.
func (tu *TestUser) stop() {
	tu.session.Logout()
	tu.session.Stop()
	tu.conn.Stop()
}
