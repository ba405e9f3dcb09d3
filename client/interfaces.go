package main

import "callifornia/client/internal/session"

// Client is the embedding API (§6.2) a GUI or language binding programs
// against. Defining it here — independent of session.Session's concrete
// type — lets a binding layer be tested against a fake without dragging in
// the real transport.
type Client interface {
	Authorize(nickname string) error
	Logout()
	StartOutgoingCall(peerNickname string) bool
	StopOutgoingCall() bool
	AcceptCall(peerNickname string) bool
	DeclineCall(peerNickname string) bool
	EndCall() bool

	SendVoice(data []byte) error
	SendScreen(data []byte) error
	SendCamera(data []byte) error

	State() session.State
	SetCallbacks(cb session.Callbacks)
}

var _ Client = (*session.Session)(nil)
