package relay

import (
	"net"
	"testing"
	"time"

	"callifornia/shared/protocol"
	"callifornia/shared/transport"
)

func TestForwardRoutesMediaToPeer(t *testing.T) {
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}

	recv := transport.NewConn(b, transport.Options{})
	defer recv.Stop()
	send := transport.NewConn(a, transport.Options{})
	defer send.Stop()

	table := New(nil)
	table.SetRoute(transport.Endpoint(a.LocalAddr().(*net.UDPAddr)), b.LocalAddr().(*net.UDPAddr))

	table.Forward(send, transport.Message{
		Endpoint: transport.Endpoint(a.LocalAddr().(*net.UDPAddr)),
		Type:     protocol.TypeVoice,
		Data:     []byte("opaque audio bytes"),
	})

	select {
	case msg := <-recv.Delivery():
		if string(msg.Data) != "opaque audio bytes" {
			t.Fatalf("got %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded datagram")
	}
}

func TestForwardIsNoopWithoutRoute(t *testing.T) {
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Close()
	conn := transport.NewConn(a, transport.Options{})
	defer conn.Stop()

	table := New(nil)
	// No SetRoute call: Forward must not panic or send anywhere.
	table.Forward(conn, transport.Message{Endpoint: "1.2.3.4:9", Type: protocol.TypeVoice, Data: []byte("x")})
}

func TestForwardDropsSilentlyWhenPeerConnectionDown(t *testing.T) {
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}

	recv := transport.NewConn(b, transport.Options{})
	defer recv.Stop()
	send := transport.NewConn(a, transport.Options{})
	defer send.Stop()

	bAddr := b.LocalAddr().(*net.UDPAddr)
	table := New(nil)
	table.SetRoute(transport.Endpoint(a.LocalAddr().(*net.UDPAddr)), bAddr)
	table.MarkDown(bAddr.String())

	table.Forward(send, transport.Message{
		Endpoint: transport.Endpoint(a.LocalAddr().(*net.UDPAddr)),
		Type:     protocol.TypeVoice,
		Data:     []byte("should not arrive"),
	})

	select {
	case msg := <-recv.Delivery():
		t.Fatalf("expected no delivery while peer is connection-down, got %q", msg.Data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIsMediaType(t *testing.T) {
	for _, typ := range []protocol.PacketType{protocol.TypeVoice, protocol.TypeScreen, protocol.TypeCamera} {
		if !IsMediaType(typ) {
			t.Errorf("expected %v to be a media type", typ)
		}
	}
	if IsMediaType(protocol.TypeCallEnd) {
		t.Error("CALL_END must not be classified as a media type")
	}
}
