package transport

import (
	"net"
	"sync"
	"testing"
	"time"
)

func newStubPingController(t *testing.T, onDown, onRestored func(string)) (*PingController, *fakeAddr) {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	conn := NewConn(pc, Options{})
	t.Cleanup(conn.Stop)
	ctl := NewPingController(conn, onDown, onRestored)
	t.Cleanup(ctl.Stop)
	return ctl, &fakeAddr{pc.LocalAddr().String()}
}

type fakeAddr struct{ s string }

func (f *fakeAddr) Network() string { return "udp" }
func (f *fakeAddr) String() string  { return f.s }

func TestPingControllerMarksDownAfterFourMisses(t *testing.T) {
	var mu sync.Mutex
	downCount := 0
	ctl, addr := newStubPingController(t, func(string) {
		mu.Lock()
		downCount++
		mu.Unlock()
	}, nil)

	ctl.Add(addr)

	// Simulate four consecutive missed check ticks without ever delivering a
	// pong, driving the state machine directly rather than waiting 4s+ of
	// real ticker time.
	for i := 0; i < missesForDown; i++ {
		ctl.mu.Lock()
		st := ctl.endpoints[addr.String()]
		st.awaitingPong = true
		ctl.mu.Unlock()
		ctl.evaluate()
	}

	time.Sleep(50 * time.Millisecond) // let the async onDown callback land
	mu.Lock()
	defer mu.Unlock()
	if downCount != 1 {
		t.Fatalf("got %d down callbacks, want exactly 1", downCount)
	}
	if !ctl.IsDown(addr.String()) {
		t.Fatal("expected endpoint to be marked down")
	}
}

func TestPingControllerThreeMissesStaysUp(t *testing.T) {
	ctl, addr := newStubPingController(t, func(string) {
		t.Fatal("onDown should not fire after only three misses")
	}, nil)
	ctl.Add(addr)

	for i := 0; i < missesForDown-1; i++ {
		ctl.mu.Lock()
		st := ctl.endpoints[addr.String()]
		st.awaitingPong = true
		ctl.mu.Unlock()
		ctl.evaluate()
	}

	if ctl.IsDown(addr.String()) {
		t.Fatal("endpoint should still be up after three misses")
	}
}

func TestPingControllerRestoresOnFirstPong(t *testing.T) {
	var mu sync.Mutex
	restored := false
	ctl, addr := newStubPingController(t, func(string) {}, func(string) {
		mu.Lock()
		restored = true
		mu.Unlock()
	})
	ctl.Add(addr)

	ctl.mu.Lock()
	ctl.endpoints[addr.String()].down = true
	ctl.mu.Unlock()

	ctl.HandlePong(addr.String())

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if !restored {
		t.Fatal("expected onRestored to fire on first pong while down")
	}
	if ctl.IsDown(addr.String()) {
		t.Fatal("expected endpoint to be marked up after pong")
	}
}
