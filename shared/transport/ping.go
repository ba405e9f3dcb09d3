package transport

import (
	"net"
	"sync"
	"time"
)

// Ping controller timing (§4.2).
const (
	PingTick      = 500 * time.Millisecond
	CheckTick     = 1 * time.Second
	missesForDown = 4
)

type endpointState struct {
	addr          net.Addr
	consecMisses  int
	down          bool
	awaitingPong  bool
}

// PingController tracks connectivity to a dynamic set of peer endpoints by
// sending a ping on every PingTick and evaluating liveness on every
// CheckTick: four consecutive check ticks that find the latest ping
// un-acked mark the endpoint down; the next received pong marks it restored.
type PingController struct {
	conn *Conn

	onDown     func(endpoint string)
	onRestored func(endpoint string)

	mu        sync.Mutex
	endpoints map[string]*endpointState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPingController starts the ping/check goroutines immediately. conn must
// already be receiving; PingController hooks conn's OnPong callback path
// itself via HandlePong (call it from the Conn's OnPong option).
func NewPingController(conn *Conn, onDown, onRestored func(endpoint string)) *PingController {
	p := &PingController{
		conn:       conn,
		onDown:     onDown,
		onRestored: onRestored,
		endpoints:  make(map[string]*endpointState),
		stopCh:     make(chan struct{}),
	}
	p.wg.Add(2)
	go p.pingLoop()
	go p.checkLoop()
	return p
}

// Add registers addr for ping tracking, starting in the up state.
func (p *PingController) Add(addr net.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addr.String()
	if _, ok := p.endpoints[key]; ok {
		return
	}
	p.endpoints[key] = &endpointState{addr: addr}
}

// Remove stops tracking addr (e.g. on logout).
func (p *PingController) Remove(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, endpoint)
}

// IsDown reports the last-known liveness for endpoint. Unknown endpoints
// report false (treated as up, since they haven't been tracked long enough
// to miss anything).
func (p *PingController) IsDown(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.endpoints[endpoint]
	return ok && st.down
}

// HandlePong must be invoked by the owner on every received PONG control
// datagram (wire conn.Options.OnPong).
func (p *PingController) HandlePong(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.endpoints[endpoint]
	if !ok {
		return
	}
	st.consecMisses = 0
	st.awaitingPong = false
	wasDown := st.down
	st.down = false
	if wasDown && p.onRestored != nil {
		go p.onRestored(endpoint)
	}
}

// Stop halts both loops within a bounded time.
func (p *PingController) Stop() {
	close(p.stopCh)
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
}

func (p *PingController) pingLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(PingTick)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendAll()
		}
	}
}

func (p *PingController) sendAll() {
	p.mu.Lock()
	targets := make([]*endpointState, 0, len(p.endpoints))
	for _, st := range p.endpoints {
		targets = append(targets, st)
	}
	p.mu.Unlock()

	for _, st := range targets {
		p.mu.Lock()
		st.awaitingPong = true
		p.mu.Unlock()
		_ = p.conn.SendPing(st.addr)
	}
}

func (p *PingController) checkLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(CheckTick)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluate()
		}
	}
}

func (p *PingController) evaluate() {
	p.mu.Lock()
	var newlyDown []string
	for endpoint, st := range p.endpoints {
		if !st.awaitingPong {
			continue
		}
		st.consecMisses++
		if st.consecMisses >= missesForDown && !st.down {
			st.down = true
			newlyDown = append(newlyDown, endpoint)
		}
	}
	p.mu.Unlock()

	if p.onDown != nil {
		for _, endpoint := range newlyDown {
			go p.onDown(endpoint)
		}
	}
}
