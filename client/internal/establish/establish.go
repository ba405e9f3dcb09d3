// Package establish implements the client's establishment/reconnection
// service (§4.9): a background loop that periodically retries opening the
// transport to the server while the connection is down, and resends
// RECONNECT once the socket is usable again.
package establish

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// RetryInterval is the fixed delay between reconnection attempts (§4.9: "a
// fixed retry interval (≈ 2 s)").
const RetryInterval = 2 * time.Second

// Session is the subset of client/internal/session.Session the loop drives.
// A narrow interface keeps this package testable without a live Session.
type Session interface {
	SetConnectionDown()
	Reconnect()
}

// Service runs the background reconnection loop. It is started once the
// client first observes the ping controller report the link down, and
// stopped on client shutdown.
type Service struct {
	session Session
	probe   func() error
	log     *slog.Logger
	period  time.Duration

	mu      sync.Mutex
	down    bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds a Service. probe performs a lightweight liveness check (e.g. a
// UDP send to the server address) and returns an error while the transport
// is still unusable.
func New(session Session, probe func() error, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		session: session,
		probe:   probe,
		log:     log,
		period:  RetryInterval,
		stopCh:  make(chan struct{}),
	}
}

// MarkDown transitions the service into the retry loop. Idempotent: calling
// it while already down is a no-op. Mirrors the ping controller's onDown
// callback (§4.2) feeding into §4.9.
func (s *Service) MarkDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return
	}
	s.down = true
	s.session.SetConnectionDown()
	if !s.started {
		s.started = true
		s.wg.Add(1)
		go s.run()
	}
}

// MarkRestored clears the down flag without waiting for the next retry
// tick — used when the ping controller itself reports the endpoint
// restored mid-loop. If the service was down it sends RECONNECT at once,
// since only a successful RECONNECT clears the client's own state per §4.6;
// the loop sends no further RECONNECT after this.
func (s *Service) MarkRestored() {
	s.mu.Lock()
	wasDown := s.down
	s.down = false
	s.mu.Unlock()
	if wasDown {
		s.session.Reconnect()
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			down := s.down
			s.mu.Unlock()
			if !down {
				continue
			}
			if s.probe != nil {
				if err := s.probe(); err != nil {
					s.log.Debug("establish: probe still failing", "err", err)
					continue
				}
			}
			s.session.Reconnect()
		}
	}
}

// Stop joins the retry loop within a bounded time (§5).
func (s *Service) Stop() {
	close(s.stopCh)
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
}

// UDPProbe returns a probe func that verifies addr is still resolvable and
// reachable at the socket layer — a cheap local check, not a round trip.
func UDPProbe(network, addr string) func() error {
	return func() error {
		conn, err := net.Dial(network, addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
