// Package admin implements the server's read-only operator surface
// (SPEC_FULL §2 "Admin/Observability plane", §6.4): health, a live state
// snapshot and Prometheus metrics, layered alongside the UDP signaling core
// without ever being in its call path.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callifornia/server/internal/state"
)

const wsWriteTimeout = 5 * time.Second

// wsPushInterval is how often handleStateStream pushes a fresh snapshot to
// a connected operator client.
const wsPushInterval = 2 * time.Second

// Metrics are the Prometheus gauges/counters exposed on /metrics, mirroring
// the live registry state plus a handful of cumulative relay counters. The
// gauges are set by Refresh; the four counters are registered and exposed,
// but nothing in the server increments them, so they stay at zero.
type Metrics struct {
	AuthorizedUsers  prometheus.Gauge
	ConnectionsDown  prometheus.Gauge
	ActiveCalls      prometheus.Gauge
	PendingCalls     prometheus.Gauge
	DatagramsRelayed prometheus.Counter
	PingFailures     prometheus.Counter
	PingRestores     prometheus.Counter
	ReassemblyEvictions prometheus.Counter
}

// NewMetrics registers the server's gauges/counters on a fresh registry.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		AuthorizedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callifornia", Subsystem: "server", Name: "authorized_users", Help: "Currently authorized users.",
		}),
		ConnectionsDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callifornia", Subsystem: "server", Name: "connections_down", Help: "Users currently in connection-down state.",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callifornia", Subsystem: "server", Name: "active_calls", Help: "Currently established calls.",
		}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callifornia", Subsystem: "server", Name: "pending_calls", Help: "Calls currently ringing.",
		}),
		DatagramsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callifornia", Subsystem: "server", Name: "datagrams_relayed_total", Help: "Media datagrams forwarded between call participants.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callifornia", Subsystem: "server", Name: "ping_failures_total", Help: "Endpoints marked down by the ping controller.",
		}),
		PingRestores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callifornia", Subsystem: "server", Name: "ping_restores_total", Help: "Endpoints marked restored by the ping controller.",
		}),
		ReassemblyEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callifornia", Subsystem: "server", Name: "reassembly_evictions_total", Help: "Reassembly records evicted to stay under the per-endpoint cap.",
		}),
	}
	reg.MustRegister(m.AuthorizedUsers, m.ConnectionsDown, m.ActiveCalls, m.PendingCalls,
		m.DatagramsRelayed, m.PingFailures, m.PingRestores, m.ReassemblyEvictions)
	return m, reg
}

// Refresh syncs the gauge values from a fresh registry snapshot. Called on
// every admin request, including /metrics scrapes and each stream push.
func (m *Metrics) Refresh(snap state.Snapshot) {
	m.AuthorizedUsers.Set(float64(snap.AuthorizedUsers))
	m.ConnectionsDown.Set(float64(snap.ConnectionsDown))
	m.ActiveCalls.Set(float64(snap.ActiveCalls))
	m.PendingCalls.Set(float64(snap.PendingCalls))
}

// Server is the admin HTTP surface, mirroring the teacher's
// internal/httpapi.Server Run(ctx, addr) graceful-shutdown shape.
type Server struct {
	echo      *echo.Echo
	registry  *state.Registry
	metrics   *Metrics
	promReg   *prometheus.Registry
	startedAt time.Time
	upgrader  websocket.Upgrader
}

// New builds the admin HTTP surface. promReg may be nil to skip /metrics.
func New(registry *state.Registry, metrics *Metrics, promReg *prometheus.Registry) *Server {
	s := &Server{
		registry:  registry,
		metrics:   metrics,
		promReg:   promReg,
		startedAt: time.Now(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	e.GET("/health", s.handleHealth)
	e.GET("/api/state", s.handleState)
	e.GET("/api/state/stream", s.handleStateStream)
	if promReg != nil {
		prom := echo.WrapHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		e.GET("/metrics", func(c echo.Context) error {
			if s.metrics != nil {
				s.metrics.Refresh(s.registry.Snapshot())
			}
			return prom(c)
		})
	}
	s.echo = e
	return s
}

// requestLogger mirrors server/internal/httpapi/server.go's slog-based
// request logging middleware.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true, LogURI: true, LogMethod: true, LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			c.Logger().Infof("admin request method=%s uri=%s status=%d latency=%s",
				v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	})
}

type healthResponse struct {
	Status          string `json:"status"`
	AuthorizedUsers int    `json:"authorized_users"`
	ActiveCalls     int    `json:"active_calls"`
	Uptime          string `json:"uptime"`
}

func (s *Server) handleHealth(c echo.Context) error {
	snap := s.registry.Snapshot()
	if s.metrics != nil {
		s.metrics.Refresh(snap)
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:          "ok",
		AuthorizedUsers: snap.AuthorizedUsers,
		ActiveCalls:     snap.ActiveCalls,
		Uptime:          humanize.RelTime(s.startedAt, time.Now(), "", ""),
	})
}

type stateResponse struct {
	AuthorizedUsers int `json:"authorized_users"`
	ConnectionsDown int `json:"connections_down"`
	ActiveCalls     int `json:"active_calls"`
	PendingCalls    int `json:"pending_calls"`
}

func (s *Server) handleState(c echo.Context) error {
	snap := s.registry.Snapshot()
	if s.metrics != nil {
		s.metrics.Refresh(snap)
	}
	return c.JSON(http.StatusOK, stateResponse{
		AuthorizedUsers: snap.AuthorizedUsers,
		ConnectionsDown: snap.ConnectionsDown,
		ActiveCalls:     snap.ActiveCalls,
		PendingCalls:    snap.PendingCalls,
	})
}

// handleStateStream upgrades to a websocket and pushes a state snapshot
// every wsPushInterval until the client disconnects — a live monitoring
// channel for operator tooling that would otherwise have to poll /api/state.
func (s *Server) handleStateStream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Drain and discard anything the client sends; this channel is push-only.
	// A failed read (client closed) is our cue to stop pushing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return nil
		case <-ticker.C:
			snap := s.registry.Snapshot()
			if s.metrics != nil {
				s.metrics.Refresh(snap)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(stateResponse{
				AuthorizedUsers: snap.AuthorizedUsers,
				ConnectionsDown: snap.ConnectionsDown,
				ActiveCalls:     snap.ActiveCalls,
				PendingCalls:    snap.PendingCalls,
			}); err != nil {
				return nil
			}
		}
	}
}

// Run serves until ctx is canceled, then shuts down gracefully within 5s —
// the same pattern as server/internal/httpapi/server.go's Run(ctx, addr).
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
