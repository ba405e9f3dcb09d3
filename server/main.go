// Command server runs the Callifornia rendezvous server: UDP signaling and
// media relay core (§4.6, §4.8), plus the admin HTTP plane and optional
// call-history ledger (SPEC_FULL §2).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/time/rate"

	"callifornia/server/internal/admin"
	"callifornia/server/internal/callstore"
	"callifornia/server/internal/relay"
	"callifornia/server/internal/signaling"
	"callifornia/server/internal/state"
	"callifornia/shared/protocol"
	"callifornia/shared/transport"
)

func main() {
	// Check for CLI subcommands (status, version, ...) before the serve flags.
	if len(os.Args) > 1 {
		cliDB := "calls.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	adminAddr := fs.String("admin-addr", ":8088", "address for the admin HTTP plane (health/state/metrics)")
	callHistoryPath := fs.String("call-history", "", "path to a SQLite call-history ledger; empty disables it")
	reconnectGrace := fs.Duration("reconnect-grace", state.DefaultReconnectGrace, "how long a connection-down user may still reconnect")
	rateLimitPerSec := fs.Float64("rate-limit", 200, "inbound datagrams/sec accepted per endpoint before reassembly")
	rateBurst := fs.Int("rate-burst", 400, "burst size for the per-endpoint inbound rate limiter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: server <udp-port> [flags]")
	}
	port := fs.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	udpAddr, err := net.ResolveUDPAddr("udp", ":"+port)
	if err != nil {
		return fmt.Errorf("resolve udp addr: %w", err)
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer pc.Close()

	var ledger *callstore.Store
	if *callHistoryPath != "" {
		ledger, err = callstore.Open(*callHistoryPath)
		if err != nil {
			return fmt.Errorf("open call history ledger: %w", err)
		}
		defer ledger.Close()
	}

	registry := state.New(state.Options{
		ReconnectGrace: *reconnectGrace,
		OnCallRecord:   ledgerWriter(ledger, logger),
	})
	relayTable := relay.New(logger)

	var pingCtl *transport.PingController
	conn := transport.NewConn(pc, transport.Options{
		RateLimit: rate.Limit(*rateLimitPerSec),
		RateBurst: *rateBurst,
		OnPong: func(endpoint string) {
			if pingCtl != nil {
				pingCtl.HandlePong(endpoint)
			}
		},
		OnError: func(kind transport.ErrorKind, err error) {
			logger.Warn("transport error", "kind", kind, "err", err)
		},
	})
	defer conn.Stop()

	handler := signaling.New(conn, registry, relayTable, logger)
	defer handler.Reliable.Stop()

	pingCtl = transport.NewPingController(conn,
		func(endpoint string) { onConnectionDown(registry, handler, relayTable, endpoint) },
		func(endpoint string) { onConnectionRestored(registry, handler, relayTable, endpoint) },
	)
	defer pingCtl.Stop()

	metrics, promReg := admin.NewMetrics()
	adminSrv := admin.New(registry, metrics, promReg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go handler.Run()
	go runEvictionLoop(ctx, registry, handler, *reconnectGrace)
	go runPingRegistration(ctx, pingCtl, registry)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin HTTP plane listening", "addr", *adminAddr)
		if err := adminSrv.Run(ctx, *adminAddr); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server listening", "udp_addr", pc.LocalAddr().String())
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// ledgerWriter adapts an optional callstore.Store into the registry's
// best-effort, fully-decoupled CallRecord callback (SPEC_FULL §2).
func ledgerWriter(ledger *callstore.Store, logger *slog.Logger) func(state.CallRecord) {
	if ledger == nil {
		return nil
	}
	return func(rec state.CallRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ledger.Append(ctx, rec); err != nil {
			logger.Warn("call history append failed", "err", err)
		}
	}
}

func onConnectionDown(registry *state.Registry, h *signaling.Handler, relayTable *relay.Table, endpoint string) {
	u, ok := registry.UserByEndpoint(endpoint)
	if !ok {
		return
	}
	peer, ok := registry.MarkConnectionDown(u.NicknameHash)
	if !ok {
		return
	}
	relayTable.MarkDown(endpoint)
	h.NotifyConnectionEvent(protocol.TypeConnectionDownWithUser, peer, u.NicknameHash)
}

func onConnectionRestored(registry *state.Registry, h *signaling.Handler, relayTable *relay.Table, endpoint string) {
	u, ok := registry.UserByEndpoint(endpoint)
	if !ok {
		return
	}
	peer, ok := registry.MarkConnectionRestored(u.NicknameHash)
	if !ok {
		return
	}
	relayTable.MarkRestored(endpoint)
	h.NotifyConnectionEvent(protocol.TypeConnectionRestoredWithUser, peer, u.NicknameHash)
}

// runEvictionLoop periodically purges Users whose connection has outlived
// the reconnect grace window, fanning out the same USER_LOGOUT/relay-clear
// cascade an explicit LOGOUT triggers to every call and pending-call partner
// left behind (§4.9, §4.6).
func runEvictionLoop(ctx context.Context, registry *state.Registry, h *signaling.Handler, grace time.Duration) {
	interval := grace / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, res := range registry.EvictStale(now) {
				h.FanOutEviction(res)
			}
		}
	}
}

// runPingRegistration keeps the ping controller's tracked endpoint set in
// sync with newly-authorized users; a fresh endpoint only needs registering
// once, so this scans at a modest interval rather than threading a callback
// through every registry mutation.
func runPingRegistration(ctx context.Context, pingCtl *transport.PingController, registry *state.Registry) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	tracked := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, endpoint := range registry.Endpoints() {
				if !tracked[endpoint.String()] {
					pingCtl.Add(endpoint)
					tracked[endpoint.String()] = true
				}
			}
		}
	}
}
