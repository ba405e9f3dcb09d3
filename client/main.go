// Command client is the Callifornia reference client driver: it exercises
// the embedding API (§6.2) over a line-oriented command loop, since the GUI
// and audio/video capture/playback layers a real frontend would supply are
// out of scope (§1). A GUI or language binding would call the same
// session.Session methods this file calls from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"

	"callifornia/client/internal/config"
	"callifornia/client/internal/establish"
	"callifornia/client/internal/session"
	"callifornia/shared/protocol"
	"callifornia/shared/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("client exited with error", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	nickname := fs.String("nickname", "", "nickname to authorize under (overrides saved config)")
	serverAddr := fs.String("server", "", "rendezvous server address (overrides saved config)")
	botMode := fs.Bool("bot", false, "run as an auto-accepting test peer instead of an interactive session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if *nickname != "" {
		cfg.Nickname = *nickname
	}
	addrFlag := *serverAddr
	if addrFlag == "" && len(cfg.SavedServers) > 0 {
		addrFlag = cfg.SavedServers[0].Addr
	}
	if addrFlag == "" {
		return fmt.Errorf("no server address given (use -server or save one in config)")
	}
	normalized, err := normalizeServerAddr(addrFlag)
	if err != nil {
		return err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", normalized)
	if err != nil {
		return fmt.Errorf("resolve server addr: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *botMode {
		if cfg.Nickname == "" {
			return fmt.Errorf("-nickname is required in -bot mode")
		}
		tu, err := newTestUser(cfg.Nickname, udpAddr, logger)
		if err != nil {
			return err
		}
		if err := tu.start(); err != nil {
			return err
		}
		defer tu.stop()
		logger.Info("test peer running", "nickname", cfg.Nickname, "server", normalized)
		<-ctx.Done()
		return nil
	}

	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer pc.Close()

	var pingCtl *transport.PingController
	var estSvc *establish.Service
	conn := transport.NewConn(pc, transport.Options{
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

	sess, err := session.New(conn, udpAddr, logger)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}
	defer sess.Stop()
	installCallbacks(sess, logger)

	estSvc = establish.New(sess, establish.UDPProbe("udp", normalized), logger)
	defer estSvc.Stop()

	pingCtl = transport.NewPingController(conn,
		func(string) { estSvc.MarkDown() },
		func(string) { estSvc.MarkRestored() },
	)
	defer pingCtl.Stop()
	pingCtl.Add(udpAddr)

	go func() {
		for msg := range conn.Delivery() {
			sess.HandleMessage(msg)
		}
	}()

	if cfg.Nickname != "" {
		if err := sess.Authorize(cfg.Nickname); err != nil {
			return err
		}
	}

	go runREPL(ctx, sess, cfg, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func installCallbacks(sess *session.Session, logger *slog.Logger) {
	sess.SetCallbacks(session.Callbacks{
		OnAuthorizationResult: func(ec protocol.ErrorKind) {
			if ec == protocol.ErrNone {
				logger.Info("authorized")
			} else {
				logger.Warn("authorization failed", "error", ec)
			}
		},
		OnIncomingCall: func(peer string) {
			fmt.Printf("incoming call from %s — accept <nick> / decline <nick>\n", peer)
		},
		OnIncomingCallExpired: func(ec protocol.ErrorKind, peer string) {
			fmt.Printf("incoming call from %s ended (%s)\n", peer, ec)
		},
		OnOutgoingCallAccepted: func() { fmt.Println("call accepted") },
		OnOutgoingCallDeclined: func() { fmt.Println("call declined") },
		OnOutgoingCallTimeout: func(ec protocol.ErrorKind) {
			fmt.Printf("outgoing call failed: %s\n", ec)
		},
		OnCallEndedByRemote: func(ec protocol.ErrorKind) {
			fmt.Printf("call ended by remote (%s)\n", ec)
		},
		OnCallParticipantConnectionDown:     func() { fmt.Println("peer connection down") },
		OnCallParticipantConnectionRestored: func() { fmt.Println("peer connection restored") },
		OnConnectionDown:                    func() { fmt.Println("connection to server down, retrying...") },
		OnConnectionRestored:                func() { fmt.Println("connection to server restored") },
		OnConnectionRestoredAuthorizationNeeded: func() {
			fmt.Println("reconnect failed, re-authorization required")
		},
	})
}

// runREPL implements a minimal line-oriented console over the embedding
// API — the stand-in for a GUI's button/menu wiring in this headless
// driver.
func runREPL(ctx context.Context, sess *session.Session, cfg config.Config, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, rest := fields[0], fields[1:]
		switch cmd {
		case "authorize":
			if len(rest) != 1 {
				fmt.Println("usage: authorize <nickname>")
				continue
			}
			if err := sess.Authorize(rest[0]); err != nil {
				fmt.Println("error:", err)
			}
		case "call":
			if len(rest) != 1 || !sess.StartOutgoingCall(rest[0]) {
				fmt.Println("usage: call <nickname>")
			}
		case "stop":
			sess.StopOutgoingCall()
		case "accept":
			if len(rest) != 1 || !sess.AcceptCall(rest[0]) {
				fmt.Println("usage: accept <nickname>")
			}
		case "decline":
			if len(rest) != 1 || !sess.DeclineCall(rest[0]) {
				fmt.Println("usage: decline <nickname>")
			}
		case "hangup":
			sess.EndCall()
		case "logout":
			sess.Logout()
		case "state":
			fmt.Println(sess.State())
		case "quit", "exit":
			return
		default:
			fmt.Println("commands: authorize, call, stop, accept, decline, hangup, logout, state, quit")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read error", "err", err)
	}
}
