// Command siod runs the Socket.IO server daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexRogalskiy/socketio/internal/config"
	"github.com/AlexRogalskiy/socketio/internal/netutil"
	"github.com/AlexRogalskiy/socketio/internal/protocol"
	"github.com/AlexRogalskiy/socketio/internal/server"
	"github.com/AlexRogalskiy/socketio/internal/session"
	"github.com/AlexRogalskiy/socketio/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the server configuration file")
	flag.Parse()

	// Initialize structured logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting socket.io server")

	// Load configuration from env vars and config file.
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"heartbeat_timeout", cfg.HeartbeatTimeout,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"close_timeout", cfg.CloseTimeout,
		"transports", cfg.TransportNames,
	)

	srv := server.New(cfg, &echoListener{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the heartbeat scheduler in the background.
	srv.Start(ctx)

	// Start the Flash policy listener when flashsocket is enabled.
	if cfg.TransportEnabled("flashsocket") && cfg.FlashPolicyPort > 0 {
		policy := transport.NewPolicyServer(fmt.Sprintf(":%d", cfg.FlashPolicyPort))
		if err := policy.Start(ctx); err != nil {
			slog.Error("failed to start flash policy server", "error", err)
			os.Exit(1)
		}
	}

	// Bind the HTTP listener. Long-polls park for most of the heartbeat
	// window, so only header reads and idle keep-alives get deadlines.
	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := netutil.Listen(ctx, addr, cfg.EpollEnabled)
	if err != nil {
		slog.Error("failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "tls", cfg.TLSEnabled())
		var serveErr error
		if cfg.TLSEnabled() {
			serveErr = httpServer.ServeTLS(ln, cfg.SSLCert, cfg.SSLKey)
		} else {
			serveErr = httpServer.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", serveErr)
		}
	}()

	// Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error, shutting down", "error", err)
	}

	slog.Info("initiating graceful shutdown")
	srv.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("server shut down cleanly")
}

// echoListener is the default application listener: it logs lifecycle
// events and echoes message packets back to their sender.
type echoListener struct{}

func (l *echoListener) OnConnect(s *session.Session) {
	slog.Info("client connected", "sid", s.ID(), "remote_addr", s.RemoteAddr())
}

func (l *echoListener) OnMessage(s *session.Session, p protocol.Packet) {
	if err := s.Send(p); err != nil {
		slog.Warn("echo failed", "sid", s.ID(), "error", err)
	}
}

func (l *echoListener) OnDisconnect(s *session.Session) {
	slog.Info("client disconnected", "sid", s.ID())
}
