// Package server routes inbound HTTP traffic to the Socket.IO
// transports: it performs the handshake that hands out session ids,
// dispatches transport requests by URL, and owns the session registry
// and heartbeat scheduler for the process.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/AlexRogalskiy/socketio/internal/config"
	"github.com/AlexRogalskiy/socketio/internal/protocol"
	"github.com/AlexRogalskiy/socketio/internal/session"
	"github.com/AlexRogalskiy/socketio/internal/transport"
)

var (
	// ErrUnknownSession marks a transport request whose sid is not in
	// the registry (or already disconnected). On the wire it becomes the
	// "client not handshaken" ERROR packet, never an HTTP 5xx.
	ErrUnknownSession = errors.New("socketio: unknown session")

	// ErrUnsupportedTransport marks a transport segment that is not
	// configured or not known at all.
	ErrUnsupportedTransport = errors.New("socketio: unsupported transport")
)

// notHandshakenBody is the ERROR packet sent for requests carrying an
// unknown sid: error reason 1 (client not handshaken), advice 0
// (reconnect).
const notHandshakenBody = "7:::1+0"

// Server is the dispatcher tying the registry, scheduler and transports
// together behind one HTTP handler.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	sched    *session.Scheduler

	ws    *transport.WebSocket
	xhr   *transport.Polling
	jsonp *transport.Polling

	router    *mux.Router
	startTime time.Time
}

// New builds a server from cfg. The listener receives session lifecycle
// and message callbacks; it may be nil for a server that only relays
// protocol packets.
func New(cfg *config.Config, listener session.Listener) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		registry: session.NewRegistry(
			cfg.HeartbeatTimeoutDuration(),
			cfg.CloseTimeoutDuration(),
			listener,
		),
		ws:    transport.NewWebSocket(cfg.AlwaysSecureWebSocketLocation),
		xhr:   transport.NewXHRPolling(),
		jsonp: transport.NewJSONPPolling(),
	}
	s.sched = session.NewScheduler(
		s.registry,
		cfg.HeartbeatIntervalDuration(),
		cfg.HeartbeatThreadpoolSize,
	)

	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	base := cfg.Resource + "/socket.io/1"
	r.HandleFunc(cfg.Resource+"/socket.io/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(base+"/", s.handleHandshake).Methods(http.MethodGet)
	r.HandleFunc(base, s.handleHandshake).Methods(http.MethodGet)
	r.PathPrefix(base + "/{transport}/{sid}").HandlerFunc(s.handleTransport)
	s.router = r

	return s
}

// Handler returns the HTTP handler serving the Socket.IO URL space.
func (s *Server) Handler() http.Handler { return s.router }

// Registry exposes the session table, for lookups by the application.
func (s *Server) Registry() *session.Registry { return s.registry }

// Start launches the heartbeat scheduler. It returns immediately; the
// scheduler stops when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.sched.Start(ctx)
}

// Shutdown disconnects every live session.
func (s *Server) Shutdown() {
	s.registry.CloseAll()
}

// Broadcast sends the packet to every live session.
func (s *Server) Broadcast(p protocol.Packet) {
	s.registry.ForEach(func(sess *session.Session) {
		if err := sess.Send(p); err != nil && !errors.Is(err, session.ErrSessionClosed) {
			slog.Debug("broadcast send failed", "sid", sess.ID(), "error", err)
		}
	})
}

// handleHandshake creates a session and returns the handshake record:
// SID:HEARTBEAT_TIMEOUT:CLOSE_TIMEOUT:TRANSPORTS. The session is in the
// registry, in the connecting state, before the response is written.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Create(s.clientIP(r))
	if err != nil {
		slog.Error("handshake failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	body := fmt.Sprintf("%s:%d:%d:%s",
		sess.ID(),
		s.cfg.HeartbeatTimeout,
		s.cfg.CloseTimeout,
		strings.Join(s.cfg.EnabledTransports(), ","),
	)

	slog.Info("handshake", "sid", sess.ID(), "remote_addr", sess.RemoteAddr())

	// JSONP clients cannot read a plain body; wrap it when asked to.
	if index := r.URL.Query().Get("jsonp"); index != "" {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprintf(w, "io.j[%s](\"%s\");", sanitizeIndex(index), body)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	io.WriteString(w, body)
}

// handleTransport routes /socket.io/1/{transport}/{sid} to the matching
// framer.
func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["transport"]
	sid := vars["sid"]

	if !s.cfg.TransportEnabled(name) {
		slog.Warn("transport rejected", "transport", name, "error", ErrUnsupportedTransport)
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}

	sess := s.registry.Get(sid)
	if sess == nil || sess.State() == session.Disconnected {
		slog.Debug("request for unknown session", "sid", sid, "error", ErrUnknownSession)
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		io.WriteString(w, notHandshakenBody)
		return
	}

	// The v0.9 client forces a server-side disconnect on page unload.
	if _, forced := r.URL.Query()["disconnect"]; forced {
		sess.Disconnect()
		w.WriteHeader(http.StatusOK)
		return
	}

	switch name {
	case "websocket", "flashsocket":
		s.ws.Handle(w, r, sess, name)
	case "xhr-polling":
		s.xhr.Handle(w, r, sess)
	case "jsonp-polling":
		s.jsonp.Handle(w, r, sess)
	}
}

// clientIP resolves the client address, honouring the configured
// forwarding header when present (first comma-separated token).
func (s *Server) clientIP(r *http.Request) string {
	if name := s.cfg.HeaderClientIPAddressName; name != "" {
		if v := r.Header.Get(name); v != "" {
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			return strings.TrimSpace(v)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sanitizeIndex keeps the JSONP callback index numeric.
func sanitizeIndex(index string) string {
	for _, c := range index {
		if c < '0' || c > '9' {
			return "0"
		}
	}
	if index == "" {
		return "0"
	}
	return index
}

// loggingMiddleware logs each incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		next.ServeHTTP(w, r)
	})
}
