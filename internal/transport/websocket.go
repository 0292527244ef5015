// Package transport implements the four Socket.IO v0.9 transports:
// websocket (Hybi and the legacy Hixie drafts), flashsocket with its
// policy-file listener, and the XHR and JSONP long-polling pair. Each
// transport converts its wire frames into protocol packets and exposes a
// session Outbound handle for the reverse direction.
package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AlexRogalskiy/socketio/internal/protocol"
	"github.com/AlexRogalskiy/socketio/internal/session"
)

const (
	// wsWriteTimeout bounds a single outbound frame write. A write that
	// cannot complete within it means the client stopped draining; the
	// session is torn down rather than buffering without bound.
	wsWriteTimeout = 10 * time.Second

	// wsReadLimit bounds a single inbound frame.
	wsReadLimit = 1 << 20
)

// WebSocket serves the websocket and flashsocket transports. Hybi
// (RFC 6455) upgrades go through gorilla/websocket; requests from the
// older Hixie-75/76 drafts are recognised by their handshake headers and
// served by the hand-rolled framer in hixie.go.
type WebSocket struct {
	upgrader       websocket.Upgrader
	secureLocation bool
}

// NewWebSocket builds the websocket transport. When secureLocation is
// set, the advertised location of Hixie handshakes uses wss:// even on a
// plaintext listener, for deployments behind TLS-terminating proxies.
func NewWebSocket(secureLocation bool) *WebSocket {
	return &WebSocket{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Allow all origins — the sid handed out at handshake is the
			// admission mechanism.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		secureLocation: secureLocation,
	}
}

// Handle upgrades the request and binds the connection to sess under the
// given transport name. It blocks until the connection drops.
func (t *WebSocket) Handle(w http.ResponseWriter, r *http.Request, sess *session.Session, kind string) {
	if isHixie(r) {
		t.handleHixie(w, r, sess, kind)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "sid", sess.ID(), "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	out := &wsOutbound{conn: conn}
	if err := sess.Rebind(kind, out); err != nil {
		conn.Close()
		return
	}

	t.readLoop(conn, sess, out)
}

// readLoop decodes inbound text frames into packets until the connection
// drops or the session ends.
func (t *WebSocket) readLoop(conn *websocket.Conn, sess *session.Session, out session.Outbound) {
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "sid", sess.ID(), "error", err)
			}
			sess.TransportDropped(out)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		pkts, err := protocol.DecodeFrames(data)
		if err != nil {
			slog.Warn("discarding malformed websocket payload", "sid", sess.ID(), "error", err)
			continue
		}
		for _, p := range pkts {
			if err := sess.OnPacketIn(p); err != nil {
				slog.Warn("inbound packet rejected", "sid", sess.ID(), "error", err)
			}
		}
	}
}

// wsOutbound is the streaming Outbound over a Hybi connection. Writes
// are serialized; gorilla permits a single concurrent writer.
type wsOutbound struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (o *wsOutbound) Deliver(pkts []protocol.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range pkts {
		if err := o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		if err := o.conn.WriteMessage(websocket.TextMessage, p.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (o *wsOutbound) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	o.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return o.conn.Close()
}

func (o *wsOutbound) Streaming() bool { return true }
