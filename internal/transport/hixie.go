package transport

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AlexRogalskiy/socketio/internal/protocol"
	"github.com/AlexRogalskiy/socketio/internal/session"
)

// isHixie reports whether the upgrade request predates the Hybi drafts.
// Hybi clients always send Sec-WebSocket-Version; draft-76 clients send
// the two Sec-WebSocket-Key headers instead, and draft-75 clients send
// neither.
func isHixie(r *http.Request) bool {
	return r.Header.Get("Sec-WebSocket-Version") == ""
}

// handleHixie performs the Hixie-75/76 handshake on a hijacked
// connection and runs the 0x00/0xFF text framing until the connection
// drops.
func (t *WebSocket) handleHixie(w http.ResponseWriter, r *http.Request, sess *session.Session, kind string) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		slog.Error("response writer cannot be hijacked for hixie handshake", "sid", sess.ID())
		http.Error(w, "websocket unsupported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		slog.Error("hijack failed", "sid", sess.ID(), "error", err)
		return
	}

	if err := t.hixieHandshake(conn, rw, r); err != nil {
		slog.Warn("hixie handshake failed", "sid", sess.ID(), "error", err)
		conn.Close()
		return
	}

	out := &hixieOutbound{conn: conn}
	if err := sess.Rebind(kind, out); err != nil {
		conn.Close()
		return
	}
	hixieReadLoop(conn, rw.Reader, sess, out)
}

// hixieHandshake writes the 101 response for either draft. Draft-76
// requires echoing an MD5 digest derived from the two keys and the
// 8-byte request body.
func (t *WebSocket) hixieHandshake(conn net.Conn, rw *bufio.ReadWriter, r *http.Request) error {
	location := t.hixieLocation(r)
	origin := r.Header.Get("Origin")

	var buf bytes.Buffer
	if key1 := r.Header.Get("Sec-WebSocket-Key1"); key1 != "" {
		// Draft 76: the challenge tail is the 8-byte body, which may not
		// have been consumed by the HTTP server yet.
		challenge := make([]byte, 8)
		if _, err := io.ReadFull(rw, challenge); err != nil {
			return fmt.Errorf("reading hixie76 challenge: %w", err)
		}
		digest, err := hixie76Digest(key1, r.Header.Get("Sec-WebSocket-Key2"), challenge)
		if err != nil {
			return err
		}
		buf.WriteString("HTTP/1.1 101 WebSocket Protocol Handshake\r\n")
		buf.WriteString("Upgrade: WebSocket\r\n")
		buf.WriteString("Connection: Upgrade\r\n")
		buf.WriteString("Sec-WebSocket-Origin: " + origin + "\r\n")
		buf.WriteString("Sec-WebSocket-Location: " + location + "\r\n")
		buf.WriteString("\r\n")
		buf.Write(digest)
	} else {
		buf.WriteString("HTTP/1.1 101 Web Socket Protocol Handshake\r\n")
		buf.WriteString("Upgrade: WebSocket\r\n")
		buf.WriteString("Connection: Upgrade\r\n")
		buf.WriteString("WebSocket-Origin: " + origin + "\r\n")
		buf.WriteString("WebSocket-Location: " + location + "\r\n")
		buf.WriteString("\r\n")
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing hixie handshake: %w", err)
	}
	return conn.SetWriteDeadline(time.Time{})
}

// hixieLocation builds the ws:// or wss:// location echoed back to the
// client.
func (t *WebSocket) hixieLocation(r *http.Request) string {
	scheme := "ws"
	if t.secureLocation || r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// hixie76Digest computes the 16-byte MD5 challenge response. Each key
// yields a big-endian uint32: the embedded digits divided by the space
// count.
func hixie76Digest(key1, key2 string, challenge []byte) ([]byte, error) {
	n1, err := hixieKeyNumber(key1)
	if err != nil {
		return nil, fmt.Errorf("key1: %w", err)
	}
	n2, err := hixieKeyNumber(key2)
	if err != nil {
		return nil, fmt.Errorf("key2: %w", err)
	}

	material := make([]byte, 16)
	binary.BigEndian.PutUint32(material[0:4], n1)
	binary.BigEndian.PutUint32(material[4:8], n2)
	copy(material[8:16], challenge)

	sum := md5.Sum(material)
	return sum[:], nil
}

// hixieKeyNumber extracts the digits of a Sec-WebSocket-Key header and
// divides by the number of spaces, per draft-76.
func hixieKeyNumber(key string) (uint32, error) {
	var digits strings.Builder
	spaces := 0
	for _, c := range key {
		switch {
		case c >= '0' && c <= '9':
			digits.WriteRune(c)
		case c == ' ':
			spaces++
		}
	}
	if spaces == 0 || digits.Len() == 0 {
		return 0, fmt.Errorf("malformed key %q", key)
	}
	var n uint64
	for _, c := range digits.String() {
		n = n*10 + uint64(c-'0')
	}
	return uint32(n / uint64(spaces)), nil
}

// hixieReadLoop consumes 0x00 ... 0xFF text frames. A 0xFF 0x00 pair is
// the draft-76 closing handshake.
func hixieReadLoop(conn net.Conn, br *bufio.Reader, sess *session.Session, out session.Outbound) {
	defer conn.Close()
	for {
		b, err := br.ReadByte()
		if err != nil {
			sess.TransportDropped(out)
			return
		}
		if b == 0xFF {
			// Closing handshake; the following 0x00 is not required to
			// tear down.
			sess.TransportDropped(out)
			return
		}
		if b != 0x00 {
			slog.Debug("unexpected hixie frame type", "sid", sess.ID(), "byte", b)
			sess.TransportDropped(out)
			return
		}
		data, err := br.ReadBytes(0xFF)
		if err != nil {
			sess.TransportDropped(out)
			return
		}
		data = data[:len(data)-1]
		if len(data) > wsReadLimit {
			sess.TransportDropped(out)
			return
		}
		pkts, err := protocol.DecodeFrames(data)
		if err != nil {
			slog.Warn("discarding malformed hixie payload", "sid", sess.ID(), "error", err)
			continue
		}
		for _, p := range pkts {
			if err := sess.OnPacketIn(p); err != nil {
				slog.Warn("inbound packet rejected", "sid", sess.ID(), "error", err)
			}
		}
	}
}

// hixieOutbound writes 0x00-framed text frames on the raw connection.
type hixieOutbound struct {
	conn net.Conn
	mu   sync.Mutex
}

func (o *hixieOutbound) Deliver(pkts []protocol.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range pkts {
		frame := make([]byte, 0, len(p.Data)+16)
		frame = append(frame, 0x00)
		frame = append(frame, p.Encode()...)
		frame = append(frame, 0xFF)
		if err := o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		if _, err := o.conn.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (o *hixieOutbound) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	o.conn.Write([]byte{0xFF, 0x00})
	return o.conn.Close()
}

func (o *hixieOutbound) Streaming() bool { return true }
