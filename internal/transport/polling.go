package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AlexRogalskiy/socketio/internal/protocol"
	"github.com/AlexRogalskiy/socketio/internal/session"
)

const (
	// maxPollBody bounds an inbound POST payload.
	maxPollBody = 1 << 20

	// pollGrace caps how long a parked poll may sit beyond the session's
	// own keep-alive; a NOOP normally completes the poll well before.
	pollGrace = 5 * time.Minute
)

// Polling serves the xhr-polling and jsonp-polling transports. The two
// differ only in how a response body is rendered and how a POST body is
// unwrapped, captured by the render and parseBody hooks.
type Polling struct {
	name      string
	render    func(w http.ResponseWriter, r *http.Request, payload []byte)
	parseBody func(r *http.Request) ([]byte, error)
}

// NewXHRPolling builds the xhr-polling transport: plain-text bodies in
// both directions.
func NewXHRPolling() *Polling {
	return &Polling{
		name:      "xhr-polling",
		render:    renderXHR,
		parseBody: parseXHRBody,
	}
}

// NewJSONPPolling builds the jsonp-polling transport: responses are
// script invocations of the client's io.j callback table and POST bodies
// arrive form-encoded under d.
func NewJSONPPolling() *Polling {
	return &Polling{
		name:      "jsonp-polling",
		render:    renderJSONP,
		parseBody: parseJSONPBody,
	}
}

// Name returns the transport name used in URLs and handshake lists.
func (t *Polling) Name() string { return t.name }

// Handle serves one polling request. GET parks until data arrives (or
// flushes the backlog immediately); POST decodes inbound packets.
func (t *Polling) Handle(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodGet:
		t.handlePoll(w, r, sess)
	case http.MethodPost:
		t.handlePost(w, r, sess)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePoll binds a one-shot outbound handle to the session and blocks
// until it is delivered to, completed empty, or abandoned by the client.
func (t *Polling) handlePoll(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	out := newPollOutbound()
	if err := sess.Rebind(t.name, out); err != nil {
		t.render(w, r, nil)
		return
	}

	select {
	case pkts := <-out.ch:
		t.render(w, r, protocol.EncodeFrames(pkts))
	case <-out.done:
		t.render(w, r, nil)
	case <-r.Context().Done():
		sess.Release(out)
	case <-time.After(pollGrace):
		sess.Release(out)
		t.render(w, r, nil)
	}
}

// handlePost decodes the framed request body and feeds each packet to
// the session, answering with the one-byte acknowledgement body.
func (t *Polling) handlePost(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	body, err := t.parseBody(r)
	if err != nil {
		slog.Warn("bad polling request body", "sid", sess.ID(), "transport", t.name, "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	pkts, err := protocol.DecodeFrames(body)
	if err != nil {
		slog.Warn("discarding malformed polling payload", "sid", sess.ID(), "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	for _, p := range pkts {
		if err := sess.OnPacketIn(p); err != nil {
			slog.Warn("inbound packet rejected", "sid", sess.ID(), "error", err)
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "1")
}

// pollOutbound is the one-shot handle for a parked poll. The first of
// Deliver and Close wins; both make the handle spent.
type pollOutbound struct {
	once sync.Once
	ch   chan []protocol.Packet
	done chan struct{}
}

func newPollOutbound() *pollOutbound {
	return &pollOutbound{
		ch:   make(chan []protocol.Packet, 1),
		done: make(chan struct{}),
	}
}

func (o *pollOutbound) Deliver(pkts []protocol.Packet) error {
	delivered := false
	o.once.Do(func() {
		o.ch <- pkts
		delivered = true
	})
	if !delivered {
		return fmt.Errorf("poll handle already spent")
	}
	return nil
}

func (o *pollOutbound) Close() error {
	o.once.Do(func() { close(o.done) })
	return nil
}

func (o *pollOutbound) Streaming() bool { return false }

// renderXHR writes the payload as plain text.
func renderXHR(w http.ResponseWriter, r *http.Request, payload []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// parseXHRBody reads the raw POST body.
func parseXHRBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPollBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > maxPollBody {
		return nil, fmt.Errorf("body exceeds %d bytes", maxPollBody)
	}
	return body, nil
}

// renderJSONP wraps the payload in a call to the client-side callback
// table. The index comes from ?i= and must be numeric.
func renderJSONP(w http.ResponseWriter, r *http.Request, payload []byte) {
	index := r.URL.Query().Get("i")
	if !isDigits(index) {
		index = "0"
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("X-XSS-Protection", "0")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "io.j[%s](\"%s\");", index, escapeJSONP(payload))
}

// parseJSONPBody unwraps the form-encoded d field.
func parseJSONPBody(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxPollBody)
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}
	d := r.PostFormValue("d")
	if d == "" {
		return nil, fmt.Errorf("missing d field")
	}
	return []byte(d), nil
}

// escapeJSONP escapes the characters that would break out of the quoted
// script argument.
func escapeJSONP(payload []byte) string {
	var b strings.Builder
	b.Grow(len(payload))
	for _, c := range payload {
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// isDigits reports whether s is a non-empty decimal string.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
