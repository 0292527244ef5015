// Package session implements the transport-agnostic Socket.IO session
// layer: the per-connection state machine, the process-wide registry and
// the heartbeat scheduler that drives keep-alives and idle disconnects.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/AlexRogalskiy/socketio/internal/protocol"
)

const (
	// maxPendingPackets bounds the number of packets buffered for a
	// polling session with no parked poll.
	maxPendingPackets = 64

	// maxPendingBytes bounds the total payload buffered for a polling
	// session with no parked poll.
	maxPendingBytes = 1 << 20

	// noopSafetyMargin is subtracted from the heartbeat timeout when
	// arming the parked-poll keep-alive, so the NOOP reaches the client
	// before its own timeout fires.
	noopSafetyMargin = 5 * time.Second
)

var (
	// ErrSessionClosed is returned by operations on a session that is
	// disconnecting or disconnected.
	ErrSessionClosed = errors.New("socketio: session closed")

	// ErrBackpressureOverflow is returned when the pending queue bound is
	// exceeded. It is fatal: the session is disconnected.
	ErrBackpressureOverflow = errors.New("socketio: outbound buffer overflow")

	// ErrProtocolViolation is returned for inbound packets that violate
	// the protocol, such as a NOOP carrying data.
	ErrProtocolViolation = errors.New("socketio: protocol violation")
)

// State is the lifecycle phase of a session. Transitions move forward,
// except that a rebind within the close window returns a disconnecting
// session to connected; Disconnected is terminal.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnecting
	Disconnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outbound is a transport-specific sender handle bound to a session. For
// streaming transports it lives for the whole connection; for polling
// transports it is a one-shot handle for the currently parked poll.
type Outbound interface {
	// Deliver writes the packets to the client. One-shot handles become
	// unusable after the first call.
	Deliver(pkts []protocol.Packet) error

	// Close releases the handle. For a parked poll this completes the
	// HTTP response with an empty body; for streaming transports it
	// sends the protocol close frame and closes the connection.
	Close() error

	// Streaming reports whether the handle outlives a single delivery.
	Streaming() bool
}

// Listener receives application-level events for all sessions. Callbacks
// run on the goroutine that delivered the triggering packet and must not
// block.
type Listener interface {
	OnConnect(*Session)
	OnMessage(*Session, protocol.Packet)
	OnDisconnect(*Session)
}

// newPacketQueue builds the FIFO backing a session's pending queue.
func newPacketQueue() *queue.Queue { return queue.New() }

// Session is a logical Socket.IO connection, identified by its sid and
// independent of the HTTP or WebSocket transport currently carrying it.
//
// All state is guarded by mu. Operations on one session serialize;
// different sessions proceed in parallel.
type Session struct {
	id            string
	remoteAddr    string
	transportKind string

	heartbeatTimeout time.Duration
	closeTimeout     time.Duration

	reg      *Registry
	listener Listener

	mu       sync.Mutex
	state    State
	outbound Outbound
	lastAck  time.Time

	pending      *queue.Queue
	pendingBytes int

	closeTimer *time.Timer
	noopTimer  *time.Timer

	notified bool // OnDisconnect delivered
}

// ID returns the session identifier handed out at handshake.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client address recorded at handshake.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Transport returns the name of the transport the session is bound to,
// or an empty string before the first bind.
func (s *Session) Transport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportKind
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send enqueues or writes a packet to the client. Packets are delivered
// in call order. On a polling session with no parked poll the packet
// joins the pending queue; overflow of the queue bound is fatal to the
// session.
func (s *Session) Send(p protocol.Packet) error {
	s.mu.Lock()
	if s.state >= Disconnecting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	err := s.sendLocked(p)
	if errors.Is(err, ErrBackpressureOverflow) {
		slog.Warn("outbound buffer overflow, disconnecting session", "sid", s.id)
		s.terminateLocked()
		s.mu.Unlock()
		s.notifyDisconnect()
		return err
	}
	s.mu.Unlock()
	return err
}

func (s *Session) sendLocked(p protocol.Packet) error {
	out := s.outbound
	if out == nil {
		if s.pending.Length() >= maxPendingPackets || s.pendingBytes+len(p.Data) > maxPendingBytes {
			return ErrBackpressureOverflow
		}
		s.pending.Add(p)
		s.pendingBytes += len(p.Data)
		return nil
	}

	if out.Streaming() {
		if err := out.Deliver([]protocol.Packet{p}); err != nil {
			// A saturated or faulted streaming transport is fatal.
			return fmt.Errorf("%w: %v", ErrBackpressureOverflow, err)
		}
		return nil
	}

	// Parked poll: flush everything queued plus this packet, then the
	// one-shot handle is spent.
	pkts := s.drainLocked()
	pkts = append(pkts, p)
	s.detachLocked()
	if err := out.Deliver(pkts); err != nil {
		slog.Debug("poll delivery failed", "sid", s.id, "error", err)
	}
	return nil
}

// drainLocked empties the pending queue in FIFO order.
func (s *Session) drainLocked() []protocol.Packet {
	if s.pending.Length() == 0 {
		return nil
	}
	pkts := make([]protocol.Packet, 0, s.pending.Length())
	for s.pending.Length() > 0 {
		pkts = append(pkts, s.pending.Remove().(protocol.Packet))
	}
	s.pendingBytes = 0
	return pkts
}

// detachLocked clears the outbound handle and any park keep-alive.
func (s *Session) detachLocked() {
	s.outbound = nil
	if s.noopTimer != nil {
		s.noopTimer.Stop()
		s.noopTimer = nil
	}
}

// Rebind atomically swaps the outbound handle. Each new poll rebinds its
// session, and the polling-to-websocket upgrade rebinds with a streaming
// handle. Queued packets drain to the new handle in FIFO order, so no
// packet is lost or reordered across the swap.
func (s *Session) Rebind(kind string, out Outbound) error {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		out.Close()
		return ErrSessionClosed
	}

	// A reconnect within the close window resumes the session.
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	if s.state == Disconnecting {
		s.state = Connected
	}

	if prev := s.outbound; prev != nil && prev != out {
		// A superseded poll completes with an empty body; a superseded
		// streaming connection is closed outright.
		prev.Close()
	}
	s.detachLocked()
	s.transportKind = kind

	first := s.state == Connecting
	if first {
		s.state = Connected
		s.lastAck = time.Now()
	}

	// Drain the backlog before releasing the lock so a concurrent Send
	// cannot overtake queued packets on the new handle.
	if pkts := s.drainLocked(); len(pkts) > 0 {
		if out.Streaming() {
			s.outbound = out
		}
		// A one-shot poll handle is spent by the backlog and stays
		// detached.
		if err := out.Deliver(pkts); err != nil {
			slog.Debug("flush on rebind failed", "sid", s.id, "error", err)
		}
	} else {
		s.outbound = out
		if !out.Streaming() {
			s.armNoopLocked()
		}
	}
	s.mu.Unlock()

	if first {
		s.callListener(func(l Listener) { l.OnConnect(s) })
	}
	return nil
}

// armNoopLocked schedules the parked-poll keep-alive: if nothing else is
// sent before heartbeatTimeout minus a safety margin, a NOOP completes
// the poll so the client comes back.
func (s *Session) armNoopLocked() {
	wait := s.heartbeatTimeout - noopSafetyMargin
	if wait < time.Second {
		wait = time.Second
	}
	id := s.id
	reg := s.reg
	s.noopTimer = time.AfterFunc(wait, func() {
		if sess := reg.Get(id); sess != nil {
			sess.sendNoop()
		}
	})
}

func (s *Session) sendNoop() {
	s.mu.Lock()
	if s.state >= Disconnecting || s.outbound == nil || s.outbound.Streaming() {
		s.mu.Unlock()
		return
	}
	s.sendLocked(protocol.Packet{Type: protocol.Noop})
	s.mu.Unlock()
}

// Release detaches out when it is still the bound handle. Polling
// handlers call this when the client abandons a parked poll, so a stale
// response writer is never delivered to.
func (s *Session) Release(out Outbound) {
	s.mu.Lock()
	if s.outbound == out {
		s.detachLocked()
	}
	s.mu.Unlock()
}

// OnPacketIn handles one inbound packet. Protocol packets are consumed
// locally; application packets are forwarded to the listener.
func (s *Session) OnPacketIn(p protocol.Packet) error {
	switch p.Type {
	case protocol.Heartbeat:
		s.mu.Lock()
		s.lastAck = time.Now()
		s.mu.Unlock()
		return nil

	case protocol.Disconnect:
		s.Close()
		return nil

	case protocol.Connect:
		// Acknowledge the namespace join by echoing the packet.
		return s.Send(protocol.Packet{Type: protocol.Connect, Endpoint: p.Endpoint})

	case protocol.Noop:
		if len(p.Data) > 0 {
			return fmt.Errorf("%w: data on noop packet", ErrProtocolViolation)
		}
		return nil

	case protocol.Message, protocol.JSON, protocol.Event, protocol.Ack, protocol.Error:
		s.mu.Lock()
		dead := s.state == Disconnected
		s.mu.Unlock()
		if dead {
			return ErrSessionClosed
		}
		s.callListener(func(l Listener) { l.OnMessage(s, p) })
		return nil
	}
	return fmt.Errorf("%w: unknown packet type %d", ErrProtocolViolation, int(p.Type))
}

// Disconnect ends the session from the server side: a DISCONNECT packet
// is emitted when a channel is available, the state moves to
// disconnecting and the close window starts.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state >= Disconnecting {
		s.mu.Unlock()
		return
	}
	s.sendLocked(protocol.Packet{Type: protocol.Disconnect})
	s.beginCloseLocked()
	s.mu.Unlock()
}

// TransportDropped is invoked by streaming transports when the underlying
// connection goes away. The session survives for the close window so a
// polling client can resume.
func (s *Session) TransportDropped(out Outbound) {
	s.mu.Lock()
	if s.state >= Disconnecting || (out != nil && s.outbound != out) {
		// A stale transport drop after an upgrade is a no-op.
		s.mu.Unlock()
		return
	}
	s.detachLocked()
	s.beginCloseLocked()
	s.mu.Unlock()
}

// beginCloseLocked moves to disconnecting and arms the close timer. The
// timer holds the session id, not the session, so a late expiry after
// removal is harmless.
func (s *Session) beginCloseLocked() {
	s.state = Disconnecting
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}
	id := s.id
	reg := s.reg
	s.closeTimer = time.AfterFunc(s.closeTimeout, func() {
		if sess := reg.Get(id); sess != nil {
			sess.Close()
		}
	})
}

// Close transitions the session to disconnected, cancels its timers,
// aborts any parked poll and removes it from the registry. It is
// idempotent; the registry removal is the commit point.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.terminateLocked()
	s.mu.Unlock()
	s.notifyDisconnect()
}

func (s *Session) terminateLocked() {
	s.state = Disconnected
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	if out := s.outbound; out != nil {
		out.Close()
	}
	s.detachLocked()
	s.drainLocked()
	s.reg.remove(s.id)
}

func (s *Session) notifyDisconnect() {
	s.mu.Lock()
	if s.notified {
		s.mu.Unlock()
		return
	}
	s.notified = true
	s.mu.Unlock()
	s.callListener(func(l Listener) { l.OnDisconnect(s) })
	slog.Info("session closed", "sid", s.id, "transport", s.transportKind)
}

// heartbeatTick is invoked by the scheduler on every interval: enqueue a
// HEARTBEAT for the client and expire the session when the client has
// been silent past the heartbeat timeout.
func (s *Session) heartbeatTick(now time.Time) {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return
	}
	if now.Sub(s.lastAck) > s.heartbeatTimeout {
		slog.Info("heartbeat timeout", "sid", s.id, "last_ack", s.lastAck)
		s.terminateLocked()
		s.mu.Unlock()
		s.notifyDisconnect()
		return
	}
	if err := s.sendLocked(protocol.Packet{Type: protocol.Heartbeat}); errors.Is(err, ErrBackpressureOverflow) {
		slog.Warn("heartbeat delivery failed, disconnecting session", "sid", s.id, "error", err)
		s.terminateLocked()
		s.mu.Unlock()
		s.notifyDisconnect()
		return
	}
	s.mu.Unlock()
}

// callListener runs a listener callback, recovering panics so a faulty
// application cannot tear down the session layer.
func (s *Session) callListener(f func(Listener)) {
	if s.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("listener panic", "sid", s.id, "panic", r)
		}
	}()
	f(s.listener)
}
