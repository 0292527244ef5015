package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry is the process-wide table of live sessions. It exclusively
// owns them: entries are inserted at handshake and removed when a
// session reaches the disconnected state.
type Registry struct {
	heartbeatTimeout time.Duration
	closeTimeout     time.Duration
	listener         Listener

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. The listener receives lifecycle
// and message callbacks for every session created through Create.
func NewRegistry(heartbeatTimeout, closeTimeout time.Duration, listener Listener) *Registry {
	return &Registry{
		heartbeatTimeout: heartbeatTimeout,
		closeTimeout:     closeTimeout,
		listener:         listener,
		sessions:         make(map[string]*Session),
	}
}

// Create allocates a session in the connecting state and inserts it. The
// identifier is 16 cryptographically random hex characters; a collision
// retries.
func (r *Registry) Create(remoteAddr string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id, err := newSessionID()
		if err != nil {
			return nil, err
		}
		if _, taken := r.sessions[id]; taken {
			continue
		}
		s := &Session{
			id:               id,
			remoteAddr:       remoteAddr,
			heartbeatTimeout: r.heartbeatTimeout,
			closeTimeout:     r.closeTimeout,
			reg:              r,
			listener:         r.listener,
			state:            Connecting,
			lastAck:          time.Now(),
			pending:          newPacketQueue(),
		}
		r.sessions[id] = s
		slog.Debug("session created", "sid", id, "remote_addr", remoteAddr)
		return s, nil
	}
}

// Get returns the session for id, or nil when it does not exist.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach invokes f for every live session. The snapshot is taken under
// the read lock and f runs outside it, so f may operate on sessions
// freely.
func (r *Registry) ForEach(f func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		f(s)
	}
}

// CloseAll disconnects every live session; used on server shutdown.
func (r *Registry) CloseAll() {
	r.ForEach(func(s *Session) { s.Close() })
}

// remove deletes id from the table. Called by the session itself when it
// reaches the disconnected state.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// newSessionID returns 16 hex characters from a CSPRNG.
func newSessionID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
