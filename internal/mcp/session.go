package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hausnetz/loxmcp/internal/auth"
)

// TransportKind names the session's transport.
type TransportKind string

const (
	TransportStdio      TransportKind = "stdio"
	TransportStreamable TransportKind = "http"
	TransportSSE        TransportKind = "sse"
)

// Session is one client connection across any transport.
type Session struct {
	ID        string
	Transport TransportKind
	IP        string
	CreatedAt time.Time

	// handleMu serializes request handling so responses leave in request
	// order (cancelled requests excepted).
	handleMu sync.Mutex

	queueOnce sync.Once
	queueMu   sync.Mutex // guards queue sends vs close; never held while running work
	queue     chan func()
	closed    bool

	mu            sync.Mutex
	key           *auth.APIKey // nil for stdio (implicit admin)
	initialized   bool
	lastSeen      time.Time
	subscriptions map[string]struct{}           // subscribed resource URIs
	pending       map[string]context.CancelFunc // in-flight request id -> cancel
	cancelled     map[string]struct{}           // ids cancelled before/while running
	notify        func(n *Notification)         // transport-specific delivery, may be nil
}

// newSession creates a session for a transport.
func newSession(kind TransportKind, ip string) *Session {
	return &Session{
		ID:            uuid.New().String(),
		Transport:     kind,
		IP:            ip,
		CreatedAt:     time.Now().UTC(),
		lastSeen:      time.Now().UTC(),
		subscriptions: make(map[string]struct{}),
		pending:       make(map[string]context.CancelFunc),
		cancelled:     make(map[string]struct{}),
	}
}

// SetNotifier installs the transport's notification delivery callback.
func (s *Session) SetNotifier(fn func(n *Notification)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Notify delivers a server-initiated notification if the transport supports
// it.
func (s *Session) Notify(n *Notification) {
	s.mu.Lock()
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// CallerID returns the masked key id, or the transport name for keyless
// stdio sessions.
func (s *Session) CallerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key.Masked()
	}
	return string(s.Transport)
}

// Key returns the authenticated API key, nil for stdio.
func (s *Session) Key() *auth.APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Session) setKey(k *auth.APIKey) {
	s.mu.Lock()
	s.key = k
	s.mu.Unlock()
}

// Role returns the effective role. Stdio sessions are trusted as Admin:
// whoever launched the process owns the machine.
func (s *Session) Role() auth.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		if s.Transport == TransportStdio {
			return auth.RoleAdmin
		}
		return ""
	}
	return s.key.Role
}

func (s *Session) markInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

func (s *Session) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

// trackRequest registers an in-flight request, returning false when the id
// was cancelled before the request started.
func (s *Session) trackRequest(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancelled[id]; ok {
		delete(s.cancelled, id)
		return false
	}
	s.pending[id] = cancel
	return true
}

func (s *Session) finishRequest(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	delete(s.cancelled, id)
	s.mu.Unlock()
}

// cancelRequest cancels an in-flight request or records the id so a
// not-yet-started request is dropped.
func (s *Session) cancelRequest(id string) {
	s.mu.Lock()
	cancel, ok := s.pending[id]
	if !ok {
		s.cancelled[id] = struct{}{}
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Session) subscribe(uri string) {
	s.mu.Lock()
	s.subscriptions[uri] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unsubscribe(uri string) {
	s.mu.Lock()
	delete(s.subscriptions, uri)
	s.mu.Unlock()
}

// Subscriptions returns the session's subscribed URIs.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for uri := range s.subscriptions {
		out = append(out, uri)
	}
	return out
}

// Enqueue schedules fn on the session's single worker goroutine. Requests
// handled through the queue complete in arrival order, which is what keeps
// responses in request order on the async transports. Returns false after
// Close.
func (s *Session) Enqueue(fn func()) bool {
	// queueMu covers the send so Close cannot close the channel between
	// the closed check and the send. The worker never takes queueMu, so a
	// full queue blocks the producer without deadlocking the consumer.
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.closed {
		return false
	}
	s.queueOnce.Do(func() {
		s.queue = make(chan func(), 64)
		go func() {
			for queued := range s.queue {
				queued()
			}
		}()
	})
	s.queue <- fn
	return true
}

// Close stops the worker queue and cancels in-flight requests.
func (s *Session) Close() {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.closed = true
	queue := s.queue
	s.queueMu.Unlock()

	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.pending))
	for _, cancel := range s.pending {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if queue != nil {
		close(queue)
	}
}

// SessionManager tracks live sessions across transports.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Create registers a new session.
func (m *SessionManager) Create(kind TransportKind, ip string) *Session {
	s := newSession(kind, ip)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns a session by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Rename rebinds a session under a caller-chosen id. Only safe right after
// Create, before the id has been handed out anywhere else.
func (m *SessionManager) Rename(s *Session, newID string) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	s.ID = newID
	m.sessions[newID] = s
	m.mu.Unlock()
}

// Remove drops a session.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
