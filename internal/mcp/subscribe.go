package mcp

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/resolver"
)

// SubscriptionManager maps resource-URI subscriptions onto change events.
// One resolver subscription feeds every session; per-session URI -> UUID
// sets decide who gets notified.
type SubscriptionManager struct {
	resolver *resolver.Resolver
	sessions *SessionManager
	logger   *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[string]map[string]struct{} // session id -> uri -> uuid set
}

// NewSubscriptionManager creates the manager.
func NewSubscriptionManager(res *resolver.Resolver, sessions *SessionManager, logger *zap.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		resolver: res,
		sessions: sessions,
		logger:   logger,
		subs:     make(map[string]map[string]map[string]struct{}),
	}
}

// Subscribe registers a session for change events on every UUID the URI
// currently covers. Re-subscribing the same URI replaces the UUID set
// (per-session coalescing).
func (m *SubscriptionManager) Subscribe(sess *Session, uri string, uuids []string) {
	set := make(map[string]struct{}, len(uuids))
	for _, u := range uuids {
		set[u] = struct{}{}
	}

	m.mu.Lock()
	bySession := m.subs[sess.ID]
	if bySession == nil {
		bySession = make(map[string]map[string]struct{})
		m.subs[sess.ID] = bySession
	}
	bySession[uri] = set
	m.mu.Unlock()

	sess.subscribe(uri)
	m.logger.Debug("resource subscribed",
		zap.String("session", sess.ID),
		zap.String("uri", uri),
		zap.Int("uuids", len(uuids)),
	)
}

// Unsubscribe removes one URI registration.
func (m *SubscriptionManager) Unsubscribe(sess *Session, uri string) {
	m.mu.Lock()
	if bySession, ok := m.subs[sess.ID]; ok {
		delete(bySession, uri)
		if len(bySession) == 0 {
			delete(m.subs, sess.ID)
		}
	}
	m.mu.Unlock()
	sess.unsubscribe(uri)
}

// DropSession removes every registration for a closed session.
func (m *SubscriptionManager) DropSession(sessionID string) {
	m.mu.Lock()
	delete(m.subs, sessionID)
	m.mu.Unlock()
}

// Run consumes resolver notifications until ctx is cancelled, forwarding
// notifications/resources/updated to each subscribed session.
func (m *SubscriptionManager) Run(ctx context.Context) {
	sub := m.resolver.Subscribe()
	defer m.resolver.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if n.Resync {
				m.broadcastResync()
				continue
			}
			if n.Event != nil {
				m.dispatchEvent(n.Event.UUID)
			}
		}
	}
}

// dispatchEvent notifies every session whose subscriptions cover the uuid.
func (m *SubscriptionManager) dispatchEvent(uuid string) {
	type hit struct {
		sessionID string
		uri       string
	}
	var hits []hit

	m.mu.RLock()
	for sessionID, bySession := range m.subs {
		for uri, uuids := range bySession {
			if _, ok := uuids[uuid]; ok {
				hits = append(hits, hit{sessionID, uri})
			}
		}
	}
	m.mu.RUnlock()

	for _, h := range hits {
		sess, ok := m.sessions.Get(h.sessionID)
		if !ok {
			m.DropSession(h.sessionID)
			continue
		}
		sess.Notify(NewNotification("notifications/resources/updated", map[string]any{
			"uri": h.uri,
		}))
	}
}

// broadcastResync tells every subscribed session to re-read its resources
// after the change stream lagged.
func (m *SubscriptionManager) broadcastResync() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.subs))
	uris := make(map[string][]string, len(m.subs))
	for sessionID, bySession := range m.subs {
		ids = append(ids, sessionID)
		for uri := range bySession {
			uris[sessionID] = append(uris[sessionID], uri)
		}
	}
	m.mu.RUnlock()

	for _, sessionID := range ids {
		sess, ok := m.sessions.Get(sessionID)
		if !ok {
			continue
		}
		sess.Notify(NewNotification("notifications/message", map[string]any{
			"level":  "warning",
			"logger": "loxmcp",
			"data":   "change stream lagged; re-read subscribed resources",
		}))
		for _, uri := range uris[sessionID] {
			sess.Notify(NewNotification("notifications/resources/updated", map[string]any{
				"uri":    uri,
				"resync": true,
			}))
		}
	}
}
