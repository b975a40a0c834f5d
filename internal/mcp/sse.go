package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ssePingInterval keeps idle SSE connections alive.
const ssePingInterval = 30 * time.Second

// sseConn is one live SSE stream bound to a session.
type sseConn struct {
	sessionID string
	ch        chan []byte // pre-rendered frames
	done      chan struct{}
}

// sseHub tracks SSE streams by session id and renders frames.
type sseHub struct {
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*sseConn
}

func newSSEHub(logger *zap.Logger) *sseHub {
	return &sseHub{
		logger: logger,
		conns:  make(map[string]*sseConn),
	}
}

// attach registers a stream for a session, replacing any previous one.
func (h *sseHub) attach(sessionID string) *sseConn {
	conn := &sseConn{
		sessionID: sessionID,
		ch:        make(chan []byte, 128),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.conns[sessionID]; ok {
		close(old.done)
	}
	h.conns[sessionID] = conn
	h.mu.Unlock()
	return conn
}

// detach removes a stream if it is still the session's current one.
func (h *sseHub) detach(conn *sseConn) {
	h.mu.Lock()
	if cur, ok := h.conns[conn.sessionID]; ok && cur == conn {
		delete(h.conns, conn.sessionID)
	}
	h.mu.Unlock()
}

// send queues a message frame for a session's stream. Messages for
// sessions without a live stream are dropped; the client re-reads state on
// reconnect.
func (h *sseHub) send(sessionID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal SSE message", zap.Error(err))
		return
	}
	frame := []byte(fmt.Sprintf("event: message\ndata: %s\n\n", data))

	h.mu.Lock()
	conn, ok := h.conns[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	select {
	case conn.ch <- frame:
	default:
		h.logger.Warn("SSE send buffer full, dropping frame",
			zap.String("session", sessionID),
		)
	}
}

// serve streams frames to the client until it disconnects. The first frame
// is always event: endpoint carrying the POST URL for this session.
func (h *sseHub) serve(w http.ResponseWriter, r *http.Request, conn *sseConn, postURL string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The endpoint frame must be the first bytes on the stream.
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", postURL)
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case frame := <-conn.ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
