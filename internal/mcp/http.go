package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/config"
	"github.com/hausnetz/loxmcp/internal/version"
)

// maxBodyBytes bounds one HTTP request body.
const maxBodyBytes = 4 << 20

// sessionHeader carries the streamable-HTTP session id.
const sessionHeader = "Mcp-Session-Id"

// HTTPServer serves the streamable HTTP and legacy SSE transports plus the
// operational endpoints.
type HTTPServer struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
	cfg        config.Server
	hub        *sseHub
	httpServer *http.Server
}

// NewHTTPServer builds the HTTP transport server.
func NewHTTPServer(d *Dispatcher, cfg config.Server, logger *zap.Logger) *HTTPServer {
	s := &HTTPServer{
		dispatcher: d,
		logger:     logger,
		cfg:        cfg,
		hub:        newSSEHub(logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /messages", s.handleMessages)
	mux.HandleFunc("POST /mcp", s.handleMessages) // streamable alias
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Middleware chain: outermost listed first.
	handler := chain(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		corsMiddleware(cfg.CORSOrigins),
	)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr(),
		Handler: handler,
		// No WriteTimeout: SSE streams stay open indefinitely.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Start begins serving and runs the subscription fan-out until ctx ends.
func (s *HTTPServer) Start(ctx context.Context) error {
	go s.dispatcher.Subscriptions().Run(ctx)

	s.logger.Info("HTTP transport listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown drains the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleSSE opens a legacy SSE stream. The first frame is event: endpoint
// with the POST URL for this session.
func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	var sess *Session
	if sessionID != "" {
		if existing, ok := s.dispatcher.Sessions().Get(sessionID); ok {
			sess = existing
		}
	}
	if sess == nil {
		sess = s.dispatcher.Sessions().Create(TransportSSE, clientIP(r))
		if sessionID != "" {
			// Honor the client-chosen id so the endpoint URL round-trips.
			s.dispatcher.Sessions().Rename(sess, sessionID)
		}
	}

	conn := s.hub.attach(sess.ID)
	defer s.hub.detach(conn)

	sess.SetNotifier(func(n *Notification) {
		s.hub.send(sess.ID, n)
	})

	postURL := fmt.Sprintf("%s://%s/messages?sessionId=%s", schemeOf(r), r.Host, sess.ID)
	s.logger.Info("SSE stream opened",
		zap.String("session", sess.ID),
		zap.String("remote", r.RemoteAddr),
	)
	s.hub.serve(w, r, conn, postURL)

	s.logger.Debug("SSE stream closed", zap.String("session", sess.ID))
}

// handleMessages accepts one JSON-RPC request. The Accept header selects
// the mode: application/json without text/event-stream is streamable (the
// response body carries the JSON-RPC response, HTTP 200); a request that
// accepts text/event-stream is legacy (HTTP 204, response over the
// session's SSE stream).
func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	accept := r.Header.Get("Accept")
	streamable := !strings.Contains(accept, "text/event-stream")

	if streamable {
		s.handleStreamable(w, r, body)
		return
	}
	s.handleLegacyPost(w, r, body)
}

// handleStreamable answers the request directly in the response body.
func (s *HTTPServer) handleStreamable(w http.ResponseWriter, r *http.Request, body []byte) {
	sess := s.streamableSession(r)
	credential := extractCredential(r)

	// Serialize per session so responses follow request order even when a
	// client pipelines POSTs on one session.
	sess.handleMu.Lock()
	resp := s.dispatcher.Handle(r.Context(), sess, body, credential)
	sess.handleMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(sessionHeader, sess.ID)
	if resp == nil {
		// Notification: acknowledged with an empty body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// streamableSession finds or creates the session for a streamable request.
func (s *HTTPServer) streamableSession(r *http.Request) *Session {
	if id := r.Header.Get(sessionHeader); id != "" {
		if sess, ok := s.dispatcher.Sessions().Get(id); ok {
			return sess
		}
	}
	return s.dispatcher.Sessions().Create(TransportStreamable, clientIP(r))
}

// handleLegacyPost queues the request on the session worker and returns
// 204; the response arrives on the SSE stream.
func (s *HTTPServer) handleLegacyPost(w http.ResponseWriter, r *http.Request, body []byte) {
	sessionID := r.URL.Query().Get("sessionId")
	sess, ok := s.dispatcher.Sessions().Get(sessionID)
	if !ok {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	credential := extractCredential(r)

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.hub.send(sess.ID, errorResponse(nil, Errorf(KindInvalidRequest, "malformed JSON-RPC message: %v", err)))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Cancellation must not wait behind the request it cancels.
	if req.IsNotification() {
		s.dispatcher.HandleRequest(context.Background(), sess, &req, credential)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sess.Enqueue(func() {
		resp := s.dispatcher.HandleRequest(context.Background(), sess, &req, credential)
		if resp != nil {
			s.hub.send(sess.ID, resp)
		}
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive", "version": version.Short()})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	health := s.dispatcher.upstream.Health()
	if health == "down" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ready", "upstream": health})
}

// extractCredential pulls the API key from the Authorization header,
// X-API-Key header, or api_key query parameter, in that order.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if h := r.Header.Get("X-API-Key"); h != "" {
		return h
	}
	return r.URL.Query().Get("api_key")
}

// clientIP extracts the caller IP, honoring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if parts := strings.SplitN(xff, ",", 2); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

// middleware is a function that wraps an http.Handler.
type middleware func(http.Handler) http.Handler

// chain applies middleware in order (first argument is outermost).
func chain(handler http.Handler, mw ...middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// recoveryMiddleware catches panics and returns a 500.
func recoveryMiddleware(logger *zap.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
					)
					http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs each request with duration and status.
func loggingMiddleware(logger *zap.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
			)
		})
	}
}

// corsMiddleware applies the configured allowed origins.
func corsMiddleware(origins []string) middleware {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				}
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, Mcp-Session-Id")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter wraps ResponseWriter to capture the status code. It forwards
// Flush so SSE streaming keeps working through the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
