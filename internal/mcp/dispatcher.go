package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/internal/resolver"
	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/internal/version"
	"github.com/hausnetz/loxmcp/internal/workflow"
)

// defaultRequestTimeout bounds each request's wall clock.
const defaultRequestTimeout = 30 * time.Second

// Dispatcher routes MCP methods to the tool and resource catalogues with
// auth, rate limiting, cancellation, and audit applied uniformly across
// transports.
type Dispatcher struct {
	tools     *ToolCatalog
	resources *ResourceCatalog
	prompts   map[string]*Prompt

	sessions *SessionManager
	subs     *SubscriptionManager

	keys    *auth.KeyStore
	limiter *auth.RateLimiter
	lockout *auth.Lockout
	auditor *auth.Auditor

	res       *resolver.Resolver
	upstream  Upstream
	registry  *sensor.Registry
	discovery *sensor.Discovery
	engine    *workflow.Engine

	logger  *zap.Logger
	timeout time.Duration

	logLevel zap.AtomicLevel // logging/setLevel target

	onShutdown func()
}

// DispatcherDeps bundles the dispatcher's collaborators.
type DispatcherDeps struct {
	Sessions   *SessionManager
	Keys       *auth.KeyStore
	Limiter    *auth.RateLimiter
	Lockout    *auth.Lockout
	Auditor    *auth.Auditor
	Resolver   *resolver.Resolver
	Upstream   Upstream
	Registry   *sensor.Registry
	Discovery  *sensor.Discovery
	Engine     *workflow.Engine
	Logger     *zap.Logger
	Timeout    time.Duration
	OnShutdown func()
}

// NewDispatcher builds the dispatcher and registers the full catalogue.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	if deps.Timeout <= 0 {
		deps.Timeout = defaultRequestTimeout
	}

	tools := NewToolCatalog()
	registerControlTools(tools)
	registerClimateAudioTools(tools)
	registerReadTools(tools)
	registerAdminTools(tools)
	registerWorkflowTools(tools)

	resources := NewResourceCatalog()
	registerResources(resources)

	prompts := make(map[string]*Prompt)
	for _, p := range builtinPrompts() {
		prompts[p.Name] = p
	}

	d := &Dispatcher{
		tools:      tools,
		resources:  resources,
		prompts:    prompts,
		sessions:   deps.Sessions,
		keys:       deps.Keys,
		limiter:    deps.Limiter,
		lockout:    deps.Lockout,
		auditor:    deps.Auditor,
		res:        deps.Resolver,
		upstream:   deps.Upstream,
		registry:   deps.Registry,
		discovery:  deps.Discovery,
		engine:     deps.Engine,
		logger:     deps.Logger,
		timeout:    deps.Timeout,
		logLevel:   zap.NewAtomicLevelAt(zapcore.InfoLevel),
		onShutdown: deps.OnShutdown,
	}
	d.subs = NewSubscriptionManager(deps.Resolver, deps.Sessions, deps.Logger)
	return d
}

// Subscriptions exposes the subscription manager (transports start its Run
// loop).
func (d *Dispatcher) Subscriptions() *SubscriptionManager { return d.subs }

// Sessions exposes the session manager.
func (d *Dispatcher) Sessions() *SessionManager { return d.sessions }

// Handle processes one raw incoming message. The returned response is nil
// for notifications. credential is the presented API key id, empty for
// stdio sessions.
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, raw []byte, credential string) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, Errorf(KindInvalidRequest, "malformed JSON-RPC message: %v", err))
	}
	return d.HandleRequest(ctx, sess, &req, credential)
}

// HandleRequest processes one parsed request.
func (d *Dispatcher) HandleRequest(ctx context.Context, sess *Session, req *Request, credential string) *Response {
	sess.touch()

	if req.JSONRPC != "2.0" {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, Errorf(KindInvalidRequest, "jsonrpc must be \"2.0\""))
	}

	// Cancellation and lifecycle notifications bypass the ordered pipeline.
	if req.IsNotification() {
		d.handleNotification(sess, req)
		return nil
	}

	start := time.Now()
	resp := d.dispatch(ctx, sess, req, credential)
	latency := time.Since(start)

	outcome := "ok"
	if resp != nil && resp.Error != nil {
		outcome = resp.Error.Message
		if kind, ok := resp.Error.Data["code"].(string); ok {
			outcome = kind
		}
	}
	observeRequest(req.Method, outcome, latency.Seconds())

	// Audit every call that reached the authenticated pipeline.
	if req.Method != "ping" {
		d.auditor.Record(auth.AuditRecord{
			At:           start.UTC(),
			CallerID:     sess.CallerID(),
			IP:           sess.IP,
			Method:       req.Method,
			ParamsDigest: auth.DigestParams(req.Params),
			Outcome:      outcome,
			LatencyMS:    latency.Milliseconds(),
		})
	}
	return resp
}

// handleNotification processes notifications (no response ever).
func (d *Dispatcher) handleNotification(sess *Session, req *Request) {
	switch req.Method {
	case "$/cancelRequest":
		var params struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params.ID) == 0 {
			return
		}
		sess.cancelRequest(string(params.ID))
	case "notifications/initialized":
		// Client handshake acknowledgement; nothing to do.
	default:
		d.logger.Debug("ignoring unknown notification", zap.String("method", req.Method))
	}
}

// dispatch runs the auth pipeline and routes the method.
func (d *Dispatcher) dispatch(ctx context.Context, sess *Session, req *Request, credential string) *Response {
	// ping works unauthenticated at any lifecycle stage.
	if req.Method == "ping" {
		return resultResponse(req.ID, map[string]any{})
	}

	if err := d.authenticate(sess, credential); err != nil {
		return errorResponse(req.ID, err)
	}

	if key := sess.Key(); key != nil {
		if ok, retryAfter := d.limiter.Allow(key.ID, key.Role); !ok {
			return errorResponse(req.ID, Errorf(KindRateLimited, "rate limit exceeded").
				WithData("retry_after", retryAfter.Seconds()))
		}
	}

	if req.Method != "initialize" && !sess.isInitialized() {
		return errorResponse(req.ID, Errorf(KindNotInitialized, "initialize must be called first"))
	}

	// Per-request timeout and cancellation registration.
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	idKey := req.IDKey()
	if !sess.trackRequest(idKey, cancel) {
		// Cancelled before it started.
		return errorResponse(req.ID, Errorf(KindCancelled, "request cancelled"))
	}
	defer sess.finishRequest(idKey)

	result, err := d.routeSafe(ctx, sess, req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = WrapError(KindTimeout, err, "request timed out after %s", d.timeout)
		case errors.Is(err, context.Canceled):
			err = WrapError(KindCancelled, err, "request cancelled")
		}
		var perr *Error
		if !errors.As(err, &perr) {
			perr = WrapError(KindInternal, err, "internal error")
			err = perr
		}
		if perr.Kind == KindInternal {
			// Full detail stays server-side; the correlation id ties the
			// sanitized response to the log line.
			correlation := uuid.New().String()
			perr.WithData("correlation_id", correlation)
			d.logger.Error("internal error",
				zap.String("method", req.Method),
				zap.String("session", sess.ID),
				zap.String("correlation_id", correlation),
				zap.Error(err),
			)
		}
		return errorResponse(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

// authenticate applies lockout and key validation for networked transports.
// Stdio sessions are implicitly Admin.
func (d *Dispatcher) authenticate(sess *Session, credential string) error {
	if sess.Transport == TransportStdio {
		return nil
	}

	if blocked, remaining := d.lockout.Blocked(sess.IP); blocked {
		return Errorf(KindRateLimited, "too many authentication failures from this address").
			WithData("retry_after", remaining.Seconds())
	}

	if credential == "" {
		d.lockout.RecordFailure(sess.IP)
		return Errorf(KindUnauthenticated, "missing API key")
	}

	key, err := d.keys.Authenticate(credential, sess.IP)
	if err != nil {
		d.lockout.RecordFailure(sess.IP)
		d.logger.Warn("authentication failed",
			zap.String("key", auth.MaskKeyID(credential)),
			zap.String("ip", sess.IP),
			zap.Error(err),
		)
		return Errorf(KindUnauthenticated, "invalid API key")
	}

	d.lockout.RecordSuccess(sess.IP)
	sess.setKey(key)
	return nil
}

// routeSafe runs route with panic containment so a buggy handler cannot
// take down a stdio session's worker.
func (d *Dispatcher) routeSafe(ctx context.Context, sess *Session, req *Request) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Errorf(KindInternal, "handler panic: %v", rec)
		}
	}()
	return d.route(ctx, sess, req)
}

// route maps a method name to its handler.
func (d *Dispatcher) route(ctx context.Context, sess *Session, req *Request) (any, error) {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(sess, req)
	case "shutdown":
		if d.onShutdown != nil {
			defer d.onShutdown()
		}
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": d.tools.List()}, nil
	case "tools/call":
		return d.handleToolsCall(ctx, sess, req)
	case "resources/list":
		return map[string]any{"resources": d.resources.List()}, nil
	case "resources/templates/list":
		return map[string]any{"resourceTemplates": d.resources.Templates()}, nil
	case "resources/read":
		return d.handleResourcesRead(ctx, sess, req)
	case "resources/subscribe":
		return d.handleSubscribe(ctx, sess, req)
	case "resources/unsubscribe":
		return d.handleUnsubscribe(sess, req)
	case "prompts/list":
		return d.handlePromptsList()
	case "prompts/get":
		return d.handlePromptsGet(req)
	case "logging/setLevel":
		return d.handleSetLevel(req)
	default:
		return nil, &Error{
			Kind:    KindInvalidRequest,
			Message: "method not found: " + req.Method,
			Data:    map[string]any{"method": req.Method},
			Code:    CodeMethodNotFound,
		}
	}
}

func (d *Dispatcher) handleInitialize(sess *Session, req *Request) (any, error) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, Errorf(KindInvalidRequest, "bad initialize params: %v", err)
		}
	}

	sess.markInitialized()
	activeSessions.Set(float64(d.sessions.Count()))

	d.logger.Info("session initialized",
		zap.String("session", sess.ID),
		zap.String("transport", string(sess.Transport)),
		zap.String("client", params.ClientInfo.Name),
		zap.String("client_protocol", params.ProtocolVersion),
	)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools:     ToolsCapability{ListChanged: false},
			Resources: ResourcesCapability{Subscribe: true, ListChanged: false},
			Prompts:   PromptsCapability{ListChanged: false},
		},
		ServerInfo: ServerInfo{Name: ServerName, Version: version.Short()},
		Instructions: "Loxone Miniserver bridge. Use resources for state, tools for control. " +
			"Device and room names resolve case-insensitively.",
	}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *Session, req *Request) (any, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(KindInvalidRequest, "bad tools/call params: %v", err)
	}

	tc := d.toolContext(sess)
	result, err := d.tools.Call(ctx, tc, params.Name, params.Arguments)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// toolContext assembles the per-call tool dependencies, wiring the workflow
// re-entry path to the same session.
func (d *Dispatcher) toolContext(sess *Session) *ToolContext {
	tc := &ToolContext{
		Session:   sess,
		Resolver:  d.res,
		Upstream:  d.upstream,
		Registry:  d.registry,
		Discovery: d.discovery,
		Keys:      d.keys,
		Engine:    d.engine,
		Auditor:   d.auditor,
		Logger:    d.logger,
	}
	tc.caller = &sessionToolCaller{dispatcher: d, session: sess}
	return tc
}

// sessionToolCaller lets workflow steps invoke tools under the workflow
// caller's session and role.
type sessionToolCaller struct {
	dispatcher *Dispatcher
	session    *Session
}

func (c *sessionToolCaller) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	tc := c.dispatcher.toolContext(c.session)
	return c.dispatcher.tools.Call(ctx, tc, name, raw)
}

func (d *Dispatcher) resourceContext() *ResourceContext {
	return &ResourceContext{
		Resolver:  d.res,
		Upstream:  d.upstream,
		Registry:  d.registry,
		Discovery: d.discovery,
		Sessions:  d.sessions,
		Logger:    d.logger,
	}
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, sess *Session, req *Request) (any, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, Errorf(KindInvalidRequest, "resources/read requires a uri")
	}

	result, _, err := d.resources.Read(ctx, d.resourceContext(), sess, params.URI)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, sess *Session, req *Request) (any, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, Errorf(KindInvalidRequest, "resources/subscribe requires a uri")
	}

	res, _, ok := d.resources.Match(params.URI)
	if !ok {
		return nil, Errorf(KindNotFound, "no resource matches %q", params.URI)
	}
	if role := sess.Role(); !role.Allows(res.MinRole) && role != auth.RoleDeviceScoped {
		return nil, Errorf(KindForbidden, "resource %q requires role %s", params.URI, res.MinRole)
	}

	uuids, err := d.resources.ScopeUUIDs(ctx, d.resourceContext(), params.URI)
	if err != nil {
		return nil, err
	}
	d.subs.Subscribe(sess, params.URI, uuids)
	return map[string]any{}, nil
}

func (d *Dispatcher) handleUnsubscribe(sess *Session, req *Request) (any, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, Errorf(KindInvalidRequest, "resources/unsubscribe requires a uri")
	}
	d.subs.Unsubscribe(sess, params.URI)
	return map[string]any{}, nil
}

func (d *Dispatcher) handlePromptsList() (any, error) {
	out := make([]*Prompt, 0, len(d.prompts))
	for _, p := range builtinPrompts() {
		out = append(out, d.prompts[p.Name])
	}
	return map[string]any{"prompts": out}, nil
}

func (d *Dispatcher) handlePromptsGet(req *Request) (any, error) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(KindInvalidRequest, "bad prompts/get params: %v", err)
	}
	p, ok := d.prompts[params.Name]
	if !ok {
		return nil, Errorf(KindNotFound, "unknown prompt %q", params.Name)
	}
	return p.Render(params.Arguments), nil
}

func (d *Dispatcher) handleSetLevel(req *Request) (any, error) {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errorf(KindInvalidRequest, "bad logging/setLevel params: %v", err)
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(params.Level)); err != nil {
		return nil, Errorf(KindInvalid, "unknown log level %q", params.Level)
	}
	d.logLevel.SetLevel(level)
	return map[string]any{}, nil
}
