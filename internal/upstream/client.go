// Package upstream implements the authenticated HTTP+WebSocket client for
// the Loxone Miniserver: structure loading, batched value reads with
// cross-caller coalescing, command writes, and the live event stream.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hausnetz/loxmcp/internal/config"
	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// Health reports upstream connectivity.
type Health string

const (
	HealthConnected Health = "connected"
	HealthDegraded  Health = "degraded"
	HealthDown      Health = "down"
)

// Event is one asynchronous value update from the Miniserver WebSocket.
type Event struct {
	UUID string          `json:"uuid"`
	Raw  json.RawMessage `json:"value"`
}

// Client is the capability set the rest of the server consumes. Concrete
// variants: the HTTP basic/token client below and test fakes.
type Client interface {
	Connect(ctx context.Context) error
	ReloadStructure(ctx context.Context) (*models.Structure, error)
	ReadValue(ctx context.Context, uuid string) (json.RawMessage, error)
	ReadValues(ctx context.Context, uuids []string) (map[string]json.RawMessage, error)
	WriteCommand(ctx context.Context, uuid, command string) error
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
	Health() Health
}

// Tunables. Overridable per client for tests.
const (
	defaultMaxRetries      = 3
	defaultFallbackWorkers = 8
	retryBaseDelay         = 200 * time.Millisecond
)

// HTTPClient talks to a Miniserver over HTTP and WebSocket.
type HTTPClient struct {
	cfg    config.Upstream
	httpc  *http.Client
	logger *zap.Logger

	tokenMode bool
	token     *tokenAuth
	sem       *semaphore.Weighted // bounds concurrent HTTP calls
	coalescer *coalescer
	prober    *prober

	mu        sync.RWMutex
	connected bool
	health    Health
	structure *models.Structure
	// stateAlias caches device UUID -> state UUID indirections per session.
	stateAlias map[string]string

	registry *sensor.Registry

	ws *wsStream
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a Miniserver client. The sensor registry is used to
// classify devices while parsing the structure document.
func NewHTTPClient(cfg config.Upstream, registry *sensor.Registry, logger *zap.Logger) *HTTPClient {
	pool := cfg.ConnectionPool
	if pool <= 0 {
		pool = 32
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpc := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        pool,
			MaxIdleConnsPerHost: pool,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	c := &HTTPClient{
		cfg:        cfg,
		httpc:      httpc,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(pool)),
		health:     HealthDown,
		stateAlias: make(map[string]string),
		registry:   registry,
		prober:     newProber(cfg.Host, logger),
	}
	c.coalescer = newCoalescer(c.readBatch, logger)
	c.ws = newWSStream(c, logger)
	return c
}

// Connect authenticates against the Miniserver and loads the structure
// document. Token mode is preferred; a failed token negotiation falls back
// to basic auth with a warning, and a failed basic probe is fatal.
func (c *HTTPClient) Connect(ctx context.Context) error {
	c.token = newTokenAuth(c.httpc, c.cfg.BaseURL(), c.cfg.User, c.cfg.Pass, c.logger)

	if _, err := c.token.Token(ctx); err == nil {
		c.tokenMode = true
		c.logger.Info("connected in token mode", zap.String("host", c.cfg.Host))
	} else {
		c.logger.Warn("token negotiation failed, falling back to basic auth", zap.Error(err))
		c.tokenMode = false
		if err := c.probeBasic(ctx); err != nil {
			return fmt.Errorf("basic auth probe: %w", err)
		}
		c.logger.Info("connected in basic auth mode", zap.String("host", c.cfg.Host))
	}

	c.mu.Lock()
	c.connected = true
	c.health = HealthConnected
	c.mu.Unlock()

	if _, err := c.ReloadStructure(ctx); err != nil {
		return fmt.Errorf("initial structure load: %w", err)
	}
	return nil
}

// probeBasic verifies basic-auth credentials with a cheap request.
func (c *HTTPClient) probeBasic(ctx context.Context) error {
	body, status, err := c.get(ctx, c.cfg.StructurePath)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrAuthFailed, status)
	}
	if status != http.StatusOK {
		return statusError(status, string(body))
	}
	return nil
}

// ReloadStructure fetches and parses the structure document, replacing the
// session's device/room inventory and state-UUID cache.
func (c *HTTPClient) ReloadStructure(ctx context.Context) (*models.Structure, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}

	body, err := c.doRead(ctx, c.cfg.StructurePath)
	if err != nil {
		return nil, fmt.Errorf("fetch structure: %w", err)
	}

	st, err := ParseStructure(body, c.registry)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.structure = st
	c.stateAlias = make(map[string]string)
	c.mu.Unlock()

	c.logger.Info("structure loaded",
		zap.Int("devices", len(st.Devices)),
		zap.Int("rooms", len(st.Rooms)),
	)
	return st, nil
}

// Structure returns the current inventory, or nil before the first load.
func (c *HTTPClient) Structure() *models.Structure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.structure
}

// ReadValue reads one device value, following a state-UUID indirection when
// the device's primary state is a reference.
func (c *HTTPClient) ReadValue(ctx context.Context, uuid string) (json.RawMessage, error) {
	vals, err := c.ReadValues(ctx, []string{uuid})
	if err != nil {
		return nil, err
	}
	raw, ok := vals[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return raw, nil
}

// ReadValues reads many device values in one upstream batch. Concurrent
// callers with overlapping UUID sets share upstream calls through the
// coalescer. Per-UUID parse failures are isolated: the failed UUID is
// absent from the result map.
func (c *HTTPClient) ReadValues(ctx context.Context, uuids []string) (map[string]json.RawMessage, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	if len(uuids) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	// Map device UUIDs through state-UUID indirection first.
	targets := make([]string, 0, len(uuids))
	back := make(map[string]string, len(uuids)) // read target -> requested uuid
	for _, u := range uuids {
		t := c.readTarget(u)
		targets = append(targets, t)
		back[t] = u
	}

	got, err := c.coalescer.Read(ctx, targets)
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(got))
	for target, raw := range got {
		if orig, ok := back[target]; ok {
			out[orig] = raw
		}
	}
	return out, nil
}

// readTarget resolves a device UUID to the state UUID that must actually be
// read, caching the mapping for the session.
func (c *HTTPClient) readTarget(uuid string) string {
	c.mu.RLock()
	if alias, ok := c.stateAlias[uuid]; ok {
		c.mu.RUnlock()
		return alias
	}
	st := c.structure
	c.mu.RUnlock()

	if st == nil {
		return uuid
	}
	dev, ok := st.Devices[uuid]
	if !ok {
		return uuid
	}
	_, ref, ok := PrimaryState(dev)
	if !ok || !ref.IsRef() || ref.UUID == uuid {
		return uuid
	}

	c.mu.Lock()
	c.stateAlias[uuid] = ref.UUID
	c.mu.Unlock()
	return ref.UUID
}

// readBatch performs one upstream batched read. Called by the coalescer with
// a sorted, deduplicated UUID tuple. Falls back to bounded per-UUID reads
// when the Miniserver refuses the batch form.
func (c *HTTPClient) readBatch(ctx context.Context, uuids []string) (map[string]json.RawMessage, error) {
	path := c.cfg.BatchPath + "/" + strings.Join(uuids, ",")
	body, err := c.doRead(ctx, path)
	if err == nil {
		return parseBatchResponse(body, uuids)
	}
	if !errors.Is(err, ErrBatchRefused) {
		return nil, err
	}

	c.logger.Debug("batch read refused, falling back to per-uuid reads",
		zap.Int("uuids", len(uuids)),
	)
	return c.readEach(ctx, uuids)
}

// readEach reads UUIDs one by one with bounded concurrency.
func (c *HTTPClient) readEach(ctx context.Context, uuids []string) (map[string]json.RawMessage, error) {
	var mu sync.Mutex
	out := make(map[string]json.RawMessage, len(uuids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFallbackWorkers)
	for _, uuid := range uuids {
		g.Go(func() error {
			body, err := c.doRead(gctx, c.cfg.ValuePath+"/"+url.PathEscape(uuid))
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil // Missing UUIDs are simply absent from the result.
				}
				return err
			}
			mu.Lock()
			out[uuid] = extractValue(body)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteCommand issues a device command: GET <command-path>/<uuid>/<action>.
func (c *HTTPClient) WriteCommand(ctx context.Context, uuid, command string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	path := fmt.Sprintf("%s/%s/%s", c.cfg.CommandPath, url.PathEscape(uuid), url.PathEscape(command))
	_, err := c.doRead(ctx, path)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", uuid, command, err)
	}
	c.logger.Debug("command written",
		zap.String("uuid", uuid),
		zap.String("command", command),
	)
	return nil
}

// SubscribeEvents opens (or shares) the WebSocket event stream.
func (c *HTTPClient) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	return c.ws.Subscribe(ctx)
}

// Health returns the current connectivity assessment.
func (c *HTTPClient) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

func (c *HTTPClient) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// setHealth transitions the health state, consulting the ICMP prober to
// split Degraded (host answers pings, API broken) from Down.
func (c *HTTPClient) setHealth(h Health) {
	if h != HealthConnected && c.prober != nil {
		if !c.prober.Reachable() {
			h = HealthDown
		} else {
			h = HealthDegraded
		}
	}
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

// doRead performs an authenticated GET with in-request retries for transient
// failures. Auth failures trigger exactly one token renegotiation.
func (c *HTTPClient) doRead(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	renegotiated := false

	op := func() error {
		b, status, err := c.get(ctx, path)
		if err != nil {
			c.setHealth(HealthDegraded)
			return transientf("%s: %v", path, err)
		}
		if status == http.StatusOK {
			c.setHealth(HealthConnected)
			body = b
			return nil
		}

		serr := statusError(status, string(b))
		if errors.Is(serr, ErrAuthFailed) && c.tokenMode && !renegotiated {
			renegotiated = true
			c.token.Invalidate()
			if _, terr := c.token.Token(ctx); terr == nil {
				return transientf("%s: retrying after token renegotiation", path)
			}
		}
		if errors.Is(serr, ErrTransient) {
			c.setHealth(HealthDegraded)
			return serr
		}
		return backoff.Permanent(serr)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(retryBaseDelay),
		), defaultMaxRetries),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return body, nil
}

// get performs one raw HTTP GET with auth attached and the connection
// semaphore held.
func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, int, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL()+path, nil)
	if err != nil {
		return nil, 0, err
	}

	if c.tokenMode {
		tok, terr := c.token.Token(ctx)
		if terr != nil {
			return nil, 0, terr
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	} else {
		req.SetBasicAuth(c.cfg.User, c.cfg.Pass)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// parseBatchResponse splits a batched read response into per-UUID raw
// values. Accepts either a JSON object keyed by UUID or the Miniserver's
// {"LL":{"value":{...}}} envelope around one.
func parseBatchResponse(body []byte, uuids []string) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &ParseError{Msg: fmt.Sprintf("batch response: %v", err)}
	}
	if ll, ok := m["LL"]; ok {
		var inner struct {
			Value map[string]json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(ll, &inner); err == nil && inner.Value != nil {
			m = inner.Value
		}
	}

	out := make(map[string]json.RawMessage, len(uuids))
	for _, uuid := range uuids {
		if raw, ok := m[uuid]; ok {
			out[uuid] = raw
		}
	}
	// A single-uuid response may come back bare rather than keyed.
	if len(out) == 0 && len(uuids) == 1 {
		out[uuids[0]] = extractValue(body)
	}
	return out, nil
}

// extractValue unwraps the {"LL":{"value":...}} envelope when present,
// returning the body unchanged otherwise.
func extractValue(body []byte) json.RawMessage {
	var envelope struct {
		LL struct {
			Value json.RawMessage `json:"value"`
		} `json:"LL"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.LL.Value) > 0 {
		return envelope.LL.Value
	}
	return json.RawMessage(body)
}

// sortedDedup returns a sorted copy of uuids with duplicates removed.
func sortedDedup(uuids []string) []string {
	out := make([]string, len(uuids))
	copy(out, uuids)
	sort.Strings(out)
	n := 0
	for i, u := range out {
		if i == 0 || u != out[i-1] {
			out[n] = u
			n++
		}
	}
	return out[:n]
}
