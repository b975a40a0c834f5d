package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// Upstream is the slice of the Miniserver client the resolver consumes.
type Upstream interface {
	ReadValues(ctx context.Context, uuids []string) (map[string]json.RawMessage, error)
	Structure() *models.Structure
}

// TTLs configures per-source cache lifetimes.
type TTLs struct {
	Live      time.Duration
	Structure time.Duration
	Sensor    time.Duration
}

// DefaultTTLs returns the standard lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{Live: 30 * time.Second, Structure: time.Hour, Sensor: 60 * time.Second}
}

// ErrUnknownDevice is returned for UUIDs absent from the structure document.
var ErrUnknownDevice = errors.New("unknown device uuid")

// Resolver is the unified value-resolution layer: cache in front, upstream
// behind, single upstream read per UUID no matter how many callers ask.
type Resolver struct {
	store    *Store
	upstream Upstream
	registry *sensor.Registry
	hub      *changeHub
	prefetch *prefetcher
	ttls     TTLs
	logger   *zap.Logger

	flight *flightGroup
}

// New creates a resolver over the given store and upstream.
func New(store *Store, up Upstream, registry *sensor.Registry, ttls TTLs, logger *zap.Logger) *Resolver {
	if ttls.Live <= 0 {
		ttls = DefaultTTLs()
	}
	return &Resolver{
		store:    store,
		upstream: up,
		registry: registry,
		hub:      newChangeHub(logger),
		prefetch: newPrefetcher(),
		ttls:     ttls,
		logger:   logger,
		flight:   newFlightGroup(),
	}
}

// Subscribe registers a change-event consumer.
func (r *Resolver) Subscribe() *Subscription { return r.hub.Subscribe() }

// Unsubscribe removes a change-event consumer.
func (r *Resolver) Unsubscribe(s *Subscription) { r.hub.Unsubscribe(s) }

// RecentChanges returns the bounded change-event history, oldest first.
func (r *Resolver) RecentChanges() []*models.ChangeEvent { return r.hub.Recent() }

// Invalidate drops the cache entry for uuid. Called synchronously on the
// write path so the next read after a command is live.
func (r *Resolver) Invalidate(uuid string) { r.store.Invalidate(uuid) }

// Lookup returns the raw cache entry for uuid without resolving.
func (r *Resolver) Lookup(uuid string) (*Entry, bool) { return r.store.Get(uuid) }

// CacheLen returns the number of cached readings.
func (r *Resolver) CacheLen() int { return r.store.Len() }

// Resolve returns the reading for one UUID, from cache when fresh.
// Concurrent callers for the same UUID share a single upstream read.
func (r *Resolver) Resolve(ctx context.Context, uuid string) (*models.ResolvedValue, error) {
	vals, err := r.ResolveMany(ctx, []string{uuid})
	if err != nil {
		return nil, err
	}
	v, ok := vals[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, uuid)
	}
	return v, nil
}

// ResolveMany resolves a batch: fresh entries come from cache, stale ones
// that are already being fetched are awaited, and the remainder goes
// upstream as one batch. Per-UUID parse failures are isolated.
func (r *Resolver) ResolveMany(ctx context.Context, uuids []string) (map[string]*models.ResolvedValue, error) {
	now := time.Now()
	out := make(map[string]*models.ResolvedValue, len(uuids))

	var stale []string
	var joined []*flightTicket
	seen := make(map[string]struct{}, len(uuids))

	for _, uuid := range uuids {
		if _, dup := seen[uuid]; dup {
			continue
		}
		seen[uuid] = struct{}{}
		r.prefetch.recordAccess(uuid, uuids)

		if e, ok := r.store.Get(uuid); ok && e.Fresh(now) {
			out[uuid] = e.Value
			continue
		}
		if ticket, owner := r.flight.join(uuid); owner {
			stale = append(stale, uuid)
			joined = append(joined, ticket)
		} else {
			joined = append(joined, ticket)
		}
	}

	if len(stale) > 0 {
		// Opportunistic prefetch: ride frequently co-accessed stale UUIDs on
		// the same batch. Their failures never surface.
		extra := r.prefetchCandidates(stale, now)
		go r.fetchBatch(append(stale, extra...), len(stale))
	}

	var firstErr error
	for _, ticket := range joined {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticket.done:
		}
		if ticket.err != nil {
			if firstErr == nil {
				firstErr = ticket.err
			}
			continue
		}
		if ticket.val != nil {
			out[ticket.uuid] = ticket.val
		}
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// prefetchCandidates returns up to topK co-accessed UUIDs that are stale or
// absent and not already in the batch or in flight.
func (r *Resolver) prefetchCandidates(batch []string, now time.Time) []string {
	inBatch := make(map[string]struct{}, len(batch))
	for _, u := range batch {
		inBatch[u] = struct{}{}
	}

	var extra []string
	for _, cand := range r.prefetch.topCoAccessed(batch) {
		if _, ok := inBatch[cand]; ok {
			continue
		}
		if e, ok := r.store.Get(cand); ok && e.Fresh(now) {
			continue
		}
		if _, owner := r.flight.join(cand); owner {
			extra = append(extra, cand)
		}
		// Not owner: someone is already fetching it; leave it to them.
	}
	return extra
}

// fetchBatch performs the upstream read for stale UUIDs and completes all
// waiting tickets. Runs detached from any caller context: a cancelled
// caller must not kill the batch for the others. UUIDs beyond primary are
// prefetches whose errors are swallowed.
func (r *Resolver) fetchBatch(uuids []string, primary int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := r.upstream.ReadValues(ctx, uuids)
	now := time.Now()

	for i, uuid := range uuids {
		isPrefetch := i >= primary
		if err != nil {
			r.completeError(uuid, err, isPrefetch)
			continue
		}
		payload, ok := raw[uuid]
		if !ok {
			r.completeError(uuid, fmt.Errorf("%w: %s", ErrUnknownDevice, uuid), isPrefetch)
			continue
		}
		val := r.buildValue(uuid, payload, now)
		r.storeAndPublish(uuid, val, now)
		r.flight.complete(uuid, val, nil)
	}
}

// completeError finishes waiters with an error, falling back to a stale
// cached reading (marked Stale) when one exists.
func (r *Resolver) completeError(uuid string, err error, isPrefetch bool) {
	if isPrefetch {
		r.flight.complete(uuid, nil, nil)
		return
	}
	if e, ok := r.store.Get(uuid); ok {
		stale := *e.Value
		stale.Validation = models.Validation{
			State:      models.ValidationStale,
			AgeSeconds: e.Age(time.Now()).Seconds(),
		}
		stale.Confidence = stale.Confidence * 0.5
		r.logger.Debug("serving stale value after upstream failure",
			zap.String("uuid", uuid),
			zap.Error(err),
		)
		r.flight.complete(uuid, &stale, nil)
		return
	}
	r.flight.complete(uuid, nil, err)
}

// buildValue parses and validates one raw payload into a ResolvedValue.
func (r *Resolver) buildValue(uuid string, raw json.RawMessage, now time.Time) *models.ResolvedValue {
	val := &models.ResolvedValue{
		UUID:      uuid,
		Raw:       raw,
		Source:    models.SourceBatch,
		Timestamp: now,
	}

	var dev *models.Device
	if st := r.upstream.Structure(); st != nil {
		dev = st.Devices[uuid]
	}

	typ := sensor.Unknown("")
	if dev != nil {
		val.Name = dev.Name
		val.Room = dev.Room
		typ = r.registry.Classify(dev)
		val.SensorType = typ.String()
	}

	reading, err := sensor.Parse(raw, typ)
	if err != nil {
		val.Formatted = string(raw)
		val.Validation = models.ParseFailure(err.Error())
		val.Confidence = 0
		return val
	}

	val.Numeric = models.Float64(reading.Numeric)
	val.Formatted = reading.Formatted
	val.Unit = reading.Unit

	confidence := 0.9
	if dev != nil {
		if c := r.registry.Confidence(dev); c > 0 {
			confidence = c
		}
	}

	if min, max, ok := sensor.Validate(reading, typ); !ok {
		val.Validation = models.OutOfRange(min, max, reading.Numeric)
		val.Confidence = 0.5
	} else {
		val.Validation = models.Valid()
		val.Confidence = confidence
	}
	return val
}

// storeAndPublish writes the value with the right TTL and emits a change
// event when the reading moved.
func (r *Resolver) storeAndPublish(uuid string, val *models.ResolvedValue, now time.Time) {
	var prev *models.ResolvedValue
	if e, ok := r.store.Get(uuid); ok {
		prev = e.Value
	}

	typ := sensor.Unknown("")
	if st := r.upstream.Structure(); st != nil {
		if dev, ok := st.Devices[uuid]; ok {
			typ = r.registry.Classify(dev)
		}
	}

	r.store.Put(uuid, val, r.ttlFor(typ))

	// The published event's Next is the value just cached.
	if ev := detectChange(prev, val, typ, now); ev != nil {
		r.hub.Publish(ev)
	}
}

// IngestEvent feeds a live WebSocket frame through the same parse,
// validate, cache, and change-detection path as a read.
func (r *Resolver) IngestEvent(uuid string, raw json.RawMessage) {
	now := time.Now()
	val := r.buildValue(uuid, raw, now)
	val.Source = models.SourceLive
	r.storeAndPublish(uuid, val, now)
}

func (r *Resolver) ttlFor(typ sensor.Type) time.Duration {
	if typ.Kind != sensor.KindUnknown {
		return r.ttls.Sensor
	}
	return r.ttls.Live
}

// flightGroup tracks in-flight per-UUID reads so concurrent resolvers share
// one upstream call.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flightCall
}

type flightCall struct {
	done    chan struct{}
	val     *models.ResolvedValue
	err     error
	tickets []*flightTicket
}

type flightTicket struct {
	uuid string
	done chan struct{}
	val  *models.ResolvedValue
	err  error
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*flightCall)}
}

// join registers interest in uuid. The first caller becomes the owner and
// must eventually call complete.
func (fg *flightGroup) join(uuid string) (*flightTicket, bool) {
	fg.mu.Lock()
	defer fg.mu.Unlock()

	ticket := &flightTicket{uuid: uuid, done: make(chan struct{})}
	call, ok := fg.flights[uuid]
	if !ok {
		call = &flightCall{done: make(chan struct{})}
		fg.flights[uuid] = call
		call.tickets = append(call.tickets, ticket)
		return ticket, true
	}
	call.tickets = append(call.tickets, ticket)
	return ticket, false
}

// complete finishes the flight for uuid, waking every ticket with the same
// resolved value so concurrent callers observe one reading.
func (fg *flightGroup) complete(uuid string, val *models.ResolvedValue, err error) {
	fg.mu.Lock()
	call, ok := fg.flights[uuid]
	if ok {
		delete(fg.flights, uuid)
	}
	fg.mu.Unlock()

	if !ok {
		return
	}
	for _, t := range call.tickets {
		t.val = val
		t.err = err
		close(t.done)
	}
	close(call.done)
}
