package resolver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// Defaults for the change-event plumbing.
const (
	defaultRingSize  = 1024
	subscriberBuffer = 256
)

// Notification is what subscribers receive: either a change event or a
// resync hint after the subscriber lagged and its queue was drained.
type Notification struct {
	Event  *models.ChangeEvent
	Resync bool
}

// Subscription is one registered change-event consumer.
type Subscription struct {
	id uint64
	ch chan Notification
}

// C returns the notification channel.
func (s *Subscription) C() <-chan Notification { return s.ch }

// changeHub keeps the bounded event ring and fans events out to
// subscribers. A subscriber that cannot keep up has its queue drained and
// receives a single resync notification instead of a partial history.
type changeHub struct {
	logger *zap.Logger

	mu     sync.Mutex
	ring   []*models.ChangeEvent
	next   int
	filled bool
	subs   map[uint64]*Subscription
	nextID uint64
}

func newChangeHub(logger *zap.Logger) *changeHub {
	return &changeHub{
		logger: logger,
		ring:   make([]*models.ChangeEvent, defaultRingSize),
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a consumer. Cancel with Unsubscribe.
func (h *changeHub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{id: h.nextID, ch: make(chan Notification, subscriberBuffer)}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (h *changeHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.ch)
	}
}

// Publish appends the event to the ring and fans it out. Events for one
// UUID reach each subscriber in publish order because the hub lock covers
// both the ring append and the channel sends.
func (h *changeHub) Publish(ev *models.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = ev
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.filled = true
	}

	for _, sub := range h.subs {
		select {
		case sub.ch <- Notification{Event: ev}:
		default:
			// Lagged: drain and hint a resync rather than delivering a gap.
			h.logger.Warn("change subscriber lagged, draining queue",
				zap.String("uuid", ev.UUID),
			)
			for {
				select {
				case <-sub.ch:
					continue
				default:
				}
				break
			}
			sub.ch <- Notification{Resync: true}
		}
	}
}

// Recent returns the ring contents, oldest first.
func (h *changeHub) Recent() []*models.ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*models.ChangeEvent
	if h.filled {
		out = append(out, h.ring[h.next:]...)
	}
	out = append(out, h.ring[:h.next]...)
	res := make([]*models.ChangeEvent, 0, len(out))
	for _, ev := range out {
		if ev != nil {
			res = append(res, ev)
		}
	}
	return res
}

// detectChange decides whether prev -> next crosses the type-specific
// threshold, returning the event to publish or nil.
func detectChange(prev, next *models.ResolvedValue, typ sensor.Type, now time.Time) *models.ChangeEvent {
	if next.Validation.State != models.ValidationValid {
		return nil
	}

	if prev == nil || prev.Validation.State != models.ValidationValid {
		return &models.ChangeEvent{UUID: next.UUID, Prev: prev, Next: next, At: now}
	}

	pn, pok := prev.NumericValue()
	nn, nok := next.NumericValue()

	if typ.Discrete() {
		if pok && nok && pn != nn {
			return &models.ChangeEvent{UUID: next.UUID, Prev: prev, Next: next, Magnitude: nn - pn, At: now}
		}
		if prev.Formatted != next.Formatted {
			return &models.ChangeEvent{UUID: next.UUID, Prev: prev, Next: next, At: now}
		}
		return nil
	}

	if !pok || !nok {
		if prev.Formatted != next.Formatted {
			return &models.ChangeEvent{UUID: next.UUID, Prev: prev, Next: next, At: now}
		}
		return nil
	}

	delta := nn - pn
	mag := delta
	if mag < 0 {
		mag = -mag
	}

	threshold := typ.ChangeThreshold()
	if typ.RelativeThreshold() {
		base := pn
		if base < 0 {
			base = -base
		}
		threshold = base * threshold
	}
	if threshold <= 0 {
		// Untyped numeric: any movement counts.
		if delta == 0 {
			return nil
		}
		return &models.ChangeEvent{UUID: next.UUID, Prev: prev, Next: next, Magnitude: delta, At: now}
	}
	if mag < threshold {
		return nil
	}
	return &models.ChangeEvent{UUID: next.UUID, Prev: prev, Next: next, Magnitude: delta, At: now}
}
