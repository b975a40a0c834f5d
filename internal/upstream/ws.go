package upstream

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Reconnect backoff bounds.
const (
	wsBackoffBase = 500 * time.Millisecond
	wsBackoffCap  = 30 * time.Second
)

// wsStream maintains the Miniserver WebSocket and fans value-update frames
// out to subscribers. Dropped frames during a reconnect are not replayed;
// the resolver re-reads on access, so subscribers stay eventually
// consistent.
type wsStream struct {
	client *HTTPClient
	logger *zap.Logger

	mu      sync.Mutex
	subs    []chan Event
	running bool
}

func newWSStream(client *HTTPClient, logger *zap.Logger) *wsStream {
	return &wsStream{client: client, logger: logger}
}

// Subscribe registers a new event channel, starting the read loop on first
// use. The channel is closed when ctx is cancelled.
func (w *wsStream) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)

	w.mu.Lock()
	w.subs = append(w.subs, ch)
	if !w.running {
		w.running = true
		go w.run(ctx)
	}
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		for i, sub := range w.subs {
			if sub == ch {
				w.subs = append(w.subs[:i], w.subs[i+1:]...)
				close(ch)
				break
			}
		}
		w.mu.Unlock()
	}()

	return ch, nil
}

// run connects, reads frames, and reconnects forever with exponential
// backoff and full jitter until ctx is cancelled.
func (w *wsStream) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(wsBackoffBase),
		backoff.WithMaxInterval(wsBackoffCap),
		backoff.WithMaxElapsedTime(0),      // infinite attempts
		backoff.WithRandomizationFactor(0), // jitter is applied below
	)

	for {
		if ctx.Err() != nil {
			return
		}

		err := w.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		w.client.setHealth(HealthDegraded)

		// Full jitter: a uniform random wait between zero and the interval.
		wait := time.Duration(rand.Int63n(int64(bo.NextBackOff()) + 1))
		w.logger.Warn("websocket disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// readLoop dials, then reads frames until the connection drops.
func (w *wsStream) readLoop(ctx context.Context) error {
	cfg := w.client.cfg
	wsURL := cfg.BaseURL() + cfg.WSPath

	opts := &websocket.DialOptions{}
	if w.client.tokenMode {
		proto, err := w.client.token.WSProtocol(ctx)
		if err != nil {
			return err
		}
		opts.Subprotocols = []string{proto}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	w.client.setHealth(HealthConnected)
	w.logger.Info("websocket connected")

	for {
		var frame struct {
			UUID  string          `json:"uuid"`
			Value json.RawMessage `json:"value"`
		}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		if frame.UUID == "" {
			continue
		}
		w.broadcast(Event{UUID: frame.UUID, Raw: frame.Value})
	}
}

// broadcast delivers an event to every subscriber, dropping it for slow
// consumers rather than blocking the read loop.
func (w *wsStream) broadcast(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
			w.logger.Warn("event subscriber buffer full, dropping frame",
				zap.String("uuid", ev.UUID),
			)
		}
	}
}
