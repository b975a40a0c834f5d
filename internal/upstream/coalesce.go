package upstream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// coalesceWindow is how long a pending batch waits for more callers before
// it fires.
const coalesceWindow = 10 * time.Millisecond

// batchFunc performs one upstream batched read for a sorted, deduplicated
// UUID tuple.
type batchFunc func(ctx context.Context, uuids []string) (map[string]json.RawMessage, error)

// coalescer merges concurrent read requests. Two layers:
//   - identical tuples share one call outright (singleflight on the tuple key)
//   - callers arriving within the coalesce window are merged into one
//     superset batch before the singleflight key is even computed
type coalescer struct {
	fetch  batchFunc
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.Mutex
	pending *pendingBatch
}

type pendingBatch struct {
	uuids map[string]struct{}
	done  chan struct{}
	out   map[string]json.RawMessage
	err   error
}

func newCoalescer(fetch batchFunc, logger *zap.Logger) *coalescer {
	return &coalescer{fetch: fetch, logger: logger}
}

// Read returns raw values for the requested UUIDs, sharing upstream calls
// with any concurrent caller whose window overlaps.
func (c *coalescer) Read(ctx context.Context, uuids []string) (map[string]json.RawMessage, error) {
	uuids = sortedDedup(uuids)

	c.mu.Lock()
	pb := c.pending
	if pb == nil {
		pb = &pendingBatch{
			uuids: make(map[string]struct{}, len(uuids)),
			done:  make(chan struct{}),
		}
		c.pending = pb
		// First caller owns the window timer and the upstream call.
		go c.fire(pb)
	}
	for _, u := range uuids {
		pb.uuids[u] = struct{}{}
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		// The batch continues for the remaining callers.
		return nil, ctx.Err()
	case <-pb.done:
	}
	if pb.err != nil {
		return nil, pb.err
	}

	out := make(map[string]json.RawMessage, len(uuids))
	for _, u := range uuids {
		if raw, ok := pb.out[u]; ok {
			out[u] = raw
		}
	}
	return out, nil
}

// fire waits out the coalesce window, detaches the batch, and executes it
// through the singleflight group so identical tuples from back-to-back
// windows still share a call.
func (c *coalescer) fire(pb *pendingBatch) {
	time.Sleep(coalesceWindow)

	c.mu.Lock()
	if c.pending == pb {
		c.pending = nil
	}
	uuids := make([]string, 0, len(pb.uuids))
	for u := range pb.uuids {
		uuids = append(uuids, u)
	}
	c.mu.Unlock()

	uuids = sortedDedup(uuids)
	key := strings.Join(uuids, ",")

	v, err, shared := c.group.Do(key, func() (any, error) {
		// Fresh context: the batch must outlive any individual caller's
		// cancellation (other callers may still be waiting on it).
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return c.fetch(ctx, uuids)
	})
	if shared {
		c.logger.Debug("batch shared across windows", zap.Int("uuids", len(uuids)))
	}

	if err != nil {
		pb.err = err
	} else {
		pb.out = v.(map[string]json.RawMessage)
	}
	close(pb.done)
}
