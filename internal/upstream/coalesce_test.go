package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCoalescerMergesConcurrentCallers(t *testing.T) {
	var calls int32
	fetch := func(_ context.Context, uuids []string) (map[string]json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		out := make(map[string]json.RawMessage, len(uuids))
		for _, u := range uuids {
			out[u] = json.RawMessage(`"1"`)
		}
		return out, nil
	}
	c := newCoalescer(fetch, zap.NewNop())

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Read(context.Background(), []string{"u1"})
			if err != nil {
				t.Errorf("Read: %v", err)
				return
			}
			if string(got["u1"]) != `"1"` {
				t.Errorf("got %s", got["u1"])
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestCoalescerMergesOverlappingSets(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string
	fetch := func(_ context.Context, uuids []string) (map[string]json.RawMessage, error) {
		mu.Lock()
		batches = append(batches, uuids)
		mu.Unlock()
		out := make(map[string]json.RawMessage, len(uuids))
		for _, u := range uuids {
			out[u] = json.RawMessage(`"v"`)
		}
		return out, nil
	}
	c := newCoalescer(fetch, zap.NewNop())

	var wg sync.WaitGroup
	for _, set := range [][]string{{"a", "b"}, {"b", "c"}, {"c", "a"}} {
		wg.Add(1)
		go func(set []string) {
			defer wg.Done()
			got, err := c.Read(context.Background(), set)
			if err != nil {
				t.Errorf("Read: %v", err)
				return
			}
			// Each caller sees exactly its requested uuids.
			if len(got) != len(set) {
				t.Errorf("got %d values for %v", len(got), set)
			}
		}(set)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1 merged superset", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Errorf("merged batch = %v, want a,b,c", batches[0])
	}
}

func TestCoalescerCancelledCallerDoesNotKillBatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetch := func(_ context.Context, uuids []string) (map[string]json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-release
		return map[string]json.RawMessage{"u1": json.RawMessage(`"ok"`)}, nil
	}
	c := newCoalescer(fetch, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx, []string{"u1"})
		errCh <- err
	}()

	okCh := make(chan error, 1)
	go func() {
		got, err := c.Read(context.Background(), []string{"u1"})
		if err == nil && string(got["u1"]) != `"ok"` {
			err = context.DeadlineExceeded
		}
		okCh <- err
	}()

	<-started
	cancel()
	if err := <-errCh; err == nil {
		t.Error("cancelled caller should see its context error")
	}
	close(release)
	if err := <-okCh; err != nil {
		t.Errorf("surviving caller failed: %v", err)
	}
}

func TestSortedDedup(t *testing.T) {
	got := sortedDedup([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCoalescerSequentialWindows(t *testing.T) {
	var calls int32
	fetch := func(_ context.Context, uuids []string) (map[string]json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]json.RawMessage{"u1": json.RawMessage(`"v"`)}, nil
	}
	c := newCoalescer(fetch, zap.NewNop())

	if _, err := c.Read(context.Background(), []string{"u1"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * coalesceWindow)
	if _, err := c.Read(context.Background(), []string{"u1"}); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("sequential windows should each fetch: calls = %d", n)
	}
}
