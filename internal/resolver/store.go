// Package resolver turns device UUIDs into typed, validated readings backed
// by a sharded TTL cache, and emits change events when readings move.
package resolver

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hausnetz/loxmcp/pkg/models"
)

// Entry is one cached reading with its freshness bookkeeping.
type Entry struct {
	Value      *models.ResolvedValue
	InsertedAt time.Time
	TTL        time.Duration
}

// Age returns how long the entry has been cached.
func (e *Entry) Age(now time.Time) time.Duration { return now.Sub(e.InsertedAt) }

// Fresh reports whether the entry is still within its TTL.
func (e *Entry) Fresh(now time.Time) bool { return e.Age(now) < e.TTL }

// Store is the sharded state cache: one entry per device UUID, lazily aged,
// LRU-bounded. Shard locks keep readers and writers on different UUIDs from
// contending; the LRU list has its own lock so hits never take a shard
// write lock.
type Store struct {
	shards     []*shard
	maxEntries int

	lruMu sync.Mutex
	lru   *list.List               // front = most recent
	pos   map[string]*list.Element // uuid -> lru node
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStore creates a store with the given shard count and entry bound.
// Zero values fall back to 32 shards and 10 000 entries.
func NewStore(shardCount, maxEntries int) *Store {
	if shardCount <= 0 {
		shardCount = 32
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	s := &Store{
		shards:     make([]*shard, shardCount),
		maxEntries: maxEntries,
		lru:        list.New(),
		pos:        make(map[string]*list.Element),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return s
}

func (s *Store) shardFor(uuid string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uuid))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the cached entry for uuid regardless of freshness, touching
// the LRU on a hit. Callers decide what staleness means for them.
func (s *Store) Get(uuid string) (*Entry, bool) {
	sh := s.shardFor(uuid)
	sh.mu.RLock()
	e, ok := sh.entries[uuid]
	sh.mu.RUnlock()
	if ok {
		s.touch(uuid)
	}
	return e, ok
}

// Put stores a reading with its TTL, evicting the least-recently-used
// entries when the bound is exceeded.
func (s *Store) Put(uuid string, v *models.ResolvedValue, ttl time.Duration) {
	sh := s.shardFor(uuid)
	sh.mu.Lock()
	sh.entries[uuid] = &Entry{Value: v, InsertedAt: time.Now(), TTL: ttl}
	sh.mu.Unlock()

	s.touch(uuid)
	s.evictOver()
}

// Invalidate drops the entry for uuid so the next resolve reads live.
func (s *Store) Invalidate(uuid string) {
	sh := s.shardFor(uuid)
	sh.mu.Lock()
	delete(sh.entries, uuid)
	sh.mu.Unlock()

	s.lruMu.Lock()
	if el, ok := s.pos[uuid]; ok {
		s.lru.Remove(el)
		delete(s.pos, uuid)
	}
	s.lruMu.Unlock()
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// touch moves uuid to the front of the LRU list.
func (s *Store) touch(uuid string) {
	s.lruMu.Lock()
	if el, ok := s.pos[uuid]; ok {
		s.lru.MoveToFront(el)
	} else {
		s.pos[uuid] = s.lru.PushFront(uuid)
	}
	s.lruMu.Unlock()
}

// evictOver removes least-recently-used entries until within bounds.
func (s *Store) evictOver() {
	for {
		s.lruMu.Lock()
		if s.lru.Len() <= s.maxEntries {
			s.lruMu.Unlock()
			return
		}
		el := s.lru.Back()
		if el == nil {
			s.lruMu.Unlock()
			return
		}
		uuid := s.lru.Remove(el).(string)
		delete(s.pos, uuid)
		s.lruMu.Unlock()

		sh := s.shardFor(uuid)
		sh.mu.Lock()
		delete(sh.entries, uuid)
		sh.mu.Unlock()
	}
}
