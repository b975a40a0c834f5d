package resolver

import (
	"sort"
	"sync"
)

// Prefetch bookkeeping bounds.
const (
	prefetchTopK       = 5
	prefetchMaxTracked = 2048
)

// prefetcher tracks per-UUID access frequency and pairwise co-access counts
// in a bounded map. It only ever suggests candidates; it never fetches.
type prefetcher struct {
	mu       sync.Mutex
	accesses map[string]*accessStats
	clock    uint64
}

type accessStats struct {
	count    uint64
	lastSeen uint64            // logical clock, for eviction
	coAccess map[string]uint64 // other uuid -> times seen together
}

func newPrefetcher() *prefetcher {
	return &prefetcher{accesses: make(map[string]*accessStats)}
}

// recordAccess notes that uuid was requested together with batch.
func (p *prefetcher) recordAccess(uuid string, batch []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clock++
	st := p.accesses[uuid]
	if st == nil {
		if len(p.accesses) >= prefetchMaxTracked {
			p.evictOldest()
		}
		st = &accessStats{coAccess: make(map[string]uint64)}
		p.accesses[uuid] = st
	}
	st.count++
	st.lastSeen = p.clock

	for _, other := range batch {
		if other == uuid {
			continue
		}
		st.coAccess[other]++
		// Bound the per-uuid co-access map too.
		if len(st.coAccess) > 64 {
			p.trimCoAccess(st)
		}
	}
}

// topCoAccessed returns up to prefetchTopK UUIDs most often co-accessed
// with any member of batch.
func (p *prefetcher) topCoAccessed(batch []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	scores := make(map[string]uint64)
	for _, uuid := range batch {
		st := p.accesses[uuid]
		if st == nil {
			continue
		}
		for other, n := range st.coAccess {
			scores[other] += n
		}
	}
	if len(scores) == 0 {
		return nil
	}

	type cand struct {
		uuid  string
		score uint64
	}
	cands := make([]cand, 0, len(scores))
	for uuid, score := range scores {
		cands = append(cands, cand{uuid, score})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].uuid < cands[j].uuid
	})

	n := prefetchTopK
	if n > len(cands) {
		n = len(cands)
	}
	out := make([]string, 0, n)
	for _, c := range cands[:n] {
		out = append(out, c.uuid)
	}
	return out
}

// evictOldest removes the least-recently-seen tracked uuid. Caller holds mu.
func (p *prefetcher) evictOldest() {
	var oldest string
	var oldestSeen uint64
	first := true
	for uuid, st := range p.accesses {
		if first || st.lastSeen < oldestSeen {
			oldest, oldestSeen = uuid, st.lastSeen
			first = false
		}
	}
	if oldest != "" {
		delete(p.accesses, oldest)
	}
}

// trimCoAccess halves a co-access map by dropping its weakest entries.
// Caller holds mu.
func (p *prefetcher) trimCoAccess(st *accessStats) {
	type pair struct {
		uuid string
		n    uint64
	}
	pairs := make([]pair, 0, len(st.coAccess))
	for uuid, n := range st.coAccess {
		pairs = append(pairs, pair{uuid, n})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].n < pairs[j].n })
	for _, pr := range pairs[:len(pairs)/2] {
		delete(st.coAccess, pr.uuid)
	}
}
