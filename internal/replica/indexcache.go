package replica

import (
	"context"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/nimbusdb/redo/internal/redo"
)

// Index is the narrow view of an open index this package needs: enough to
// replay a store or delete against it, nothing more. The real B-tree index
// type — cursors, page layout, latching — lives outside this core.
type Index interface {
	IndexId() redo.IndexId
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
}

// indexCacheEntry pairs an open index with the last time it was touched,
// an explicit time-based eviction policy in place of soft-reference-based
// cache eviction: entries idle past ttl are swept instead of waiting on
// GC to clear a soft reference.
type indexCacheEntry struct {
	index    Index
	lastUsed time.Time
}

const indexCacheShards = 16

type indexCacheShard struct {
	mu      sync.Mutex
	entries map[redo.IndexId]*indexCacheEntry
}

// indexCache holds indexes open long enough to avoid a re-open per
// replayed record, without pinning memory for indexes that have gone
// quiet. Workers from many goroutines call get() concurrently (store and
// delete replay both resolve the target index), so the table is sharded
// by github.com/OneOfOne/xxhash of the IndexId, to keep that contention
// off one global mutex.
type indexCache struct {
	shards [indexCacheShards]*indexCacheShard
	ttl    time.Duration
	open   func(redo.IndexId) (Index, error)
}

func newIndexCache(ttl time.Duration, open func(redo.IndexId) (Index, error)) *indexCache {
	c := &indexCache{ttl: ttl, open: open}
	for i := range c.shards {
		c.shards[i] = &indexCacheShard{entries: make(map[redo.IndexId]*indexCacheEntry)}
	}
	return c
}

func (c *indexCache) shardFor(id redo.IndexId) *indexCacheShard {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * i))
	}
	h := xxhash.New64()
	h.Write(buf[:])
	return c.shards[h.Sum64()%indexCacheShards]
}

// get returns the cached index for id, reopening it via open (and
// sweeping other idle entries in the same shard) if it was never cached
// or has aged out.
func (c *indexCache) get(id redo.IndexId, now time.Time) (Index, error) {
	shard := c.shardFor(id)

	shard.mu.Lock()
	if e, ok := shard.entries[id]; ok && now.Sub(e.lastUsed) < c.ttl {
		e.lastUsed = now
		idx := e.index
		shard.mu.Unlock()
		return idx, nil
	}
	shard.mu.Unlock()

	idx, err := c.open(id)
	if err != nil {
		return nil, err
	}

	shard.mu.Lock()
	shard.entries[id] = &indexCacheEntry{index: idx, lastUsed: now}
	shard.sweepLocked(now, c.ttl)
	shard.mu.Unlock()
	return idx, nil
}

// sweepLocked drops every entry in this shard idle past ttl, an
// opportunistic sweep piggy-backed on the reopen, rather than a
// dedicated background goroutine.
func (s *indexCacheShard) sweepLocked(now time.Time, ttl time.Duration) {
	for id, e := range s.entries {
		if now.Sub(e.lastUsed) >= ttl {
			delete(s.entries, id)
		}
	}
}

func (c *indexCache) invalidate(id redo.IndexId) {
	shard := c.shardFor(id)
	shard.mu.Lock()
	delete(shard.entries, id)
	shard.mu.Unlock()
}

func (c *indexCache) len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
