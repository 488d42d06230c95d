package cloudraidfs

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	stripeID    uint64
	payload     []byte
	expireAt    time.Time
	accessCount int64
}

// ChunkCache is a bounded LRU-plus-TTL cache keyed by stripe_id, valued
// by decoded stripe payload bytes. Eviction under pressure ranks
// entries by heat score (access_count * (seconds_to_expire+1)),
// lowest first.
type ChunkCache struct {
	mu sync.Mutex

	maxBytes int64
	ttl      time.Duration

	bytesInUse int64
	entries    map[uint64]*list.Element // value *cacheEntry
	recency    *list.List               // MRU at front

	hits, misses int64

	now func() time.Time
}

// NewChunkCache constructs a cache bounded by maxBytes with the given TTL.
func NewChunkCache(maxBytes int64, ttl time.Duration) *ChunkCache {
	return &ChunkCache{
		maxBytes: maxBytes,
		ttl:      ttl,
		entries:  make(map[uint64]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns a copy of the cached payload for stripeID, or (nil,
// false) on miss. A hit extends the TTL and bumps recency/heat.
func (c *ChunkCache) Get(stripeID uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[stripeID]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expireAt) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	ent.expireAt = c.now().Add(c.ttl)
	ent.accessCount++
	c.recency.MoveToFront(el)
	c.hits++

	out := make([]byte, len(ent.payload))
	copy(out, ent.payload)
	return out, true
}

// Put inserts payload for stripeID, evicting by heat score if
// necessary to stay under maxBytes. Oversized payloads are refused
// silently, per the design.
func (c *ChunkCache) Put(stripeID uint64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[stripeID]; ok {
		c.removeElement(el)
	}

	if int64(len(payload)) > c.maxBytes {
		return
	}

	c.makeRoom(int64(len(payload)))

	stored := make([]byte, len(payload))
	copy(stored, payload)
	ent := &cacheEntry{
		stripeID: stripeID,
		payload:  stored,
		expireAt: c.now().Add(c.ttl),
	}
	el := c.recency.PushFront(ent)
	c.entries[stripeID] = el
	c.bytesInUse += int64(len(stored))
}

// Invalidate removes stripeID's entry, if any, reclaiming its bytes.
func (c *ChunkCache) Invalidate(stripeID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[stripeID]; ok {
		c.removeElement(el)
	}
}

// makeRoom evicts expired entries first, then lowest-heat entries
// (the least recently used among equal scores), until there is room
// for need additional bytes. Caller holds c.mu.
func (c *ChunkCache) makeRoom(need int64) {
	now := c.now()
	for el := c.recency.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*cacheEntry)
		if now.After(ent.expireAt) {
			c.removeElement(el)
		}
		el = prev
	}

	if c.bytesInUse+need <= c.maxBytes {
		return
	}

	for c.bytesInUse+need > c.maxBytes && c.recency.Len() > 0 {
		var worst *list.Element
		var worstScore int64 = -2
		for el := c.recency.Back(); el != nil; el = el.Prev() {
			ent := el.Value.(*cacheEntry)
			score := heatScore(ent, now)
			if worst == nil || score < worstScore {
				worst = el
				worstScore = score
			}
		}
		if worst == nil {
			break
		}
		c.removeElement(worst)
	}
}

func heatScore(ent *cacheEntry, now time.Time) int64 {
	if now.After(ent.expireAt) {
		return -1
	}
	secsToExpire := int64(ent.expireAt.Sub(now) / time.Second)
	return ent.accessCount * (secsToExpire + 1)
}

// removeElement unlinks el from both the map and the recency list and
// reclaims its bytes. Caller holds c.mu.
func (c *ChunkCache) removeElement(el *list.Element) {
	ent := el.Value.(*cacheEntry)
	delete(c.entries, ent.stripeID)
	c.recency.Remove(el)
	c.bytesInUse -= int64(len(ent.payload))
}

// Stats returns hit/miss counters and current byte usage.
type CacheStats struct {
	Hits, Misses int64
	BytesInUse   int64
}

func (c *ChunkCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, BytesInUse: c.bytesInUse}
}
