package orchestrator

import (
	"sync"
	"time"
)

// answerCache is a small in-process TTL cache for completed answers.
// Entries are pruned lazily on access.
type answerCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	response Response
	chunkIDs []string // full grounding set, pre-deduplication, for audit replay
	expires  time.Time
}

func newAnswerCache(ttl time.Duration) *answerCache {
	return &answerCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *answerCache) get(key string) (Response, []string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Response{}, nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return Response{}, nil, false
	}
	return entry.response, entry.chunkIDs, true
}

func (c *answerCache) set(key string, resp Response, chunkIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic prune keeps the map from growing unbounded.
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{response: resp, chunkIDs: chunkIDs, expires: now.Add(c.ttl)}
}
