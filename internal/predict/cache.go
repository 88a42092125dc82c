package predict

import (
	"container/list"
	"sync"
	"time"

	"tradebridge/pkg/types"
)

// resultCache is an LRU cache with per-entry TTL for prediction results.
// Keys are (instrument, second-bucket) strings; see Gateway.cacheKey.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List // front = most recently used
	items    map[string]*list.Element

	hits   int64
	misses int64
}

type cacheEntry struct {
	key     string
	pred    types.Prediction
	expires time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	return &resultCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// get returns a live cached prediction. Expired entries are evicted on
// access rather than by a sweeper.
func (c *resultCache) get(key string) (types.Prediction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return types.Prediction{}, false
	}
	ent := el.Value.(*cacheEntry)
	if time.Now().After(ent.expires) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		return types.Prediction{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.pred, true
}

// put stores a prediction, evicting the least recently used entry at
// capacity. Entries are stored with CacheHit=false; readers flip the flag
// on their own copy.
func (c *resultCache) put(key string, pred types.Prediction) {
	pred.CacheHit = false

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.pred = pred
		ent.expires = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
	el := c.ll.PushFront(&cacheEntry{key: key, pred: pred, expires: time.Now().Add(c.ttl)})
	c.items[key] = el
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// hitRate returns hits/(hits+misses), or 0 before any lookup.
func (c *resultCache) hitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
