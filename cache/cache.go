// Package cache holds decoded store file blocks so repeated reads of a hot
// row skip the disk and the decompressor.
package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type cacheEntry struct {
	key   string
	value interface{}
}

// LRUCache is a fixed-size LRU cache. A capacity of zero or less disables it.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[string]*list.Element
	onEvicted  func(key string, value interface{})

	hits, misses       uint64
	hitsCtr, missesCtr prometheus.Counter
}

// NewLRUCache creates an LRUCache holding at most capacity entries.
func NewLRUCache(capacity int, onEvicted func(key string, value interface{})) *LRUCache {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[string]*list.Element),
		onEvicted:  onEvicted,
	}
}

// SetMetrics mirrors hits and misses into Prometheus counters.
func (c *LRUCache) SetMetrics(hits, misses prometheus.Counter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hitsCtr = hits
	c.missesCtr = misses
}

// Get retrieves a value from the cache. A disabled cache counts nothing.
func (c *LRUCache) Get(key string) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return nil, false
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.hits++
		if c.hitsCtr != nil {
			c.hitsCtr.Inc()
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}

	c.misses++
	if c.missesCtr != nil {
		c.missesCtr.Inc()
	}
	return nil, false
}

// Put adds or replaces a value, evicting the least recently used entry when
// the cache is full.
func (c *LRUCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}
	c.cacheItems[key] = c.lruList.PushFront(&cacheEntry{key: key, value: value})
}

// Len returns the current number of items in the cache.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item. Must be called with c.mu held.
func (c *LRUCache) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removed := c.lruList.Remove(elem).(*cacheEntry)
		delete(c.cacheItems, removed.key)
		if c.onEvicted != nil {
			c.onEvicted(removed.key, removed.value)
		}
	}
}

// Clear removes all entries and resets the hit rate. Prometheus counters are
// monotonic and keep their values.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			e := elem.Value.(*cacheEntry)
			c.onEvicted(e.key, e.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[string]*list.Element)
	c.hits, c.misses = 0, 0
}

// GetHitRate returns hits / (hits + misses) since creation or the last Clear.
func (c *LRUCache) GetHitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0.0
	}
	return float64(c.hits) / float64(total)
}
