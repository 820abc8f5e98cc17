package signer

import (
	"container/list"
	"sync"
)

// keyCache is a thread-safe LRU of NIP-44 conversation keys by counterpart.
// Evicted keys are zeroed.
type keyCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value []byte
}

func newKeyCache(capacity int) *keyCache {
	if capacity < 1 {
		capacity = 1
	}
	return &keyCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *keyCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return append([]byte(nil), elem.Value.(*cacheEntry).value...), true
	}
	return nil, false
}

func (c *keyCache) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		zero(entry.value)
		entry.value = append([]byte(nil), value...)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			entry := oldest.Value.(*cacheEntry)
			zero(entry.value)
			delete(c.items, entry.key)
			c.order.Remove(oldest)
		}
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, value: append([]byte(nil), value...)})
}

// Clear zeroes and drops every entry.
func (c *keyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		zero(elem.Value.(*cacheEntry).value)
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

func (c *keyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
