// Package segcache is a process-wide LRU cache of open, read-only
// segment handles for archived segments. It bounds the number of open
// file descriptors across every channel instead of letting each fetch
// open-and-leak one.
package segcache

import (
	"container/list"
	"sync"

	"chanbroker/internal/segment"
)

type entry struct {
	key    string
	handle *segment.Handle
}

type Cache struct {
	mu       sync.Mutex
	capacity int
	lru      *list.List
	items    map[string]*list.Element
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 500
	}
	return &Cache{
		capacity: capacity,
		lru:      list.New(),
		items:    make(map[string]*list.Element),
	}
}

// GetOrLoad returns the cached handle for key, moving it to the front,
// or calls loader to open one and inserts it, evicting the least
// recently used handle if the cache is at capacity.
func (c *Cache) GetOrLoad(key string, loader func() (*segment.Handle, error)) (*segment.Handle, error) {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		h := elem.Value.(*entry).handle
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	h, err := loader()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have raced us to load the same key; prefer the
	// winner already in the cache and close our redundant handle.
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		_ = h.Close()
		return elem.Value.(*entry).handle, nil
	}

	if c.lru.Len() >= c.capacity {
		c.evictLocked()
	}

	elem := c.lru.PushFront(&entry{key: key, handle: h})
	c.items[key] = elem
	return h, nil
}

func (c *Cache) evictLocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	c.lru.Remove(elem)
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	_ = e.handle.Close()
}

// Close closes every cached handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		_ = e.Value.(*entry).handle.Close()
	}
	c.lru.Init()
	c.items = make(map[string]*list.Element)
	return nil
}
