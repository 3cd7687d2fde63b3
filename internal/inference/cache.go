package inference

import (
	"container/list"
	"sync"
)

// promptCache tracks the most recently used prompt prefixes (typically
// shared system prompts) so the backend can reuse their KV state instead of
// recomputing it. No example repo in the pack carries an LRU-cache library
// small enough to justify pulling in for a handful of string keys, so this
// is a plain container/list + map LRU, the standard idiomatic shape.
type promptCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

func newPromptCache(capacity int) *promptCache {
	if capacity <= 0 {
		capacity = 16
	}
	return &promptCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *promptCache) get(prefix string) bool {
	if prefix == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[prefix]
	if !ok {
		return false
	}
	c.order.MoveToFront(el)
	return true
}

func (c *promptCache) put(prefix string) {
	if prefix == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[prefix]; ok {
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(prefix)
	c.items[prefix] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(string))
	}
}
