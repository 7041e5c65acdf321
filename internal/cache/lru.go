package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

type lruEntry struct {
	key   string
	value models.Coordinates
}

// LRU is a bounded in-process cache that evicts the least recently used
// entry once full. Safe for concurrent use.
type LRU struct {
	maxEntries int

	mu      sync.Mutex
	order   *list.List // front is most recently used
	entries map[string]*list.Element
}

func NewLRU(maxEntries int) *LRU {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &LRU{
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

func (c *LRU) Get(_ context.Context, key string) (models.Coordinates, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return models.Coordinates{}, false, nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true, nil
}

func (c *LRU) Put(_ context.Context, key string, value models.Coordinates) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return nil
	}

	c.entries[key] = c.order.PushFront(&lruEntry{key: key, value: value})
	if c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
	return nil
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
