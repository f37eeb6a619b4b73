package taskstore

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ttlCache is a size-bounded LRU whose entries expire after a fixed TTL.
// A non-positive TTL disables it: Get always misses and Set is a no-op.
type ttlCache[V any] struct {
	lru *expirable.LRU[string, V]
}

func newTTLCache[V any](ttl time.Duration, maxSize int) *ttlCache[V] {
	if ttl <= 0 {
		return &ttlCache[V]{}
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &ttlCache[V]{lru: expirable.NewLRU[string, V](maxSize, nil, ttl)}
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	if c.lru == nil {
		var zero V
		return zero, false
	}
	return c.lru.Get(key)
}

func (c *ttlCache[V]) Set(key string, value V) {
	if c.lru != nil {
		c.lru.Add(key, value)
	}
}

func (c *ttlCache[V]) Delete(keys ...string) {
	if c.lru == nil {
		return
	}
	for _, k := range keys {
		c.lru.Remove(k)
	}
}

func (c *ttlCache[V]) Purge() {
	if c.lru != nil {
		c.lru.Purge()
	}
}

func (c *ttlCache[V]) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
