// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"container/list"
	"sync"

	"github.com/bureau-foundation/stepkernel/lib/binhash"
)

// UnitCache maps unit digests to compiled units. Implementations must
// be safe for concurrent use.
type UnitCache interface {
	Get(digest binhash.Digest) (CompiledUnit, bool)
	Put(unit CompiledUnit)

	// Invalidate drops one unit, Purge drops all. Callers invalidate
	// when a unit's compilation inputs change in ways the digest does
	// not cover, such as the compression setting.
	Invalidate(digest binhash.Digest)
	Purge()
}

// MemoryCache is an in-process UnitCache with least-recently-used
// eviction.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[binhash.Digest]*list.Element
}

// NewMemoryCache returns a cache holding at most capacity units. A
// capacity below 1 is treated as 1.
func NewMemoryCache(capacity int) *MemoryCache {
	return &MemoryCache{
		capacity: max(capacity, 1),
		order:    list.New(),
		entries:  make(map[binhash.Digest]*list.Element),
	}
}

func (c *MemoryCache) Get(digest binhash.Digest) (CompiledUnit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.entries[digest]
	if !ok {
		return CompiledUnit{}, false
	}
	c.order.MoveToFront(element)
	return element.Value.(CompiledUnit), true
}

func (c *MemoryCache) Put(unit CompiledUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.entries[unit.Digest]; ok {
		element.Value = unit
		c.order.MoveToFront(element)
		return
	}
	c.entries[unit.Digest] = c.order.PushFront(unit)
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(CompiledUnit).Digest)
	}
}

func (c *MemoryCache) Invalidate(digest binhash.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.entries[digest]; ok {
		c.order.Remove(element)
		delete(c.entries, digest)
	}
}

func (c *MemoryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.entries)
}

// Len returns the number of cached units.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

var _ UnitCache = (*MemoryCache)(nil)
