package db

import (
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/histdb/histdb/cell"

	"github.com/armon/go-radix"
)

// cellCache keeps decoded cells keyed by "zoom/x/y" so a whole zoom level
// can be dropped with one prefix walk. When full, the oldest insertion is
// evicted.
type cellCache struct {
	mu    sync.Mutex
	tree  *radix.Tree
	max   int
	seq   uint64
	order []queued
	gen   uint64 // bumped by every invalidation
}

type cached struct {
	cell *cell.Cell
	seq  uint64
}

type queued struct {
	key string
	seq uint64
}

func newCellCache(max int) *cellCache {
	return &cellCache{tree: radix.New(), max: max}
}

// generation is taken before a read from the store. A fill that started
// before an invalidation is dropped by putIfFresh.
func (c *cellCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *cellCache) get(key cell.Key) (*cell.Cell, bool) {
	if c.max <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.tree.Get(key.String())
	if !ok {
		return nil, false
	}
	return v.(cached).cell, true
}

// putIfFresh caches cl unless the cache was invalidated since gen.
func (c *cellCache) putIfFresh(cl *cell.Cell, gen uint64) bool {
	if c.max <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	k := cl.Key.String()
	if _, ok := c.tree.Get(k); !ok {
		for c.tree.Len() >= c.max && c.evictOldest() {
		}
	}
	c.seq++
	c.tree.Insert(k, cached{cell: cl, seq: c.seq})
	c.order = append(c.order, queued{key: k, seq: c.seq})
	if len(c.order) > 2*c.max {
		c.compact()
	}
	return true
}

// evictOldest drops the earliest live insertion. Queue entries whose key
// was removed or re-inserted since are skipped.
func (c *cellCache) evictOldest() bool {
	for len(c.order) > 0 {
		q := c.order[0]
		c.order = c.order[1:]
		if v, ok := c.tree.Get(q.key); ok && v.(cached).seq == q.seq {
			c.tree.Delete(q.key)
			return true
		}
	}
	return false
}

func (c *cellCache) compact() {
	live := c.order[:0]
	for _, q := range c.order {
		if v, ok := c.tree.Get(q.key); ok && v.(cached).seq == q.seq {
			live = append(live, q)
		}
	}
	c.order = live
}

func (c *cellCache) remove(key cell.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.tree.Delete(key.String())
}

// dropZoom removes every cached cell of one zoom level.
func (c *cellCache) dropZoom(zoom uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	var keys []string
	c.tree.WalkPrefix(fmt.Sprintf("%d/", zoom), func(key string, _ interface{}) bool {
		keys = append(keys, key)
		return false
	})
	for _, k := range keys {
		c.tree.Delete(k)
	}
	return len(keys)
}

func (c *cellCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}
