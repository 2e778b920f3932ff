package cache

import (
	"container/list"
)

// arcList is an ordered key list with O(1) lookup. Front is LRU, back is MRU.
// Ghost lists hold keys with a nil entry.
type arcList struct {
	ll    *list.List
	items map[string]*list.Element
}

type arcItem struct {
	key   string
	entry *CacheEntry
}

func newARCList() *arcList {
	return &arcList{ll: list.New(), items: make(map[string]*list.Element)}
}

func (l *arcList) Len() int { return l.ll.Len() }

func (l *arcList) has(key string) bool {
	_, ok := l.items[key]
	return ok
}

func (l *arcList) get(key string) (*arcItem, bool) {
	elem, ok := l.items[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*arcItem), true
}

func (l *arcList) pushMRU(key string, entry *CacheEntry) {
	l.items[key] = l.ll.PushBack(&arcItem{key: key, entry: entry})
}

func (l *arcList) remove(key string) (*arcItem, bool) {
	elem, ok := l.items[key]
	if !ok {
		return nil, false
	}
	delete(l.items, key)
	return l.ll.Remove(elem).(*arcItem), true
}

func (l *arcList) popLRU() (*arcItem, bool) {
	elem := l.ll.Front()
	if elem == nil {
		return nil, false
	}
	item := elem.Value.(*arcItem)
	delete(l.items, item.key)
	l.ll.Remove(elem)
	return item, true
}

func (l *arcList) keys() []string {
	keys := make([]string, 0, l.ll.Len())
	for elem := l.ll.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*arcItem).key)
	}
	return keys
}

func (l *arcList) clear() {
	l.ll.Init()
	l.items = make(map[string]*list.Element)
}

// ARCSnapshot is the membership of the four ARC lists, each ordered LRU to MRU
type ARCSnapshot struct {
	T1 []string `json:"t1"`
	T2 []string `json:"t2"`
	B1 []string `json:"b1"`
	B2 []string `json:"b2"`
	P  int      `json:"p"`
}

// ARCCache is an Adaptive Replacement Cache. T1 holds keys seen once
// recently, T2 keys seen at least twice, and B1/B2 remember keys recently
// evicted from T1/T2 so that p, the target size of T1, can adapt.
//
// ARCCache is not safe for concurrent use; MultiLevelCache serializes
// access to it.
type ARCCache struct {
	capacity int
	p        int

	t1, t2 *arcList
	b1, b2 *arcList

	onEvict func(entry *CacheEntry)
}

// NewARCCache creates an ARC holding at most capacity live entries
func NewARCCache(capacity int) *ARCCache {
	if capacity < 1 {
		capacity = 1
	}
	return &ARCCache{
		capacity: capacity,
		t1:       newARCList(),
		t2:       newARCList(),
		b1:       newARCList(),
		b2:       newARCList(),
	}
}

// SetOnEvict registers fn to receive entries pushed out of T1/T2.
// fn must not call back into the cache.
func (c *ARCCache) SetOnEvict(fn func(entry *CacheEntry)) {
	c.onEvict = fn
}

// Get returns the entry for key. A T1 hit is promoted to the MRU end of T2,
// a T2 hit is refreshed there. Ghost lists and p are never touched.
func (c *ARCCache) Get(key string) (*CacheEntry, bool) {
	if item, ok := c.t1.remove(key); ok {
		c.t2.pushMRU(key, item.entry)
		return item.entry, true
	}
	if item, ok := c.t2.remove(key); ok {
		c.t2.pushMRU(key, item.entry)
		return item.entry, true
	}
	return nil, false
}

// Peek returns the entry for key without changing any list order
func (c *ARCCache) Peek(key string) (*CacheEntry, bool) {
	if item, ok := c.t1.get(key); ok {
		return item.entry, true
	}
	if item, ok := c.t2.get(key); ok {
		return item.entry, true
	}
	return nil, false
}

// Contains reports whether key is live in T1 or T2
func (c *ARCCache) Contains(key string) bool {
	return c.t1.has(key) || c.t2.has(key)
}

// Put inserts or replaces the entry for key
func (c *ARCCache) Put(key string, entry *CacheEntry) {
	// Live key: replace the value and treat as a repeat access.
	if _, ok := c.t1.remove(key); ok {
		c.t2.pushMRU(key, entry)
		return
	}
	if _, ok := c.t2.remove(key); ok {
		c.t2.pushMRU(key, entry)
		return
	}

	switch {
	case c.b1.has(key):
		c.p = minInt(c.p+maxInt(1, c.b2.Len()/c.b1.Len()), c.capacity)
		if c.live() >= c.capacity {
			c.replace(key)
		}
		c.b1.remove(key)
		c.t2.pushMRU(key, entry)

	case c.b2.has(key):
		c.p = maxInt(c.p-maxInt(1, c.b1.Len()/c.b2.Len()), 0)
		if c.live() >= c.capacity {
			c.replace(key)
		}
		c.b2.remove(key)
		c.t2.pushMRU(key, entry)

	case c.t1.Len()+c.b1.Len() == c.capacity:
		if c.t1.Len() < c.capacity {
			c.b1.popLRU()
			if c.live() >= c.capacity {
				c.replace(key)
			}
		} else if item, ok := c.t1.popLRU(); ok {
			c.evicted(item.entry)
		}
		c.t1.pushMRU(key, entry)

	default:
		if total := c.total(); total >= c.capacity {
			if total == 2*c.capacity {
				c.b2.popLRU()
			}
			c.replace(key)
		}
		c.t1.pushMRU(key, entry)
	}
}

// replace moves one live entry into its ghost list to make room
func (c *ARCCache) replace(key string) {
	t1 := c.t1.Len()
	if t1 >= 1 && ((c.b2.has(key) && t1 == c.p) || t1 > c.p || c.t2.Len() == 0) {
		if item, ok := c.t1.popLRU(); ok {
			c.b1.pushMRU(item.key, nil)
			c.evicted(item.entry)
		}
		return
	}
	if item, ok := c.t2.popLRU(); ok {
		c.b2.pushMRU(item.key, nil)
		c.evicted(item.entry)
	}
}

func (c *ARCCache) evicted(entry *CacheEntry) {
	if c.onEvict != nil && entry != nil {
		c.onEvict(entry)
	}
}

// Remove drops key from every list, ghosts included
func (c *ARCCache) Remove(key string) (*CacheEntry, bool) {
	c.b1.remove(key)
	c.b2.remove(key)
	if item, ok := c.t1.remove(key); ok {
		return item.entry, true
	}
	if item, ok := c.t2.remove(key); ok {
		return item.entry, true
	}
	return nil, false
}

// Len returns the number of live entries
func (c *ARCCache) Len() int {
	return c.live()
}

// Capacity returns the maximum number of live entries
func (c *ARCCache) Capacity() int {
	return c.capacity
}

// P returns the current adaptive target size of T1
func (c *ARCCache) P() int {
	return c.p
}

// Keys returns live keys, T1 then T2, each LRU to MRU
func (c *ARCCache) Keys() []string {
	return append(c.t1.keys(), c.t2.keys()...)
}

// Entries returns live entries in Keys order
func (c *ARCCache) Entries() []*CacheEntry {
	out := make([]*CacheEntry, 0, c.live())
	for _, l := range []*arcList{c.t1, c.t2} {
		for elem := l.ll.Front(); elem != nil; elem = elem.Next() {
			out = append(out, elem.Value.(*arcItem).entry)
		}
	}
	return out
}

// Lists returns a snapshot of all four lists and p
func (c *ARCCache) Lists() ARCSnapshot {
	return ARCSnapshot{
		T1: c.t1.keys(),
		T2: c.t2.keys(),
		B1: c.b1.keys(),
		B2: c.b2.keys(),
		P:  c.p,
	}
}

// Clear drops all live and ghost keys and resets p
func (c *ARCCache) Clear() {
	c.t1.clear()
	c.t2.clear()
	c.b1.clear()
	c.b2.clear()
	c.p = 0
}

func (c *ARCCache) live() int {
	return c.t1.Len() + c.t2.Len()
}

func (c *ARCCache) total() int {
	return c.t1.Len() + c.t2.Len() + c.b1.Len() + c.b2.Len()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
