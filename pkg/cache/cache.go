// Package cache provides the result caches that guard repeat plan execution.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/TFMV/quarry/pkg/models"
)

// Entry is a cached result with its bookkeeping.
type Entry struct {
	Value     *models.ResultSet
	CreatedAt time.Time
	Hits      int
}

type element struct {
	key   string
	entry Entry
}

// ResultCache is an in-memory LRU cache whose entries expire after a TTL.
// Expiry is lazy: an entry older than the TTL is dropped when it is next
// looked up or when capacity is needed. Values are cloned on the way in
// and on the way out.
type ResultCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	ll         *list.List // front is most recently used
	items      map[string]*list.Element
	stats      *StatsCollector
	now        func() time.Time
}

// New creates a result cache. A nil config uses DefaultConfig.
func New(cfg *Config) *ResultCache {
	c := cfg.withDefaults()
	return &ResultCache{
		maxEntries: c.MaxEntries,
		ttl:        c.TTL,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		stats:      NewStatsCollector("memory", c.Metrics),
		now:        time.Now,
	}
}

// Get returns a copy of the cached result for key. An expired entry is
// removed and reported as a miss.
func (c *ResultCache) Get(key string) (*models.ResultSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.RecordMiss()
		return nil, false
	}
	e := el.Value.(*element)
	if c.expired(e.entry) {
		c.removeElement(el)
		c.stats.RecordExpiration()
		c.stats.RecordMiss()
		c.stats.UpdateSize(int64(c.ll.Len()))
		return nil, false
	}

	c.ll.MoveToFront(el)
	e.entry.Hits++
	c.stats.RecordHit()
	return e.entry.Value.Clone(), true
}

// Peek returns the entry for key without touching recency, hit counts or
// expiry.
func (c *ResultCache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*element).entry
	e.Value = e.Value.Clone()
	return e, true
}

// Set stores a copy of rs under key. Any existing entry for key is replaced
// and least recently used entries are evicted until there is room.
func (c *ResultCache) Set(key string, rs *models.ResultSet) {
	c.SetEntry(key, Entry{Value: rs})
}

// SetEntry stores a copy of e.Value keeping e.CreatedAt, so an entry moved
// in from another tier expires when it would have there. A zero CreatedAt
// means now. Entries that are already expired are not stored.
func (c *ResultCache) SetEntry(key string, e Entry) {
	if e.Value == nil {
		return
	}
	value := e.Value.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if c.expired(e) {
		c.stats.UpdateSize(int64(c.ll.Len()))
		return
	}
	for c.ll.Len() >= c.maxEntries {
		c.evictOldest()
	}

	el := c.ll.PushFront(&element{
		key: key,
		entry: Entry{
			Value:     value,
			CreatedAt: e.CreatedAt,
		},
	})
	c.items[key] = el
	c.stats.UpdateSize(int64(c.ll.Len()))
}

// Delete removes key and reports whether it was present.
func (c *ResultCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	c.stats.UpdateSize(int64(c.ll.Len()))
	return true
}

// InvalidateBySource drops cached results after sourceID changed. Keys are
// one-way hashes and cannot be matched back to a source, so the whole cache
// is cleared. It returns the number of entries removed.
func (c *ResultCache) InvalidateBySource(sourceID string) int {
	return c.Clear()
}

// Clear removes every entry and returns how many there were.
func (c *ResultCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.ll.Len()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.stats.UpdateSize(0)
	return n
}

// PurgeExpired eagerly removes expired entries.
func (c *ResultCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*element).entry) {
			c.removeElement(el)
			c.stats.RecordExpiration()
			removed++
		}
		el = prev
	}
	if removed > 0 {
		c.stats.UpdateSize(int64(c.ll.Len()))
	}
	return removed
}

// Len returns the number of entries, including expired ones not yet dropped.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a snapshot of the cache statistics.
func (c *ResultCache) Stats() Stats {
	return c.stats.GetStats()
}

func (c *ResultCache) expired(e Entry) bool {
	return c.now().Sub(e.CreatedAt) > c.ttl
}

// evictOldest drops the least recently used entry.
func (c *ResultCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	if c.expired(el.Value.(*element).entry) {
		c.stats.RecordExpiration()
	} else {
		c.stats.RecordEviction()
	}
	c.removeElement(el)
}

func (c *ResultCache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*element).key)
}
