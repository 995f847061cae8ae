package sink

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// schemaCacheEntry holds a cached schema with LRU tracking.
type schemaCacheEntry struct {
	schema     *arrow.Schema
	key        string
	prev, next *schemaCacheEntry
}

// schemaLRUCache is a thread-safe LRU cache for Arrow schemas. Entity paths
// tend to keep a stable column set, so the hit rate is high in steady state.
type schemaLRUCache struct {
	capacity int
	cache    map[string]*schemaCacheEntry
	head     *schemaCacheEntry
	tail     *schemaCacheEntry
	mu       sync.Mutex
	hits     int64
	misses   int64
}

func newSchemaLRUCache(capacity int) *schemaLRUCache {
	return &schemaLRUCache{
		capacity: capacity,
		cache:    make(map[string]*schemaCacheEntry),
	}
}

func (c *schemaLRUCache) get(key string) *arrow.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[key]
	if !ok {
		c.misses++
		return nil
	}
	c.moveToFront(entry)
	c.hits++
	return entry.schema
}

func (c *schemaLRUCache) set(key string, schema *arrow.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[key]; ok {
		entry.schema = schema
		c.moveToFront(entry)
		return
	}

	entry := &schemaCacheEntry{schema: schema, key: key}
	c.cache[key] = entry
	c.addToFront(entry)

	if len(c.cache) > c.capacity {
		c.evictLRU()
	}
}

func (c *schemaLRUCache) moveToFront(entry *schemaCacheEntry) {
	if entry == c.head {
		return
	}
	c.removeEntry(entry)
	c.addToFront(entry)
}

func (c *schemaLRUCache) addToFront(entry *schemaCacheEntry) {
	entry.prev = nil
	entry.next = c.head
	if c.head != nil {
		c.head.prev = entry
	}
	c.head = entry
	if c.tail == nil {
		c.tail = entry
	}
}

func (c *schemaLRUCache) removeEntry(entry *schemaCacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}
}

func (c *schemaLRUCache) evictLRU() {
	if c.tail == nil {
		return
	}
	delete(c.cache, c.tail.key)
	c.removeEntry(c.tail)
}
