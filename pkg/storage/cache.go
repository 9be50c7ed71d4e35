// pkg/storage/cache.go
package storage

import "container/list"

// CacheState classifies a cache lookup.
type CacheState int

const (
	// CacheMiss means the cache knows nothing about the recid.
	CacheMiss CacheState = iota
	// CacheHit means the cache holds a decoded value for the recid.
	CacheHit
	// CacheDeleted means the recid was deleted in the current transaction;
	// the store must not be consulted.
	CacheDeleted
)

type cacheEntry struct {
	recid   uint64
	value   any
	dirty   bool // part of the open transaction, not evictable
	deleted bool // tombstone for an uncommitted delete
	elem    *list.Element
}

// recordCache holds decoded record values keyed by recid, with LRU
// eviction over the clean entries. Dirty entries belong to the open
// transaction and are pinned until commit or rollback; uncommitted
// deletes stay as tombstones so a fetch cannot resurrect the record
// from disk.
type recordCache struct {
	maxSize int
	entries map[uint64]*cacheEntry
	lru     *list.List // front = most recent; clean entries only
}

func newRecordCache(maxSize int) *recordCache {
	return &recordCache{
		maxSize: maxSize,
		entries: make(map[uint64]*cacheEntry),
		lru:     list.New(),
	}
}

// Get looks up a recid. On CacheHit the returned value is the decoded
// record; on CacheDeleted the caller must report not-found.
func (c *recordCache) Get(recid uint64) (any, CacheState) {
	e, ok := c.entries[recid]
	if !ok {
		return nil, CacheMiss
	}
	if e.deleted {
		return nil, CacheDeleted
	}
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	return e.value, CacheHit
}

// PutClean caches a value read from durable storage.
func (c *recordCache) PutClean(recid uint64, value any) {
	if e, ok := c.entries[recid]; ok {
		e.value = value
		e.deleted = false
		if e.elem != nil {
			c.lru.MoveToFront(e.elem)
		}
		return
	}
	c.evictIfFull()
	e := &cacheEntry{recid: recid, value: value}
	e.elem = c.lru.PushFront(e)
	c.entries[recid] = e
}

// PutDirty caches a value written in the open transaction. The entry is
// pinned: eviction skips it until MarkClean or DropDirty.
func (c *recordCache) PutDirty(recid uint64, value any) {
	e, ok := c.entries[recid]
	if !ok {
		c.evictIfFull()
		e = &cacheEntry{recid: recid}
		c.entries[recid] = e
	}
	e.value = value
	e.deleted = false
	if !e.dirty {
		e.dirty = true
		if e.elem != nil {
			c.lru.Remove(e.elem)
			e.elem = nil
		}
	}
}

// MarkDeleted records an uncommitted delete as a pinned tombstone.
func (c *recordCache) MarkDeleted(recid uint64) {
	e, ok := c.entries[recid]
	if !ok {
		e = &cacheEntry{recid: recid}
		c.entries[recid] = e
	}
	e.value = nil
	e.deleted = true
	if !e.dirty {
		e.dirty = true
		if e.elem != nil {
			c.lru.Remove(e.elem)
			e.elem = nil
		}
	}
}

// MarkClean demotes all dirty entries to clean after a commit.
// Tombstones are dropped outright; the deletes are durable now.
func (c *recordCache) MarkClean() {
	for recid, e := range c.entries {
		if !e.dirty {
			continue
		}
		if e.deleted {
			delete(c.entries, recid)
			continue
		}
		e.dirty = false
		c.evictIfFull()
		e.elem = c.lru.PushFront(e)
	}
}

// DropDirty discards all dirty entries after a rollback. Clean entries
// survive; they still reflect durable state.
func (c *recordCache) DropDirty() {
	for recid, e := range c.entries {
		if e.dirty {
			delete(c.entries, recid)
		}
	}
}

// Invalidate removes a recid from the cache entirely, dirty or not.
// Used when the encoded bytes change through the raw interface and the
// decoded value no longer matches.
func (c *recordCache) Invalidate(recid uint64) {
	e, ok := c.entries[recid]
	if !ok {
		return
	}
	if e.elem != nil {
		c.lru.Remove(e.elem)
	}
	delete(c.entries, recid)
}

// ClearClean drops every clean entry. Dirty entries stay: they are the
// only copy of uncommitted work the transaction can still roll back.
func (c *recordCache) ClearClean() {
	for recid, e := range c.entries {
		if !e.dirty {
			if e.elem != nil {
				c.lru.Remove(e.elem)
			}
			delete(c.entries, recid)
		}
	}
}

// Len returns the number of cached entries, tombstones included.
func (c *recordCache) Len() int {
	return len(c.entries)
}

func (c *recordCache) evictIfFull() {
	for len(c.entries) >= c.maxSize {
		back := c.lru.Back()
		if back == nil {
			return // everything dirty, nothing evictable
		}
		e := back.Value.(*cacheEntry)
		c.lru.Remove(back)
		delete(c.entries, e.recid)
	}
}
