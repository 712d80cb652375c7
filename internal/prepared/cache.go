package prepared

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is the pooler's single representation of a fingerprint, the
// Canonical Parse Entry. It holds only an intern reference to
// the query text, never a reference to any Client or Server — that
// keeps the Client<->Server reference cycle from forming in the first
// place.
type Entry struct {
	Fingerprint  Fingerprint
	QueryText    string // shared allocation owned by the Interner
	ParamOIDs    []uint32
	InternalName string // e.g. "DOORMAN_42"
}

// Cache is the pool-level LRU of Canonical Parse Entries, bounded by
// prepared_statements_cache_size. Eviction only removes the entry from
// future lookups — any Client Session still holding a reference to an
// evicted Entry may keep using it, since Entry carries no back-pointer
// to the cache.
type Cache struct {
	interner *Interner
	maxSize  int
	nextID   uint64

	mu      sync.Mutex
	lru     *lru.Cache[Fingerprint, *Entry]
	evicted atomic.Uint64
	onEvict func()
}

// SetOnEvict installs a callback fired on every LRU eviction, used to
// feed the eviction metric. Must be set before the cache serves traffic.
func (c *Cache) SetOnEvict(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = cb
}

// NewCache builds a pool-level cache bounded to maxSize Canonical Parse
// Entries. maxSize <= 0 means unbounded.
func NewCache(interner *Interner, maxSize int) *Cache {
	c := &Cache{interner: interner, maxSize: maxSize}
	size := maxSize
	if size <= 0 {
		size = 1 // hashicorp/golang-lru requires size > 0; unbounded callers grow it in GetOrCreate
	}
	l, _ := lru.NewWithEvict[Fingerprint, *Entry](size, func(fp Fingerprint, _ *Entry) {
		c.evicted.Add(1)
		c.interner.Release(fp)
		if c.onEvict != nil {
			c.onEvict()
		}
	})
	c.lru = l
	return c
}

// GetOrCreate looks up fp; on a miss it builds a new Entry (interning the
// query text and assigning the next pooler_internal_name) and inserts it,
// evicting the LRU-oldest entry if the cache is at capacity.
func (c *Cache) GetOrCreate(fp Fingerprint, queryText string, paramOIDs []uint32) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Get(fp); ok {
		return e, true
	}

	if c.maxSize <= 0 {
		// unbounded mode: grow the underlying LRU's capacity so nothing
		// is ever evicted by size alone.
		c.lru.Resize(c.lru.Len() + 1)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	interned := c.interner.Intern(fp, queryText)
	e := &Entry{
		Fingerprint:  fp,
		QueryText:    interned,
		ParamOIDs:    paramOIDs,
		InternalName: fmt.Sprintf("DOORMAN_%d", id),
	}
	c.lru.Add(fp, e)
	return e, false
}

// Len reports the number of live entries, used by SHOW PREPARED_STATEMENTS
// and tests asserting the LRU bound.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Evicted reports the lifetime eviction count, surfaced by
// SHOW PREPARED_STATEMENTS.
func (c *Cache) Evicted() uint64 {
	return c.evicted.Load()
}
