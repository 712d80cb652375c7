package prepared

import "sync"

// ClientMap is a single Client Session's name->entry view: a
// `client_name -> Canonical Parse Entry` map. The
// unnamed statement uses the empty string as its key and a re-Parse of
// "" silently replaces whatever was bound there, matching PostgreSQL.
type ClientMap struct {
	mu      sync.Mutex
	maxSize int
	order   []string // LRU order of client_name, oldest first, only used when bounded
	byName  map[string]*Entry
}

// NewClientMap builds a per-client map, optionally bounded by
// client_prepared_statements_cache_size (0 = unbounded).
func NewClientMap(maxSize int) *ClientMap {
	return &ClientMap{maxSize: maxSize, byName: map[string]*Entry{}}
}

// Bind records clientName -> entry, detaching whatever entry clientName
// previously pointed to, as part of handling a new Parse. When the
// map is bounded and at capacity, the least-recently-bound name is
// evicted first; any name other than clientName can be evicted this way,
// the unnamed statement included.
func (c *ClientMap) Bind(clientName string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, existed := c.byName[clientName]; existed {
		c.removeFromOrder(clientName)
	}
	c.byName[clientName] = entry
	c.order = append(c.order, clientName)

	if c.maxSize > 0 {
		for len(c.byName) > c.maxSize && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			if oldest == clientName {
				continue
			}
			delete(c.byName, oldest)
		}
	}
}

// Lookup returns the entry bound to clientName, if any.
func (c *ClientMap) Lookup(clientName string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byName[clientName]
	return e, ok
}

// Deallocate removes clientName's binding, used for DEALLOCATE <name> and
// Close(S, name). Reports whether the name was bound.
func (c *ClientMap) Deallocate(clientName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.byName[clientName]
	if existed {
		delete(c.byName, clientName)
		c.removeFromOrder(clientName)
	}
	return existed
}

// DeallocateAll clears every binding, used for DEALLOCATE ALL. DISCARD ALL
// does not call it and leaves the map intact (see DESIGN.md).
func (c *ClientMap) DeallocateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = map[string]*Entry{}
	c.order = nil
}

// Len reports the number of bound client names.
func (c *ClientMap) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byName)
}

func (c *ClientMap) removeFromOrder(name string) {
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
