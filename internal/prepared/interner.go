package prepared

import "sync"

// Interner is the process-wide fingerprint->query-text map. Entries are
// reference-counted so identical query texts are allocated exactly once
// and dropped from the map once every pool-level Cache entry referencing
// them has been evicted. ClientMap bindings hold no count.
type Interner struct {
	mu      sync.Mutex
	entries map[Fingerprint]*internedText
}

type internedText struct {
	text     string
	refcount int
}

func NewInterner() *Interner {
	return &Interner{entries: map[Fingerprint]*internedText{}}
}

// Intern returns the single shared allocation for fp, creating it from
// text on first use, and bumps its reference count.
func (in *Interner) Intern(fp Fingerprint, text string) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if e, ok := in.entries[fp]; ok {
		e.refcount++
		return e.text
	}
	in.entries[fp] = &internedText{text: text, refcount: 1}
	return text
}

// Release drops one reference; the entry is freed once the count reaches
// zero.
func (in *Interner) Release(fp Fingerprint) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[fp]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(in.entries, fp)
	}
}

// Len reports the number of live interned allocations, used by tests.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.entries)
}
