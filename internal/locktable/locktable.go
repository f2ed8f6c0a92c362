// Package locktable provides a process-wide, path-keyed reader/writer lock
// table used by the anti-tampering layer to serialize hash verification
// and hash updates against concurrent data I/O on the same path.
package locktable

import "sync"

// entry is a single path's lock plus its reference count. Entries are
// created lazily on first acquisition and removed opportunistically when
// the reference count returns to zero.
type entry struct {
	mu  sync.RWMutex
	refs int
}

// Table is a hash table from path string to {rwlock, ref_count}. Table
// modifications are serialized by an internal mutex, held only across
// O(1) map updates; the per-path lock itself is acquired with the table
// mutex released, so a blocking acquisition never holds up unrelated
// paths (§5: "lock acquisition happens outside the table mutex").
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) acquire(path string, write bool) *entry {
	t.mu.Lock()
	e, ok := t.entries[path]
	if !ok {
		e = &entry{}
		t.entries[path] = e
	}
	e.refs++
	t.mu.Unlock()

	if write {
		e.mu.Lock()
	} else {
		e.mu.RLock()
	}
	return e
}

// AcquireRead blocks until a read lock on path is held. Readers do not
// block each other; a reader blocks while a writer holds the path.
func (t *Table) AcquireRead(path string) {
	t.acquire(path, false)
}

// AcquireWrite blocks until a write lock on path is held, excluding all
// other readers and writers on the same path.
func (t *Table) AcquireWrite(path string) {
	t.acquire(path, true)
}

// release drops the table's reference to path's entry once the mode has
// been unlocked, removing the entry entirely if no one else references it.
func (t *Table) release(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(t.entries, path)
	}
}

// ReleaseRead releases a read lock previously acquired with AcquireRead.
// Callers must pair each acquire with exactly one release on the same path.
func (t *Table) ReleaseRead(path string) {
	t.mu.Lock()
	e, ok := t.entries[path]
	t.mu.Unlock()
	if !ok {
		return
	}
	e.mu.RUnlock()
	t.release(path)
}

// ReleaseWrite releases a write lock previously acquired with AcquireWrite.
func (t *Table) ReleaseWrite(path string) {
	t.mu.Lock()
	e, ok := t.entries[path]
	t.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Unlock()
	t.release(path)
}

// Len reports the number of currently-referenced paths, for diagnostics
// and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
