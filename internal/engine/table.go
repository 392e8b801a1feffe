package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/registry"
)

// Entry is one rank's record of a logical object.
//
// On the controller Instance is always nil: the entry only tracks type and
// group. On a worker outside the object's group Instance is nil too, and the
// entry exists so later commands on the handle are recognised as skipped
// rather than stale.
type Entry struct {
	Handle   ir.Handle
	TypeID   string
	Group    *ir.CPUGroup
	Instance registry.Instance
}

// ObjectTable maps handles to entries, at most one per handle.
type ObjectTable struct {
	mu      sync.RWMutex
	entries map[ir.Handle]Entry
}

// NewObjectTable creates an empty table.
func NewObjectTable() *ObjectTable {
	return &ObjectTable{entries: make(map[ir.Handle]Entry)}
}

// Put stores e. A handle already present is rejected.
func (t *ObjectTable) Put(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.entries[e.Handle]; dup {
		return fmt.Errorf("handle %d already has a local instance", e.Handle)
	}
	t.entries[e.Handle] = e
	return nil
}

// Get returns the entry for h.
func (t *ObjectTable) Get(h ir.Handle) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[h]
	return e, ok
}

// Delete removes and returns the entry for h.
func (t *ObjectTable) Delete(h ir.Handle) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	return e, ok
}

// Len returns the number of live entries.
func (t *ObjectTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Handles returns the live handles in ascending order.
func (t *ObjectTable) Handles() []ir.Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ir.Handle, 0, len(t.entries))
	for h := range t.entries {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
