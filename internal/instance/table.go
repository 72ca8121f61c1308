package instance

import "sync"

// Table is the fixed `[0..MaxInstances)` slot array plus the reserved
// global slot. Slot transitions are control-thread only (written by
// add/remove); RT callbacks only read.
type Table struct {
	mu    sync.RWMutex
	slots map[int32]*Instance
}

// NewTable returns an empty table. Callers typically Add the global
// instance immediately after construction.
func NewTable() *Table {
	return &Table{slots: make(map[int32]*Instance)}
}

// ValidID reports whether id is in [0, MaxInstances) or is the reserved
// global ID.
func ValidID(id int32) bool {
	return id == GlobalInstanceID || (id >= 0 && id < MaxInstances)
}

// Get returns the instance at id, or (nil, false) if the slot is empty.
func (t *Table) Get(id int32) (*Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.slots[id]
	return inst, ok
}

// Put activates slot id with inst. Callers must have already verified
// the slot was empty (the empty->active transition happens only through
// add()).
func (t *Table) Put(id int32, inst *Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[id] = inst
}

// Remove empties slot id, returning the instance that was there (if
// any) so the caller can tear it down.
func (t *Table) Remove(id int32) (*Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.slots[id]
	delete(t.slots, id)
	return inst, ok
}

// Active returns a snapshot slice of every currently active instance
// (used by the RT scheduler loop and by remove(ALL)).
func (t *Table) Active() []*Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Instance, 0, len(t.slots))
	for _, inst := range t.slots {
		out = append(out, inst)
	}
	return out
}

// ActiveExceptTools returns active instances excluding the reserved
// tools range (the last ToolsRange slot indices below MaxInstances) and
// the global instance, for a bulk teardown that must leave tooling
// instances running.
func (t *Table) ActiveExceptTools() []*Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Instance, 0, len(t.slots))
	for id, inst := range t.slots {
		if id == GlobalInstanceID {
			continue
		}
		if id >= MaxInstances-ToolsRange {
			continue
		}
		out = append(out, inst)
	}
	return out
}
