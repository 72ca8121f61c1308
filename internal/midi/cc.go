// Package midi implements the global MIDI CC mapping table, the
// MIDI-learn state machine, and the CC-to-parameter scaling math that
// turns an incoming controller value into a port write.
package midi

import (
	"errors"
	"sync"
)

// MaxCCAssign is the fixed CC-slot array size.
const MaxCCAssign = 1024

// PitchBendSentinel stands in for a controller number on a pitch-bend
// slot; it cannot collide with a real MIDI CC (0..127).
const PitchBendSentinel = 131

// sentinel effect-ID values.
const (
	nullSentinel   int32 = -1 // end-of-list / unused-and-free
	unusedSentinel int32 = -2 // tombstone: allocated once, now unmapped
)

// ErrListFull is returned when no free or tombstoned slot is available.
var ErrListFull = errors.New("midi: CC assignment list is full")

// Slot is one CC-to-parameter mapping.
type Slot struct {
	Channel    int
	Controller int
	Min, Max   float32
	EffectID   int32
	Symbol     string

	// used distinguishes "never allocated" (always skip) from
	// "allocated, currently mapped" for iteration; tombstones
	// (EffectID == unusedSentinel) are also skipped but remain in the
	// slice rather than shifting later entries down.
	used bool
}

// Mapped reports whether the slot currently holds a live mapping.
func (s *Slot) Mapped() bool { return s.used && s.EffectID != unusedSentinel }

// Table is the global fixed-size CC mapping array.
type Table struct {
	mu    sync.Mutex
	slots []Slot

	learnMu  sync.Mutex
	learning *Slot
}

// NewTable returns an empty CC table.
func NewTable() *Table {
	return &Table{slots: make([]Slot, 0, MaxCCAssign)}
}

// findLocked returns the index of the live slot mapping (instanceID,
// symbol), or -1.
func (t *Table) findLocked(instanceID int32, symbol string) int {
	for i := range t.slots {
		s := &t.slots[i]
		if s.Mapped() && s.EffectID == instanceID && s.Symbol == symbol {
			return i
		}
	}
	return -1
}

// takeFreeLocked finds a tombstoned slot to reuse, or appends a new one
// if under capacity.
func (t *Table) takeFreeLocked() (int, error) {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].EffectID == unusedSentinel {
			return i, nil
		}
	}
	if len(t.slots) >= MaxCCAssign {
		return -1, ErrListFull
	}
	t.slots = append(t.slots, Slot{EffectID: nullSentinel})
	return len(t.slots) - 1, nil
}

// Map updates an existing mapping for (instanceID, symbol), or takes a
// free slot.
func (t *Table) Map(instanceID int32, symbol string, channel, controller int, min, max float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findLocked(instanceID, symbol)
	if idx < 0 {
		var err error
		idx, err = t.takeFreeLocked()
		if err != nil {
			return err
		}
	}
	t.slots[idx] = Slot{
		Channel:    channel,
		Controller: controller,
		Min:        min,
		Max:        max,
		EffectID:   instanceID,
		Symbol:     symbol,
		used:       true,
	}
	return nil
}

// Unmap tombstones the matching slot. Returns false if nothing was
// mapped.
func (t *Table) Unmap(instanceID int32, symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findLocked(instanceID, symbol)
	if idx < 0 {
		return false
	}
	t.slots[idx].EffectID = unusedSentinel
	return true
}

// ClearInstance tombstones every slot owned by instanceID, without
// shifting later entries down.
func (t *Table) ClearInstance(instanceID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].EffectID == instanceID {
			t.slots[i].EffectID = unusedSentinel
		}
	}
}

// ClearAll empties the entire table.
func (t *Table) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = t.slots[:0]
}

// Match linearly scans for a live slot bound to (channel, controller),
// skipping unused and tombstoned entries, stopping at the first hit.
// Returns a copy of the slot (safe to read without holding the lock)
// and its index for write-back.
func (t *Table) Match(channel, controller int) (Slot, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if !s.Mapped() {
			continue
		}
		if s.Channel == channel && s.Controller == controller {
			return *s, i, true
		}
	}
	return Slot{}, -1, false
}

// BeginLearn arms the MIDI-learn pointer at a slot bound to
// (instanceID, symbol): re-learn (clear channel/controller) if already
// mapped, else take a free slot.
func (t *Table) BeginLearn(instanceID int32, symbol string, min, max float32) error {
	t.mu.Lock()
	idx := t.findLocked(instanceID, symbol)
	if idx < 0 {
		var err error
		idx, err = t.takeFreeLocked()
		if err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.slots[idx].EffectID = instanceID
	t.slots[idx].Symbol = symbol
	t.slots[idx].Min = min
	t.slots[idx].Max = max
	t.slots[idx].Channel = 0
	t.slots[idx].Controller = 0
	t.slots[idx].used = true
	slot := &t.slots[idx]
	t.mu.Unlock()

	t.learnMu.Lock()
	t.learning = slot
	t.learnMu.Unlock()
	return nil
}

// learnedBinding is returned by TryBindLearn: the slot that was bound,
// by value, for the caller to format feedback from.
type learnedBinding struct {
	Slot
}

// TryBindLearn is called from the RT MIDI dispatcher after a CC-table
// match misses: if a learn is pending, bind its (channel, controller),
// clear the pointer, and report the bound slot. Safe to call on every
// incoming CC event; it is a cheap mutex check when nothing is pending.
func (t *Table) TryBindLearn(channel, controller int) (learnedBinding, bool) {
	t.learnMu.Lock()
	slot := t.learning
	if slot == nil {
		t.learnMu.Unlock()
		return learnedBinding{}, false
	}
	t.learning = nil
	t.learnMu.Unlock()

	t.mu.Lock()
	slot.Channel = channel
	slot.Controller = controller
	result := *slot
	t.mu.Unlock()
	return learnedBinding{result}, true
}

// ClearLearn cancels any pending learn without binding it (used when
// the owning instance is removed).
func (t *Table) ClearLearn(instanceID int32) {
	t.learnMu.Lock()
	defer t.learnMu.Unlock()
	if t.learning != nil && t.learning.EffectID == instanceID {
		t.learning = nil
	}
}

// ClearAllLearn unconditionally cancels any pending learn.
func (t *Table) ClearAllLearn() {
	t.learnMu.Lock()
	defer t.learnMu.Unlock()
	t.learning = nil
}
