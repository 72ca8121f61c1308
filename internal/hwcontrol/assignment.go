// Package hwcontrol implements the external-hardware seams the core
// proper treats as out of scope: a cc_map/cc_unmap actuator-assignment
// table (parallel to the MIDI CC table), a GPIO footswitch/encoder
// watcher, and USB control-surface hotplug logging.
package hwcontrol

import (
	"errors"
	"sync"
)

// ErrListFull mirrors midi.ErrListFull for the actuator table.
var ErrListFull = errors.New("hwcontrol: actuator assignment list is full")

// MaxAssignments is the fixed actuator-slot array size.
const MaxAssignments = 1024

const (
	nullSentinel   int32 = -1
	unusedSentinel int32 = -2
)

// ScalePoint labels one discrete value an actuator can snap to.
type ScalePoint struct {
	Label string
	Value float32
}

// Assignment binds one hardware actuator (a footswitch, encoder, or
// external control-surface element identified by device/actuator id) to
// an instance's port, the same shape midi_map binds a CC to.
type Assignment struct {
	DeviceID   int
	ActuatorID int
	Label      string
	Unit       string
	Min, Max   float32
	Steps      int

	ScalePoints []ScalePoint

	EffectID int32
	Symbol   string

	used bool
}

// Mapped reports whether the slot currently holds a live assignment.
func (a *Assignment) Mapped() bool { return a.used && a.EffectID != unusedSentinel }

// Table is the global fixed-size actuator assignment array, the
// cc_map/cc_unmap counterpart of midi.Table.
type Table struct {
	mu   sync.Mutex
	rows []Assignment
}

// NewTable returns an empty actuator assignment table.
func NewTable() *Table {
	return &Table{rows: make([]Assignment, 0, MaxAssignments)}
}

func (t *Table) findLocked(instanceID int32, symbol string) int {
	for i := range t.rows {
		r := &t.rows[i]
		if r.Mapped() && r.EffectID == instanceID && r.Symbol == symbol {
			return i
		}
	}
	return -1
}

func (t *Table) takeFreeLocked() (int, error) {
	for i := range t.rows {
		if t.rows[i].used && t.rows[i].EffectID == unusedSentinel {
			return i, nil
		}
	}
	if len(t.rows) >= MaxAssignments {
		return -1, ErrListFull
	}
	t.rows = append(t.rows, Assignment{EffectID: nullSentinel})
	return len(t.rows) - 1, nil
}

// Map installs or updates an actuator assignment for (instanceID,
// symbol), reusing a tombstoned slot if one is free.
func (t *Table) Map(a Assignment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findLocked(a.EffectID, a.Symbol)
	if idx < 0 {
		var err error
		idx, err = t.takeFreeLocked()
		if err != nil {
			return err
		}
	}
	a.used = true
	t.rows[idx] = a
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
	t.rows[idx].EffectID = unusedSentinel
	return true
}

// ClearInstance tombstones every slot owned by instanceID.
func (t *Table) ClearInstance(instanceID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if t.rows[i].used && t.rows[i].EffectID == instanceID {
			t.rows[i].EffectID = unusedSentinel
		}
	}
}

// Match scans for a live assignment bound to (deviceID, actuatorID),
// mirroring midi.Table.Match.
func (t *Table) Match(deviceID, actuatorID int) (Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		r := &t.rows[i]
		if !r.Mapped() {
			continue
		}
		if r.DeviceID == deviceID && r.ActuatorID == actuatorID {
			return *r, true
		}
	}
	return Assignment{}, false
}

// ScaleValue maps a raw actuator reading in [0, Steps] into [Min, Max],
// linearly, with Steps as the full-scale reading; the result is not
// rounded. Hardware actuators report a stepped position, not a raw MIDI
// byte, so there is no logarithmic/toggle special case here.
func (a *Assignment) ScaleValue(raw int) float32 {
	steps := a.Steps
	if steps <= 0 {
		steps = 127
	}
	if raw <= 0 {
		return a.Min
	}
	if raw >= steps {
		return a.Max
	}
	u := float32(raw) / float32(steps)
	return a.Min + u*(a.Max-a.Min)
}
