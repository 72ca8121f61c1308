package midi

import (
	"math"

	"github.com/mod-host-go/modhostd/internal/instance"
	"github.com/mod-host-go/modhostd/internal/port"
	"github.com/mod-host-go/modhostd/internal/postponed"
	"github.com/mod-host-go/modhostd/internal/transport"
)

// status nibbles this dispatcher cares about.
const (
	statusControlChange byte = 0xB0
	statusProgramChange byte = 0xC0
	statusPitchBend     byte = 0xE0
)

// AnyChannel means program-change listening is not restricted to one
// MIDI channel.
const AnyChannel = -1

// Dispatcher routes incoming MIDI bytes from the RT process callback to
// the CC mapping table, the learn pointer, and the postponed-event
// queue. Every method is RT-safe: no heap allocation, and the only
// locking is the Table's short-span mutexes.
type Dispatcher struct {
	cc        *Table
	instances *instance.Table
	transport *transport.State
	queue     *postponed.Queue

	programListenChannel int
}

// NewDispatcher wires a Dispatcher to the tables it routes between.
// Program-change listening defaults to "any channel".
func NewDispatcher(cc *Table, instances *instance.Table, tr *transport.State, queue *postponed.Queue) *Dispatcher {
	return &Dispatcher{cc: cc, instances: instances, transport: tr, queue: queue, programListenChannel: AnyChannel}
}

// SetProgramListenChannel restricts program-change listening to one
// channel (0..15), or AnyChannel.
func (d *Dispatcher) SetProgramListenChannel(channel int) {
	d.programListenChannel = channel
}

// HandleEvent processes one raw MIDI message (status, data1[, data2]).
// Note on/off and other channel-voice messages outside
// CC/program-change/pitch-bend are not routed here (they pass straight
// through to the instance's own MIDI input port, if any).
func (d *Dispatcher) HandleEvent(raw []byte) {
	status := raw[0] & 0xF0
	channel := int(raw[0] & 0x0F)

	switch {
	case len(raw) == 2 && status == statusProgramChange:
		if d.programListenChannel == AnyChannel || d.programListenChannel == channel {
			d.handleProgramChange(int(raw[1]))
		}
	case len(raw) == 3 && status == statusControlChange:
		d.handleControllerValue(channel, int(raw[1]), int(raw[2]), false)
	case len(raw) == 3 && status == statusPitchBend:
		value14 := int(raw[2])<<7 | int(raw[1])
		d.handleControllerValue(channel, PitchBendSentinel, value14, true)
	}
}

func (d *Dispatcher) handleProgramChange(program int) {
	ev, ok := d.queue.Allocate()
	if !ok {
		return
	}
	ev.Kind = postponed.KindProgramListen
	ev.InstanceID = instance.GlobalInstanceID
	ev.Program = program
	d.queue.Enqueue(ev)
}

// handleControllerValue gives the CC-slot table first refusal: a match
// always wins over a pending learn, and only an unmatched event can be
// captured by an in-progress midi_learn.
func (d *Dispatcher) handleControllerValue(channel, controller, raw int, highres bool) {
	if slot, _, ok := d.cc.Match(channel, controller); ok {
		d.applyMatched(slot, raw, highres)
		return
	}
	if bound, ok := d.cc.TryBindLearn(channel, controller); ok {
		d.applyLearned(bound.Slot, raw, highres)
	}
}

func (d *Dispatcher) applyMatched(slot Slot, raw int, highres bool) {
	value, ok := d.updateFromMIDI(slot, raw, highres)
	if !ok {
		return
	}
	d.emit(postponed.KindParamSet, slot, value)
}

func (d *Dispatcher) applyLearned(slot Slot, raw int, highres bool) {
	value, ok := d.updateFromMIDI(slot, raw, highres)
	if !ok {
		return
	}
	d.emit(postponed.KindMIDIMap, slot, value)
}

func (d *Dispatcher) emit(kind postponed.Kind, slot Slot, value float32) {
	ev, ok := d.queue.Allocate()
	if !ok {
		return
	}
	ev.Kind = kind
	ev.InstanceID = slot.EffectID
	ev.Symbol = slot.Symbol
	if inst, ok := d.instances.Get(slot.EffectID); ok {
		ev.SymbolID = inst.SymbolID(slot.Symbol)
	}
	ev.Value = value
	if kind == postponed.KindMIDIMap {
		ev.Channel = slot.Channel
		ev.Controller = slot.Controller
		ev.Min = slot.Min
		ev.Max = slot.Max
	}
	d.queue.Enqueue(ev)
}

// updateFromMIDI resolves slot's target port, scales the raw
// controller value into range per its hints, writes the result into
// the port's buffer, and returns it. ok is false if the instance or
// port no longer exists (a CC slot can outlive the port it was mapped
// to only if the owning instance was already removed and the slot not
// yet tombstoned; that case is tolerated here as a stale write that
// simply produces nothing).
func (d *Dispatcher) updateFromMIDI(slot Slot, raw int, highres bool) (float32, bool) {
	divide, full := 64, 127
	if highres {
		divide, full = 8192, 16383
	}

	inst, ok := d.instances.Get(slot.EffectID)
	if !ok {
		return 0, false
	}

	if slot.Symbol == ":bypass" {
		return d.updateBypass(inst, raw, divide), true
	}

	p, ok := inst.PortBySymbol(slot.Symbol)
	if !ok {
		return 0, false
	}

	if slot.Symbol == ":rolling" {
		return d.updateRolling(inst, p, raw, divide), true
	}

	value := scaleControlValue(raw, divide, full, slot.Min, slot.Max, p.Hints)
	inst.SetParameter(slot.Symbol, value)

	if slot.EffectID == instance.GlobalInstanceID {
		switch slot.Symbol {
		case ":bpb":
			d.transport.SetBPB(float64(value))
		case ":bpm":
			d.transport.SetBPM(float64(value))
		}
	}
	return value, true
}

// updateBypass implements the :bypass special case: a raw value below
// the divide line means bypassed, at or above it means running.
func (d *Dispatcher) updateBypass(inst *instance.Instance, raw, divide int) float32 {
	bypassed := raw < divide
	var bypassValue float32
	if bypassed {
		bypassValue = 1.0
	}
	inst.SetBypass(bypassed)
	return bypassValue
}

// updateRolling implements the :rolling special case: start or stop
// transport, resetting position on stop, and mark the reset flag so
// the next RT cycle recomputes tick from an absolute frame instead of
// advancing incrementally.
func (d *Dispatcher) updateRolling(inst *instance.Instance, p *port.Port, raw, divide int) float32 {
	on := raw >= divide
	d.transport.SetRolling(on)
	if !on {
		d.transport.SetFrame(0)
	}
	d.transport.RequestReset()

	var v float32
	if on {
		v = 1.0
	}
	inst.SetParameter(p.Symbol, v)
	return v
}

// scaleControlValue handles the non-special-case ports: trigger always
// reports max; toggle splits at the divide line; otherwise u =
// raw/full is clamped to [0,1] and mapped linearly or logarithmically,
// then rounded if the port is integer-hinted.
func scaleControlValue(raw, divide, full int, min, max float32, hints port.Hint) float32 {
	if hints.Has(port.HintTrigger) {
		return max
	}
	if hints.Has(port.HintToggle) {
		if raw >= divide {
			return max
		}
		return min
	}

	u := float64(raw) / float64(full)
	var value float32
	switch {
	case u <= 0:
		value = min
	case u >= 1:
		value = max
	case hints.Has(port.HintLogarithmic) && min > 0 && max > 0:
		value = min * float32(math.Pow(float64(max)/float64(min), u))
	default:
		value = min + float32(u)*(max-min)
	}

	if hints.Has(port.HintInteger) {
		value = float32(math.Round(float64(value)))
	}
	return value
}
