// Package process implements the per-instance realtime process
// callback: event buffer preparation, bypass, transport, and monitor
// semantics, wired to a concrete audioserver.Client.
package process

import (
	"fmt"
	"sync/atomic"

	"github.com/mod-host-go/modhostd/internal/atom"
	"github.com/mod-host-go/modhostd/internal/audioserver"
	"github.com/mod-host-go/modhostd/internal/instance"
	"github.com/mod-host-go/modhostd/internal/port"
	"github.com/mod-host-go/modhostd/internal/postponed"
	"github.com/mod-host-go/modhostd/internal/transport"
)

// MonitorSink receives immediate, out-of-band monitor lines, distinct
// from the postponed-event feedback path.
type MonitorSink interface {
	WriteLine(line string)
}

// Engine builds RT process callbacks bound to one instance each. It
// holds the state every instance's callback shares: transport, the
// postponed-event queue, and the global processing-enabled flag.
type Engine struct {
	transport  *transport.State
	queue      *postponed.Queue
	sampleRate float64

	// Processing gates every instance's callback at once
	// (feature_enable processing 0/1).
	Processing atomic.Bool

	timebase transport.Timebase

	monitors MonitorSink
}

// NewEngine builds an Engine. Processing starts enabled.
func NewEngine(tr *transport.State, queue *postponed.Queue, sampleRate float64, monitors MonitorSink) *Engine {
	e := &Engine{transport: tr, queue: queue, sampleRate: sampleRate, timebase: transport.NewTimebase(), monitors: monitors}
	e.Processing.Store(true)
	return e
}

// PortRefs bundles the audioserver handles an instance's process
// callback needs, indexed in parallel with the instance's per-kind
// cached port slices (instance.Instance.Finalize groups). Built by
// whichever control-surface code registers the instance's server-side
// ports.
type PortRefs struct {
	AudioIn, AudioOut []audioserver.PortRef
	CVIn, CVOut       []audioserver.PortRef
	EventIn, EventOut []audioserver.PortRef
}

// BuildProcessCallback returns the per-cycle RT callback,
// closed over inst and client. refs must have one entry per port in
// inst.AudioInputs/AudioOutputs/CVInputs/CVOutputs/EventInputs/
// EventOutputs, in the same order (the control surface's add() builds
// this alongside port registration).
func (e *Engine) BuildProcessCallback(inst *instance.Instance, client audioserver.Client, refs PortRefs) func(nframes int) {
	var scratch [atom.HeaderSize + atom.TimePositionBodySize]byte

	return func(nframes int) {
		if !e.Processing.Load() {
			zeroOutputs(inst, client, refs, nframes)
			return
		}

		if inst.ID == instance.GlobalInstanceID {
			e.advanceTimebase(nframes)
		}

		timeLen := e.phaseA(inst, scratch[:])
		e.phaseB(inst, client, refs, scratch[:timeLen])

		e.phaseC(inst, refs)

		justBypassed := inst.IsBypassed() && !inst.WasBypassed
		if inst.IsBypassed() && inst.Designations.Enabled == port.Absent {
			e.runBypassed(inst, client, refs, nframes)
		} else {
			e.runActive(inst, client, refs, nframes)
		}

		e.phaseE(inst, client, refs, justBypassed)
		e.phaseF(inst)

		inst.WasBypassed = inst.IsBypassed()
	}
}

// advanceTimebase runs once per cycle (driven by the always-present
// global instance's callback, see Design Notes) to move the shared
// running tick forward, recomputing from an absolute frame position on
// a reset rather than advancing incrementally.
func (e *Engine) advanceTimebase(nframes int) {
	reset := e.transport.ConsumeResetFlag()
	prev := e.transport.Tick()
	next := e.timebase.Advance(prev, reset, e.transport.Frame(), nframes, e.sampleRate, e.transport.BPM())
	e.transport.SetTick(next)
	if e.transport.Rolling() {
		e.transport.AdvanceFrame(nframes)
	}
}

// phaseA snapshots transport, decides whether a time:Position atom is
// needed this cycle, and writes designated bpb/bpm/speed ports
// directly. Returns the number of valid bytes written to scratch (0 if
// no position message is needed this cycle).
func (e *Engine) phaseA(inst *instance.Instance, scratch []byte) int {
	snap := e.transport.Snapshot()
	wantsTime := inst.WantsTransport()

	changed := wantsTime && (!inst.HasTransportSnapshot || !snap.Equal(inst.LastTransportSnapshot) ||
		(inst.WasBypassed && !inst.IsBypassed()))
	inst.LastTransportSnapshot = snap
	inst.HasTransportSnapshot = true

	if idx := inst.Designations.BeatsPerBar; idx != port.Absent {
		inst.Ports[idx].Current = float32(snap.BPB)
	}
	if idx := inst.Designations.BeatsPerMinute; idx != port.Absent {
		inst.Ports[idx].Current = float32(snap.BPM)
	}
	if idx := inst.Designations.Speed; idx != port.Absent {
		if snap.Rolling {
			inst.Ports[idx].Current = 1
		} else {
			inst.Ports[idx].Current = 0
		}
	}

	if !changed {
		return 0
	}

	tick := e.transport.Tick()
	totalBeats := tick / 1920.0
	bar := int64(totalBeats/snap.BPB) + 1
	barBeat := totalBeats - float64(bar-1)*snap.BPB

	var speed float32
	if snap.Rolling {
		speed = 1
	}
	pos := atom.TimePosition{
		Speed:          speed,
		Frame:          int64(snap.Frame),
		Bar:            bar,
		BarBeat:        float32(barBeat),
		Beat:           float32(totalBeats),
		BeatUnit:       4,
		BeatsPerBar:    float32(snap.BPB),
		BeatsPerMinute: float32(snap.BPM),
		TicksPerBeat:   1920,
	}
	return atom.EncodeTimePositionInto(scratch, pos)
}

// allNotesOff covers channels 0xB0..0xBF with controller 0x7B; the
// plugin-input side additionally gets allSoundOff (0x78) after it.
var allNotesOff, allSoundOff = func() ([][]byte, [][]byte) {
	var notes, sound [][]byte
	for ch := 0; ch < 16; ch++ {
		status := byte(0xB0 | ch)
		notes = append(notes, []byte{status, 0x7B, 0x00})
		sound = append(sound, []byte{status, 0x78, 0x00})
	}
	return notes, sound
}()

// phaseB resets and rebuilds every input event port's buffer: silence
// injection on bypass entry, server MIDI passthrough otherwise, and the
// transport atom if phaseA produced one and the port accepts it.
func (e *Engine) phaseB(inst *instance.Instance, client audioserver.Client, refs PortRefs, timeAtom []byte) {
	justBypassed := inst.IsBypassed() && !inst.WasBypassed

	for i, p := range inst.EventInputs {
		w := atom.NewSequenceWriter(p.EventBuf[atom.SequenceLenSize:])
		if justBypassed {
			for _, msg := range allNotesOff {
				w.AppendMIDI(msg)
			}
			for _, msg := range allSoundOff {
				w.AppendMIDI(msg)
			}
		} else if ref, ok := refOf(refs.EventIn, i); ok {
			for _, ev := range client.MIDIEvents(ref) {
				w.AppendMIDI(ev.Data)
			}
		}
		if len(timeAtom) > 0 && p.Hints.Has(port.HintTransport) {
			w.AppendEncoded(timeAtom)
		}
		atom.WriteSeqLen(p.EventBuf, w.Len())
		p.EventLen = w.Len()
	}

	for _, p := range inst.EventOutputs {
		atom.WriteSeqLen(p.EventBuf, 0)
		p.EventLen = 0
	}
}

// phaseC drains the control-input atom ring (control-thread writes,
// e.g. set_property) into the control-input port's event buffer,
// appended after whatever phaseB already placed there.
func (e *Engine) phaseC(inst *instance.Instance, refs PortRefs) {
	if inst.ControlInputRing == nil || inst.ControlInputEventIndex < 0 {
		return
	}
	p := inst.Ports[inst.ControlInputEventIndex]
	w := atom.NewSequenceWriter(p.EventBuf[atom.SequenceLenSize:])
	w.Resume(p.EventLen)

	var header [atom.HeaderSize]byte
	for {
		if inst.ControlInputRing.Peek(header[:]) < atom.HeaderSize {
			break
		}
		h, ok := atom.DecodeHeader(header[:])
		if !ok {
			break
		}
		total := atom.HeaderSize + int(h.Size)
		if inst.ControlInputRing.ReadSpace() < total {
			break
		}
		dst := w.Tail()
		if len(dst) < total {
			// Event buffer full: drop the record rather than stall the
			// ring. The control thread's next write supersedes it.
			inst.ControlInputRing.ReadAdvance(total)
			continue
		}
		inst.ControlInputRing.Read(dst[:total])
		w.Advance(total)
	}
	atom.WriteSeqLen(p.EventBuf, w.Len())
	p.EventLen = w.Len()
}

// runBypassed implements Phase D's bypass branch: server audio passes
// straight through to the server outputs (or silence if there are no
// inputs) while run() still executes against the real input so
// plugin-internal state (delay lines) keeps advancing; its outputs are
// discarded.
func (e *Engine) runBypassed(inst *instance.Instance, client audioserver.Client, refs PortRefs, nframes int) {
	for i, p := range inst.AudioInputs {
		if ref, ok := refOf(refs.AudioIn, i); ok {
			copy(p.AudioBuf[:nframes], client.AudioBuffer(ref, nframes))
		}
	}

	if len(inst.AudioInputs) > 0 {
		for i := range inst.AudioOutputs {
			outRef, ok := refOf(refs.AudioOut, i)
			if !ok {
				continue
			}
			j := i
			if j >= len(inst.AudioInputs) {
				j = len(inst.AudioInputs) - 1
			}
			if inRef, ok := refOf(refs.AudioIn, j); ok {
				copy(client.AudioBuffer(outRef, nframes), client.AudioBuffer(inRef, nframes))
			}
		}
		for i := len(inst.AudioOutputs); i < len(inst.AudioInputs); i++ {
			zero(inst.AudioInputs[i].AudioBuf[:nframes])
		}
	} else {
		for i, out := range inst.AudioOutputs {
			zero(out.AudioBuf[:nframes])
			if ref, ok := refOf(refs.AudioOut, i); ok {
				zero(client.AudioBuffer(ref, nframes))
			}
		}
	}

	for _, in := range inst.CVInputs {
		zero(in.AudioBuf[:nframes])
	}
	for i, out := range inst.CVOutputs {
		zero(out.AudioBuf[:nframes])
		if ref, ok := refOf(refs.CVOut, i); ok {
			zero(client.CVBuffer(ref, nframes))
		}
	}
	inst.Plugin.Run(nframes)
}

// runActive implements Phase D's normal branch: copy inputs, run, drain
// the worker, copy outputs, evaluate monitors.
func (e *Engine) runActive(inst *instance.Instance, client audioserver.Client, refs PortRefs, nframes int) {
	for i, p := range inst.AudioInputs {
		if ref, ok := refOf(refs.AudioIn, i); ok {
			copy(p.AudioBuf[:nframes], client.AudioBuffer(ref, nframes))
		}
	}
	for i, p := range inst.CVInputs {
		if ref, ok := refOf(refs.CVIn, i); ok {
			copy(p.AudioBuf[:nframes], client.CVBuffer(ref, nframes))
		}
	}

	inst.Plugin.Run(nframes)

	if inst.Worker != nil {
		inst.Worker.EmitResponses()
	}

	for i, p := range inst.AudioOutputs {
		if ref, ok := refOf(refs.AudioOut, i); ok {
			copy(client.AudioBuffer(ref, nframes), p.AudioBuf[:nframes])
		}
	}
	for i, p := range inst.CVOutputs {
		if ref, ok := refOf(refs.CVOut, i); ok {
			copy(client.CVBuffer(ref, nframes), p.AudioBuf[:nframes])
		}
	}

	e.evaluateMonitors(inst)
}

// phaseE forwards only midi:MidiEvent atoms from the plugin's output
// event buffers to the server, unless bypassed (where the bypass-entry
// silence sequence, or a straight passthrough for instances with no
// audio ports, is emitted instead).
func (e *Engine) phaseE(inst *instance.Instance, client audioserver.Client, refs PortRefs, justBypassed bool) {
	for i, p := range inst.EventOutputs {
		ref, ok := refOf(refs.EventOut, i)
		if !ok {
			continue
		}
		client.ClearMIDIBuffer(ref)

		switch {
		case inst.IsBypassed() && justBypassed:
			for _, msg := range allNotesOff {
				client.WriteMIDIEvent(ref, 0, msg)
			}
		case inst.IsBypassed() && len(inst.AudioInputs) == 0 && len(inst.AudioOutputs) == 0 && len(inst.EventInputs) == len(inst.EventOutputs):
			if j, ok := refOf(refs.EventIn, i); ok {
				for _, ev := range client.MIDIEvents(j) {
					client.WriteMIDIEvent(ref, ev.Frame, ev.Data)
				}
			}
		case !inst.IsBypassed():
			n := atom.ReadSeqLen(p.EventBuf)
			body := p.EventBuf[atom.SequenceLenSize : atom.SequenceLenSize+n]
			frame := 0
			atom.Walk(body, n, func(h atom.Header, payload []byte) bool {
				if h.Type == atom.TypeMIDIEvent {
					client.WriteMIDIEvent(ref, frame, payload)
				}
				return true
			})
		}
	}
}

// phaseF resets trigger ports to their default after firing once, and
// scans monitored output ports for changes to enqueue as postponed
// output_monitor events.
func (e *Engine) phaseF(inst *instance.Instance) {
	for _, p := range inst.TriggerPorts {
		p.Current = p.Default
	}

	if !inst.OutputMonitors {
		return
	}
	for _, p := range inst.MonitoredOutputPorts {
		if absf32(p.Current-p.PrevValue) >= epsilon {
			if ev, ok := e.queue.Allocate(); ok {
				ev.Kind = postponed.KindOutputMonitor
				ev.InstanceID = inst.ID
				ev.SymbolID = inst.SymbolID(p.Symbol)
				ev.Symbol = p.Symbol
				ev.Value = p.Current
				e.queue.Enqueue(ev)
			}
			p.PrevValue = p.Current
		}
	}
}

// evaluateMonitors performs an immediate, out-of-band monitor-socket
// write, independent of the postponed-event queue.
func (e *Engine) evaluateMonitors(inst *instance.Instance) {
	if e.monitors == nil || len(inst.Monitors) == 0 {
		return
	}
	for i := range inst.Monitors {
		m := &inst.Monitors[i]
		if m.PortIndex < 0 || m.PortIndex >= len(inst.Ports) {
			continue
		}
		v := inst.Ports[m.PortIndex].Current
		if !m.Op.Eval(v, m.Threshold) {
			continue
		}
		if !m.HasLast || absf32(v-m.LastNotified) >= epsilon {
			e.monitors.WriteLine(formatMonitor(inst.ID, inst.Ports[m.PortIndex].Symbol, v))
			m.LastNotified = v
			m.HasLast = true
		}
	}
}

// zeroOutputs implements the global-processing-disabled entry check:
// every output is silenced and no plugin code runs.
func zeroOutputs(inst *instance.Instance, client audioserver.Client, refs PortRefs, nframes int) {
	for i, p := range inst.AudioOutputs {
		zero(p.AudioBuf[:nframes])
		if ref, ok := refOf(refs.AudioOut, i); ok {
			zero(client.AudioBuffer(ref, nframes))
		}
	}
	for i, p := range inst.CVOutputs {
		zero(p.AudioBuf[:nframes])
		if ref, ok := refOf(refs.CVOut, i); ok {
			zero(client.CVBuffer(ref, nframes))
		}
	}
	for i := range inst.EventOutputs {
		if ref, ok := refOf(refs.EventOut, i); ok {
			client.ClearMIDIBuffer(ref)
		}
	}
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

func refOf(refs []audioserver.PortRef, i int) (audioserver.PortRef, bool) {
	if i < 0 || i >= len(refs) {
		return 0, false
	}
	return refs[i], true
}

func formatMonitor(id int32, symbol string, v float32) string {
	return fmt.Sprintf("monitor %d %s %.4f", id, symbol, v)
}

const epsilon = 1.1920929e-7 // FLT_EPSILON

func absf32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
