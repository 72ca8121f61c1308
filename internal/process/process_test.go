package process

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mod-host-go/modhostd/internal/atom"
	"github.com/mod-host-go/modhostd/internal/audioserver"
	"github.com/mod-host-go/modhostd/internal/instance"
	"github.com/mod-host-go/modhostd/internal/port"
	"github.com/mod-host-go/modhostd/internal/postponed"
	"github.com/mod-host-go/modhostd/internal/ringbuffer"
	"github.com/mod-host-go/modhostd/internal/transport"
)

const (
	testRate  = 48000.0
	testBlock = 64
)

// doubler is a minimal plugin body: out = in * 2, counting Run calls.
type doubler struct {
	in, out []float32
	runs    int
}

func (d *doubler) ConnectAudioPort(index int, buf []float32) {
	if index == 0 {
		d.in = buf
	} else {
		d.out = buf
	}
}
func (d *doubler) ConnectControlPort(int, *float32) {}
func (d *doubler) ConnectEventPort(int, []byte)     {}
func (d *doubler) Activate() error                  { return nil }
func (d *doubler) Deactivate() error                { return nil }
func (d *doubler) Extension(string) any             { return nil }
func (d *doubler) Cleanup()                         {}
func (d *doubler) Run(nframes int) {
	d.runs++
	for i := 0; i < nframes; i++ {
		d.out[i] = d.in[i] * 2
	}
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) WriteLine(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

type rig struct {
	fake   *audioserver.Fake
	engine *Engine
	tr     *transport.State
	queue  *postponed.Queue
	sink   *lineSink

	feeder    audioserver.Client
	feedAudio audioserver.PortRef
	feedMIDI  audioserver.PortRef
	feedValue float32
	feedMIDIQ [][]byte

	client audioserver.Client
	inst   *instance.Instance
	refs   PortRefs

	// drain captures what downstream clients receive from the effect's
	// MIDI output each cycle.
	drained [][]byte
}

// newRig builds a fake graph with a feeder client (one audio source,
// one MIDI source) wired into an effect instance backed by a doubler,
// with an event in/out pair.
func newRig(t *testing.T) (*rig, *doubler) {
	t.Helper()
	r := &rig{
		fake:  audioserver.NewFake(testRate, testBlock, 4096),
		tr:    transport.New(),
		queue: postponed.New(64),
		sink:  &lineSink{},
	}
	r.engine = NewEngine(r.tr, r.queue, testRate, r.sink)

	feeder, err := r.fake.NewClient("feeder")
	require.NoError(t, err)
	r.feeder = feeder
	r.feedAudio, err = feeder.RegisterPort("out", audioserver.KindAudio, port.FlowOutput)
	require.NoError(t, err)
	r.feedMIDI, err = feeder.RegisterPort("midi_out", audioserver.KindMIDI, port.FlowOutput)
	require.NoError(t, err)
	feeder.SetProcessCallback(func(nframes int) {
		buf := feeder.AudioBuffer(r.feedAudio, nframes)
		for i := range buf {
			buf[i] = r.feedValue
		}
		feeder.ClearMIDIBuffer(r.feedMIDI)
		for _, msg := range r.feedMIDIQ {
			feeder.WriteMIDIEvent(r.feedMIDI, 0, msg)
		}
		r.feedMIDIQ = nil
	})
	require.NoError(t, feeder.Activate())

	client, err := r.fake.NewClient("effect_0")
	require.NoError(t, err)
	r.client = client

	d := &doubler{}
	inst := instance.New(0, "urn:test:doubler")
	inst.Plugin = d

	addServerPort := func(symbol string, typ port.Type, flow port.Flow, kind audioserver.Kind) *port.Port {
		p := &port.Port{Symbol: symbol, Type: typ, Flow: flow, ServerIndex: port.Absent}
		switch typ {
		case port.TypeAudio, port.TypeCV:
			p.AudioBuf = make([]float32, testBlock)
		case port.TypeEvent:
			p.EventBuf = make([]byte, atom.SequenceLenSize+4096)
		}
		inst.AddPort(p)
		ref, err := client.RegisterPort(symbol, kind, flow)
		require.NoError(t, err)
		p.ServerIndex = port.DesignatedIndex(ref)
		switch {
		case typ == port.TypeAudio && flow == port.FlowInput:
			r.refs.AudioIn = append(r.refs.AudioIn, ref)
		case typ == port.TypeAudio && flow == port.FlowOutput:
			r.refs.AudioOut = append(r.refs.AudioOut, ref)
		case typ == port.TypeEvent && flow == port.FlowInput:
			r.refs.EventIn = append(r.refs.EventIn, ref)
		case typ == port.TypeEvent && flow == port.FlowOutput:
			r.refs.EventOut = append(r.refs.EventOut, ref)
		}
		return p
	}

	in := addServerPort("in", port.TypeAudio, port.FlowInput, audioserver.KindAudio)
	out := addServerPort("out", port.TypeAudio, port.FlowOutput, audioserver.KindAudio)
	addServerPort("events_in", port.TypeEvent, port.FlowInput, audioserver.KindMIDI)
	addServerPort("events_out", port.TypeEvent, port.FlowOutput, audioserver.KindMIDI)
	d.ConnectAudioPort(0, in.AudioBuf)
	d.ConnectAudioPort(1, out.AudioBuf)

	inst.Finalize()
	r.inst = inst

	client.SetProcessCallback(r.engine.BuildProcessCallback(inst, client, r.refs))
	require.NoError(t, client.Activate())

	drain, err := r.fake.NewClient("drain")
	require.NoError(t, err)
	drainIn, err := drain.RegisterPort("midi_in", audioserver.KindMIDI, port.FlowInput)
	require.NoError(t, err)
	drain.SetProcessCallback(func(nframes int) {
		r.drained = r.drained[:0]
		for _, ev := range drain.MIDIEvents(drainIn) {
			r.drained = append(r.drained, append([]byte(nil), ev.Data...))
		}
	})
	require.NoError(t, drain.Activate())

	require.NoError(t, r.fake.Connect("feeder:out", "effect_0:in"))
	require.NoError(t, r.fake.Connect("feeder:midi_out", "effect_0:events_in"))
	require.NoError(t, r.fake.Connect("effect_0:events_out", "drain:midi_in"))
	return r, d
}

func (r *rig) serverOut(t *testing.T) []float32 {
	t.Helper()
	return r.client.AudioBuffer(r.refs.AudioOut[0], testBlock)
}

func TestActiveCycleRunsPluginAndCopiesAudio(t *testing.T) {
	r, d := newRig(t)
	r.feedValue = 0.25

	r.fake.Tick()

	assert.Equal(t, 1, d.runs)
	outBuf := r.serverOut(t)
	assert.InDelta(t, 0.5, outBuf[0], 1e-6)
	assert.InDelta(t, 0.5, outBuf[testBlock-1], 1e-6)
}

func TestProcessingDisabledSilencesEverything(t *testing.T) {
	r, d := newRig(t)
	r.feedValue = 0.25
	r.fake.Tick()
	require.Equal(t, 1, d.runs)

	r.engine.Processing.Store(false)
	r.fake.Tick()

	assert.Equal(t, 1, d.runs, "no plugin code may run while processing is disabled")
	for _, v := range r.serverOut(t) {
		assert.Equal(t, float32(0), v)
	}

	r.engine.Processing.Store(true)
	r.fake.Tick()
	assert.Equal(t, 2, d.runs)
}

func TestBypassPassesInputThroughAndStillRuns(t *testing.T) {
	r, d := newRig(t)
	r.feedValue = 0.25
	r.inst.Bypass = 1

	r.fake.Tick()

	// Input passes through unprocessed, but run() still executed so
	// internal state keeps advancing.
	assert.Equal(t, 1, d.runs)
	assert.InDelta(t, 0.25, r.serverOut(t)[0], 1e-6)

	// Un-bypass: processing resumes.
	r.inst.Bypass = 0
	r.fake.Tick()
	assert.InDelta(t, 0.5, r.serverOut(t)[0], 1e-6)
}

func TestBypassEntryInjectsHangingNoteSuppression(t *testing.T) {
	r, _ := newRig(t)

	// Note on while active.
	r.feedMIDIQ = append(r.feedMIDIQ, []byte{0x90, 60, 100})
	r.fake.Tick()

	// Enter bypass: plugin input gets all-notes-off then all-sound-off
	// on all 16 channels; the server-side output gets all-notes-off.
	r.inst.Bypass = 1
	r.fake.Tick()

	evIn := r.inst.EventInputs[0]
	n := atom.ReadSeqLen(evIn.EventBuf)
	var msgs [][]byte
	atom.Walk(evIn.EventBuf[atom.SequenceLenSize:atom.SequenceLenSize+n], n, func(h atom.Header, body []byte) bool {
		if h.Type == atom.TypeMIDIEvent {
			msgs = append(msgs, append([]byte(nil), body...))
		}
		return true
	})
	require.Len(t, msgs, 32)
	for ch := 0; ch < 16; ch++ {
		assert.Equal(t, []byte{byte(0xB0 | ch), 0x7B, 0x00}, msgs[ch])
		assert.Equal(t, []byte{byte(0xB0 | ch), 0x78, 0x00}, msgs[16+ch])
	}

	// The server side sees all-notes-off on all 16 channels, first.
	require.GreaterOrEqual(t, len(r.drained), 16)
	for ch := 0; ch < 16; ch++ {
		assert.Equal(t, []byte{byte(0xB0 | ch), 0x7B, 0x00}, r.drained[ch])
	}
}

func TestTriggerPortsResetAfterCycle(t *testing.T) {
	r, _ := newRig(t)
	trig := &port.Port{
		Symbol: "fire", Type: port.TypeControl, Flow: port.FlowInput,
		Min: 0, Max: 1, Default: 0, Current: 0,
		Hints: port.HintTrigger, ServerIndex: port.Absent,
	}
	r.inst.AddPort(trig)
	r.inst.Finalize()

	trig.Current = 1
	r.fake.Tick()
	assert.Equal(t, float32(0), trig.Current, "triggers are one-shot")
}

func TestOutputMonitorCoalescesPerCycle(t *testing.T) {
	r, d := newRig(t)
	peak := &port.Port{
		Symbol: "peak", Type: port.TypeControl, Flow: port.FlowOutput,
		Min: 0, Max: 2, Hints: port.HintMonitored, Monitored: true, ServerIndex: port.Absent,
	}
	r.inst.AddPort(peak)
	r.inst.OutputMonitors = true
	r.inst.Finalize()
	_ = d

	peak.Current = 0.5
	r.fake.Tick()
	head, _ := r.queue.Splice()
	require.NotNil(t, head)
	assert.Equal(t, postponed.KindOutputMonitor, head.Kind)
	assert.Equal(t, float32(0.5), head.Value)
	assert.Nil(t, head.Next, "one change, one event")

	// Unchanged value: no further event.
	r.fake.Tick()
	head, _ = r.queue.Splice()
	assert.Nil(t, head)
}

func TestTransportPositionDeliveredToTransportPort(t *testing.T) {
	r, _ := newRig(t)
	evIn := r.inst.EventInputs[0]
	evIn.Hints |= port.HintTransport

	r.tr.SetRolling(true)
	r.tr.SetBPM(140)
	r.fake.Tick()

	n := atom.ReadSeqLen(evIn.EventBuf)
	var pos *atom.TimePosition
	atom.Walk(evIn.EventBuf[atom.SequenceLenSize:atom.SequenceLenSize+n], n, func(h atom.Header, body []byte) bool {
		if h.Type == atom.TypeTimePos {
			if p, ok := atom.DecodeTimePosition(body); ok {
				pos = &p
			}
		}
		return true
	})
	require.NotNil(t, pos, "a transport-hinted event port receives time:Position")
	assert.Equal(t, float32(1), pos.Speed)
	assert.Equal(t, float32(140), pos.BeatsPerMinute)
	assert.Equal(t, float32(1920), pos.TicksPerBeat)
}

func TestDesignatedTransportPortsWrittenEachCycle(t *testing.T) {
	r, _ := newRig(t)
	idx := r.inst.AddPort(&port.Port{
		Symbol: "bpm", Type: port.TypeControl, Flow: port.FlowInput,
		Min: 20, Max: 280, ServerIndex: port.Absent,
	})
	r.inst.Designations.BeatsPerMinute = port.DesignatedIndex(idx)
	r.inst.Finalize()

	r.tr.SetBPM(97)
	r.fake.Tick()
	assert.Equal(t, float32(97), r.inst.Ports[idx].Current)
}

func TestControlRingDrainedIntoControlInputPort(t *testing.T) {
	r, _ := newRig(t)
	// Make the event input double as the designated control-in port.
	for i, p := range r.inst.Ports {
		if p.Symbol == "events_in" {
			r.inst.ControlInputEventIndex = i
		}
	}
	r.inst.ControlInputRing = ringbuffer.New(1024)

	encoded := atom.EncodePatchSet(atom.PatchSet{PropertyURID: 9, Value: 3.5})
	r.inst.ControlInputRing.Write(encoded)

	r.fake.Tick()

	p := r.inst.Ports[r.inst.ControlInputEventIndex]
	n := atom.ReadSeqLen(p.EventBuf)
	var found bool
	atom.Walk(p.EventBuf[atom.SequenceLenSize:atom.SequenceLenSize+n], n, func(h atom.Header, body []byte) bool {
		if h.Type == atom.TypePatchSet {
			ps, ok := atom.DecodePatchSet(body)
			require.True(t, ok)
			assert.Equal(t, uint32(9), ps.PropertyURID)
			assert.Equal(t, float32(3.5), ps.Value)
			found = true
		}
		return true
	})
	assert.True(t, found)
	assert.Equal(t, 0, r.inst.ControlInputRing.ReadSpace(), "ring fully drained")
}

func TestMonitorEvaluationWritesImmediateLine(t *testing.T) {
	r, _ := newRig(t)
	idx := r.inst.AddPort(&port.Port{
		Symbol: "level", Type: port.TypeControl, Flow: port.FlowOutput,
		Min: 0, Max: 1, ServerIndex: port.Absent,
	})
	r.inst.Finalize()
	r.inst.Monitors = append(r.inst.Monitors, instance.Monitor{
		PortIndex: idx, Op: instance.OpGT, Threshold: 0.4,
	})

	r.inst.Ports[idx].Current = 0.6
	r.fake.Tick()

	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	require.Len(t, r.sink.lines, 1)
	assert.Equal(t, "monitor 0 level 0.6000", r.sink.lines[0])
}
