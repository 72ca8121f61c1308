package midi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mod-host-go/modhostd/internal/instance"
	"github.com/mod-host-go/modhostd/internal/port"
	"github.com/mod-host-go/modhostd/internal/postponed"
	"github.com/mod-host-go/modhostd/internal/transport"
)

type fixture struct {
	cc        *Table
	instances *instance.Table
	tr        *transport.State
	queue     *postponed.Queue
	d         *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		cc:        NewTable(),
		instances: instance.NewTable(),
		tr:        transport.New(),
		queue:     postponed.New(64),
	}
	f.d = NewDispatcher(f.cc, f.instances, f.tr, f.queue)
	return f
}

func (f *fixture) addInstance(id int32, ports ...*port.Port) *instance.Instance {
	inst := instance.New(id, "urn:test")
	for _, p := range ports {
		inst.AddPort(p)
	}
	inst.Finalize()
	f.instances.Put(id, inst)
	return inst
}

func (f *fixture) drainEvents() []*postponed.Event {
	head, _ := f.queue.Splice()
	var out []*postponed.Event
	for ev := head; ev != nil; ev = ev.Next {
		out = append(out, ev)
	}
	return out
}

func controlPort(symbol string, min, max float32, hints port.Hint) *port.Port {
	return &port.Port{
		Symbol: symbol, Type: port.TypeControl, Flow: port.FlowInput,
		Min: min, Max: max, Hints: hints, ServerIndex: port.Absent,
	}
}

func TestCCExtremesMapToRange(t *testing.T) {
	f := newFixture()
	inst := f.addInstance(2, controlPort("volume", 0, 1, 0))
	require.NoError(t, f.cc.Map(2, "volume", 3, 7, 0, 1))

	f.d.HandleEvent([]byte{0xB3, 7, 127})
	p, _ := inst.PortBySymbol("volume")
	assert.Equal(t, float32(1), p.Current)

	f.d.HandleEvent([]byte{0xB3, 7, 0})
	assert.Equal(t, float32(0), p.Current)

	events := f.drainEvents()
	require.Len(t, events, 2)
	assert.Equal(t, postponed.KindParamSet, events[0].Kind)
	assert.Equal(t, float32(1), events[0].Value)
	assert.Equal(t, float32(0), events[1].Value)
}

func TestCCMidpointScalesLinearly(t *testing.T) {
	f := newFixture()
	f.addInstance(2, controlPort("volume", 0, 1, 0))
	require.NoError(t, f.cc.Map(2, "volume", 3, 7, 0, 1))

	f.d.HandleEvent([]byte{0xB3, 7, 64})
	events := f.drainEvents()
	require.Len(t, events, 1)
	assert.InDelta(t, 64.0/127.0, events[0].Value, 1e-6)
}

func TestWrongChannelIgnored(t *testing.T) {
	f := newFixture()
	f.addInstance(2, controlPort("volume", 0, 1, 0))
	require.NoError(t, f.cc.Map(2, "volume", 3, 7, 0, 1))

	f.d.HandleEvent([]byte{0xB4, 7, 127}) // channel 4, mapped on 3
	assert.Empty(t, f.drainEvents())
}

func TestToggleSplitsAtDivideLine(t *testing.T) {
	f := newFixture()
	inst := f.addInstance(2, controlPort("on", 0, 1, port.HintToggle))
	require.NoError(t, f.cc.Map(2, "on", 0, 10, 0, 1))
	p, _ := inst.PortBySymbol("on")

	f.d.HandleEvent([]byte{0xB0, 10, 63})
	assert.Equal(t, float32(0), p.Current)

	// Exactly at the divide line counts as "on".
	f.d.HandleEvent([]byte{0xB0, 10, 64})
	assert.Equal(t, float32(1), p.Current)
}

func TestTriggerAlwaysReportsMax(t *testing.T) {
	f := newFixture()
	inst := f.addInstance(2, controlPort("fire", 0, 1, port.HintTrigger))
	require.NoError(t, f.cc.Map(2, "fire", 0, 20, 0, 1))
	p, _ := inst.PortBySymbol("fire")

	f.d.HandleEvent([]byte{0xB0, 20, 1})
	assert.Equal(t, float32(1), p.Current)
}

func TestIntegerHintRounds(t *testing.T) {
	f := newFixture()
	inst := f.addInstance(2, controlPort("steps", 0, 10, port.HintInteger))
	require.NoError(t, f.cc.Map(2, "steps", 0, 30, 0, 10))
	p, _ := inst.PortBySymbol("steps")

	f.d.HandleEvent([]byte{0xB0, 30, 64}) // 10*64/127 = 5.039...
	assert.Equal(t, float32(5), p.Current)
}

func TestLogarithmicScaling(t *testing.T) {
	f := newFixture()
	inst := f.addInstance(2, controlPort("freq", 10, 1000, port.HintLogarithmic))
	require.NoError(t, f.cc.Map(2, "freq", 0, 40, 10, 1000))
	p, _ := inst.PortBySymbol("freq")

	f.d.HandleEvent([]byte{0xB0, 40, 64})
	// 10 * (1000/10)^(64/127)
	assert.InDelta(t, 101.8, p.Current, 1.0)
}

func TestPitchBendIsHighResolution(t *testing.T) {
	f := newFixture()
	inst := f.addInstance(2, controlPort("bend", -1, 1, 0))
	require.NoError(t, f.cc.Map(2, "bend", 0, PitchBendSentinel, -1, 1))
	p, _ := inst.PortBySymbol("bend")

	// 14-bit max: data2=0x7F, data1=0x7F -> 16383 -> max.
	f.d.HandleEvent([]byte{0xE0, 0x7F, 0x7F})
	assert.Equal(t, float32(1), p.Current)

	// 14-bit zero -> min.
	f.d.HandleEvent([]byte{0xE0, 0x00, 0x00})
	assert.Equal(t, float32(-1), p.Current)
}

func TestLearnBindsFirstUnmatchedCC(t *testing.T) {
	f := newFixture()
	f.addInstance(2, controlPort("volume", 0, 1, 0))
	require.NoError(t, f.cc.BeginLearn(2, "volume", 0, 1))

	f.d.HandleEvent([]byte{0xB3, 7, 64})

	events := f.drainEvents()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, postponed.KindMIDIMap, ev.Kind)
	assert.Equal(t, int32(2), ev.InstanceID)
	assert.Equal(t, "volume", ev.Symbol)
	assert.Equal(t, 3, ev.Channel)
	assert.Equal(t, 7, ev.Controller)
	assert.InDelta(t, 64.0/127.0, ev.Value, 1e-4)

	// The binding is live: the same CC now routes as a plain param_set.
	f.d.HandleEvent([]byte{0xB3, 7, 127})
	events = f.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, postponed.KindParamSet, events[0].Kind)
	assert.Equal(t, float32(1), events[0].Value)
}

func TestUnmapStopsRouting(t *testing.T) {
	f := newFixture()
	f.addInstance(2, controlPort("volume", 0, 1, 0))
	require.NoError(t, f.cc.Map(2, "volume", 3, 7, 0, 1))
	require.True(t, f.cc.Unmap(2, "volume"))

	f.d.HandleEvent([]byte{0xB3, 7, 127})
	assert.Empty(t, f.drainEvents())
}

func TestTombstonedSlotIsReused(t *testing.T) {
	f := newFixture()
	f.addInstance(2, controlPort("a", 0, 1, 0), controlPort("b", 0, 1, 0))

	require.NoError(t, f.cc.Map(2, "a", 0, 1, 0, 1))
	require.True(t, f.cc.Unmap(2, "a"))
	require.NoError(t, f.cc.Map(2, "b", 0, 2, 0, 1))

	slot, _, ok := f.cc.Match(0, 2)
	require.True(t, ok)
	assert.Equal(t, "b", slot.Symbol)
}

func TestProgramChangeEnqueuesListen(t *testing.T) {
	f := newFixture()

	f.d.HandleEvent([]byte{0xC5, 12})
	events := f.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, postponed.KindProgramListen, events[0].Kind)
	assert.Equal(t, 12, events[0].Program)
}

func TestProgramChangeChannelFilter(t *testing.T) {
	f := newFixture()
	f.d.SetProgramListenChannel(3)

	f.d.HandleEvent([]byte{0xC5, 12}) // channel 5, listener on 3
	assert.Empty(t, f.drainEvents())

	f.d.HandleEvent([]byte{0xC3, 9})
	events := f.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 9, events[0].Program)
}

func TestBypassMappingDrivesInstanceBypass(t *testing.T) {
	f := newFixture()
	inst := f.addInstance(2, controlPort(":bypass", 0, 1, port.HintToggle))
	require.NoError(t, f.cc.Map(2, ":bypass", 0, 50, 0, 1))

	f.d.HandleEvent([]byte{0xB0, 50, 0}) // below divide: bypassed
	assert.True(t, inst.IsBypassed())

	f.d.HandleEvent([]byte{0xB0, 50, 127})
	assert.False(t, inst.IsBypassed())

	events := f.drainEvents()
	require.Len(t, events, 2)
	assert.Equal(t, float32(1), events[0].Value)
	assert.Equal(t, float32(0), events[1].Value)
}

func TestRollingMappingDrivesTransport(t *testing.T) {
	f := newFixture()
	f.addInstance(instance.GlobalInstanceID, controlPort(":rolling", 0, 1, port.HintToggle))
	require.NoError(t, f.cc.Map(instance.GlobalInstanceID, ":rolling", 0, 60, 0, 1))

	f.d.HandleEvent([]byte{0xB0, 60, 127})
	assert.True(t, f.tr.Rolling())
	assert.True(t, f.tr.ConsumeResetFlag())

	f.d.HandleEvent([]byte{0xB0, 60, 0})
	assert.False(t, f.tr.Rolling())
	assert.Equal(t, uint64(0), f.tr.Frame())
}

func TestBPMMappingUpdatesTransportScalar(t *testing.T) {
	f := newFixture()
	f.addInstance(instance.GlobalInstanceID, controlPort(":bpm", 20, 280, 0))
	require.NoError(t, f.cc.Map(instance.GlobalInstanceID, ":bpm", 0, 70, 20, 280))

	f.d.HandleEvent([]byte{0xB0, 70, 127})
	assert.Equal(t, 280.0, f.tr.BPM())
}
