package builtin

import (
	"math"

	"github.com/mod-host-go/modhostd/internal/atom"
	"github.com/mod-host-go/modhostd/internal/plugin"
)

// toneGen is a MIDI-triggered sine generator. It exercises the paths an
// instrument plugin takes through the host: an event input with the
// transport hint, a designated enabled port, note on/off tracking (so
// bypass hanging-note suppression is observable), and a trigger port.
type toneGen struct {
	sampleRate float64

	out    []float32
	freq   *float32
	gate   *float32
	retrig *float32
	enable *float32
	events []byte

	phase      float64
	activeNote int // -1 when no note is sounding
}

func toneGenDescriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		URI:  ToneGenURI,
		Name: "Reference Tone Generator",
		Ports: []plugin.PortDescriptor{
			{Index: 0, Symbol: "out", Name: "Output", IsAudio: true, IsOutput: true},
			{
				Index: 1, Symbol: "freq", Name: "Frequency", IsControl: true, IsInput: true,
				IsLogarithmic: true,
				Minimum:       20, Maximum: 20000, Default: 440,
				HasMinimum: true, HasMaximum: true, HasDefault: true,
			},
			{
				Index: 2, Symbol: "gate", Name: "Gate", IsControl: true, IsInput: true,
				IsToggle: true,
				Minimum:  0, Maximum: 1, Default: 0,
				HasMinimum: true, HasMaximum: true, HasDefault: true,
			},
			{
				Index: 3, Symbol: "retrigger", Name: "Retrigger", IsControl: true, IsInput: true,
				IsTrigger: true,
				Minimum:   0, Maximum: 1, Default: 0,
				HasMinimum: true, HasMaximum: true, HasDefault: true,
			},
			{
				Index: 4, Symbol: "enabled", Name: "Enabled", IsControl: true, IsInput: true,
				IsToggle:    true,
				Designation: "enabled",
				Minimum:     0, Maximum: 1, Default: 1,
				HasMinimum: true, HasMaximum: true, HasDefault: true,
			},
			{
				Index: 5, Symbol: "events", Name: "Events", IsEvent: true, IsInput: true,
				IsTransport: true,
			},
		},
	}
}

func newToneGen(opts plugin.InstantiateOptions) plugin.Instance {
	return &toneGen{sampleRate: opts.SampleRate, activeNote: -1}
}

func (t *toneGen) ConnectAudioPort(index int, buf []float32) {
	if index == 0 {
		t.out = buf
	}
}

func (t *toneGen) ConnectControlPort(index int, buf *float32) {
	switch index {
	case 1:
		t.freq = buf
	case 2:
		t.gate = buf
	case 3:
		t.retrig = buf
	case 4:
		t.enable = buf
	}
}

func (t *toneGen) ConnectEventPort(index int, buf []byte) {
	if index == 5 {
		t.events = buf
	}
}

func (t *toneGen) Activate() error {
	t.phase = 0
	t.activeNote = -1
	return nil
}

func (t *toneGen) Deactivate() error { return nil }
func (t *toneGen) Cleanup()          {}
func (t *toneGen) Extension(string) any { return nil }

func (t *toneGen) Run(nframes int) {
	t.consumeEvents()

	if *t.retrig > 0.5 {
		t.phase = 0
	}

	sounding := *t.enable > 0.5 && (*t.gate > 0.5 || t.activeNote >= 0)
	if !sounding {
		for i := 0; i < nframes; i++ {
			t.out[i] = 0
		}
		return
	}

	f := float64(*t.freq)
	if t.activeNote >= 0 {
		f = 440 * math.Pow(2, (float64(t.activeNote)-69)/12)
	}
	step := 2 * math.Pi * f / t.sampleRate
	for i := 0; i < nframes; i++ {
		t.out[i] = float32(math.Sin(t.phase)) * 0.5
		t.phase += step
	}
	if t.phase > 2*math.Pi {
		t.phase = math.Mod(t.phase, 2*math.Pi)
	}
}

// consumeEvents walks the cycle's input event buffer: note on/off sets
// or clears the sounding note; CC 120/123 (all sound off / all notes
// off, what the host injects on bypass entry) silences immediately.
func (t *toneGen) consumeEvents() {
	if t.events == nil {
		return
	}
	n := atom.ReadSeqLen(t.events)
	body := t.events[atom.SequenceLenSize : atom.SequenceLenSize+n]
	atom.Walk(body, n, func(h atom.Header, payload []byte) bool {
		if h.Type != atom.TypeMIDIEvent || len(payload) < 3 {
			return true
		}
		switch payload[0] & 0xF0 {
		case 0x90: // note on (velocity 0 is note off)
			if payload[2] > 0 {
				t.activeNote = int(payload[1])
			} else if int(payload[1]) == t.activeNote {
				t.activeNote = -1
			}
		case 0x80: // note off
			if int(payload[1]) == t.activeNote {
				t.activeNote = -1
			}
		case 0xB0: // control change
			if payload[1] == 0x78 || payload[1] == 0x7B {
				t.activeNote = -1
			}
		}
		return true
	})
}
