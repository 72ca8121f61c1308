package builtin

import (
	"encoding/binary"
	"math"

	"github.com/mod-host-go/modhostd/internal/plugin"
)

// gain is a stereo-agnostic single-channel gain stage with a monitored
// peak output. It declares the state interface so preset_save has a
// real target to exercise.
type gain struct {
	in, out []float32
	gainDB  *float32
	peak    *float32
}

func gainDescriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		URI:  GainURI,
		Name: "Reference Gain",
		Ports: []plugin.PortDescriptor{
			{Index: 0, Symbol: "in", Name: "Input", IsAudio: true, IsInput: true},
			{Index: 1, Symbol: "out", Name: "Output", IsAudio: true, IsOutput: true},
			{
				Index: 2, Symbol: "gain", Name: "Gain", IsControl: true, IsInput: true,
				Minimum: -24, Maximum: 24, Default: 0,
				HasMinimum: true, HasMaximum: true, HasDefault: true,
			},
			{
				Index: 3, Symbol: "peak", Name: "Peak", IsControl: true, IsOutput: true,
				IsMonitored: true,
				Minimum:     0, Maximum: 2, Default: 0,
				HasMinimum: true, HasMaximum: true, HasDefault: true,
			},
		},
		Presets: []plugin.Preset{
			{URI: GainURI + "#unity", Label: "Unity", Values: map[string]float32{"gain": 0}},
			{URI: GainURI + "#boost", Label: "Boost", Values: map[string]float32{"gain": 6}},
			{URI: GainURI + "#cut", Label: "Cut", Values: map[string]float32{"gain": -12}},
		},
		HasState: true,
	}
}

func newGain(plugin.InstantiateOptions) plugin.Instance {
	return &gain{}
}

func (g *gain) ConnectAudioPort(index int, buf []float32) {
	switch index {
	case 0:
		g.in = buf
	case 1:
		g.out = buf
	}
}

func (g *gain) ConnectControlPort(index int, buf *float32) {
	switch index {
	case 2:
		g.gainDB = buf
	case 3:
		g.peak = buf
	}
}

func (g *gain) ConnectEventPort(int, []byte) {}

func (g *gain) Activate() error   { return nil }
func (g *gain) Deactivate() error { return nil }
func (g *gain) Cleanup()          {}

func (g *gain) Run(nframes int) {
	lin := float32(math.Pow(10, float64(*g.gainDB)/20))
	var peak float32
	for i := 0; i < nframes; i++ {
		v := g.in[i] * lin
		g.out[i] = v
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	*g.peak = peak
}

func (g *gain) Extension(uri string) any {
	if uri == plugin.StateExtensionURI {
		return gainState{g}
	}
	return nil
}

type gainState struct{ g *gain }

func (s gainState) Save(string) (map[string][]byte, error) {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, math.Float32bits(*s.g.gainDB))
	return map[string][]byte{"gain": body}, nil
}

func (s gainState) Restore(values map[string][]byte) error {
	if body, ok := values["gain"]; ok && len(body) >= 4 {
		*s.g.gainDB = math.Float32frombits(binary.LittleEndian.Uint32(body))
	}
	return nil
}
