package builtin

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/mod-host-go/modhostd/internal/atom"
	"github.com/mod-host-go/modhostd/internal/plugin"
)

// convolver is a short FIR convolver whose impulse response is built off
// the audio thread: a patch:Set write to its "impulse" property
// schedules kernel generation on the worker, and the finished kernel is
// swapped in via work_response on a later cycle. It is the builtin that
// exercises the full worker offload round trip.
type convolver struct {
	schedule func(data []byte) error

	in, out []float32
	dryWet  *float32
	latency *float32
	events  []byte

	kernel  []float32
	pending []float32 // parked by WorkResponse, swapped in by EndRun
	history []float32

	// prepared carries the worker-built kernel to the RT thread. The
	// response ring only transports a completion token; the kernel
	// itself moves through this pointer so work_response never
	// allocates on the audio thread.
	prepared atomic.Pointer[[]float32]
}

const convolverKernelMax = 256

func convolverDescriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		URI:  ConvolverURI,
		Name: "Reference Convolver",
		Ports: []plugin.PortDescriptor{
			{Index: 0, Symbol: "in", Name: "Input", IsAudio: true, IsInput: true},
			{Index: 1, Symbol: "out", Name: "Output", IsAudio: true, IsOutput: true},
			{
				Index: 2, Symbol: "drywet", Name: "Dry/Wet", IsControl: true, IsInput: true,
				Minimum: 0, Maximum: 1, Default: 1,
				HasMinimum: true, HasMaximum: true, HasDefault: true,
			},
			{
				Index: 3, Symbol: "latency", Name: "Latency", IsControl: true, IsOutput: true,
				IsInteger: true,
				Minimum:   0, Maximum: convolverKernelMax, Default: 0,
				HasMinimum: true, HasMaximum: true, HasDefault: true,
			},
			{
				Index: 4, Symbol: "control", Name: "Control", IsEvent: true, IsInput: true,
				Designation: "control-in",
			},
		},
		Properties: []plugin.Property{
			{URI: ConvolverURI + "#impulse", Label: "impulse"},
		},
		HasWorker: true,
	}
}

func newConvolver(opts plugin.InstantiateOptions) plugin.Instance {
	return &convolver{
		schedule: opts.Schedule,
		kernel:   []float32{1},
		history:  make([]float32, convolverKernelMax),
	}
}

func (c *convolver) ConnectAudioPort(index int, buf []float32) {
	switch index {
	case 0:
		c.in = buf
	case 1:
		c.out = buf
	}
}

func (c *convolver) ConnectControlPort(index int, buf *float32) {
	switch index {
	case 2:
		c.dryWet = buf
	case 3:
		c.latency = buf
	}
}

func (c *convolver) ConnectEventPort(index int, buf []byte) {
	if index == 4 {
		c.events = buf
	}
}

func (c *convolver) Activate() error {
	for i := range c.history {
		c.history[i] = 0
	}
	return nil
}

func (c *convolver) Deactivate() error { return nil }
func (c *convolver) Cleanup()          {}

func (c *convolver) Run(nframes int) {
	c.consumeEvents()

	wet := *c.dryWet
	k := c.kernel
	for i := 0; i < nframes; i++ {
		copy(c.history[1:], c.history[:len(c.history)-1])
		c.history[0] = c.in[i]
		var acc float32
		for j := 0; j < len(k); j++ {
			acc += k[j] * c.history[j]
		}
		c.out[i] = c.in[i]*(1-wet) + acc*wet
	}
	*c.latency = float32(len(k) - 1)
}

// consumeEvents scans the control-in buffer for patch:Set writes and
// hands each one to the worker; generating a kernel allocates, which
// must never happen on the audio thread.
func (c *convolver) consumeEvents() {
	if c.events == nil || c.schedule == nil {
		return
	}
	n := atom.ReadSeqLen(c.events)
	body := c.events[atom.SequenceLenSize : atom.SequenceLenSize+n]
	atom.Walk(body, n, func(h atom.Header, payload []byte) bool {
		if h.Type != atom.TypePatchSet {
			return true
		}
		if ps, ok := atom.DecodePatchSet(payload); ok {
			var req [4]byte
			binary.LittleEndian.PutUint32(req[:], math.Float32bits(ps.Value))
			c.schedule(req[:]) // ring full: dropped, retried on next write
		}
		return true
	})
}

func (c *convolver) Extension(uri string) any {
	if uri == plugin.WorkerExtensionURI {
		return convolverWorker{c}
	}
	return nil
}

type convolverWorker struct{ c *convolver }

// Work runs on the worker goroutine: build an exponentially decaying
// kernel whose length is scaled by the requested impulse value, park it
// in prepared, and respond with a token so the RT thread knows to pick
// it up.
func (w convolverWorker) Work(respond func(size int, body []byte) error, size int, body []byte) error {
	if size < 4 {
		return nil
	}
	value := math.Float32frombits(binary.LittleEndian.Uint32(body))
	length := int(value)
	if length < 1 {
		length = 1
	}
	if length > convolverKernelMax {
		length = convolverKernelMax
	}

	kernel := make([]float32, length)
	for i := 0; i < length; i++ {
		kernel[i] = float32(math.Exp(-4 * float64(i) / float64(length)))
	}
	w.c.prepared.Store(&kernel)
	return respond(1, []byte{0})
}

// WorkResponse runs on the RT thread after run(): it only parks the
// prepared kernel; EndRun swaps it in so a cycle never convolves with a
// half-installed kernel.
func (w convolverWorker) WorkResponse(int, []byte) error {
	if k := w.c.prepared.Swap(nil); k != nil {
		w.c.pending = *k
	}
	return nil
}

func (w convolverWorker) EndRun() {
	if w.c.pending != nil {
		w.c.kernel = w.c.pending
		w.c.pending = nil
	}
}
