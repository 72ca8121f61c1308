package audioserver

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/mod-host-go/modhostd/internal/port"
)

func f64bits(f float64) uint64     { return math.Float64bits(f) }
func f64frombits(b uint64) float64 { return math.Float64frombits(b) }

// graph is the shared JACK-like patchbay both the fake and portaudio
// backends drive: named ports grouped by client, a connection set, and
// one RunCycle per audio callback that, client by client in
// registration order, mixes connected sources into that client's input
// ports and then runs its process callback.
type graph struct {
	sampleRate  float64
	blockSize   int
	midiBufSize int

	mu          sync.Mutex
	clients     map[string]*clientImpl
	clientOrder []*clientImpl
	ports       []*regPort // every registered port; a PortRef indexes its own client's ports

	// conns maps a fully-qualified "client:port" source name to the set
	// of fully-qualified destination names it feeds.
	conns map[string]map[string]bool

	rolling atomic.Bool
	frame   atomic.Uint64
	bpbBits atomic.Uint64
	bpmBits atomic.Uint64

	timebaseMu sync.Mutex
	timebase   TimebaseCallback
}

type regPort struct {
	client *clientImpl
	name   string
	kind   Kind
	flow   port.Flow

	audioBuf []float32
	midiIn   []MIDIEvent
	midiOut  []MIDIEvent
}

func (p *regPort) qualified() string { return p.client.name + ":" + p.name }

type clientImpl struct {
	g    *graph
	name string

	ports []*regPort

	process    func(nframes int)
	threadInit func()
	bufferSize func(nframes int)
	freewheel  func(starting bool)

	active bool
}

func newGraph(sampleRate float64, blockSize, midiBufSize int) *graph {
	g := &graph{
		sampleRate:  sampleRate,
		blockSize:   blockSize,
		midiBufSize: midiBufSize,
		clients:     make(map[string]*clientImpl),
		conns:       make(map[string]map[string]bool),
	}
	g.setBPB(4.0)
	g.setBPM(120.0)
	return g
}

func (g *graph) SampleRate() float64  { return g.sampleRate }
func (g *graph) MaxBlockSize() int    { return g.blockSize }
func (g *graph) MIDIBufferSize() int  { return g.midiBufSize }

func (g *graph) setBPB(v float64) { g.bpbBits.Store(f64bits(v)) }
func (g *graph) setBPM(v float64) { g.bpmBits.Store(f64bits(v)) }

func (g *graph) NewClient(name string) (Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.clients[name]; exists {
		return nil, fmt.Errorf("audioserver: client %q already exists", name)
	}
	c := &clientImpl{g: g, name: name}
	g.clients[name] = c
	g.clientOrder = append(g.clientOrder, c)
	return c, nil
}

func (g *graph) Transport() Transport {
	return Transport{
		Rolling: g.rolling.Load(),
		Frame:   g.frame.Load(),
		BPB:     f64frombits(g.bpbBits.Load()),
		BPM:     f64frombits(g.bpmBits.Load()),
	}
}

func (g *graph) RequestTransport(rolling bool, bpb, bpm float64, locate bool) {
	g.rolling.Store(rolling)
	g.setBPB(bpb)
	g.setBPM(bpm)
	if locate {
		g.frame.Store(0)
	}
}

func (g *graph) BecomeTimebaseMaster(cb TimebaseCallback) {
	g.timebaseMu.Lock()
	g.timebase = cb
	g.timebaseMu.Unlock()
}

func (g *graph) Connect(a, b string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	pa, oka := g.findPortLocked(a)
	pb, okb := g.findPortLocked(b)
	if !oka || !okb {
		return fmt.Errorf("audioserver: unknown port in connect(%s, %s)", a, b)
	}
	// Tolerate reversed order: normalize so the source is whichever
	// port is an output and the destination is whichever is an input.
	src, dst := pa, pb
	if pa.flow == port.FlowInput && pb.flow == port.FlowOutput {
		src, dst = pb, pa
	}
	set, ok := g.conns[src.qualified()]
	if !ok {
		set = make(map[string]bool)
		g.conns[src.qualified()] = set
	}
	set[dst.qualified()] = true
	return nil
}

func (g *graph) Disconnect(a, b string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.conns[a]; ok {
		delete(set, b)
	}
	if set, ok := g.conns[b]; ok {
		delete(set, a)
	}
	return nil
}

func (g *graph) findPortLocked(qualified string) (*regPort, bool) {
	for _, p := range g.ports {
		if p.qualified() == qualified {
			return p, true
		}
	}
	return nil, false
}

func (g *graph) Close() error { return nil }

// RunCycle drives one audio callback: for each active client in
// registration order, it mixes that client's input ports from their
// connected sources and then runs the client's process callback (the
// same order instances were added in, which is the
// only ordering guarantee JACK itself makes for independent clients).
func (g *graph) RunCycle(nframes int) {
	g.mu.Lock()
	clients := append([]*clientImpl(nil), g.clientOrder...)
	g.mu.Unlock()

	for _, c := range clients {
		if !c.active {
			continue
		}
		g.mixInputs(c, nframes)
		if c.process != nil {
			c.process(nframes)
		}
	}
	g.frame.Add(uint64(nframes))
}

func (g *graph) mixInputs(c *clientImpl, nframes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range c.ports {
		if p.flow != port.FlowInput {
			continue
		}
		switch p.kind {
		case KindAudio, KindCV:
			for i := range p.audioBuf[:nframes] {
				p.audioBuf[i] = 0
			}
			for src, dsts := range g.conns {
				if !dsts[p.qualified()] {
					continue
				}
				sp, ok := g.findPortLocked(src)
				if !ok {
					continue
				}
				for i := 0; i < nframes && i < len(sp.audioBuf); i++ {
					p.audioBuf[i] += sp.audioBuf[i]
				}
			}
		case KindMIDI:
			p.midiIn = p.midiIn[:0]
			for src, dsts := range g.conns {
				if !dsts[p.qualified()] {
					continue
				}
				sp, ok := g.findPortLocked(src)
				if !ok {
					continue
				}
				p.midiIn = append(p.midiIn, sp.midiOut...)
			}
		}
	}
}

func (c *clientImpl) Name() string { return c.name }

func (c *clientImpl) RegisterPort(name string, kind Kind, flow port.Flow) (PortRef, error) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	p := &regPort{client: c, name: name, kind: kind, flow: flow}
	switch kind {
	case KindAudio, KindCV:
		p.audioBuf = make([]float32, c.g.blockSize)
	case KindMIDI:
		p.midiIn = make([]MIDIEvent, 0, 64)
		p.midiOut = make([]MIDIEvent, 0, 64)
	}
	c.ports = append(c.ports, p)
	c.g.ports = append(c.g.ports, p)
	return PortRef(len(c.ports) - 1), nil
}

func (c *clientImpl) UnregisterPort(ref PortRef) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if int(ref) < 0 || int(ref) >= len(c.ports) {
		return fmt.Errorf("audioserver: invalid port ref")
	}
	target := c.ports[ref]
	for i, p := range c.g.ports {
		if p == target {
			c.g.ports = append(c.g.ports[:i], c.g.ports[i+1:]...)
			break
		}
	}
	delete(c.g.conns, target.qualified())
	for _, set := range c.g.conns {
		delete(set, target.qualified())
	}
	return nil
}

func (c *clientImpl) SetProcessCallback(fn func(nframes int)) { c.process = fn }

// SetThreadInitCallback runs fn immediately: there is no separate RT
// thread to defer to in this software graph, but the call site still
// expects its denormal-disabling work to happen before the first cycle.
func (c *clientImpl) SetThreadInitCallback(fn func()) {
	c.threadInit = fn
	if fn != nil {
		fn()
	}
}

func (c *clientImpl) SetBufferSizeCallback(fn func(nframes int))  { c.bufferSize = fn }
func (c *clientImpl) SetFreewheelCallback(fn func(starting bool)) { c.freewheel = fn }

func (c *clientImpl) Activate() error {
	c.active = true
	return nil
}

func (c *clientImpl) Deactivate() error {
	c.active = false
	return nil
}

func (c *clientImpl) Close() error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	delete(c.g.clients, c.name)
	for i, cl := range c.g.clientOrder {
		if cl == c {
			c.g.clientOrder = append(c.g.clientOrder[:i], c.g.clientOrder[i+1:]...)
			break
		}
	}
	for _, p := range c.ports {
		for i, gp := range c.g.ports {
			if gp == p {
				c.g.ports = append(c.g.ports[:i], c.g.ports[i+1:]...)
				break
			}
		}
		delete(c.g.conns, p.qualified())
	}
	return nil
}

func (c *clientImpl) AudioBuffer(ref PortRef, nframes int) []float32 {
	if int(ref) < 0 || int(ref) >= len(c.ports) {
		return nil
	}
	return c.ports[ref].audioBuf[:nframes]
}

func (c *clientImpl) CVBuffer(ref PortRef, nframes int) []float32 {
	return c.AudioBuffer(ref, nframes)
}

func (c *clientImpl) MIDIEvents(ref PortRef) []MIDIEvent {
	if int(ref) < 0 || int(ref) >= len(c.ports) {
		return nil
	}
	return c.ports[ref].midiIn
}

func (c *clientImpl) ClearMIDIBuffer(ref PortRef) {
	if int(ref) < 0 || int(ref) >= len(c.ports) {
		return
	}
	c.ports[ref].midiOut = c.ports[ref].midiOut[:0]
}

func (c *clientImpl) WriteMIDIEvent(ref PortRef, frame int, data []byte) error {
	if int(ref) < 0 || int(ref) >= len(c.ports) {
		return fmt.Errorf("audioserver: invalid port ref")
	}
	p := c.ports[ref]
	if len(p.midiOut) >= cap(p.midiOut) {
		return fmt.Errorf("audioserver: midi output buffer full")
	}
	p.midiOut = append(p.midiOut, MIDIEvent{Frame: frame, Data: append([]byte(nil), data...)})
	return nil
}
