// Package audioserver defines the capability interface the core depends
// on for server-side audio/CV/event I/O, transport query, and port
// registration, independent of any concrete audio server. The package
// is the seam plus two runnable backends (fake, portaudio) so the host
// exercises full RT cycles against real or synthetic audio callbacks
// without a JACK server.
package audioserver

import "github.com/mod-host-go/modhostd/internal/port"

// Kind is the server-side port's signal kind. Control ports never get a
// server-side counterpart, so this only covers
// the three kinds that do.
type Kind int

const (
	KindAudio Kind = iota
	KindCV
	KindMIDI
)

// MIDIEvent is one timestamped raw MIDI message within a process cycle.
type MIDIEvent struct {
	Frame int // offset within the cycle, [0, nframes)
	Data  []byte
}

// Transport is the server's current transport position, queried once at
// the top of every RT cycle (Phase A).
type Transport struct {
	Rolling bool
	Frame   uint64
	BPB     float64
	BPM     float64
}

// TimebasePosition is what a timebase master callback fills in; mirrors
// the JACK jack_position_t fields the core's transport package needs.
type TimebasePosition struct {
	BeatsPerBar    float64
	BeatsPerMinute float64
	BeatType       float64
	TicksPerBeat   float64
	Tick           float64
}

// TimebaseCallback computes the timebase position for one cycle; it is
// registered once by whichever client currently holds the timebase
// master role.
type TimebaseCallback func(pos *TimebasePosition)

// PortRef is an opaque handle to one registered server-side port,
// scoped to the Client that registered it.
type PortRef int

// Server is the capability set the core consumes: sample rate/block
// size, client lifecycle, cross-client port connection, and transport.
type Server interface {
	SampleRate() float64
	MaxBlockSize() int
	MIDIBufferSize() int

	// NewClient registers a new client (one per plugin instance, named
	// "effect_<id>", plus one reserved client
	// for the global MIDI dispatcher and virtual transport ports).
	NewClient(name string) (Client, error)

	Transport() Transport
	// RequestTransport asks the server to start/stop/locate; locate
	// requests an absolute reposition rather than a relative change.
	RequestTransport(rolling bool, bpb, bpm float64, locate bool)

	// BecomeTimebaseMaster registers cb as the timebase callback,
	// re-registering over any previous master if one withdraws.
	BecomeTimebaseMaster(cb TimebaseCallback)

	// Connect/Disconnect take "client:port" qualified names and
	// tolerate either connection order.
	Connect(a, b string) error
	Disconnect(a, b string) error

	Close() error
}

// Client is one registered audio-server client: port registration plus
// the RT callback hooks a client needs (thread-init,
// process, buffer-size, freewheel).
type Client interface {
	Name() string

	RegisterPort(name string, kind Kind, flow port.Flow) (PortRef, error)
	UnregisterPort(ref PortRef) error

	// SetProcessCallback installs the per-cycle RT callback. Only one
	// may be registered; a later call replaces the former.
	SetProcessCallback(fn func(nframes int))
	// SetThreadInitCallback installs a callback invoked once on the RT
	// thread's startup, used to disable denormals.
	SetThreadInitCallback(fn func())
	SetBufferSizeCallback(fn func(nframes int))
	SetFreewheelCallback(fn func(starting bool))

	Activate() error
	Deactivate() error
	Close() error

	// AudioBuffer/CVBuffer return this cycle's server-side buffer for
	// ref, sized to nframes: already mixed from upstream connections
	// for an input port, or the slice the RT callback should fill for
	// an output port.
	AudioBuffer(ref PortRef, nframes int) []float32
	CVBuffer(ref PortRef, nframes int) []float32

	// MIDIEvents returns this cycle's incoming events for an input
	// event port, already merged from every connected source.
	MIDIEvents(ref PortRef) []MIDIEvent
	// ClearMIDIBuffer empties an output event port's buffer at the top
	// of a cycle.
	ClearMIDIBuffer(ref PortRef)
	// WriteMIDIEvent appends one event to an output event port's
	// buffer for the current cycle.
	WriteMIDIEvent(ref PortRef, frame int, data []byte) error
}
