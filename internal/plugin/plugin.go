// Package plugin defines the capability set the core consumes from a
// loaded plugin: instantiate, connect_port, run, activate, deactivate,
// and extension(URI)->opaque. It is deliberately independent of any
// concrete loader: plugin discovery/metadata (Lilv, in the wider
// LV2 ecosystem) lives behind the Discovery interface, so this package
// only describes the shape a loader must present.
package plugin

import "context"

// PortDescriptor is what a Discovery implementation reports about one
// of a plugin's declared ports, before the core builds its own
// port.Port from it.
type PortDescriptor struct {
	Index  int
	Symbol string
	Name   string

	IsAudio, IsControl, IsCV, IsEvent bool
	IsInput, IsOutput                bool

	IsEnumeration, IsInteger, IsToggle, IsTrigger, IsLogarithmic, IsMonitored bool
	IsTransport, IsOldEventAPI                                               bool

	Minimum, Maximum, Default float32
	HasMinimum, HasMaximum, HasDefault bool
	SampleRateDependent                bool

	ScalePointLabels []string
	ScalePointValues []float32

	// Designation is a well-known role URI ("enabled", "freewheel",
	// "beatsPerBar", "beatsPerMinute", "speed", "control-in"), or "" if
	// the port has none.
	Designation string
}

// Preset is a URI-addressed stored state: a label plus the control-port
// values it sets. Loading a preset replays Values through the same
// write path as set_parameter rather than going through the state
// extension.
type Preset struct {
	URI    string
	Label  string
	Values map[string]float32
}

// Property is a writable URI known at instantiation.
type Property struct {
	URI   string
	Label string
}

// Descriptor is everything Discovery knows about a plugin before it is
// instantiated.
type Descriptor struct {
	URI   string
	Name  string
	Ports []PortDescriptor

	Presets    []Preset
	Properties []Property

	// HasWorker reports whether the plugin declares the worker
	// extension interface.
	HasWorker bool
	// HasState reports whether the plugin declares the state interface
	// used by preset save/load.
	HasState bool
}

// Discovery resolves a plugin URI to a Descriptor and instantiates it.
// Modeled on Lilv but not bound to it; a concrete cgo Lilv-backed
// Discovery is out of scope here and can be added without touching the
// core.
type Discovery interface {
	Lookup(ctx context.Context, uri string) (*Descriptor, bool, error)

	// Instantiate creates a running Instance of a previously looked-up
	// plugin, passing it the feature vector built from opts.
	Instantiate(desc *Descriptor, opts InstantiateOptions) (Instance, error)
}

// InstantiateOptions carries the feature-vector values a plugin needs to
// see at instantiation: sample rate, block-length bounds, and the
// worker schedule function (nil if the plugin declares no worker
// interface).
type InstantiateOptions struct {
	SampleRate     float64
	MinBlockSize   int
	MaxBlockSize   int
	MIDIBufferSize int

	// Schedule is the worker-extension schedule feature: a plugin that
	// declares HasWorker may call it to offload non-RT-safe work.
	Schedule func(data []byte) error
}

// WorkerCallback is how a plugin's worker interface is invoked and
// replies.
type WorkerCallback func(respond func(size int, body []byte) error, size int, body []byte) error

// Instance is one instantiated plugin body: the capability set the RT
// callback, worker, and control surface drive directly.
type Instance interface {
	// ConnectAudioPort binds an audio or CV port index to its one-block
	// backing buffer, exactly like LV2's connect_port.
	ConnectAudioPort(index int, buf []float32)
	// ConnectControlPort binds a control port index to its one-float
	// backing storage.
	ConnectControlPort(index int, buf *float32)
	// ConnectEventPort binds an event port index to its opaque event
	// buffer (atom-sequence or legacy encoding, per the port's
	// declared Encoding), including the SequenceLenSize occupied-length
	// prefix convention (see package atom).
	ConnectEventPort(index int, buf []byte)

	Activate() error
	Deactivate() error

	// Run executes one RT cycle over nframes.
	Run(nframes int)

	// Extension resolves an LV2-style extension interface by URI,
	// returning nil if the plugin does not implement it. Used to find
	// the worker/state interfaces without a concrete loader type.
	Extension(uri string) any

	Cleanup()
}

// Extension URIs the host itself resolves via Instance.Extension. A
// loader-backed Instance maps the corresponding LV2 extension URIs onto
// these.
const (
	WorkerExtensionURI = "urn:modhostd:worker"
	StateExtensionURI  = "urn:modhostd:state"
)

// WorkerExtension is the extension Instance.Extension("...worker...")
// returns when HasWorker is true.
type WorkerExtension interface {
	Work(respond func(size int, body []byte) error, size int, body []byte) error
	WorkResponse(size int, body []byte) error
	EndRun()
}

// StateExtension is the extension Instance.Extension("...state...")
// returns when HasState is true, for preset save/load.
type StateExtension interface {
	Save(dir string) (map[string][]byte, error)
	Restore(values map[string][]byte) error
}
