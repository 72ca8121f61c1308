// Package instance owns the plugin-instance lifecycle and the fixed-size
// instance table.
package instance

import (
	"fmt"
	"sync"

	"github.com/mod-host-go/modhostd/internal/plugin"
	"github.com/mod-host-go/modhostd/internal/port"
	"github.com/mod-host-go/modhostd/internal/ringbuffer"
	"github.com/mod-host-go/modhostd/internal/transport"
	"github.com/mod-host-go/modhostd/internal/worker"
)

// MaxInstances is the fixed instance-table size.
const MaxInstances = 10000

// GlobalInstanceID is the reserved slot holding virtual transport ports
// always present after initialization.
const GlobalInstanceID = 9995

// ToolsRange is the count of trailing slot indices remove(ALL) excludes,
// reserved for tooling-managed instances that outlive a bulk teardown.
const ToolsRange = 10

// Monitor is a per-instance threshold watch.
type Monitor struct {
	PortIndex    int
	Op           MonitorOp
	Threshold    float32
	LastNotified float32
	HasLast      bool
}

// MonitorOp is one of the six comparison operators a monitor supports.
type MonitorOp int

const (
	OpGT MonitorOp = iota
	OpGE
	OpLT
	OpLE
	OpEQ
	OpNE
)

// ParseMonitorOp maps the protocol token to a MonitorOp.
func ParseMonitorOp(s string) (MonitorOp, bool) {
	switch s {
	case ">":
		return OpGT, true
	case ">=":
		return OpGE, true
	case "<":
		return OpLT, true
	case "<=":
		return OpLE, true
	case "==":
		return OpEQ, true
	case "!=":
		return OpNE, true
	}
	return 0, false
}

const epsilon = 1.1920929e-7 // FLT_EPSILON

// Eval applies op(v, threshold).
func (op MonitorOp) Eval(v, threshold float32) bool {
	switch op {
	case OpGT:
		return v > threshold
	case OpGE:
		return v >= threshold
	case OpLT:
		return v < threshold
	case OpLE:
		return v <= threshold
	case OpEQ:
		return absf(v-threshold) < epsilon
	case OpNE:
		return absf(v-threshold) >= epsilon
	}
	return false
}

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// Instance owns one loaded plugin and all of its resources.
type Instance struct {
	ID  int32
	URI string

	Plugin plugin.Instance
	Ports  []*port.Port
	// symbolIndex maps a port symbol to its stable slot in Ports. That
	// same integer doubles as the interned "SymbolID" the postponed-
	// event coalescer keys on instead of comparing strings.
	symbolIndex map[string]int

	Designations port.Designations

	ControlInputEventIndex int // -1 if none
	ControlInputRing       *ringbuffer.Ring

	BypassPortIndex  int
	PresetsPortIndex int

	Bypass      float32
	WasBypassed bool

	Enabled   float32
	Freewheel float32

	Presets    []plugin.Preset
	Properties []plugin.Property
	Monitors   []Monitor

	OutputMonitors bool

	Worker *worker.Worker

	ClientName string

	// AudioServerClient is an opaque handle the audioserver adapter
	// uses to tear the client down; the core never interprets it.
	AudioServerClient any

	// LastTransportSnapshot is compared each cycle for instances with
	// the transport hint.
	LastTransportSnapshot transport.Snapshot
	HasTransportSnapshot  bool

	// fastPathSymbol/fastPathIndex cache the last SetParameter symbol
	// lookup so repeated writes to the same port skip the map.
	fastPathSymbol string
	fastPathIndex  int

	// Cached per-type/flow port lists, populated once by Finalize after
	// every AddPort call completes, so the RT callback never walks or
	// allocates over the full port list each cycle.
	AudioInputs, AudioOutputs []*port.Port
	CVInputs, CVOutputs       []*port.Port
	EventInputs, EventOutputs []*port.Port
	TriggerPorts              []*port.Port
	MonitoredOutputPorts      []*port.Port

	mu sync.Mutex
}

// New builds an empty active instance shell; callers (the control
// surface's add()) populate Ports/Plugin/etc. in the documented order.
func New(id int32, uri string) *Instance {
	return &Instance{
		ID:                     id,
		URI:                    uri,
		symbolIndex:            make(map[string]int),
		ControlInputEventIndex: -1,
		BypassPortIndex:        -1,
		PresetsPortIndex:       -1,
		Designations:           port.NewDesignations(),
		fastPathIndex:          -1,
	}
}

// AddPort appends p to the instance's port list and indexes it by
// symbol, recording its stable index so later lookups skip straight
// past the symbol map.
func (inst *Instance) AddPort(p *port.Port) int {
	idx := len(inst.Ports)
	inst.Ports = append(inst.Ports, p)
	inst.symbolIndex[p.Symbol] = idx
	return idx
}

// PortBySymbol looks up a port by symbol.
func (inst *Instance) PortBySymbol(symbol string) (*port.Port, bool) {
	idx, ok := inst.symbolIndex[symbol]
	if !ok {
		return nil, false
	}
	return inst.Ports[idx], true
}

// SymbolID returns the interned small-int ID for symbol, used as the
// coalescing key instead of a string compare.
func (inst *Instance) SymbolID(symbol string) int {
	return inst.symbolIndex[symbol]
}

// WantsTransport reports whether this instance should receive a
// time:Position message: either a designated bpb/bpm/speed port exists,
// or some event port explicitly declared the transport hint.
func (inst *Instance) WantsTransport() bool {
	if inst.Designations.BeatsPerBar != port.Absent ||
		inst.Designations.BeatsPerMinute != port.Absent ||
		inst.Designations.Speed != port.Absent {
		return true
	}
	for _, p := range inst.Ports {
		if p.Type == port.TypeEvent && p.Hints.Has(port.HintTransport) {
			return true
		}
	}
	return false
}

// IsBypassed reports whether the instance's bypass control is past the
// halfway point between off and on.
func (inst *Instance) IsBypassed() bool { return inst.Bypass > 0.5 }

// Finalize (re)populates the cached per-type/flow port lists from
// Ports. Callers must invoke this once after all AddPort calls for an
// instance are complete, before the instance is handed to the RT
// scheduler.
func (inst *Instance) Finalize() {
	inst.AudioInputs = inst.AudioInputs[:0]
	inst.AudioOutputs = inst.AudioOutputs[:0]
	inst.CVInputs = inst.CVInputs[:0]
	inst.CVOutputs = inst.CVOutputs[:0]
	inst.EventInputs = inst.EventInputs[:0]
	inst.EventOutputs = inst.EventOutputs[:0]
	inst.TriggerPorts = inst.TriggerPorts[:0]
	inst.MonitoredOutputPorts = inst.MonitoredOutputPorts[:0]

	for _, p := range inst.Ports {
		switch {
		case p.Type == port.TypeAudio && p.Flow == port.FlowInput:
			inst.AudioInputs = append(inst.AudioInputs, p)
		case p.Type == port.TypeAudio && p.Flow == port.FlowOutput:
			inst.AudioOutputs = append(inst.AudioOutputs, p)
		case p.Type == port.TypeCV && p.Flow == port.FlowInput:
			inst.CVInputs = append(inst.CVInputs, p)
		case p.Type == port.TypeCV && p.Flow == port.FlowOutput:
			inst.CVOutputs = append(inst.CVOutputs, p)
		case p.Type == port.TypeEvent && p.Flow == port.FlowInput:
			inst.EventInputs = append(inst.EventInputs, p)
		case p.Type == port.TypeEvent && p.Flow == port.FlowOutput:
			inst.EventOutputs = append(inst.EventOutputs, p)
		}
		if p.Flow == port.FlowInput && p.Type == port.TypeControl && p.Hints.Has(port.HintTrigger) {
			inst.TriggerPorts = append(inst.TriggerPorts, p)
		}
		if p.Flow == port.FlowOutput && p.Type == port.TypeControl && p.Hints.Has(port.HintMonitored) {
			inst.MonitoredOutputPorts = append(inst.MonitoredOutputPorts, p)
		}
	}
}

// SetBypass sets the instance's bypass state and, if it has a
// designated enabled port, writes that port's value to match: 0.0 when
// bypassed, 1.0 when active.
func (inst *Instance) SetBypass(bypassed bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if bypassed {
		inst.Bypass = 1.0
	} else {
		inst.Bypass = 0.0
	}

	if inst.Designations.Enabled == port.Absent {
		return
	}
	idx := int(inst.Designations.Enabled)
	if idx < 0 || idx >= len(inst.Ports) {
		return
	}
	p := inst.Ports[idx]
	p.Prev = p.Current
	if bypassed {
		p.Current = 0.0
	} else {
		p.Current = 1.0
	}
}

// SetParameter clamps v into range and writes it into the named control
// port's backing storage, consulting the fast-path cache first.
func (inst *Instance) SetParameter(symbol string, v float32) (*port.Port, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	var p *port.Port
	if inst.fastPathSymbol == symbol && inst.fastPathIndex >= 0 && inst.fastPathIndex < len(inst.Ports) {
		p = inst.Ports[inst.fastPathIndex]
	} else {
		idx, ok := inst.symbolIndex[symbol]
		if !ok {
			return nil, fmt.Errorf("unknown parameter symbol %q", symbol)
		}
		p = inst.Ports[idx]
		inst.fastPathSymbol = symbol
		inst.fastPathIndex = idx
	}
	p.Prev = p.Current
	p.Current = p.ClampControl(v)
	return p, nil
}
