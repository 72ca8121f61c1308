// Package control implements the control-surface entry points: add,
// remove, connect, disconnect, set_parameter, and the rest of the
// command table. Every entry point here runs on the control thread,
// never the RT callback.
package control

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/mod-host-go/modhostd/internal/atom"
	"github.com/mod-host-go/modhostd/internal/audioserver"
	"github.com/mod-host-go/modhostd/internal/errtag"
	"github.com/mod-host-go/modhostd/internal/feedback"
	"github.com/mod-host-go/modhostd/internal/hwcontrol"
	"github.com/mod-host-go/modhostd/internal/instance"
	"github.com/mod-host-go/modhostd/internal/licensing"
	"github.com/mod-host-go/modhostd/internal/midi"
	"github.com/mod-host-go/modhostd/internal/plugin"
	"github.com/mod-host-go/modhostd/internal/port"
	"github.com/mod-host-go/modhostd/internal/postponed"
	"github.com/mod-host-go/modhostd/internal/process"
	"github.com/mod-host-go/modhostd/internal/ringbuffer"
	"github.com/mod-host-go/modhostd/internal/statepaths"
	"github.com/mod-host-go/modhostd/internal/transport"
	"github.com/mod-host-go/modhostd/internal/uridmap"
	"github.com/mod-host-go/modhostd/internal/worker"
)

// RemoveAll is the sentinel id remove() accepts to mean "every active
// instance except the reserved tools range". It cannot collide with a
// real instance id or the global id.
const RemoveAll int32 = -1

// Surface wires every core component into the single composition root
// the control protocol (internal/server) and the interactive terminal
// both dispatch against.
type Surface struct {
	instances *instance.Table
	discovery plugin.Discovery
	server    audioserver.Server
	engine    *process.Engine
	tr        *transport.State
	queue     *postponed.Queue
	cc        *midi.Table
	actuators *hwcontrol.Table
	feedback  *feedback.Thread
	licensing licensing.Checker
	urids     *uridmap.Map
	log       *log.Logger

	presetDir string

	linkEnabled bool
}

// New builds a Surface from its already-constructed collaborators.
func New(
	instances *instance.Table,
	discovery plugin.Discovery,
	server audioserver.Server,
	engine *process.Engine,
	tr *transport.State,
	queue *postponed.Queue,
	cc *midi.Table,
	actuators *hwcontrol.Table,
	fb *feedback.Thread,
	lic licensing.Checker,
	presetDir string,
	logger *log.Logger,
) *Surface {
	if lic == nil {
		lic = licensing.AllowAll{}
	}
	return &Surface{
		instances: instances,
		discovery: discovery,
		server:    server,
		engine:    engine,
		tr:        tr,
		queue:     queue,
		cc:        cc,
		actuators: actuators,
		feedback:  fb,
		licensing: lic,
		urids:     uridmap.New(),
		presetDir: presetDir,
		log:       logger,
	}
}

// Add instantiates uri into slot id, following the ordered steps of
// LV2-style instantiation; any failure fully unwinds what was allocated
// so far and returns the slot to empty.
func (s *Surface) Add(ctx context.Context, uri string, id int32) *errtag.Code {
	if !instance.ValidID(id) {
		return errtag.InstanceInvalid
	}
	if _, exists := s.instances.Get(id); exists {
		return errtag.InstanceAlreadyExists
	}
	if _, ok := s.licensing.Licensed(uri); !ok {
		return errtag.InstanceUnlicensed
	}

	desc, found, err := s.discovery.Lookup(ctx, uri)
	if err != nil || !found {
		return errtag.LV2InvalidURI
	}

	clientName := fmt.Sprintf("effect_%d", id)
	client, err := s.server.NewClient(clientName)
	if err != nil {
		s.log.Warn("audio server client creation failed", "uri", uri, "err", err)
		return errtag.JackClientCreation
	}

	inst := instance.New(id, uri)
	inst.ClientName = clientName
	inst.AudioServerClient = client

	var refs process.PortRefs
	if code := s.buildPorts(inst, desc, client, &refs); code != nil {
		client.Close()
		return code
	}

	s.applyDesignatedDefaults(inst)

	if inst.ControlInputEventIndex >= 0 {
		inst.ControlInputRing = ringbuffer.New(s.server.MIDIBufferSize() * 4)
	}

	inst.Presets = append(inst.Presets, desc.Presets...)
	inst.Properties = append(inst.Properties, desc.Properties...)

	s.addVirtualPorts(inst)
	inst.Finalize()

	var w *worker.Worker
	scheduleFn := func(data []byte) error {
		if w == nil {
			return nil
		}
		return w.Schedule(data)
	}

	body, err := s.discovery.Instantiate(desc, plugin.InstantiateOptions{
		SampleRate:     s.server.SampleRate(),
		MinBlockSize:   1,
		MaxBlockSize:   s.server.MaxBlockSize(),
		MIDIBufferSize: s.server.MIDIBufferSize(),
		Schedule:       scheduleFn,
	})
	if err != nil {
		client.Close()
		s.log.Warn("plugin instantiation failed", "uri", uri, "err", err)
		return errtag.LV2Instantiation
	}

	s.connectPorts(inst, body)

	if desc.HasWorker {
		if ext, ok := body.Extension(plugin.WorkerExtensionURI).(plugin.WorkerExtension); ok {
			w = worker.New(ext, s.log)
		}
	}
	inst.Worker = w
	inst.Plugin = body

	client.SetThreadInitCallback(disableDenormals)
	client.SetProcessCallback(s.engine.BuildProcessCallback(inst, client, refs))
	client.SetBufferSizeCallback(func(int) {})
	client.SetFreewheelCallback(func(bool) {})

	if err := body.Activate(); err != nil {
		if w != nil {
			w.Close()
		}
		client.Close()
		body.Cleanup()
		s.log.Warn("plugin activation failed", "uri", uri, "err", err)
		return errtag.LV2Instantiation
	}
	if err := client.Activate(); err != nil {
		if w != nil {
			w.Close()
		}
		body.Deactivate()
		body.Cleanup()
		client.Close()
		s.log.Warn("audio server client activation failed", "uri", uri, "err", err)
		return errtag.JackClientActivation
	}

	s.instances.Put(id, inst)
	s.log.Info("instance added", "id", id, "uri", uri)
	return nil
}

// buildPorts enumerates desc.Ports, builds each port.Port, resolves
// designations, registers server-side ports for audio/CV/event, and
// fills refs in parallel.
func (s *Surface) buildPorts(inst *instance.Instance, desc *plugin.Descriptor, client audioserver.Client, refs *process.PortRefs) *errtag.Code {
	sr := s.server.SampleRate()
	maxBlock := s.server.MaxBlockSize()
	midiBufSize := s.server.MIDIBufferSize()

	for _, pd := range desc.Ports {
		p := &port.Port{Index: pd.Index, Symbol: pd.Symbol, ServerIndex: port.Absent}

		switch {
		case pd.IsAudio:
			p.Type = port.TypeAudio
		case pd.IsCV:
			p.Type = port.TypeCV
		case pd.IsEvent:
			p.Type = port.TypeEvent
		default:
			p.Type = port.TypeControl
		}
		if pd.IsInput {
			p.Flow = port.FlowInput
		} else {
			p.Flow = port.FlowOutput
		}
		p.Hints = portHints(pd)

		if p.Type == port.TypeControl {
			s.fillControlRange(p, pd, sr)
		}
		switch p.Type {
		case port.TypeAudio, port.TypeCV:
			p.AudioBuf = make([]float32, maxBlock)
		case port.TypeEvent:
			p.EventBuf = make([]byte, atom.SequenceLenSize+midiBufSize)
			if pd.IsOldEventAPI {
				p.Encoding = port.EncodingLegacyEvent
			}
		}

		idx := inst.AddPort(p)
		applyDesignation(&inst.Designations, pd.Designation, port.DesignatedIndex(idx))
		if pd.Designation == "control-in" {
			inst.ControlInputEventIndex = idx
		}

		if p.Type == port.TypeAudio || p.Type == port.TypeCV || p.Type == port.TypeEvent {
			kind := audioserver.KindAudio
			switch p.Type {
			case port.TypeCV:
				kind = audioserver.KindCV
			case port.TypeEvent:
				kind = audioserver.KindMIDI
			}
			ref, err := client.RegisterPort(pd.Symbol, kind, p.Flow)
			if err != nil {
				s.log.Warn("server port registration failed", "symbol", pd.Symbol, "err", err)
				return errtag.JackPort
			}
			p.ServerIndex = port.DesignatedIndex(ref)
			appendRef(refs, p.Type, p.Flow, ref)
		}
	}
	return nil
}

func portHints(pd plugin.PortDescriptor) port.Hint {
	var h port.Hint
	if pd.IsEnumeration {
		h |= port.HintEnumeration
	}
	if pd.IsInteger {
		h |= port.HintInteger
	}
	if pd.IsToggle {
		h |= port.HintToggle
	}
	if pd.IsTrigger {
		h |= port.HintTrigger
	}
	if pd.IsLogarithmic {
		h |= port.HintLogarithmic
	}
	if pd.IsMonitored {
		h |= port.HintMonitored
	}
	if pd.IsTransport {
		h |= port.HintTransport
	}
	if pd.IsOldEventAPI {
		h |= port.HintOldEventAPI
	}
	// Enumeration with exactly two scale points also gets the toggle
	// hint, so a UI can render it as a switch.
	if pd.IsEnumeration && len(pd.ScalePointValues) == 2 {
		h |= port.HintToggle
	}
	return h
}

func (s *Surface) fillControlRange(p *port.Port, pd plugin.PortDescriptor, sampleRate float64) {
	min, max := pd.Minimum, pd.Maximum
	if !pd.HasMinimum {
		min = 0
	}
	if !pd.HasMaximum {
		max = 1
	}
	if pd.SampleRateDependent {
		min *= float32(sampleRate)
		max *= float32(sampleRate)
	}
	min, max = port.NormalizeRange(min, max)
	p.Min, p.Max = min, max

	def := pd.Default
	if !pd.HasDefault {
		def = min
	}
	p.Default = p.ClampControl(def)
	p.Current = p.Default
	p.Prev = p.Default

	for i := range pd.ScalePointLabels {
		var v float32
		if i < len(pd.ScalePointValues) {
			v = pd.ScalePointValues[i]
		}
		p.ScalePoints = append(p.ScalePoints, port.ScalePoint{Label: pd.ScalePointLabels[i], Value: v})
	}
}

func applyDesignation(d *port.Designations, designation string, idx port.DesignatedIndex) {
	switch designation {
	case "control-in":
		d.ControlInput = idx
	case "enabled":
		d.Enabled = idx
	case "freewheel":
		d.Freewheel = idx
	case "beatsPerBar":
		d.BeatsPerBar = idx
	case "beatsPerMinute":
		d.BeatsPerMinute = idx
	case "speed":
		d.Speed = idx
	}
}

func appendRef(refs *process.PortRefs, t port.Type, flow port.Flow, ref audioserver.PortRef) {
	switch {
	case t == port.TypeAudio && flow == port.FlowInput:
		refs.AudioIn = append(refs.AudioIn, ref)
	case t == port.TypeAudio && flow == port.FlowOutput:
		refs.AudioOut = append(refs.AudioOut, ref)
	case t == port.TypeCV && flow == port.FlowInput:
		refs.CVIn = append(refs.CVIn, ref)
	case t == port.TypeCV && flow == port.FlowOutput:
		refs.CVOut = append(refs.CVOut, ref)
	case t == port.TypeEvent && flow == port.FlowInput:
		refs.EventIn = append(refs.EventIn, ref)
	case t == port.TypeEvent && flow == port.FlowOutput:
		refs.EventOut = append(refs.EventOut, ref)
	}
}

// applyDesignatedDefaults sets an instance's designated ports to their
// initial values: enabled := 1, freewheel := 0, bpb/bpm := current
// transport, speed := 1 if rolling else 0.
func (s *Surface) applyDesignatedDefaults(inst *instance.Instance) {
	inst.Enabled = 1
	inst.Freewheel = 0
	snap := s.tr.Snapshot()

	if idx := inst.Designations.Enabled; idx != port.Absent {
		inst.Ports[idx].Current = 1
	}
	if idx := inst.Designations.Freewheel; idx != port.Absent {
		inst.Ports[idx].Current = 0
	}
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
}

// addVirtualPorts installs the synthetic :bypass and :presets control
// ports every instance carries independent of its plugin's own ports.
func (s *Surface) addVirtualPorts(inst *instance.Instance) {
	bypass := &port.Port{
		Index: -1, Symbol: ":bypass", Type: port.TypeControl, Flow: port.FlowInput,
		Min: 0, Max: 1, Default: 0, Hints: port.HintToggle, ServerIndex: port.Absent,
	}
	inst.BypassPortIndex = inst.AddPort(bypass)

	maxPreset := float32(0)
	if n := len(inst.Presets); n > 1 {
		maxPreset = float32(n - 1)
	}
	presets := &port.Port{
		Index: -1, Symbol: ":presets", Type: port.TypeControl, Flow: port.FlowInput,
		Min: 0, Max: maxPreset, Default: 0, Hints: port.HintEnumeration | port.HintInteger,
		ServerIndex: port.Absent,
	}
	inst.PresetsPortIndex = inst.AddPort(presets)
}

// connectPorts hands the plugin body every port's backing buffer,
// exactly like LV2's connect_port.
func (s *Surface) connectPorts(inst *instance.Instance, body plugin.Instance) {
	for _, p := range inst.Ports {
		if p.Index < 0 {
			continue // virtual ports have no plugin-side counterpart
		}
		switch p.Type {
		case port.TypeAudio, port.TypeCV:
			body.ConnectAudioPort(p.Index, p.AudioBuf)
		case port.TypeControl:
			body.ConnectControlPort(p.Index, &p.Current)
		case port.TypeEvent:
			body.ConnectEventPort(p.Index, p.EventBuf)
		}
	}
}

// disableDenormals is the RT thread-init callback: Go has no portable
// way to flip the FTZ/DAZ control-register bits without
// platform-specific assembly, so this is a documented no-op seam rather
// than a fabricated implementation.
func disableDenormals() {}

// Remove destroys instance id, or every active instance except the
// reserved tools range if id == RemoveAll.
func (s *Surface) Remove(id int32) *errtag.Code {
	s.feedback.Stop()
	defer s.feedback.Start()

	if id == RemoveAll {
		for _, inst := range s.instances.ActiveExceptTools() {
			s.destroyOne(inst)
		}
		s.cc.ClearAll()
		s.cc.ClearAllLearn()
		head, _ := s.queue.Splice()
		for ev := head; ev != nil; {
			next := ev.Next
			s.queue.Free(ev)
			ev = next
		}
		return nil
	}

	if id == instance.GlobalInstanceID {
		return nil // the reserved global instance is never removed
	}
	if !instance.ValidID(id) {
		return errtag.InstanceInvalid
	}
	inst, ok := s.instances.Get(id)
	if !ok {
		return errtag.InstanceNonExistent
	}

	s.cc.ClearInstance(id)
	s.cc.ClearLearn(id)
	s.actuators.ClearInstance(id)
	s.feedback.Drain(id)

	s.destroyOne(inst)
	return nil
}

func (s *Surface) destroyOne(inst *instance.Instance) {
	if client, ok := inst.AudioServerClient.(audioserver.Client); ok {
		client.Deactivate()
	}
	if inst.Worker != nil {
		inst.Worker.Close()
	}
	inst.Plugin.Deactivate()
	inst.Plugin.Cleanup()
	if client, ok := inst.AudioServerClient.(audioserver.Client); ok {
		client.Close()
	}
	s.instances.Remove(inst.ID)
	s.log.Info("instance removed", "id", inst.ID)
}

// Connect asks the server to wire two qualified ports, tolerating
// reversed order.
func (s *Surface) Connect(a, b string) *errtag.Code {
	if err := s.server.Connect(a, b); err != nil {
		s.log.Warn("connect failed", "a", a, "b", b, "err", err)
		return errtag.JackConnection
	}
	return nil
}

// Disconnect asks the server to tear down a connection.
func (s *Surface) Disconnect(a, b string) *errtag.Code {
	if err := s.server.Disconnect(a, b); err != nil {
		s.log.Warn("disconnect failed", "a", a, "b", b, "err", err)
		return errtag.JackConnection
	}
	return nil
}

// SetParameter clamps v and writes it into the named port.
func (s *Surface) SetParameter(id int32, symbol string, v float32) *errtag.Code {
	inst, ok := s.instances.Get(id)
	if !ok {
		return errtag.InstanceNonExistent
	}
	if _, err := inst.SetParameter(symbol, v); err != nil {
		return errtag.LV2InvalidParamSymbol
	}
	return nil
}

// GetParameter reads a port's current value.
func (s *Surface) GetParameter(id int32, symbol string) (float32, *errtag.Code) {
	inst, ok := s.instances.Get(id)
	if !ok {
		return 0, errtag.InstanceNonExistent
	}
	p, ok := inst.PortBySymbol(symbol)
	if !ok {
		return 0, errtag.LV2InvalidParamSymbol
	}
	return p.Current, nil
}

// SetProperty encodes a patch:Set atom and pushes it into the
// control-input event ring for the RT callback to forward.
func (s *Surface) SetProperty(id int32, property string, value float32) *errtag.Code {
	inst, ok := s.instances.Get(id)
	if !ok {
		return errtag.InstanceNonExistent
	}
	if inst.ControlInputRing == nil {
		return errtag.LV2InvalidParamSymbol
	}
	var matched *plugin.Property
	for i := range inst.Properties {
		if inst.Properties[i].URI == property || inst.Properties[i].Label == property {
			matched = &inst.Properties[i]
			break
		}
	}
	if matched == nil {
		return errtag.LV2InvalidParamSymbol
	}

	encoded := atom.EncodePatchSet(atom.PatchSet{PropertyURID: s.urids.Map(matched.URI), Value: value})
	if inst.ControlInputRing.WriteSpace() < len(encoded) {
		return errtag.MemoryAllocation
	}
	inst.ControlInputRing.Write(encoded)
	return nil
}

// MonitorParameter appends a threshold monitor to the instance.
func (s *Surface) MonitorParameter(id int32, symbol, op string, threshold float32) *errtag.Code {
	inst, ok := s.instances.Get(id)
	if !ok {
		return errtag.InstanceNonExistent
	}
	if _, ok := inst.PortBySymbol(symbol); !ok {
		return errtag.LV2InvalidParamSymbol
	}
	monOp, ok := instance.ParseMonitorOp(op)
	if !ok {
		return errtag.AssignmentInvalidOp
	}
	inst.Monitors = append(inst.Monitors, instance.Monitor{
		PortIndex: inst.SymbolID(symbol), Op: monOp, Threshold: threshold,
	})
	return nil
}

// MonitorOutput turns on output monitoring for one output control port.
func (s *Surface) MonitorOutput(id int32, symbol string) *errtag.Code {
	inst, ok := s.instances.Get(id)
	if !ok {
		return errtag.InstanceNonExistent
	}
	p, ok := inst.PortBySymbol(symbol)
	if !ok || p.Type != port.TypeControl || p.Flow != port.FlowOutput {
		return errtag.LV2InvalidParamSymbol
	}
	p.Monitored = true
	p.Hints |= port.HintMonitored
	inst.OutputMonitors = true
	inst.Finalize()
	return nil
}

// Bypass sets an instance's bypass state, mirroring it onto the
// designated enabled port (inverted) if present.
func (s *Surface) Bypass(id int32, on bool) *errtag.Code {
	inst, ok := s.instances.Get(id)
	if !ok {
		return errtag.InstanceNonExistent
	}
	inst.SetBypass(on)
	if idx := inst.BypassPortIndex; idx >= 0 {
		var v float32
		if on {
			v = 1
		}
		inst.Ports[idx].Current = v
	}
	return nil
}

// PresetLoad replays a preset's stored port values through set_parameter
// and reforces the designated ports.
func (s *Surface) PresetLoad(id int32, uri string) *errtag.Code {
	inst, ok := s.instances.Get(id)
	if !ok {
		return errtag.InstanceNonExistent
	}
	var preset *plugin.Preset
	for i := range inst.Presets {
		if inst.Presets[i].URI == uri {
			preset = &inst.Presets[i]
			break
		}
	}
	if preset == nil {
		return errtag.LV2InvalidPresetURI
	}
	for symbol, v := range preset.Values {
		inst.SetParameter(symbol, v)
	}
	s.applyDesignatedDefaults(inst)
	return nil
}

// PresetSave stores an instance's current input control-port values
// (the virtual :bypass and :presets ports excepted) as a new preset
// addressed "file://<dir>/effect-<id>/<file>", creating directories as
// needed. Only plugins with a state interface can be saved; the state
// interface is called with the target directory, and the preset itself
// is kept in the instance's preset list for PresetLoad.
func (s *Surface) PresetSave(id int32, dir, file, label string) *errtag.Code {
	inst, ok := s.instances.Get(id)
	if !ok {
		return errtag.InstanceNonExistent
	}
	ext, ok := inst.Plugin.Extension(plugin.StateExtensionURI).(plugin.StateExtension)
	if !ok {
		return errtag.LV2CantLoadState
	}

	targetDir, err := statepaths.MakePluginStatePath(dir, id, file)
	if err != nil {
		s.log.Warn("preset save path creation failed", "err", err)
		return errtag.MemoryAllocation
	}
	if _, err := ext.Save(targetDir); err != nil {
		s.log.Warn("preset save failed", "id", id, "err", err)
		return errtag.LV2CantLoadState
	}

	saved := make(map[string]float32)
	for i, p := range inst.Ports {
		if i == inst.BypassPortIndex || i == inst.PresetsPortIndex {
			continue
		}
		if p.Type == port.TypeControl && p.Flow == port.FlowInput {
			saved[p.Symbol] = p.Current
		}
	}
	inst.Presets = append(inst.Presets, plugin.Preset{
		URI:    "file://" + targetDir,
		Label:  label,
		Values: saved,
	})
	return nil
}

// PresetShow returns a preset's stored values formatted as a string,
// independent of any active instance: it searches every currently
// active instance's preset list, since there is no lilv-backed
// world-resource loader in this implementation.
func (s *Surface) PresetShow(uri string) (string, *errtag.Code) {
	for _, inst := range s.instances.Active() {
		for _, p := range inst.Presets {
			if p.URI != uri {
				continue
			}
			return formatPresetState(p), nil
		}
	}
	return "", errtag.LV2InvalidPresetURI
}

func formatPresetState(p plugin.Preset) string {
	out := p.Label
	for symbol, v := range p.Values {
		out += fmt.Sprintf(" %s=%.6f", symbol, v)
	}
	return out
}

// MIDILearn arms the learn pointer for (id, symbol).
func (s *Surface) MIDILearn(id int32, symbol string, min, max float32) *errtag.Code {
	if _, ok := s.instances.Get(id); !ok {
		return errtag.InstanceNonExistent
	}
	if err := s.cc.BeginLearn(id, symbol, min, max); err != nil {
		return errtag.AssignmentListFull
	}
	return nil
}

// MIDIMap installs an explicit CC mapping.
func (s *Surface) MIDIMap(id int32, symbol string, channel, controller int, min, max float32) *errtag.Code {
	if _, ok := s.instances.Get(id); !ok {
		return errtag.InstanceNonExistent
	}
	if err := s.cc.Map(id, symbol, channel, controller, min, max); err != nil {
		return errtag.AssignmentListFull
	}
	return nil
}

// MIDIUnmap tombstones a CC mapping.
func (s *Surface) MIDIUnmap(id int32, symbol string) *errtag.Code {
	if !s.cc.Unmap(id, symbol) {
		return errtag.AssignmentInvalidOp
	}
	return nil
}

// CCMapRequest is the cc_map command's full argument set, a
// hardware-actuator counterpart to midi_map.
type CCMapRequest struct {
	InstanceID              int32
	Symbol                  string
	DeviceID, ActuatorID    int
	Label, Unit             string
	Value, Min, Max         float32
	Steps                   int
	ScalePoints             []hwcontrol.ScalePoint
}

// CCMap installs a hardware-actuator assignment.
func (s *Surface) CCMap(req CCMapRequest) *errtag.Code {
	if _, ok := s.instances.Get(req.InstanceID); !ok {
		return errtag.InstanceNonExistent
	}
	err := s.actuators.Map(hwcontrol.Assignment{
		DeviceID: req.DeviceID, ActuatorID: req.ActuatorID,
		Label: req.Label, Unit: req.Unit,
		Min: req.Min, Max: req.Max, Steps: req.Steps,
		ScalePoints: req.ScalePoints,
		EffectID:    req.InstanceID, Symbol: req.Symbol,
	})
	if err != nil {
		return errtag.AssignmentListFull
	}
	return nil
}

// CCUnmap tombstones a hardware-actuator assignment.
func (s *Surface) CCUnmap(id int32, symbol string) *errtag.Code {
	if !s.actuators.Unmap(id, symbol) {
		return errtag.AssignmentInvalidOp
	}
	return nil
}

// FeatureEnable toggles "link" or "processing". Link tempo sync is out
// of scope here; processing is the real, RT-observed gate
// (process.Engine.Processing).
func (s *Surface) FeatureEnable(name string, on bool) *errtag.Code {
	switch name {
	case "processing":
		s.engine.Processing.Store(on)
		return nil
	case "link":
		s.linkEnabled = on
		return errtag.LinkUnavailable
	default:
		return errtag.AssignmentInvalidOp
	}
}

// Transport updates the shared transport state and asks the audio
// server to start/stop/locate.
func (s *Surface) Transport(rolling bool, bpb, bpm float64) *errtag.Code {
	s.tr.SetRolling(rolling)
	s.tr.SetBPB(bpb)
	s.tr.SetBPM(bpm)
	s.tr.RequestReset()
	s.server.RequestTransport(rolling, bpb, bpm, true)

	if ev, ok := s.queue.Allocate(); ok {
		ev.Kind = postponed.KindTransport
		ev.InstanceID = postponed.NoInstance
		ev.Rolling = rolling
		ev.BPB = bpb
		ev.BPM = bpm
		s.queue.Enqueue(ev)
	}
	return nil
}

// OutputDataReady marks the feedback thread ready and wakes it.
func (s *Surface) OutputDataReady() {
	s.feedback.SetReady()
}

// Snapshot returns every control port's current value in one call, a
// bulk accessor for a freshly (re)connected UI.
func (s *Surface) Snapshot(id int32) (map[string]float32, *errtag.Code) {
	inst, ok := s.instances.Get(id)
	if !ok {
		return nil, errtag.InstanceNonExistent
	}
	out := make(map[string]float32)
	for _, p := range inst.Ports {
		if p.Type == port.TypeControl {
			out[p.Symbol] = p.Current
		}
	}
	return out, nil
}
