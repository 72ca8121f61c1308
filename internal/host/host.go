// Package host is the composition root: it builds every core component
// once, wires them together, installs the reserved global instance and
// the MIDI dispatcher client, and owns process-lifetime start/stop.
// There is no static mutable state anywhere in the tree; everything
// process-wide lives on the Host and is passed by reference.
package host

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/mod-host-go/modhostd/internal/audioserver"
	"github.com/mod-host-go/modhostd/internal/builtin"
	"github.com/mod-host-go/modhostd/internal/config"
	"github.com/mod-host-go/modhostd/internal/control"
	"github.com/mod-host-go/modhostd/internal/discovery"
	"github.com/mod-host-go/modhostd/internal/feedback"
	"github.com/mod-host-go/modhostd/internal/hwcontrol"
	"github.com/mod-host-go/modhostd/internal/instance"
	"github.com/mod-host-go/modhostd/internal/licensing"
	"github.com/mod-host-go/modhostd/internal/midi"
	"github.com/mod-host-go/modhostd/internal/plugin"
	"github.com/mod-host-go/modhostd/internal/port"
	"github.com/mod-host-go/modhostd/internal/postponed"
	"github.com/mod-host-go/modhostd/internal/process"
	"github.com/mod-host-go/modhostd/internal/server"
	"github.com/mod-host-go/modhostd/internal/transport"
)

// MaxPostponedEvents sizes the RT pool to the worst-case number of
// in-flight postponed events between two drains.
const MaxPostponedEvents = 1024

// backend is the lifecycle the concrete audio servers share beyond the
// audioserver.Server capability set.
type backend interface {
	audioserver.Server
	Start() error
	Stop() error
}

// fakeBackend adapts the ticker-driven Fake to the backend lifecycle.
type fakeBackend struct{ *audioserver.Fake }

func (f fakeBackend) Start() error { f.Run(); return nil }
func (f fakeBackend) Stop() error  { f.Fake.Stop(); return nil }

// Host owns every process-wide component.
type Host struct {
	cfg config.Config
	log *log.Logger

	backend   backend
	transport *transport.State
	queue     *postponed.Queue
	instances *instance.Table
	cc        *midi.Table
	actuators *hwcontrol.Table
	engine    *process.Engine
	fb        *feedback.Thread
	surface   *control.Surface

	controlSrv  *server.Control
	feedbackSrv *server.Feedback
	monitor     *server.Monitor
	dispatcher  *server.Dispatcher

	midiDispatch *midi.Dispatcher

	announcer *discovery.Announcer
	gpio      *hwcontrol.GPIOWatcher
	usb       *hwcontrol.USBWatcher
}

// New builds a fully wired but not yet started Host.
func New(cfg config.Config, logger *log.Logger) (*Host, error) {
	var be backend
	switch cfg.Backend {
	case "fake":
		be = fakeBackend{audioserver.NewFake(float64(cfg.SampleRate), cfg.BlockSize, 4096)}
	case "portaudio":
		pa, err := audioserver.NewPortAudio(2, float64(cfg.SampleRate), cfg.BlockSize, 4096)
		if err != nil {
			return nil, err
		}
		be = pa
	default:
		return nil, fmt.Errorf("host: unknown audio backend %q", cfg.Backend)
	}

	h := &Host{
		cfg:       cfg,
		log:       logger,
		backend:   be,
		transport: transport.New(),
		queue:     postponed.New(MaxPostponedEvents),
		instances: instance.NewTable(),
		cc:        midi.NewTable(),
		actuators: hwcontrol.NewTable(),
	}

	h.monitor = server.NewMonitor(logger)
	h.engine = process.NewEngine(h.transport, h.queue, float64(cfg.SampleRate), h.monitor)

	h.feedbackSrv = server.NewFeedback(logger)
	h.fb = feedback.New(h.queue, h.feedbackSrv, logger)

	var checker licensing.Checker = licensing.AllowAll{}
	if cfg.KeysPath != "" {
		kc, err := licensing.NewKeyedFileChecker(cfg.KeysPath, nil, logger)
		if err != nil {
			return nil, err
		}
		checker = kc
	}

	h.surface = control.New(
		h.instances, builtin.NewRegistry(), h.backend, h.engine, h.transport,
		h.queue, h.cc, h.actuators, h.fb, checker, cfg.PresetDir, logger,
	)

	h.midiDispatch = midi.NewDispatcher(h.cc, h.instances, h.transport, h.queue)

	h.dispatcher = server.NewDispatcher(h.surface, h.monitor, logger)
	h.controlSrv = server.NewControl(h.dispatcher, logger)

	if err := h.installGlobalInstance(); err != nil {
		return nil, err
	}
	if err := h.installMIDIDispatcher(); err != nil {
		return nil, err
	}
	h.installTimebaseMaster()

	return h, nil
}

// Surface exposes the control surface for the interactive terminal and
// tests.
func (h *Host) Surface() *control.Surface { return h.surface }

// Handler exposes the protocol dispatcher so the interactive terminal
// feeds typed lines through exactly the same path as the TCP socket.
func (h *Host) Handler() server.Handler { return h.dispatcher }

// nullPlugin backs the global instance: it has no DSP, only virtual
// transport ports, but the RT callback still needs an Instance to run.
type nullPlugin struct{}

var _ plugin.Instance = nullPlugin{}

func (nullPlugin) ConnectAudioPort(int, []float32) {}
func (nullPlugin) ConnectControlPort(int, *float32) {}
func (nullPlugin) ConnectEventPort(int, []byte)    {}
func (nullPlugin) Activate() error                 { return nil }
func (nullPlugin) Deactivate() error               { return nil }
func (nullPlugin) Run(int)                         {}
func (nullPlugin) Extension(string) any            { return nil }
func (nullPlugin) Cleanup()                        {}

// installGlobalInstance creates the reserved slot holding the virtual
// transport ports (:rolling, :bpb, :bpm) and registers its process
// callback, which doubles as the once-per-cycle timebase tick driver.
func (h *Host) installGlobalInstance() error {
	client, err := h.backend.NewClient(fmt.Sprintf("effect_%d", instance.GlobalInstanceID))
	if err != nil {
		return fmt.Errorf("host: global instance client: %w", err)
	}

	inst := instance.New(instance.GlobalInstanceID, "urn:modhostd:global")
	inst.Plugin = nullPlugin{}
	inst.ClientName = client.Name()
	inst.AudioServerClient = client

	snap := h.transport.Snapshot()
	inst.AddPort(&port.Port{
		Index: -1, Symbol: ":rolling", Type: port.TypeControl, Flow: port.FlowInput,
		Min: 0, Max: 1, Default: 0, Hints: port.HintToggle, ServerIndex: port.Absent,
	})
	inst.AddPort(&port.Port{
		Index: -1, Symbol: ":bpb", Type: port.TypeControl, Flow: port.FlowInput,
		Min: 1, Max: 16, Default: float32(snap.BPB), Current: float32(snap.BPB),
		Hints: port.HintInteger, ServerIndex: port.Absent,
	})
	inst.AddPort(&port.Port{
		Index: -1, Symbol: ":bpm", Type: port.TypeControl, Flow: port.FlowInput,
		Min: 20, Max: 280, Default: float32(snap.BPM), Current: float32(snap.BPM),
		ServerIndex: port.Absent,
	})
	inst.Finalize()

	client.SetProcessCallback(h.engine.BuildProcessCallback(inst, client, process.PortRefs{}))
	if err := client.Activate(); err != nil {
		return fmt.Errorf("host: global instance activate: %w", err)
	}

	h.instances.Put(instance.GlobalInstanceID, inst)
	return nil
}

// installMIDIDispatcher registers the client owning the global MIDI
// input port; its process callback routes every incoming event through
// the CC mapping table and learn pointer.
func (h *Host) installMIDIDispatcher() error {
	client, err := h.backend.NewClient("modhostd")
	if err != nil {
		return fmt.Errorf("host: midi dispatcher client: %w", err)
	}
	ref, err := client.RegisterPort("midi_in", audioserver.KindMIDI, port.FlowInput)
	if err != nil {
		return fmt.Errorf("host: midi_in port: %w", err)
	}
	client.SetProcessCallback(func(nframes int) {
		for _, ev := range client.MIDIEvents(ref) {
			h.midiDispatch.HandleEvent(ev.Data)
		}
	})
	if err := client.Activate(); err != nil {
		return fmt.Errorf("host: midi dispatcher activate: %w", err)
	}
	return nil
}

// installTimebaseMaster registers the timebase callback filling the
// position the audio server publishes: 4/4-style beat type, 1920 ticks
// per beat, and the shared tick the engine advances every cycle.
func (h *Host) installTimebaseMaster() {
	h.backend.BecomeTimebaseMaster(func(pos *audioserver.TimebasePosition) {
		pos.BeatsPerBar = h.transport.BPB()
		pos.BeatsPerMinute = h.transport.BPM()
		pos.BeatType = 4
		pos.TicksPerBeat = 1920
		pos.Tick = h.transport.Tick()
	})
	h.transport.SetTimebaseMaster(true)
}

// Start brings the host online: feedback thread, TCP surfaces, audio
// backend, and (optionally) mDNS announcement.
func (h *Host) Start() error {
	h.fb.Start()

	if err := h.controlSrv.Listen(fmt.Sprintf(":%d", h.cfg.ControlPort)); err != nil {
		return err
	}
	if err := h.feedbackSrv.Listen(fmt.Sprintf(":%d", h.cfg.FeedbackPort)); err != nil {
		return err
	}
	if err := h.backend.Start(); err != nil {
		return err
	}

	if h.cfg.Discover {
		a, err := discovery.Announce("modhostd", h.cfg.ControlPort, h.cfg.FeedbackPort, h.log)
		if err != nil {
			h.log.Warn("mDNS announcement failed", "err", err)
		} else {
			h.announcer = a
		}
	}

	if h.cfg.GPIOChip != "" {
		lines := make([]hwcontrol.Line, len(h.cfg.GPIOLines))
		for i, l := range h.cfg.GPIOLines {
			lines[i] = hwcontrol.Line{Offset: l.Offset, DeviceID: l.DeviceID, ActuatorID: l.ActuatorID}
		}
		w, err := hwcontrol.NewGPIOWatcher(h.cfg.GPIOChip, lines, h.handleActuator, h.log)
		if err != nil {
			h.log.Warn("GPIO watcher unavailable", "chip", h.cfg.GPIOChip, "err", err)
		} else {
			h.gpio = w
		}
	}
	if h.cfg.WatchUSB {
		w, err := hwcontrol.NewUSBWatcher(h.log)
		if err != nil {
			h.log.Warn("USB watcher unavailable", "err", err)
		} else {
			h.usb = w
		}
	}

	h.log.Info("host running",
		"backend", h.cfg.Backend,
		"control_port", h.cfg.ControlPort,
		"feedback_port", h.cfg.FeedbackPort)
	return nil
}

// handleActuator routes a hardware edge through the actuator assignment
// table exactly like the MIDI dispatcher routes a CC through its slot
// array: scale, write the port, enqueue param_set feedback.
func (h *Host) handleActuator(deviceID, actuatorID int, pressed bool) {
	a, ok := h.actuators.Match(deviceID, actuatorID)
	if !ok {
		return
	}
	raw := 0
	if pressed {
		raw = 127
	}
	value := a.ScaleValue(raw)

	inst, ok := h.instances.Get(a.EffectID)
	if !ok {
		return
	}
	inst.SetParameter(a.Symbol, value)

	if ev, ok := h.queue.Allocate(); ok {
		ev.Kind = postponed.KindParamSet
		ev.InstanceID = a.EffectID
		ev.SymbolID = inst.SymbolID(a.Symbol)
		ev.Symbol = a.Symbol
		ev.Value = value
		h.queue.Enqueue(ev)
	}
}

// Stop tears the host down in reverse order of Start.
func (h *Host) Stop() {
	if h.announcer != nil {
		h.announcer.Stop()
	}
	if h.gpio != nil {
		h.gpio.Close()
	}
	if h.usb != nil {
		h.usb.Close()
	}
	h.backend.Stop()
	h.controlSrv.Close()
	h.feedbackSrv.Close()
	h.monitor.Stop()
	h.surface.Remove(control.RemoveAll)
	h.fb.Stop()
}
