package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/mod-host-go/modhostd/internal/control"
	"github.com/mod-host-go/modhostd/internal/errtag"
	"github.com/mod-host-go/modhostd/internal/hwcontrol"
)

// Dispatcher maps tokenized control-protocol lines onto control.Surface
// entry points and formats the "resp <code>[ <value>]" reply.
type Dispatcher struct {
	surface *control.Surface
	monitor *Monitor
	log     *log.Logger
}

// NewDispatcher wires a Dispatcher to the surface and the monitor
// connection monitor_start manages.
func NewDispatcher(surface *control.Surface, monitor *Monitor, logger *log.Logger) *Dispatcher {
	return &Dispatcher{surface: surface, monitor: monitor, log: logger}
}

const helpText = "commands: add remove connect disconnect bypass param_set param_get " +
	"property_set param_monitor monitor_output monitor_start monitor_stop preset_load " +
	"preset_save preset_show midi_learn midi_map midi_unmap cc_map cc_unmap " +
	"feature_enable transport output_data_ready snapshot help quit"

// HandleLine implements Handler.
func (d *Dispatcher) HandleLine(line string) (string, bool) {
	tokens := Tokenize(line)
	if len(tokens) == 0 {
		return "", false
	}
	cmd, args := tokens[0], tokens[1:]

	switch cmd {
	case "help":
		return helpText, false
	case "quit":
		return respCode(nil), true
	}

	resp, err := d.dispatch(cmd, args)
	if err != nil {
		d.log.Debug("command failed", "cmd", cmd, "err", err)
		return respCode(err), false
	}
	return resp, false
}

func (d *Dispatcher) dispatch(cmd string, args []string) (string, *errtag.Code) {
	switch cmd {
	case "add":
		uri, id, ok := parseURIID(args)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		return respCode(d.surface.Add(context.Background(), uri, id)), nil

	case "remove":
		if len(args) != 1 {
			return "", errtag.InstanceInvalid
		}
		id, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return "", errtag.InstanceInvalid
		}
		return respCode(d.surface.Remove(int32(id))), nil

	case "connect":
		if len(args) != 2 {
			return "", errtag.JackConnection
		}
		return respCode(d.surface.Connect(args[0], args[1])), nil

	case "disconnect":
		if len(args) != 2 {
			return "", errtag.JackConnection
		}
		return respCode(d.surface.Disconnect(args[0], args[1])), nil

	case "bypass":
		id, rest, ok := parseID(args, 1)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		return respCode(d.surface.Bypass(id, rest[0] != "0")), nil

	case "param_set":
		id, rest, ok := parseID(args, 2)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		v, err := parseFloat(rest[1])
		if err != nil {
			return "", errtag.LV2InvalidParamSymbol
		}
		return respCode(d.surface.SetParameter(id, rest[0], v)), nil

	case "param_get":
		id, rest, ok := parseID(args, 1)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		v, code := d.surface.GetParameter(id, rest[0])
		if code != nil {
			return "", code
		}
		return fmt.Sprintf("resp 0 %.4f", v), nil

	case "property_set":
		id, rest, ok := parseID(args, 2)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		v, err := parseFloat(rest[1])
		if err != nil {
			return "", errtag.LV2InvalidParamSymbol
		}
		return respCode(d.surface.SetProperty(id, rest[0], v)), nil

	case "param_monitor":
		id, rest, ok := parseID(args, 3)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		v, err := parseFloat(rest[2])
		if err != nil {
			return "", errtag.AssignmentInvalidOp
		}
		if !d.monitor.Open() {
			return "", errtag.AssignmentInvalidOp
		}
		return respCode(d.surface.MonitorParameter(id, rest[0], rest[1], v)), nil

	case "monitor_output":
		id, rest, ok := parseID(args, 1)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		return respCode(d.surface.MonitorOutput(id, rest[0])), nil

	case "monitor_start":
		if len(args) != 2 {
			return "", errtag.AssignmentInvalidOp
		}
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return "", errtag.AssignmentInvalidOp
		}
		if err := d.monitor.Start(args[0], port); err != nil {
			d.log.Warn("monitor connection failed", "host", args[0], "port", port, "err", err)
			return "", errtag.JackConnection
		}
		return respCode(nil), nil

	case "monitor_stop":
		d.monitor.Stop()
		return respCode(nil), nil

	case "preset_load":
		id, rest, ok := parseID(args, 1)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		return respCode(d.surface.PresetLoad(id, rest[0])), nil

	case "preset_save":
		id, rest, ok := parseID(args, 3)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		// wire order: preset_save <id> <label> <dir> <file>
		return respCode(d.surface.PresetSave(id, rest[1], rest[2], rest[0])), nil

	case "preset_show":
		if len(args) != 1 {
			return "", errtag.LV2InvalidPresetURI
		}
		state, code := d.surface.PresetShow(args[0])
		if code != nil {
			return "", code
		}
		return "resp 0 " + state, nil

	case "midi_learn":
		id, rest, ok := parseID(args, 3)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		min, err1 := parseFloat(rest[1])
		max, err2 := parseFloat(rest[2])
		if err1 != nil || err2 != nil {
			return "", errtag.AssignmentInvalidOp
		}
		return respCode(d.surface.MIDILearn(id, rest[0], min, max)), nil

	case "midi_map":
		id, rest, ok := parseID(args, 5)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		ch, err1 := strconv.Atoi(rest[1])
		cc, err2 := strconv.Atoi(rest[2])
		min, err3 := parseFloat(rest[3])
		max, err4 := parseFloat(rest[4])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return "", errtag.AssignmentInvalidOp
		}
		return respCode(d.surface.MIDIMap(id, rest[0], ch, cc, min, max)), nil

	case "midi_unmap":
		id, rest, ok := parseID(args, 1)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		return respCode(d.surface.MIDIUnmap(id, rest[0])), nil

	case "cc_map":
		req, ok := parseCCMap(args)
		if !ok {
			return "", errtag.AssignmentInvalidOp
		}
		return respCode(d.surface.CCMap(req)), nil

	case "cc_unmap":
		id, rest, ok := parseID(args, 1)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		return respCode(d.surface.CCUnmap(id, rest[0])), nil

	case "feature_enable":
		if len(args) != 2 {
			return "", errtag.AssignmentInvalidOp
		}
		return respCode(d.surface.FeatureEnable(args[0], args[1] != "0")), nil

	case "transport":
		if len(args) != 3 {
			return "", errtag.AssignmentInvalidOp
		}
		bpb, err1 := strconv.ParseFloat(args[1], 64)
		bpm, err2 := strconv.ParseFloat(args[2], 64)
		if err1 != nil || err2 != nil {
			return "", errtag.AssignmentInvalidOp
		}
		return respCode(d.surface.Transport(args[0] != "0", bpb, bpm)), nil

	case "output_data_ready":
		d.surface.OutputDataReady()
		return respCode(nil), nil

	case "snapshot":
		id, _, ok := parseID(args, 0)
		if !ok {
			return "", errtag.InstanceInvalid
		}
		values, code := d.surface.Snapshot(id)
		if code != nil {
			return "", code
		}
		return "resp 0 " + formatSnapshot(values), nil
	}

	return "", errtag.AssignmentInvalidOp
}

func respCode(code *errtag.Code) string {
	return fmt.Sprintf("resp %d", code.Value())
}

func parseFloat(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	return float32(v), err
}

// parseID parses args[0] as an instance ID and requires exactly n more
// arguments after it.
func parseID(args []string, n int) (int32, []string, bool) {
	if len(args) != n+1 {
		return 0, nil, false
	}
	id, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return 0, nil, false
	}
	return int32(id), args[1:], true
}

func parseURIID(args []string) (string, int32, bool) {
	if len(args) != 2 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return args[0], int32(id), true
}

// parseCCMap parses the long cc_map form:
// cc_map <id> <symbol> <device_id> <actuator_id> <label> <val> <min>
// <max> <steps> <unit> <n_scalepoints> [ <label> <value> ... ]
func parseCCMap(args []string) (control.CCMapRequest, bool) {
	var req control.CCMapRequest
	if len(args) < 11 {
		return req, false
	}
	id, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return req, false
	}
	req.InstanceID = int32(id)
	req.Symbol = args[1]

	var errs []error
	atoi := func(s string) int {
		v, err := strconv.Atoi(s)
		errs = append(errs, err)
		return v
	}
	atof := func(s string) float32 {
		v, err := strconv.ParseFloat(s, 32)
		errs = append(errs, err)
		return float32(v)
	}

	req.DeviceID = atoi(args[2])
	req.ActuatorID = atoi(args[3])
	req.Label = args[4]
	req.Value = atof(args[5])
	req.Min = atof(args[6])
	req.Max = atof(args[7])
	req.Steps = atoi(args[8])
	req.Unit = args[9]
	n := atoi(args[10])
	for _, err := range errs {
		if err != nil {
			return req, false
		}
	}

	if len(args) != 11+2*n {
		return req, false
	}
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(args[12+2*i], 32)
		if err != nil {
			return req, false
		}
		req.ScalePoints = append(req.ScalePoints, hwcontrol.ScalePoint{
			Label: args[11+2*i],
			Value: float32(v),
		})
	}
	return req, true
}

func formatSnapshot(values map[string]float32) string {
	symbols := make([]string, 0, len(values))
	for s := range values {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = fmt.Sprintf("%s %.4f", s, values[s])
	}
	return strings.Join(parts, " ")
}
