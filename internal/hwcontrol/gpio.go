package hwcontrol

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/warthog618/go-gpiocdev"
)

// ButtonHandler receives a debounced edge from one watched GPIO line,
// already resolved to the actuator's (deviceID, actuatorID) pair.
type ButtonHandler func(deviceID, actuatorID int, pressed bool)

// GPIOWatcher binds a set of GPIO lines (footswitches, rotary encoder
// quadrature pins) to the same (device, actuator) addressing cc_map
// uses, so a physical button is indistinguishable from a mapped MIDI CC
// from the control surface's point of view.
type GPIOWatcher struct {
	chip  *gpiocdev.Chip
	lines []*gpiocdev.Line
	log   *log.Logger
}

// Line describes one GPIO offset to watch and the actuator identity it
// reports events as.
type Line struct {
	Offset     int
	DeviceID   int
	ActuatorID int
}

// NewGPIOWatcher opens chipName (e.g. "gpiochip0") and requests an
// edge-triggered input line for each entry in lines, invoking handler on
// every press/release.
func NewGPIOWatcher(chipName string, lines []Line, handler ButtonHandler, logger *log.Logger) (*GPIOWatcher, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("hwcontrol: open %s: %w", chipName, err)
	}

	w := &GPIOWatcher{chip: chip, log: logger}
	for _, l := range lines {
		l := l
		evHandler := func(evt gpiocdev.LineEvent) {
			pressed := evt.Type == gpiocdev.LineEventFallingEdge
			handler(l.DeviceID, l.ActuatorID, pressed)
		}
		line, err := chip.RequestLine(l.Offset,
			gpiocdev.AsInput,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(evHandler),
		)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("hwcontrol: request line %d: %w", l.Offset, err)
		}
		w.lines = append(w.lines, line)
	}
	return w, nil
}

// Close releases every requested line and the chip handle.
func (w *GPIOWatcher) Close() {
	for _, l := range w.lines {
		if l != nil {
			l.Close()
		}
	}
	if w.chip != nil {
		w.chip.Close()
	}
}
