package hwcontrol

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/jochenvg/go-udev"
)

// USBWatcher logs USB control-surface attach/detach. It does not
// configure the device itself (ALSA/JACK own that); it exists so
// external hardware assignments are observable without the core
// depending on udev directly.
type USBWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewUSBWatcher starts watching the "usb" subsystem for add/remove
// events on a background goroutine.
func NewUSBWatcher(logger *log.Logger) (*USBWatcher, error) {
	u := udev.Udev{}
	monitor := u.NewMonitorFromNetlink("udev")
	if err := monitor.FilterAddMatchSubsystem("usb"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	deviceCh, errCh, err := monitor.DeviceChan(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	w := &USBWatcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case dev, ok := <-deviceCh:
				if !ok {
					return
				}
				logger.Info("usb device event", "action", dev.Action(), "syspath", dev.Syspath())
			case err, ok := <-errCh:
				if !ok {
					return
				}
				logger.Warn("usb monitor error", "err", err)
			}
		}
	}()
	return w, nil
}

// Close stops the background watcher goroutine.
func (w *USBWatcher) Close() {
	w.cancel()
	<-w.done
}
