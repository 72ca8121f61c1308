// Package discovery announces the host's control socket over mDNS/DNS-SD
// so control surfaces and editors on the LAN can find a running host
// without a hardcoded address.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// ServiceType is the DNS-SD service type the host announces under.
const ServiceType = "_mod-host._tcp"

// Announcer owns one mDNS responder advertising the control port.
type Announcer struct {
	log    *log.Logger
	cancel context.CancelFunc
}

// Announce starts advertising the control socket on controlPort as
// "name". The responder runs on its own goroutine until Stop.
func Announce(name string, controlPort, feedbackPort int, logger *log.Logger) (*Announcer, error) {
	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: controlPort,
		Text: map[string]string{
			"feedback": fmt.Sprintf("%d", feedbackPort),
		},
	}

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Announcer{log: logger, cancel: cancel}
	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("mDNS responder stopped", "err", err)
		}
	}()

	logger.Info("announcing control socket over mDNS", "name", name, "type", ServiceType, "port", controlPort)
	return a, nil
}

// Stop withdraws the announcement.
func (a *Announcer) Stop() {
	a.cancel()
}
