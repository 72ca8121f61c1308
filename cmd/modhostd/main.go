// Command modhostd is a headless host for realtime audio/MIDI
// signal-processing plugins: it loads plugins on demand, wires their
// ports into the audio graph, drives them from the audio callback, and
// exposes the line-oriented control protocol over TCP.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/mod-host-go/modhostd/internal/config"
	"github.com/mod-host-go/modhostd/internal/host"
)

func main() {
	cfg, err := config.FromArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "modhostd: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "modhostd",
	})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	h, err := host.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	if err := h.Start(); err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	if cfg.Interactive {
		go func() {
			if err := runInteractive(h.Handler(), os.Stdout); err != nil {
				logger.Debug("interactive terminal unavailable", "err", err)
				return
			}
			close(quit)
		}()
	}

	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-quit:
		logger.Info("shutting down", "reason", "quit")
	}

	h.Stop()
}
