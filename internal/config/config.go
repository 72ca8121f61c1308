// Package config resolves the host's runtime configuration from an
// optional YAML file overlaid with command-line flags. Flags win over
// the file; the file wins over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the resolved host configuration.
type Config struct {
	ControlPort  int `yaml:"control_port"`
	FeedbackPort int `yaml:"feedback_port"`

	SampleRate int `yaml:"sample_rate"`
	BlockSize  int `yaml:"block_size"`

	// Backend selects the audio server binding: "fake" (deterministic
	// ticker-driven graph) or "portaudio" (real device).
	Backend string `yaml:"backend"`

	LogLevel string `yaml:"log_level"`

	// Discover enables mDNS advertisement of the control/feedback ports.
	Discover bool `yaml:"discover"`

	// Interactive enables the raw-mode terminal command reader on the
	// controlling terminal (/dev/tty).
	Interactive bool `yaml:"interactive"`

	PresetDir string `yaml:"preset_dir"`

	// KeysPath mirrors the MOD_KEYS_PATH environment variable; the env
	// var wins if both are set. Trailing slash required, as the license
	// layer's path convention demands.
	KeysPath string `yaml:"keys_path"`

	// GPIOChip names a gpiochip device ("gpiochip0") whose lines drive
	// hardware actuator assignments; empty disables GPIO watching.
	// File-only: hardware wiring is installation config, not a flag.
	GPIOChip  string     `yaml:"gpio_chip"`
	GPIOLines []GPIOLine `yaml:"gpio_lines"`

	// WatchUSB enables logging of USB control-surface hot-plug events.
	WatchUSB bool `yaml:"watch_usb"`
}

// GPIOLine maps one GPIO offset to the (device, actuator) identity its
// edges report as, the same addressing cc_map uses.
type GPIOLine struct {
	Offset     int `yaml:"offset"`
	DeviceID   int `yaml:"device_id"`
	ActuatorID int `yaml:"actuator_id"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ControlPort:  5555,
		FeedbackPort: 5556,
		SampleRate:   48000,
		BlockSize:    256,
		Backend:      "fake",
		LogLevel:     "info",
		Interactive:  true,
		PresetDir:    "presets",
	}
}

// LoadFile overlays the YAML file at path onto c. A missing file is not
// an error when the path is the default one; callers pass explicit to
// distinguish "user asked for this file" from "probe the default".
func (c *Config) LoadFile(path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// FromArgs resolves the full configuration: defaults, then the config
// file, then flags, then the environment. args is os.Args[1:].
func FromArgs(args []string) (Config, error) {
	cfg := Defaults()

	fs := pflag.NewFlagSet("modhostd", pflag.ContinueOnError)
	configFile := fs.StringP("config-file", "c", "modhostd.yaml", "Configuration file name.")
	controlPort := fs.IntP("port", "p", cfg.ControlPort, "Control socket TCP port.")
	feedbackPort := fs.IntP("feedback-port", "f", cfg.FeedbackPort, "Feedback socket TCP port.")
	sampleRate := fs.IntP("sample-rate", "r", cfg.SampleRate, "Sample rate for the standalone audio backend.")
	blockSize := fs.IntP("block-size", "b", cfg.BlockSize, "Block size for the standalone audio backend.")
	backend := fs.StringP("backend", "B", cfg.Backend, "Audio backend: fake or portaudio.")
	logLevel := fs.StringP("log-level", "l", cfg.LogLevel, "Log level: debug, info, warn, error.")
	discover := fs.Bool("discover", cfg.Discover, "Announce the control socket over mDNS.")
	noInteractive := fs.BoolP("no-interactive", "n", false, "Disable the interactive terminal.")
	presetDir := fs.String("preset-dir", cfg.PresetDir, "Directory preset state is saved under.")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if err := cfg.LoadFile(*configFile, fs.Changed("config-file")); err != nil {
		return cfg, err
	}

	// Flags the user actually passed override the file.
	if fs.Changed("port") {
		cfg.ControlPort = *controlPort
	}
	if fs.Changed("feedback-port") {
		cfg.FeedbackPort = *feedbackPort
	}
	if fs.Changed("sample-rate") {
		cfg.SampleRate = *sampleRate
	}
	if fs.Changed("block-size") {
		cfg.BlockSize = *blockSize
	}
	if fs.Changed("backend") {
		cfg.Backend = *backend
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("discover") {
		cfg.Discover = *discover
	}
	if *noInteractive {
		cfg.Interactive = false
	}
	if fs.Changed("preset-dir") {
		cfg.PresetDir = *presetDir
	}

	if env := os.Getenv("MOD_KEYS_PATH"); env != "" {
		cfg.KeysPath = env
	}
	if cfg.KeysPath != "" && !strings.HasSuffix(cfg.KeysPath, "/") {
		return cfg, fmt.Errorf("config: MOD_KEYS_PATH must end with a trailing slash: %q", cfg.KeysPath)
	}

	return cfg, nil
}
