// Package config loads the daemon configuration from a TOML file:
// per-channel firmware compatibility modes, IPC listen address, logging
// and firmware-emulator tuning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"reprapd/pkg/channel"
	"reprapd/pkg/errors"
)

// Compatibility selects the reply dialect expected by a channel's
// consumer.
type Compatibility int

const (
	// RepRapFirmware is the native reply dialect.
	RepRapFirmware Compatibility = iota

	// Marlin emulates classic-firmware replies: results are terminated
	// with "ok" markers.
	Marlin
)

// String returns the compatibility name.
func (c Compatibility) String() string {
	if c == Marlin {
		return "Marlin"
	}
	return "RepRapFirmware"
}

// ParseCompatibility parses a compatibility name.
func ParseCompatibility(s string) (Compatibility, error) {
	switch strings.ToLower(s) {
	case "", "reprapfirmware", "rrf":
		return RepRapFirmware, nil
	case "marlin":
		return Marlin, nil
	default:
		return 0, fmt.Errorf("config: unknown compatibility %q", s)
	}
}

// ChannelConfig is the per-channel section.
type ChannelConfig struct {
	Compatibility string `toml:"compatibility"`
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// IPCConfig is the [ipc] section.
type IPCConfig struct {
	Listen string `toml:"listen"`
}

// FirmwareConfig is the [firmware] section, tuning the emulator.
type FirmwareConfig struct {
	LatencyMS int `toml:"latency_ms"`
	JitterMS  int `toml:"jitter_ms"`
}

// MacroConfig is the [macros] section.
type MacroConfig struct {
	Dir string `toml:"dir"`
}

// Config is the full daemon configuration.
type Config struct {
	Log      LogConfig                `toml:"log"`
	IPC      IPCConfig                `toml:"ipc"`
	Firmware FirmwareConfig           `toml:"firmware"`
	Macros   MacroConfig              `toml:"macros"`
	Channels map[string]ChannelConfig `toml:"channels"`

	compat [channel.NumChannels]Compatibility
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		IPC:      IPCConfig{Listen: "127.0.0.1:7125"},
		Firmware: FirmwareConfig{LatencyMS: 5, JitterMS: 10},
		Macros:   MacroConfig{Dir: "macros"},
	}
	return cfg
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.ConfigError(path, err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve validates channel names and compatibility values and builds
// the channel-indexed lookup table.
func (c *Config) resolve() error {
	for name, cc := range c.Channels {
		ch, err := channel.Parse(name)
		if err != nil {
			return errors.Wrap(err, errors.ErrConfigValidation, "invalid channel section").
				SetChannel(name)
		}
		compat, err := ParseCompatibility(cc.Compatibility)
		if err != nil {
			return errors.Wrap(err, errors.ErrConfigValidation, "invalid compatibility").
				SetChannel(name)
		}
		c.compat[ch] = compat
	}
	return nil
}

// CompatibilityFor returns the channel's configured compatibility mode,
// RepRapFirmware unless configured otherwise.
func (c *Config) CompatibilityFor(ch channel.Channel) Compatibility {
	if !ch.Valid() {
		return RepRapFirmware
	}
	return c.compat[ch]
}

// SetCompatibility overrides one channel's compatibility mode.
func (c *Config) SetCompatibility(ch channel.Channel, compat Compatibility) {
	c.compat[ch] = compat
}

// FirmwareLatency returns the emulator latency as a duration.
func (c *Config) FirmwareLatency() time.Duration {
	return time.Duration(c.Firmware.LatencyMS) * time.Millisecond
}

// FirmwareJitter returns the emulator jitter as a duration.
func (c *Config) FirmwareJitter() time.Duration {
	return time.Duration(c.Firmware.JitterMS) * time.Millisecond
}
