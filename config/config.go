// Package config loads and persists the chamber's hardware topology and
// per-source safety parameters as YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lattice-mbe/lattice/device"
)

// Validation sentinel errors.
var (
	ErrDuplicateName     = errors.New("config: duplicate device name")
	ErrDuplicateChannel  = errors.New("config: duplicate channel name")
	ErrDuplicateAddress  = errors.New("config: duplicate device address on channel")
	ErrMissingPort       = errors.New("config: channel has no serial port")
	ErrUnknownAddressSet = errors.New("config: unknown address set")
	ErrUnknownSource     = errors.New("config: unknown source")
)

// Config is the persisted chamber description: the serial channel topology
// plus per-source safety parameters, keyed by source name.
type Config struct {
	Channels []ChannelConfig         `yaml:"channels"`
	Safety   map[string]SafetyConfig `yaml:"safety,omitempty"`
}

// ChannelConfig describes one serial channel and the devices attached to it.
type ChannelConfig struct {
	Name     string          `yaml:"name"`
	Port     string          `yaml:"port"`
	Baud     int             `yaml:"baud,omitempty"`
	Gauges   []GaugeConfig   `yaml:"gauges,omitempty"`
	Shutters []ShutterConfig `yaml:"shutters,omitempty"`
	Sources  []SourceConfig  `yaml:"sources,omitempty"`
}

// GaugeConfig describes one pressure gauge on a channel. Address is the
// two-character bus address embedded in every gauge command.
type GaugeConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// ShutterConfig describes one shutter actuator on a channel.
type ShutterConfig struct {
	Name    string `yaml:"name"`
	Address int    `yaml:"address"`
}

// SourceConfig describes one source controller on a channel. AddressSet
// names the register profile for its controller model and loop.
type SourceConfig struct {
	Name       string `yaml:"name"`
	DeviceID   byte   `yaml:"device_id"`
	AddressSet string `yaml:"address_set"`
}

// SafetyConfig is the persisted form of a source's safety envelope.
type SafetyConfig struct {
	SafeRateLimit      float64 `yaml:"safe_rate_limit"`
	SafeFrom           float64 `yaml:"safe_from"`
	SafeTo             float64 `yaml:"safe_to"`
	MaxSetpoint        float64 `yaml:"max_setpoint"`
	StabilityTolerance float64 `yaml:"stability_tolerance"`
}

// Params converts the record into the driver's safety parameter struct.
func (s SafetyConfig) Params() device.SafetyParams {
	return device.SafetyParams{
		SafeRateLimit:      s.SafeRateLimit,
		SafeFrom:           s.SafeFrom,
		SafeTo:             s.SafeTo,
		MaxSetpoint:        s.MaxSetpoint,
		StabilityTolerance: s.StabilityTolerance,
	}
}

// Load parses a config from r and validates it.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile parses and validates the named YAML file.
func LoadFile(name string) (*Config, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", name, err)
	}
	defer f.Close()

	return Load(f)
}

// Save writes the config to w as YAML.
func (c *Config) Save(w io.Writer) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal yaml: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}

	return nil
}

// SaveFile writes the config to the named file, creating or truncating it.
func (c *Config) SaveFile(name string) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", name, err)
	}

	if err := c.Save(f); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

// Validate checks the topology: channel names and ports present and unique,
// device names unique across the whole chamber, device addresses unique per
// device type within each channel, and every source's address set known to
// the driver catalog.
func (c *Config) Validate() error {
	chNames := make(map[string]struct{}, len(c.Channels))
	devNames := make(map[string]struct{})

	addDev := func(name string) error {
		if name == "" {
			return fmt.Errorf("%w: empty device name", ErrDuplicateName)
		}
		if _, ok := devNames[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		devNames[name] = struct{}{}

		return nil
	}

	for _, ch := range c.Channels {
		if ch.Port == "" {
			return fmt.Errorf("%w: channel %q", ErrMissingPort, ch.Name)
		}
		if _, ok := chNames[ch.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateChannel, ch.Name)
		}
		chNames[ch.Name] = struct{}{}

		gaugeAddrs := make(map[string]struct{}, len(ch.Gauges))
		shutterAddrs := make(map[int]struct{}, len(ch.Shutters))
		sourceIDs := make(map[byte]struct{}, len(ch.Sources))

		for _, g := range ch.Gauges {
			if err := addDev(g.Name); err != nil {
				return err
			}
			if _, ok := gaugeAddrs[g.Address]; ok {
				return fmt.Errorf("%w: gauge address %q on channel %q",
					ErrDuplicateAddress, g.Address, ch.Name)
			}
			gaugeAddrs[g.Address] = struct{}{}
		}
		for _, s := range ch.Shutters {
			if err := addDev(s.Name); err != nil {
				return err
			}
			if _, ok := shutterAddrs[s.Address]; ok {
				return fmt.Errorf("%w: shutter address %d on channel %q",
					ErrDuplicateAddress, s.Address, ch.Name)
			}
			shutterAddrs[s.Address] = struct{}{}
		}
		for _, s := range ch.Sources {
			if err := addDev(s.Name); err != nil {
				return err
			}
			if _, ok := sourceIDs[s.DeviceID]; ok {
				return fmt.Errorf("%w: source device id %d on channel %q",
					ErrDuplicateAddress, s.DeviceID, ch.Name)
			}
			sourceIDs[s.DeviceID] = struct{}{}
			if !device.IsKnownAddressSet(s.AddressSet) {
				return fmt.Errorf("%w: %q for source %q (known: %v)",
					ErrUnknownAddressSet, s.AddressSet, s.Name, device.AddressSets())
			}
		}
	}

	for name := range c.Safety {
		if _, ok := devNames[name]; !ok {
			return fmt.Errorf("%w: safety entry %q", ErrUnknownSource, name)
		}
	}

	return nil
}

// SafetyFor returns the safety record for the named source; ok is false when
// none is stored.
func (c *Config) SafetyFor(name string) (SafetyConfig, bool) {
	s, ok := c.Safety[name]

	return s, ok
}

// UpdateSafety stores an edited safety record for the named source. The
// source must exist in the topology. Callers persist with SaveFile.
func (c *Config) UpdateSafety(name string, s SafetyConfig) error {
	found := false
	for _, ch := range c.Channels {
		for _, src := range ch.Sources {
			if src.Name == name {
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}

	if c.Safety == nil {
		c.Safety = make(map[string]SafetyConfig)
	}
	c.Safety[name] = s

	return nil
}
