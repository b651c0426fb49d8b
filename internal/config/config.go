// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigurationMissing is returned when the configuration file is
	// absent, unreadable or not valid YAML. Callers fall back to Default().
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrConfigurationInvalid is returned when the file parses but a value is
	// out of range. Callers fall back to Default() as for a missing file.
	ErrConfigurationInvalid = errors.New("configuration invalid")
)

// Config is the qc3tune configuration file. Sections left out keep the values
// from Default().
type Config struct {
	QC3  QC3Config  `yaml:"qc3"`
	Link LinkConfig `yaml:"link"`
	Sim  SimConfig  `yaml:"sim"`
}

// QC3Config holds the negotiation engine settings.
type QC3Config struct {
	// OptiVoltage allows voltage optimization once the source is
	// authenticated. Absent means false.
	OptiVoltage bool `yaml:"opti_voltage"`
}

// LinkConfig tunes the psylink connection to the property host.
type LinkConfig struct {
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
}

// SimConfig describes the charger modelled by simulate and serve.
type SimConfig struct {
	LoadWatts         float64 `yaml:"load_watts"`
	InputCurrentLimit int     `yaml:"input_current_limit_ma"`
	SourceMaxCurrent  int     `yaml:"source_max_current_ma"`
	MaxPulses         int     `yaml:"max_pulses"`
	ParallelPresent   bool    `yaml:"parallel_present"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			RequestTimeout:      500 * time.Millisecond,
			ReconnectMaxBackoff: 30 * time.Second,
		},
		Sim: SimConfig{
			LoadWatts:         18,
			InputCurrentLimit: 2000,
			SourceMaxCurrent:  3000,
			MaxPulses:         20,
			ParallelPresent:   true,
		},
	}
}

// Load reads a YAML file over Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigurationMissing, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigurationMissing, path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigurationInvalid, path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Link.RequestTimeout <= 0 {
		return fmt.Errorf("link.request_timeout must be positive, got %v", c.Link.RequestTimeout)
	}
	if c.Link.ReconnectMaxBackoff <= 0 {
		return fmt.Errorf("link.reconnect_max_backoff must be positive, got %v", c.Link.ReconnectMaxBackoff)
	}
	if c.Sim.LoadWatts < 0 {
		return fmt.Errorf("sim.load_watts must not be negative, got %v", c.Sim.LoadWatts)
	}
	if c.Sim.MaxPulses < 0 || c.Sim.MaxPulses > 255 {
		return fmt.Errorf("sim.max_pulses out of range: %d", c.Sim.MaxPulses)
	}
	return nil
}

// SimSource converts the sim section to a charger model configuration.
func (c *Config) SimSource() psy.SimConfig {
	sc := psy.DefaultSimConfig()
	sc.LoadPower = int64(c.Sim.LoadWatts * 1e6)
	sc.InputCurrentLimit = c.Sim.InputCurrentLimit * 1000
	sc.SourceMaxCurrent = c.Sim.SourceMaxCurrent * 1000
	sc.MaxPulses = c.Sim.MaxPulses
	sc.ParallelPresent = c.Sim.ParallelPresent
	return sc
}
