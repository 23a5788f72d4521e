// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads wiredecode settings from wiredecode.yaml, WIREDECODE_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. WIREDECODE_LOG_LEVEL.
const EnvPrefix = "WIREDECODE"

// Config is the complete configuration
type Config struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Devices    []DeviceConfig   `mapstructure:"devices" yaml:"devices"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ConnectionConfig selects the byte transport
type ConnectionConfig struct {
	Port        string `mapstructure:"port" yaml:"port,omitempty"`
	Baud        int    `mapstructure:"baud" yaml:"baud"`
	DataBits    int    `mapstructure:"data_bits" yaml:"data_bits"`
	Parity      string `mapstructure:"parity" yaml:"parity"`
	StopBits    int    `mapstructure:"stop_bits" yaml:"stop_bits"`
	URL         string `mapstructure:"url" yaml:"url,omitempty"`
	Username    string `mapstructure:"username" yaml:"username,omitempty"`
	NoSSLVerify bool   `mapstructure:"no_ssl_verify" yaml:"no_ssl_verify"`
}

// DeviceConfig describes one decoder instance
type DeviceConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	Protocol     string        `mapstructure:"protocol" yaml:"protocol"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StaleTimeout time.Duration `mapstructure:"stale_timeout" yaml:"stale_timeout,omitempty"`

	CSE7761   CSE7761Config   `mapstructure:"cse7761" yaml:"cse7761,omitempty"`
	HLW8032   HLW8032Config   `mapstructure:"hlw8032" yaml:"hlw8032,omitempty"`
	Modbus    ModbusConfig    `mapstructure:"modbus" yaml:"modbus,omitempty"`
	Kamstrup  KamstrupConfig  `mapstructure:"kamstrup" yaml:"kamstrup,omitempty"`
	IEC62056  IEC62056Config  `mapstructure:"iec62056" yaml:"iec62056,omitempty"`
	Hydreon   HydreonConfig   `mapstructure:"hydreon" yaml:"hydreon,omitempty"`
	Pylontech PylontechConfig `mapstructure:"pylontech" yaml:"pylontech,omitempty"`
}

// CSE7761Config holds the reference coefficients
type CSE7761Config struct {
	VoltageRef uint32 `mapstructure:"voltage_ref" yaml:"voltage_ref"`
	CurrentRef uint32 `mapstructure:"current_ref" yaml:"current_ref"`
	PowerRef   uint32 `mapstructure:"power_ref" yaml:"power_ref"`
}

// HLW8032Config holds the external divider coefficients
type HLW8032Config struct {
	VoltageDivider float64 `mapstructure:"voltage_divider" yaml:"voltage_divider"`
	CurrentShunt   float64 `mapstructure:"current_shunt" yaml:"current_shunt"`
}

// ModbusConfig selects a slave and its register map
type ModbusConfig struct {
	Address uint8  `mapstructure:"address" yaml:"address"`
	Vendor  string `mapstructure:"vendor" yaml:"vendor"`
}

// KamstrupConfig lists registers to poll
type KamstrupConfig struct {
	Registers []uint16 `mapstructure:"registers" yaml:"registers,omitempty"`
}

// IEC62056Config controls the meter session
type IEC62056Config struct {
	MaxBaud           int           `mapstructure:"max_baud" yaml:"max_baud"`
	Retries           int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	UpdateInterval    time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
	BatteryMeter      bool          `mapstructure:"battery_meter" yaml:"battery_meter"`
	ModeD             bool          `mapstructure:"mode_d" yaml:"mode_d"`
	OBIS              []string      `mapstructure:"obis" yaml:"obis,omitempty"`
}

// HydreonConfig selects the rain sensor model
type HydreonConfig struct {
	Model          string `mapstructure:"model" yaml:"model"`
	HighResolution bool   `mapstructure:"high_resolution" yaml:"high_resolution"`
	DisableLED     bool   `mapstructure:"disable_led" yaml:"disable_led"`
}

// PylontechConfig limits the battery count
type PylontechConfig struct {
	Batteries int `mapstructure:"batteries" yaml:"batteries"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("wiredecode")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/wiredecode")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Line defaults used when neither the config nor the protocol sets them.
const (
	DefaultBaud     = 115200
	DefaultDataBits = 8
	DefaultParity   = "none"
	DefaultStopBits = 1
)

// Load reads the config file (explicit path or search paths) into a Config.
// A missing file is not an error when no explicit path was given.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Connection.Parity {
	case "", "none", "even", "odd":
	default:
		return fmt.Errorf("unsupported parity %q", c.Connection.Parity)
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device %d has no name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		if d.Protocol == "" {
			return fmt.Errorf("device %q has no protocol", d.Name)
		}
	}
	return nil
}

// WithDefaults fills unset line settings from the given values, then from
// the package defaults.
func (c ConnectionConfig) WithDefaults(baud, dataBits int, parity string, stopBits int) ConnectionConfig {
	if c.Baud == 0 {
		c.Baud = baud
	}
	if c.DataBits == 0 {
		c.DataBits = dataBits
	}
	if c.Parity == "" {
		c.Parity = parity
	}
	if c.StopBits == 0 {
		c.StopBits = stopBits
	}
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.DataBits == 0 {
		c.DataBits = DefaultDataBits
	}
	if c.Parity == "" {
		c.Parity = DefaultParity
	}
	if c.StopBits == 0 {
		c.StopBits = DefaultStopBits
	}
	return c
}

// Device looks up a device by name.
func (c *Config) Device(name string) (*DeviceConfig, error) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %q not found", name)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
