// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/internal/logging"
)

var (
	settings   = config.New()
	cfg        *config.Config
	configFile string

	// Device selection, shared by the decoding commands
	protocolName string
	deviceName   string
)

var rootCmd = &cobra.Command{
	Use:   "wiredecode",
	Short: "Serial device protocol decoder",
	Long: `wiredecode - decode the wire protocols of serial sensors, meters and
IR remotes.

Byte-stream decoders: cse7766, hlw8032, cse7761, pylontech, hydreon,
mr60bha2, mr24, iec62056, kamstrup and modbus (havells, epsolar, selec).
IR codecs: coolix, hitachi and trane.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 4800 --parity even]
  WebSocket: --url ws://host/path [--username user]

Line settings default to the selected protocol's (e.g. 4800 8E1 for cse7766).
Settings are also read from wiredecode.yaml and WIREDECODE_* variables.

For WebSocket authentication, the password is read from the WIREDECODE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ./wiredecode.yaml)")

	// Serial connection flags
	flags.StringP("port", "p", "", "Serial port device")
	flags.IntP("baud", "b", 0, "Baud rate (serial only, default per protocol)")
	flags.Int("data-bits", 0, "Data bits (default per protocol)")
	flags.String("parity", "", "Parity: none, even or odd (default per protocol)")
	flags.Int("stop-bits", 0, "Stop bits (default per protocol)")

	// WebSocket connection flags
	flags.StringP("url", "u", "", "WebSocket URL (ws:// or wss://)")
	flags.String("username", "", "Username for HTTP Basic auth")
	flags.Bool("no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Logging flags
	flags.String("log-level", "", "Log level: debug, info, warn, error (default silent)")
	flags.String("log-format", "console", "Log format: console or json")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")

	for key, name := range map[string]string{
		"connection.port":          "port",
		"connection.baud":          "baud",
		"connection.data_bits":     "data-bits",
		"connection.parity":        "parity",
		"connection.stop_bits":     "stop-bits",
		"connection.url":           "url",
		"connection.username":      "username",
		"connection.no_ssl_verify": "no-ssl-verify",
		"log.level":                "log-level",
		"log.format":               "log-format",
		"log.file":                 "log-file",
	} {
		_ = settings.BindPFlag(key, flags.Lookup(name))
	}
}

// addDeviceFlags registers --protocol and --device on a decoding command.
func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&protocolName, "protocol", "P", "", fmt.Sprintf("Protocol %v", device.Protocols()))
	cmd.Flags().StringVarP(&deviceName, "device", "d", "", "Device name from the config file")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(settings, configFile)
	if err != nil {
		return err
	}
	cfg = c

	return logging.Initialize(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
}

// selectedDevice resolves --device or --protocol into a device config.
func selectedDevice() (config.DeviceConfig, error) {
	if deviceName != "" {
		d, err := cfg.Device(deviceName)
		if err != nil {
			return config.DeviceConfig{}, err
		}
		if protocolName != "" && protocolName != d.Protocol {
			return config.DeviceConfig{}, fmt.Errorf("device %q uses protocol %s, not %s", d.Name, d.Protocol, protocolName)
		}
		return *d, nil
	}
	if protocolName == "" {
		return config.DeviceConfig{}, fmt.Errorf("either --protocol or --device must be specified")
	}
	if _, err := device.Lookup(protocolName); err != nil {
		return config.DeviceConfig{}, err
	}
	return config.DeviceConfig{Name: protocolName, Protocol: protocolName}, nil
}

// Execute runs the root command
func Execute() error {
	defer logging.Sync()
	return rootCmd.Execute()
}
