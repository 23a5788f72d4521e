// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Thermoquad/wiredecode/pkg/protocol/hydreon"
	"github.com/Thermoquad/wiredecode/pkg/protocol/iec62056"
	"github.com/Thermoquad/wiredecode/pkg/protocol/kamstrup"
	"github.com/Thermoquad/wiredecode/pkg/protocol/modbus"
	"github.com/Thermoquad/wiredecode/pkg/protocol/mr24"
	"github.com/Thermoquad/wiredecode/pkg/protocol/mr60bha2"
	"github.com/Thermoquad/wiredecode/pkg/protocol/pylontech"
)

// Command is a request an operator can send to a device by hand.
type Command struct {
	Name        string
	Description string
	// Arg describes the expected argument; empty when none is taken.
	Arg   string
	build func(arg string) ([]byte, error)
}

// Build encodes the command with its argument.
func (c Command) Build(arg string) ([]byte, error) {
	arg = strings.TrimSpace(arg)
	if c.Arg == "" && arg != "" {
		return nil, fmt.Errorf("%s takes no argument", c.Name)
	}
	if c.Arg != "" && arg == "" {
		return nil, fmt.Errorf("%s needs an argument: %s", c.Name, c.Arg)
	}
	return c.build(arg)
}

func fixed(msg []byte) func(string) ([]byte, error) {
	return func(string) ([]byte, error) { return msg, nil }
}

func text(cmd string) func(string) ([]byte, error) {
	return fixed([]byte(cmd))
}

func float32Arg(build func(float32) []byte) func(string) ([]byte, error) {
	return func(arg string) ([]byte, error) {
		f, err := strconv.ParseFloat(arg, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", arg)
		}
		return build(float32(f)), nil
	}
}

// uints parses n whitespace separated unsigned integers. Prefixes 0x and
// 0b are honoured.
func uints(arg string, n, bits int) ([]uint64, error) {
	parts := strings.Fields(arg)
	if len(parts) != n {
		return nil, fmt.Errorf("want %d values, got %d", n, len(parts))
	}
	out := make([]uint64, n)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 0, bits)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", p)
		}
		out[i] = v
	}
	return out, nil
}

var commands = map[string][]Command{
	MR60BHA2: {
		{Name: "get_parameters", Description: "Read install height, threshold and sensitivity", build: fixed(mr60bha2.GetParameters())},
		{Name: "reset", Description: "Restart the radar", build: fixed(mr60bha2.ResetRadar())},
		{Name: "install_height", Description: "Set installation height", Arg: "meters", build: float32Arg(mr60bha2.SetInstallHeight)},
		{Name: "height_threshold", Description: "Set fall detection height", Arg: "meters", build: float32Arg(mr60bha2.SetHeightThreshold)},
		{Name: "sensitivity", Description: "Set detection sensitivity", Arg: "level", build: func(arg string) ([]byte, error) {
			v, err := uints(arg, 1, 32)
			if err != nil {
				return nil, err
			}
			return mr60bha2.SetSensitivity(uint32(v[0])), nil
		}},
	},
	MR24: {
		{Name: "read", Description: "Read an address pair", Arg: "addr1 addr2", build: func(arg string) ([]byte, error) {
			v, err := uints(arg, 2, 8)
			if err != nil {
				return nil, err
			}
			return mr24.ReadRequest(byte(v[0]), byte(v[1])), nil
		}},
		{Name: "write", Description: "Write data to an address pair", Arg: "addr1 addr2 hexdata", build: func(arg string) ([]byte, error) {
			parts := strings.Fields(arg)
			if len(parts) != 3 {
				return nil, fmt.Errorf("want addr1 addr2 hexdata")
			}
			v, err := uints(parts[0]+" "+parts[1], 2, 8)
			if err != nil {
				return nil, err
			}
			data, err := hex.DecodeString(parts[2])
			if err != nil {
				return nil, fmt.Errorf("invalid hex data: %w", err)
			}
			return mr24.WriteRequest(byte(v[0]), byte(v[1]), data...), nil
		}},
	},
	Hydreon: {
		{Name: "poll", Description: "Request one reading", build: text(hydreon.CmdPoll)},
		{Name: "reboot", Description: "Reboot the gauge", build: text(hydreon.CmdReboot)},
		{Name: "polling_mode", Description: "Stop unsolicited output", build: text(hydreon.CmdPolling)},
		{Name: "high_resolution", Description: "RG15 high resolution", build: text(hydreon.CmdHighRes)},
		{Name: "low_resolution", Description: "RG15 low resolution", build: text(hydreon.CmdLowRes)},
		{Name: "metric", Description: "RG15 metric units", build: text(hydreon.CmdMetric)},
		{Name: "led_off", Description: "RG9 LED off", build: text(hydreon.CmdLEDOff)},
		{Name: "led_on", Description: "RG9 LED on", build: text(hydreon.CmdLEDOn)},
	},
	Pylontech: {
		{Name: "pwr", Description: "Request the battery table", build: fixed(pylontech.Request)},
	},
	Kamstrup: {
		{Name: "get_register", Description: "Read one register", Arg: "register", build: func(arg string) ([]byte, error) {
			v, err := uints(arg, 1, 16)
			if err != nil {
				return nil, err
			}
			return kamstrup.Request(uint16(v[0])), nil
		}},
	},
	Modbus: {
		{Name: "read_holding", Description: "Read holding registers", Arg: "slave start count", build: modbusRead(modbus.ReadHoldingRegisters)},
		{Name: "read_input", Description: "Read input registers", Arg: "slave start count", build: modbusRead(modbus.ReadInputRegisters)},
		{Name: "write_register", Description: "Write one holding register", Arg: "slave register value", build: func(arg string) ([]byte, error) {
			v, err := uints(arg, 3, 16)
			if err != nil {
				return nil, err
			}
			if v[0] > 247 {
				return nil, fmt.Errorf("invalid slave address %d", v[0])
			}
			return modbus.WriteRegisterRequest(byte(v[0]), uint16(v[1]), uint16(v[2])), nil
		}},
	},
	IEC62056: {
		{Name: "identify", Description: "Send the sign-on request", build: fixed(iec62056.IdentificationRequest)},
	},
}

func modbusRead(function byte) func(string) ([]byte, error) {
	return func(arg string) ([]byte, error) {
		v, err := uints(arg, 3, 16)
		if err != nil {
			return nil, err
		}
		if v[0] > 247 {
			return nil, fmt.Errorf("invalid slave address %d", v[0])
		}
		if v[2] == 0 || v[2] > 125 {
			return nil, fmt.Errorf("register count %d out of range 1-125", v[2])
		}
		return modbus.ReadRequest(byte(v[0]), function, uint16(v[1]), uint16(v[2])), nil
	}
}

// Commands returns the manual commands of a protocol, sorted by name.
func Commands(protocol string) []Command {
	cmds := append([]Command(nil), commands[protocol]...)
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// FindCommand looks up a command by name.
func FindCommand(protocol, name string) (Command, error) {
	for _, c := range commands[protocol] {
		if c.Name == name {
			return c, nil
		}
	}
	return Command{}, fmt.Errorf("protocol %s has no command %q", protocol, name)
}
