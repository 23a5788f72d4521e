// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mr24

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/fields"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// ErrUnknownFunction is returned for packets with an unknown function code.
var ErrUnknownFunction = errors.New("mr24: unknown function code")

// Environment is the occupancy state reported by the radar.
type Environment int

const (
	EnvironmentUnknown Environment = iota
	EnvironmentUnoccupied
	EnvironmentStationary
	EnvironmentMoving
)

func (e Environment) String() string {
	switch e {
	case EnvironmentUnoccupied:
		return "unoccupied"
	case EnvironmentStationary:
		return "stationary"
	case EnvironmentMoving:
		return "moving"
	}
	return "unknown"
}

var environmentCodes = []struct {
	code []byte
	env  Environment
}{
	{[]byte{0x00, 0xFF, 0xFF}, EnvironmentUnoccupied},
	{[]byte{0x01, 0x00, 0xFF}, EnvironmentStationary},
	{[]byte{0x01, 0x01, 0x01}, EnvironmentMoving},
}

// ParseEnvironment decodes the three byte environment status.
func ParseEnvironment(data []byte) Environment {
	if len(data) < 3 {
		return EnvironmentUnknown
	}
	for _, c := range environmentCodes {
		if bytes.Equal(data[:3], c.code) {
			return c.env
		}
	}
	return EnvironmentUnknown
}

var approachNames = map[byte]string{0x01: "none", 0x02: "approaching", 0x03: "leaving"}

var moduleInfo = map[byte]string{
	InfoDeviceID:        "device_id",
	InfoSoftwareVersion: "software_version",
	InfoHardwareVersion: "hardware_version",
	InfoProtocolVersion: "protocol_version",
}

var systemInfo = map[byte]string{
	SystemThresholdGear:    "threshold_gear",
	SystemSceneSetting:     "scene_setting",
	SystemForcedUnoccupied: "forced_unoccupied",
}

// Radar turns packets into readings.
type Radar struct {
	log *zap.Logger
}

// NewRadar creates a packet processor. A nil logger uses the package logger.
func NewRadar(log *zap.Logger) *Radar {
	if log == nil {
		log = logging.Named("mr24")
	}
	return &Radar{log: log}
}

// Process publishes the readings carried by p.
func (r *Radar) Process(p *Packet, sink stream.Sink) error {
	pub := stream.NewPublisher(sink, r.log)
	switch p.Function {
	case FuncPassive, FuncProactive:
		return r.report(p, pub)
	case FuncFall:
		if p.Address1 == FallAlarm && p.Address2 == FallAlarm && len(p.Data) > 0 {
			pub.Publish(stream.BoolReading("fall", p.Data[0] == 0x01))
		}
		return nil
	case FuncSleep:
		r.log.Debug("Sleep data report", logging.Hex("data", p.Data))
		return nil
	case FuncRead, FuncWrite:
		return nil
	}
	r.log.Warn("Packet had unknown function code", zap.Uint8("function", p.Function))
	return fmt.Errorf("0x%02X: %w", p.Function, ErrUnknownFunction)
}

func (r *Radar) report(p *Packet, pub *stream.Publisher) error {
	switch p.Address1 {
	case AddrModuleID:
		if name, ok := moduleInfo[p.Address2]; ok {
			pub.Publish(stream.TextReading(name, string(bytes.TrimRight(p.Data, "\x00"))))
		}

	case AddrRadarInfo:
		switch p.Address2 {
		case RadarEnvironment:
			env := ParseEnvironment(p.Data)
			if env == EnvironmentUnknown {
				return stream.Errorf(stream.KindInvalid, "environment status % X", p.Data)
			}
			pub.Publish(stream.TextReading("environment_status", env.String()))
			pub.Publish(stream.BoolReading("occupancy", env != EnvironmentUnoccupied))
			pub.Publish(stream.BoolReading("movement", env == EnvironmentMoving))
		case RadarMovement:
			if len(p.Data) < 4 {
				return stream.Errorf(stream.KindLength, "movement rate with %d bytes", len(p.Data))
			}
			pub.Publish(stream.NumberReading("movement_rate", "%", float64(fields.Float32LE(p.Data))))
		case RadarApproach:
			if len(p.Data) < 3 {
				return stream.Errorf(stream.KindLength, "approach with %d bytes", len(p.Data))
			}
			if name, ok := approachNames[p.Data[2]]; ok {
				pub.Publish(stream.TextReading("approach", name))
			}
		}

	case AddrSystemInfo:
		if name, ok := systemInfo[p.Address2]; ok && len(p.Data) > 0 {
			pub.Publish(stream.NumberReading(name, "", float64(p.Data[0])))
		}

	case AddrOtherInfo:
		switch p.Address2 {
		case OtherHeartbeat:
			r.log.Debug("Heartbeat")
		case OtherAbnormalReset:
			r.log.Warn("Radar reported an abnormal reset")
		}
	}
	return nil
}
