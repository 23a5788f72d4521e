// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mr60bha2

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/fields"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// ErrRejected is returned when the radar refuses a setting.
var ErrRejected = errors.New("mr60bha2: setting rejected by radar")

// Radar turns frames into readings.
type Radar struct {
	log *zap.Logger
}

// NewRadar creates a frame processor. A nil logger uses the package logger.
func NewRadar(log *zap.Logger) *Radar {
	if log == nil {
		log = logging.Named("mr60bha2")
	}
	return &Radar{log: log}
}

// Process publishes the readings carried by f. Frames too short for their
// type publish nothing.
func (r *Radar) Process(f *Frame, sink stream.Sink) error {
	pub := stream.NewPublisher(sink, r.log)
	switch f.Type {
	case TypeBreathRate, TypeHeartRate:
		if len(f.Data) < 4 {
			return shortData(f, 4)
		}
		// a zero word means no measurement yet
		if f.Data[0]|f.Data[1]|f.Data[2]|f.Data[3] == 0 {
			return nil
		}
		pub.Publish(stream.NumberReading(TypeName(f.Type), "bpm", float64(fields.Float32LE(f.Data))))

	case TypeDistance:
		if len(f.Data) < 8 {
			return shortData(f, 8)
		}
		if fields.Uint16(f.Data[0:2], fields.LittleEndian)|fields.Uint16(f.Data[2:4], fields.LittleEndian) == 0 {
			return nil
		}
		pub.Publish(stream.NumberReading("distance", "cm", float64(fields.Float32LE(f.Data[4:]))))

	case TypePeopleExist, TypeFall:
		if len(f.Data) < 1 {
			return shortData(f, 1)
		}
		pub.Publish(stream.BoolReading(TypeName(f.Type), f.Data[0] != 0))

	case TypeParameters:
		if len(f.Data) < 12 {
			return shortData(f, 12)
		}
		height := fields.Float32LE(f.Data[0:4])
		threshold := fields.Float32LE(f.Data[4:8])
		sensitivity := uint32(f.Data[8]) | uint32(f.Data[9])<<8 | uint32(f.Data[10])<<16 | uint32(f.Data[11])<<24
		r.log.Debug("Radar parameters",
			zap.Float32("install_height", height),
			zap.Float32("height_threshold", threshold),
			zap.Uint32("sensitivity", sensitivity))
		pub.Publish(stream.NumberReading("install_height", "m", float64(height)))
		pub.Publish(stream.NumberReading("height_threshold", "m", float64(threshold)))
		pub.Publish(stream.NumberReading("sensitivity", "", float64(sensitivity)))

	case TypeInstallHeight, TypeHeightThreshold, TypeSensitivity:
		if len(f.Data) < 1 {
			return shortData(f, 1)
		}
		if f.Data[0] == 0 {
			r.log.Warn("Failed to apply setting", zap.String("setting", TypeName(f.Type)))
			return fmt.Errorf("%s: %w", TypeName(f.Type), ErrRejected)
		}
		r.log.Debug("Setting applied", zap.String("setting", TypeName(f.Type)))
	}
	return nil
}

func shortData(f *Frame, need int) error {
	return stream.Errorf(stream.KindLength, "%s frame with %d data bytes, need %d", TypeName(f.Type), len(f.Data), need)
}

// Commands sent to the MR60FDA2.

// GetParameters requests the mounting parameters.
func GetParameters() []byte {
	return Marshal(Frame{Type: TypeParameters})
}

// ResetRadar restarts the radar.
func ResetRadar() []byte {
	return Marshal(Frame{Type: TypeReset})
}

// SetInstallHeight sets the mounting height in meters.
func SetInstallHeight(meters float32) []byte {
	data := make([]byte, 4)
	fields.PutFloat32LE(data, meters)
	return Marshal(Frame{Type: TypeInstallHeight, Data: data})
}

// SetHeightThreshold sets the fall height threshold in meters.
func SetHeightThreshold(meters float32) []byte {
	data := make([]byte, 4)
	fields.PutFloat32LE(data, meters)
	return Marshal(Frame{Type: TypeHeightThreshold, Data: data})
}

// SetSensitivity sets the fall sensitivity level.
func SetSensitivity(level uint32) []byte {
	data := []byte{byte(level), byte(level >> 8), byte(level >> 16), byte(level >> 24)}
	return Marshal(Frame{Type: TypeSensitivity, Data: data})
}
