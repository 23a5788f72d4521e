// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hydreon drives the Hydreon RG9 and RG15 optical rain gauges over
// their line oriented serial console. The gauge is put into polling mode
// after its boot banner and then queried with "R\n" once per update.
package hydreon

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

const (
	// MaxLineLength bounds one console line.
	MaxLineLength = 80
	// MaxMissedUpdates is the number of consecutive update cycles with
	// missing values tolerated before the gauge is rebooted.
	MaxMissedUpdates = 15
)

// Commands
const (
	CmdPoll    = "R\n"
	CmdReboot  = "K\n"
	CmdPolling = "P\n"
	CmdHighRes = "H\n"
	CmdLowRes  = "L\n"
	CmdMetric  = "M\n"
	CmdLEDOff  = "D 1\n"
	CmdLEDOn   = "D 0\n"
)

var (
	ErrNotBooted = errors.New("hydreon: waiting for boot banner")
	ErrRebooting = errors.New("hydreon: sensor not responding, rebooting")
)

// Model selects the gauge variant.
type Model int

const (
	RG9 Model = iota
	RG15
)

func (m Model) String() string {
	if m == RG15 {
		return "rg15"
	}
	return "rg9"
}

// ParseModel parses "rg9" or "rg15".
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(s) {
	case "rg9":
		return RG9, nil
	case "rg15":
		return RG15, nil
	}
	return 0, fmt.Errorf("hydreon: unknown model %q", s)
}

// sensor maps a console field name to a published quantity.
type sensor struct {
	field    string
	quantity string
	unit     string
}

var modelSensors = map[Model][]sensor{
	RG9: {
		{"R", "moisture", ""},
	},
	RG15: {
		{"Acc", "acc", "mm"},
		{"EventAcc", "event_acc", "mm"},
		{"TotalAcc", "total_acc", "mm"},
		{"RInt", "r_int", "mm/h"},
	},
}

var ignorePrefixes = []string{"Emitters", "Event", "Reset"}

// LineKind classifies a console line.
type LineKind int

const (
	LineEmpty LineKind = iota
	LineComment
	LineAck
	LineBoot
	LineIgnored
	LineData
)

// Config configures a Monitor.
type Config struct {
	Model          Model
	HighResolution bool // RG15
	DisableLED     bool // RG9
	Logger         *zap.Logger
}

// Monitor tracks the gauge session. Commands are written to w.
type Monitor struct {
	cfg        Config
	w          io.Writer
	sensors    []sensor
	received   map[string]bool
	requested  bool
	bootCount  int
	noResponse int
	log        *zap.Logger
}

// NewMonitor creates a monitor writing commands to w.
func NewMonitor(w io.Writer, cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("hydreon")
	}
	return &Monitor{
		cfg:      cfg,
		w:        w,
		sensors:  modelSensors[cfg.Model],
		received: make(map[string]bool),
		log:      cfg.Logger,
	}
}

// Booted reports whether the boot banner has been seen.
func (m *Monitor) Booted() bool { return m.bootCount > 0 }

// MissedUpdates returns the consecutive update cycles with missing values.
func (m *Monitor) MissedUpdates() int { return m.noResponse }

func (m *Monitor) send(cmd string) error {
	_, err := io.WriteString(m.w, cmd)
	return err
}

// Update runs one polling cycle: publish NaN for every value missing since
// the previous request, reboot the gauge after too many missed cycles,
// then request new values.
func (m *Monitor) Update(sink stream.Sink) error {
	if m.bootCount == 0 {
		m.log.Debug("Sending reboot command")
		if err := m.send(CmdReboot); err != nil {
			return err
		}
		return ErrNotBooted
	}

	if m.requested {
		pub := stream.NewPublisher(sink, m.log)
		missing := false
		for _, s := range m.sensors {
			if !m.received[s.field] {
				m.log.Warn("Missing value", zap.String("field", s.field))
				pub.Publish(stream.NoReading(s.quantity, s.unit))
				missing = true
			}
		}
		if missing {
			m.noResponse++
		} else {
			m.noResponse = 0
		}
	}

	if m.noResponse > MaxMissedUpdates {
		m.log.Warn("Sensor is not responding, rebooting", zap.Int("missed", m.noResponse))
		m.bootCount = 0
		m.noResponse = 0
		m.requested = false
		if err := m.send(CmdReboot); err != nil {
			return err
		}
		return ErrRebooting
	}

	clear(m.received)
	m.requested = true
	return m.send(CmdPoll)
}

// ProcessLine handles one console line and publishes any values in it.
func (m *Monitor) ProcessLine(line string, sink stream.Sink) (LineKind, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case strings.HasPrefix(line, ";"):
		m.log.Info("Comment", zap.String("line", line))
		return LineComment, nil
	case len(line) == 0:
		return LineEmpty, nil
	case len(line) == 1:
		m.log.Debug("Received ack", zap.String("line", line))
		return LineAck, nil
	}

	pub := stream.NewPublisher(sink, m.log)
	if strings.Contains(line, "LensBad") {
		m.log.Warn("Received LensBad")
		pub.Publish(stream.BoolReading("lens_bad", true))
	}
	if strings.Contains(line, "EmSat") {
		m.log.Warn("Received EmSat")
		pub.Publish(stream.BoolReading("em_sat", true))
	}

	if strings.HasPrefix(line, "PwrDays") {
		m.bootCount++
		m.noResponse = 0
		m.requested = false
		m.log.Info("Boot detected", zap.String("line", line), zap.Int("boots", m.bootCount))
		return LineBoot, m.configure()
	}
	for _, p := range ignorePrefixes {
		if strings.HasPrefix(line, p) {
			m.log.Info("Ignoring line", zap.String("line", line))
			return LineIgnored, nil
		}
	}

	values := parseValues(line)
	found := false
	for _, s := range m.sensors {
		v, ok := values[s.field]
		if !ok {
			continue
		}
		pub.Publish(stream.NumberReading(s.quantity, s.unit, v))
		m.received[s.field] = true
		found = true
	}
	if !found {
		m.log.Debug("No values in line", zap.String("line", line))
		return LineIgnored, nil
	}
	return LineData, nil
}

func (m *Monitor) configure() error {
	var cmds []string
	switch m.cfg.Model {
	case RG15:
		res := CmdLowRes
		if m.cfg.HighResolution {
			res = CmdHighRes
		}
		cmds = []string{CmdPolling, res, CmdMetric}
	case RG9:
		led := CmdLEDOn
		if m.cfg.DisableLED {
			led = CmdLEDOff
		}
		cmds = []string{CmdPolling, led}
	}
	for _, c := range cmds {
		if err := m.send(c); err != nil {
			return err
		}
	}
	return nil
}

// parseValues reads "Name value [unit]" groups separated by commas, e.g.
// "Acc 0.01 mm, EventAcc 0.02 mm, TotalAcc 0.03 mm, RInt 0.04 mmph" or
// "R 3". A field whose value does not parse is NaN.
func parseValues(line string) map[string]float64 {
	out := make(map[string]float64)
	for _, group := range strings.Split(line, ",") {
		f := strings.Fields(group)
		if len(f) < 2 {
			continue
		}
		name := strings.TrimSuffix(f[0], ":")
		v, err := strconv.ParseFloat(f[1], 64)
		if err != nil {
			v = math.NaN()
		}
		out[name] = v
	}
	return out
}
