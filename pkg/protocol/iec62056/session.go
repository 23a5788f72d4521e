// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iec62056

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/checksum"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// BaudRates are the rates selectable by the identification baud character.
// Mode C uses '0'..'6' for all of them, mode B 'A'..'F' for 600 and up.
var BaudRates = []int{300, 600, 1200, 2400, 4800, 9600, 19200}

// Session timing and defaults
const (
	InitialBaud = 300
	WakeupNULs  = 84

	FirstReadoutDelay = 15 * time.Second
	AckDelay          = 250 * time.Millisecond
	// WakeupDelay covers 84 NULs at 300 bps plus the required pause.
	WakeupDelay = (2240 + 1600) * time.Millisecond

	DefaultConnectionTimeout = 3 * time.Second
	DefaultRetryDelay        = 15 * time.Second
)

// IdentificationRequest opens a session with any meter address.
var IdentificationRequest = []byte("/?!\r\n")

var (
	ErrBusy    = errors.New("iec62056: readout in progress")
	ErrModeD   = errors.New("iec62056: readout cannot be triggered in mode D")
	ErrTimeout = errors.New("iec62056: no transmission from meter")
)

// Mode is the protocol mode announced by the meter.
type Mode byte

const (
	ModeA Mode = 'A'
	ModeB Mode = 'B'
	ModeC Mode = 'C'
	ModeD Mode = 'D'
)

func (m Mode) String() string { return string(rune(m)) }

// State is the session state.
type State int

const (
	StateInfiniteWait State = iota
	StateWait
	StateModeDWait
	StateModeDReadout
	StateBegin
	StateBatteryWakeup
	StateSendRequest
	StateGetIdentification
	StatePrepareAck
	StateSetBaudRate
	StateWaitForSTX
	StateReadout
	StateUpdate
)

var stateNames = map[State]string{
	StateInfiniteWait:      "INFINITE_WAIT",
	StateWait:              "WAIT",
	StateModeDWait:         "MODE_D_WAIT",
	StateModeDReadout:      "MODE_D_READOUT",
	StateBegin:             "BEGIN",
	StateBatteryWakeup:     "BATTERY_WAKEUP",
	StateSendRequest:       "SEND_REQUEST",
	StateGetIdentification: "GET_IDENTIFICATION",
	StatePrepareAck:        "PREPARE_ACK",
	StateSetBaudRate:       "SET_BAUD_RATE",
	StateWaitForSTX:        "WAIT_FOR_STX",
	StateReadout:           "READOUT",
	StateUpdate:            "UPDATE_STATES",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Port is the serial line to the meter's optical head.
type Port interface {
	stream.Source
	io.Writer
	SetBaudRate(baud int) error
}

// Sensor binds an OBIS code to a published quantity.
type Sensor struct {
	OBIS string
	Name string
	Unit string
	// Text publishes the raw string instead of a number. Group selects
	// the whole line (0), the first value (1) or the second value (2).
	Text  bool
	Group int
}

// Config configures a Session.
type Config struct {
	// MaxBaud caps the negotiated rate; zero means the meter's maximum.
	MaxBaud           int
	Retries           int
	RetryDelay        time.Duration
	ConnectionTimeout time.Duration
	// UpdateInterval schedules readouts; zero means only Trigger starts one.
	UpdateInterval time.Duration
	BatteryMeter   bool
	// ModeD listens for unrequested readouts instead of polling.
	ModeD   bool
	Sensors []Sensor
	Logger  *zap.Logger
}

// Session runs the IEC 62056-21 readout state machine. Step must be called
// regularly; it never blocks.
type Session struct {
	cfg  Config
	port Port
	sink stream.Sink
	rx   *Receiver
	log  *zap.Logger

	state    State
	reported State
	waitFrom time.Time
	waitFor  time.Duration
	waitNext State

	lastRx         time.Time
	connStart      time.Time
	scheduledStart time.Time
	scheduledSet   bool
	retries        int

	identification string
	baudChar       byte
	mode           Mode
	ackChar        byte
	newBaud        int
	lrc            *checksum.Running
	truncated      bool
	emptySeen      bool

	values []stream.Reading
	has    []bool

	readouts  int
	bccErrors int
}

// NewSession creates a session. Call Start before the first Step.
func NewSession(port Port, sink stream.Sink, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("iec62056")
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Session{
		cfg:    cfg,
		port:   port,
		sink:   sink,
		rx:     NewReceiver(),
		log:    cfg.Logger,
		lrc:    checksum.NewRunningXOR(),
		values: make([]stream.Reading, len(cfg.Sensors)),
		has:    make([]bool, len(cfg.Sensors)),
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Mode returns the protocol mode of the last identification.
func (s *Session) Mode() Mode { return s.mode }

// Identification returns the last meter identification string.
func (s *Session) Identification() string { return s.identification }

// Readouts returns the number of completed readouts.
func (s *Session) Readouts() int { return s.readouts }

// BCCErrors returns the number of readouts rejected by the BCC check.
func (s *Session) BCCErrors() int { return s.bccErrors }

// Start clears stale input and schedules the first readout.
func (s *Session) Start(now time.Time) {
	s.lastRx = now
	s.clearInput()
	switch {
	case s.cfg.ModeD:
		s.log.Info("Mode D, continuously reading data")
		s.setState(StateModeDWait)
	case s.periodic():
		s.wait(now, FirstReadoutDelay, StateBegin)
	default:
		s.log.Info("No periodic readouts, only a trigger starts one")
		s.setState(StateInfiniteWait)
	}
}

// Trigger starts a readout now.
func (s *Session) Trigger() error {
	if s.cfg.ModeD {
		return ErrModeD
	}
	if !s.waiting() {
		return ErrBusy
	}
	s.log.Debug("Triggering readout")
	s.setState(StateBegin)
	return nil
}

// Step advances the state machine once.
func (s *Session) Step(now time.Time) error {
	if !s.waiting() && now.Sub(s.lastRx) >= s.cfg.ConnectionTimeout {
		s.log.Error("No transmission from meter", zap.Stringer("state", s.state))
		s.connectionStatus(false)
		s.retryOrSleep(now)
		return ErrTimeout
	}
	if s.state != s.reported {
		s.log.Debug("State", zap.Stringer("state", s.state))
		s.reported = s.state
	}

	switch s.state {
	case StateInfiniteWait:
		s.lastRx = now

	case StateWait:
		if now.Sub(s.waitFrom) >= s.waitFor {
			s.setState(s.waitNext)
		}
		s.lastRx = now

	case StateModeDWait:
		f := s.receive(now)
		if f == nil {
			break
		}
		if id, ok := parseIdentification(f.Data); ok {
			s.parseID(id)
			s.connStart = now
			s.emptySeen = false
			s.resetValues()
			s.connectionStatus(true)
			s.setState(StateModeDReadout)
		}

	case StateModeDReadout:
		f := s.receive(now)
		if f == nil {
			break
		}
		if f.Data[0] == '!' {
			s.connectionStatus(false)
			s.log.Debug("Readout complete", zap.Duration("elapsed", now.Sub(s.connStart)))
			s.verify()
			s.setState(StateUpdate)
			break
		}
		line := trimLine(f.Data)
		// one empty line follows the identification
		if !s.emptySeen && line == "" {
			s.emptySeen = true
			break
		}
		s.handleLine(line)

	case StateBegin:
		s.beginConnection(now)
		s.connectionStatus(true)
		s.resetValues()
		if s.cfg.BatteryMeter {
			s.setState(StateBatteryWakeup)
		} else {
			s.setState(StateSendRequest)
		}
		s.lastRx = now
		return s.port.SetBaudRate(InitialBaud)

	case StateBatteryWakeup:
		s.log.Debug("Battery meter wakeup sequence")
		s.wait(now, WakeupDelay, StateSendRequest)
		_, err := s.port.Write(make([]byte, WakeupNULs))
		return err

	case StateSendRequest:
		s.clearInput()
		s.setState(StateGetIdentification)
		return s.send(IdentificationRequest)

	case StateGetIdentification:
		f := s.receive(now)
		if f == nil {
			break
		}
		id, ok := parseIdentification(f.Data)
		if !ok {
			s.log.Error("Invalid identification frame", logging.Hex("frame", f.Data))
			s.retryOrSleep(now)
			break
		}
		s.parseID(id)
		s.setState(StatePrepareAck)

	case StatePrepareAck:
		if s.mode == ModeA {
			s.setState(StateWaitForSTX)
			break
		}
		s.ackChar = s.negotiate()
		s.newBaud = identificationToBaud(s.ackChar)
		s.log.Debug("Acknowledging with baud rate", zap.Int("baud", s.newBaud), zap.String("char", string(rune(s.ackChar))))
		s.wait(now, AckDelay, StateSetBaudRate)
		return s.send(AckMessage(s.ackChar))

	case StateSetBaudRate:
		s.log.Debug("Switching baud rate", zap.Int("baud", s.newBaud))
		s.setState(StateWaitForSTX)
		return s.port.SetBaudRate(s.newBaud)

	case StateWaitForSTX:
		f := s.receive(now)
		if f == nil {
			break
		}
		if f.Data[0] == STX {
			s.log.Debug("Meter started readout transmission")
			s.setState(StateReadout)
		} else {
			s.log.Debug("No STX", zap.Uint8("got", f.Data[0]))
			s.retryOrSleep(now)
		}

	case StateReadout:
		f := s.receive(now)
		if f == nil {
			break
		}
		if f.Data[0] == ETX {
			s.lrc.Add(ETX)
			s.connectionStatus(false)
			if s.truncated {
				s.log.Error("Readout had an overlong line")
				s.retryOrSleep(now)
				break
			}
			if s.lrc.Value() != f.BCC {
				s.bccErrors++
				s.log.Error("BCC verification failed",
					zap.String("want", fmt.Sprintf("0x%02X", s.lrc.Value())),
					zap.String("got", fmt.Sprintf("0x%02X", f.BCC)))
				s.retryOrSleep(now)
				break
			}
			s.log.Debug("Readout complete", zap.Duration("elapsed", now.Sub(s.connStart)))
			s.verify()
			s.setState(StateUpdate)
			break
		}
		for _, b := range f.Data {
			s.lrc.Add(b)
		}
		if f.Data[0] == '!' {
			break
		}
		s.handleLine(trimLine(f.Data))

	case StateUpdate:
		pub := stream.NewPublisher(s.sink, s.log)
		for i, r := range s.values {
			if s.has[i] {
				pub.Publish(r)
			}
		}
		s.readouts++
		s.waitNextReadout(now)
	}
	return nil
}

// AckMessage builds the option select message for a baud character:
// normal protocol, data readout mode.
func AckMessage(baudChar byte) []byte {
	return []byte{ACK, '0', baudChar, '0', '\r', '\n'}
}

func (s *Session) setState(st State) {
	s.state = st
}

func (s *Session) waiting() bool {
	return s.state == StateWait || s.state == StateInfiniteWait || s.state == StateModeDWait
}

func (s *Session) periodic() bool {
	return s.cfg.UpdateInterval > 0
}

func (s *Session) wait(now time.Time, d time.Duration, next State) {
	s.waitFrom = now
	s.waitFor = d
	s.waitNext = next
	s.setState(StateWait)
}

func (s *Session) send(msg []byte) error {
	s.rx.ExpectEcho(msg)
	_, err := s.port.Write(msg)
	return err
}

func (s *Session) clearInput() {
	n := 0
	for s.port.Available() > 0 {
		if _, err := s.port.ReadByte(); err != nil {
			break
		}
		n++
	}
	if n > 0 {
		s.log.Debug("Discarded stale input", zap.Int("bytes", n))
	}
	s.rx.Reset()
}

// receive returns the next complete frame, or nil when the input is
// exhausted first.
func (s *Session) receive(now time.Time) *Frame {
	for s.port.Available() > 0 {
		b, err := s.port.ReadByte()
		if err != nil {
			return nil
		}
		f, err := s.rx.DecodeByte(b)
		if err != nil {
			s.truncated = true
			s.log.Debug("Frame discarded", zap.Error(err))
			continue
		}
		if f == nil {
			continue
		}
		s.lastRx = now
		if f.Kind == FrameSTX {
			s.lrc.Reset()
			s.truncated = false
		}
		return f
	}
	return nil
}

func (s *Session) parseID(id string) {
	s.identification = id
	s.baudChar = 0
	if len(id) >= 5 {
		s.baudChar = id[4]
	}
	switch c := s.baudChar; {
	case s.cfg.ModeD:
		s.mode = ModeD
	case c >= 'A' && c <= 'F':
		s.mode = ModeB
	case c >= '0' && c <= '6':
		s.mode = ModeC
	default:
		s.mode = ModeA
	}
	s.log.Debug("Meter identification", zap.String("id", id), zap.Stringer("mode", s.mode))
}

// negotiate picks the baud character for the acknowledgement, lowering it
// by one step per retry.
func (s *Session) negotiate() byte {
	c := s.baudChar
	maxBaud := BaudRates[len(BaudRates)-1]
	if s.cfg.MaxBaud != 0 && s.cfg.MaxBaud != maxBaud {
		bps := identificationToBaud(s.baudChar)
		if bps > s.cfg.MaxBaud {
			bps = s.cfg.MaxBaud
			if s.mode == ModeB && bps < BaudRates[1] {
				bps = BaudRates[1]
			}
		}
		c = s.baudToIdentification(bps)
	}
	if s.retries > 0 {
		lowest := byte('0')
		if s.mode == ModeB {
			lowest = 'A'
		}
		if int(c)-s.retries < int(lowest) {
			c = lowest
		} else {
			c -= byte(s.retries)
		}
	}
	return c
}

func identificationToBaud(c byte) int {
	switch {
	case c >= 'A' && c <= 'F':
		return BaudRates[1+c-'A']
	case c >= '0' && c <= '6':
		return BaudRates[c-'0']
	}
	return 0
}

func (s *Session) baudToIdentification(bps int) byte {
	if s.mode == ModeB {
		for i := 1; i < len(BaudRates); i++ {
			if BaudRates[i] == bps {
				return byte('A' + i - 1)
			}
		}
		return 'A'
	}
	for i, b := range BaudRates {
		if b == bps {
			return byte('0' + i)
		}
	}
	return '0'
}

// parseIdentification finds "/XXXZ..." in a line frame.
func parseIdentification(data []byte) (string, bool) {
	const minLen = 7 // "/XXXZ\r\n"
	n := len(data)
	if n < minLen || data[n-2] != '\r' || data[n-1] != '\n' {
		return "", false
	}
	for i := n - 3; i >= 0; i-- {
		if data[i] == '/' {
			if n-i < minLen {
				return "", false
			}
			return string(data[i : n-2]), true
		}
	}
	return "", false
}

func (s *Session) beginConnection(now time.Time) {
	s.connStart = now
	if !s.scheduledSet {
		s.scheduledStart = now
		s.scheduledSet = true
	}
}

func (s *Session) connectionStatus(connected bool) {
	if connected {
		s.log.Debug("Connection start")
	} else {
		s.log.Debug("Connection end")
	}
	stream.NewPublisher(s.sink, s.log).Publish(stream.BoolReading("readout_status", connected))
}

func (s *Session) retryOrSleep(now time.Time) {
	switch {
	case s.cfg.ModeD:
		s.setState(StateModeDWait)
	case s.retries >= s.cfg.Retries:
		s.log.Debug("Exceeded retry counter", zap.Int("retries", s.retries))
		s.waitNextReadout(now)
	default:
		s.retries++
		s.log.Debug("Retrying", zap.Int("retry", s.retries), zap.Int("max", s.cfg.Retries))
		s.wait(now, s.cfg.RetryDelay, StateBegin)
	}
}

func (s *Session) waitNextReadout(now time.Time) {
	if s.cfg.ModeD {
		s.setState(StateModeDWait)
		return
	}
	s.retries = 0
	s.scheduledSet = false
	if !s.periodic() {
		s.log.Debug("No scheduled readout, waiting for a trigger")
		s.setState(StateInfiniteWait)
		return
	}
	elapsed := now.Sub(s.scheduledStart)
	next := s.cfg.UpdateInterval - elapsed
	if next < 0 {
		s.log.Debug("Readout longer than the update interval, reading continuously")
		next = 0
	}
	s.wait(now, next, StateBegin)
}

func (s *Session) resetValues() {
	for i := range s.has {
		s.has[i] = false
	}
}

func (s *Session) verify() {
	for i, sen := range s.cfg.Sensors {
		if !s.has[i] {
			s.log.Error("Not all sensors received data from the meter", zap.String("obis", sen.OBIS))
			return
		}
	}
}

func (s *Session) handleLine(line string) {
	s.log.Debug("Data", zap.String("line", line))
	dl, err := ParseLine(line)
	if err != nil {
		s.log.Error("Invalid frame format", zap.String("line", line), zap.Error(err))
		return
	}
	for i, sen := range s.cfg.Sensors {
		if sen.OBIS != dl.OBIS {
			continue
		}
		if sen.Text {
			v := dl.Value1
			switch sen.Group {
			case 0:
				v = line
			case 2:
				v = dl.Value2
			}
			s.values[i] = stream.TextReading(sen.Name, v)
			s.has[i] = true
			continue
		}
		f, err := ParseNumber(dl.Value1)
		if err != nil {
			s.log.Error("Cannot convert data to number", zap.String("obis", sen.OBIS), zap.String("value", dl.Value1))
			continue
		}
		s.values[i] = stream.NumberReading(sen.Name, sen.Unit, f)
		s.has[i] = true
	}
}

func trimLine(data []byte) string {
	n := len(data)
	if n >= 2 && data[n-2] == '\r' && data[n-1] == '\n' {
		n -= 2
	}
	return string(data[:n])
}
