// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iec62056

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/fuzzutil"
	"github.com/Thermoquad/wiredecode/pkg/checksum"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// fakePort is a meter line. Writes are recorded and, with echo set,
// looped back like a half-duplex optical head.
type fakePort struct {
	*stream.Queue
	out   bytes.Buffer
	bauds []int
	echo  bool
}

func newFakePort(echo bool) *fakePort {
	return &fakePort{Queue: stream.NewQueue(), echo: echo}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.out.Write(b)
	if p.echo {
		_, _ = p.Queue.Write(b)
	}
	return len(b), nil
}

func (p *fakePort) SetBaudRate(baud int) error {
	p.bauds = append(p.bauds, baud)
	return nil
}

func (p *fakePort) meter(s string) {
	_, _ = p.Queue.Write([]byte(s))
}

const readoutBody = "C.1.0(12345678)\r\n1.8.0(0001234.5*kWh)\r\n2.8.0(0000012.0*kWh)\r\n!\r\n"

func readout(body string) string {
	bcc := checksum.BCC(append([]byte(body), ETX))
	return string([]byte{STX}) + body + string([]byte{ETX, bcc})
}

var testSensors = []Sensor{
	{OBIS: "1.8.0", Name: "import_energy", Unit: "kWh"},
	{OBIS: "2.8.0", Name: "export_energy", Unit: "kWh"},
	{OBIS: "C.1.0", Name: "serial", Text: true, Group: 1},
}

type clock struct {
	now time.Time
}

func (c *clock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

// stepUntil steps the session every 10 ms until it reaches want.
func stepUntil(t *testing.T, s *Session, c *clock, want State, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if s.State() == want {
			return
		}
		_ = s.Step(c.advance(10 * time.Millisecond))
	}
	if s.State() != want {
		t.Fatalf("state %v after %d steps, want %v", s.State(), maxSteps, want)
	}
}

// ============================================================
// Line Parser Tests
// ============================================================

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want DataLine
		err  error
	}{
		{"value with unit", "1.8.0(0001234.5*kWh)", DataLine{"1.8.0", "0001234.5*kWh", ""}, nil},
		{"two values", "0.9.1(123456)(2021)\r\n", DataLine{"0.9.1", "123456", "2021"}, nil},
		{"full obis", "1-0:1.8.0*255(42)", DataLine{"1-0:1.8.0*255", "42", ""}, nil},
		{"empty value", "F.F()", DataLine{"F.F", "", ""}, nil},
		{"no brackets", "1.8.0", DataLine{}, ErrLineFormat},
		{"leading bracket", "(123)", DataLine{}, ErrLineFormat},
		{"reversed", "1.8.0)x(", DataLine{}, ErrLineFormat},
		{"bad obis char", "1.8.x(1)", DataLine{}, ErrOBIS},
		{"lowercase", "c.1.0(1)", DataLine{}, ErrOBIS},
		{"obis too long", strings.Repeat("1", MaxOBISLength+1) + "(1)", DataLine{}, ErrOBIS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if err == nil && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		value string
		want  float64
		ok    bool
	}{
		{"0001234.5*kWh", 1234.5, true},
		{"-12.5", -12.5, true},
		{"42*V", 42, true},
		{"", 0, false},
		{"*kWh", 0, false},
		{"12a", 0, false},
		{"1,5", 0, false},
		{strings.Repeat("1", MaxFloatDigits), 11111111111111111111, true},
		{strings.Repeat("1", MaxFloatDigits+1), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseNumber(tt.value)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v", err)
			}
			if tt.ok && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================
// Receiver Tests
// ============================================================

func feed(r *Receiver, data []byte) []*Frame {
	var frames []*Frame
	for _, b := range data {
		if f, _ := r.DecodeByte(b); f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestReceiver_Frames(t *testing.T) {
	r := NewReceiver()
	frames := feed(r, []byte(readout("1.8.0(1)\r\n!\r\n")))
	if len(frames) != 4 {
		t.Fatalf("got %d frames", len(frames))
	}
	kinds := []FrameKind{FrameSTX, FrameLine, FrameLine, FrameETX}
	for i, k := range kinds {
		if frames[i].Kind != k {
			t.Errorf("frame %d kind %v, want %v", i, frames[i].Kind, k)
		}
	}
	want := checksum.BCC([]byte("1.8.0(1)\r\n!\r\n\x03"))
	if frames[3].BCC != want {
		t.Errorf("BCC 0x%02X, want 0x%02X", frames[3].BCC, want)
	}
}

func TestReceiver_EchoSuppressed(t *testing.T) {
	r := NewReceiver()
	r.ExpectEcho(IdentificationRequest)
	frames := feed(r, append(append([]byte(nil), IdentificationRequest...), "/ABC5xyz\r\n"...))
	if len(frames) != 1 || string(frames[0].Data) != "/ABC5xyz\r\n" {
		t.Fatalf("frames = %v", frames)
	}
	// the echo is only skipped once
	frames = feed(r, IdentificationRequest)
	if len(frames) != 1 {
		t.Error("second copy should not be treated as echo")
	}
}

func TestReceiver_OverflowRejected(t *testing.T) {
	r := NewReceiver()
	var errs []error
	for _, b := range bytes.Repeat([]byte{'x'}, MaxFrameSize*2) {
		if _, err := r.DecodeByte(b); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want one", errs)
	}
	if k, _ := stream.KindOf(errs[0]); k != stream.KindLength {
		t.Errorf("kind = %v, want length", k)
	}

	// the tail of the long line is skipped, the next line is whole
	frames := feed(r, []byte("\r\n1.8.0(1)\r\n"))
	if len(frames) != 1 || string(frames[0].Data) != "1.8.0(1)\r\n" {
		t.Fatalf("frames = %v", frames)
	}
}

func TestReceiver_OverflowResumesAtETX(t *testing.T) {
	r := NewReceiver()
	data := append(bytes.Repeat([]byte{'x'}, MaxFrameSize+10), ETX, 0x55)
	frames := feed(r, data)
	if len(frames) != 1 || frames[0].Kind != FrameETX || frames[0].BCC != 0x55 {
		t.Fatalf("frames = %v", frames)
	}
}

// ============================================================
// Session Tests
// ============================================================

func newTestSession(port *fakePort, sink stream.Sink, cfg Config) (*Session, *clock) {
	c := &clock{now: time.Unix(1700000000, 0)}
	if cfg.Sensors == nil {
		cfg.Sensors = testSensors
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 2 * time.Second
	}
	cfg.Logger = zap.NewNop()
	s := NewSession(port, sink, cfg)
	s.Start(c.now)
	return s, c
}

func TestSession_ModeCReadout(t *testing.T) {
	port := newFakePort(true)
	var sink stream.Collector
	s, c := newTestSession(port, &sink, Config{Retries: 2})
	if s.State() != StateInfiniteWait {
		t.Fatalf("state = %v", s.State())
	}
	if err := s.Trigger(); err != nil {
		t.Fatal(err)
	}

	stepUntil(t, s, c, StateGetIdentification, 5)
	if !bytes.HasPrefix(port.out.Bytes(), IdentificationRequest) {
		t.Fatalf("request = %q", port.out.String())
	}
	port.meter("/LGZ5ZMD3104407\r\n")
	stepUntil(t, s, c, StatePrepareAck, 5)
	if s.Mode() != ModeC || s.Identification() != "/LGZ5ZMD3104407" {
		t.Errorf("mode %v id %q", s.Mode(), s.Identification())
	}

	stepUntil(t, s, c, StateWaitForSTX, 50)
	if !bytes.HasSuffix(port.out.Bytes(), AckMessage('5')) {
		t.Errorf("ack = % X", port.out.Bytes())
	}
	if got := port.bauds; len(got) != 2 || got[0] != 300 || got[1] != 9600 {
		t.Errorf("baud changes = %v", got)
	}

	port.meter(readout(readoutBody))
	stepUntil(t, s, c, StateInfiniteWait, 20)
	if s.Readouts() != 1 || s.BCCErrors() != 0 {
		t.Fatalf("readouts %d bcc errors %d", s.Readouts(), s.BCCErrors())
	}

	if r, _ := sink.Last("import_energy"); r.Value != 1234.5 || r.Unit != "kWh" {
		t.Errorf("import_energy = %v", r)
	}
	if r, _ := sink.Last("export_energy"); r.Value != 12 {
		t.Errorf("export_energy = %v", r)
	}
	if r, _ := sink.Last("serial"); r.Text != "12345678" {
		t.Errorf("serial = %v", r)
	}
	if r, _ := sink.Last("readout_status"); r.Flag {
		t.Error("readout_status should end false")
	}
}

func TestSession_BCCFailureRetriesSlower(t *testing.T) {
	port := newFakePort(false)
	var sink stream.Collector
	s, c := newTestSession(port, &sink, Config{Retries: 1, RetryDelay: time.Second})
	_ = s.Trigger()

	stepUntil(t, s, c, StateGetIdentification, 5)
	port.meter("/LGZ5ZMD3104407\r\n")
	stepUntil(t, s, c, StateWaitForSTX, 50)
	bad := []byte(readout(readoutBody))
	bad[len(bad)-1] ^= 0xFF
	port.meter(string(bad))
	stepUntil(t, s, c, StateWait, 20)
	if s.BCCErrors() != 1 {
		t.Fatalf("BCCErrors = %d", s.BCCErrors())
	}
	if _, ok := sink.Last("import_energy"); ok {
		t.Error("values from a failed readout were published")
	}

	port.out.Reset()
	stepUntil(t, s, c, StateGetIdentification, 200)
	port.meter("/LGZ5ZMD3104407\r\n")
	stepUntil(t, s, c, StateWaitForSTX, 50)
	if !bytes.HasSuffix(port.out.Bytes(), AckMessage('4')) {
		t.Errorf("retry ack = % X, want baud char '4'", port.out.Bytes())
	}
	port.meter(readout(readoutBody))
	stepUntil(t, s, c, StateInfiniteWait, 20)
	if r, ok := sink.Last("import_energy"); !ok || r.Value != 1234.5 {
		t.Errorf("import_energy = %v", r)
	}
}

func TestSession_OverlongLineFailsReadout(t *testing.T) {
	port := newFakePort(false)
	var sink stream.Collector
	s, c := newTestSession(port, &sink, Config{Retries: 1, RetryDelay: time.Second})
	_ = s.Trigger()

	stepUntil(t, s, c, StateGetIdentification, 5)
	port.meter("/LGZ5ZMD3104407\r\n")
	stepUntil(t, s, c, StateWaitForSTX, 50)

	// correct BCC, but one line does not fit the receive buffer
	long := "F.F.0(" + strings.Repeat("0", MaxFrameSize) + ")\r\n"
	port.meter(readout(long + readoutBody))
	stepUntil(t, s, c, StateWait, 20)
	if _, ok := sink.Last("import_energy"); ok {
		t.Error("values from a truncated readout were published")
	}

	stepUntil(t, s, c, StateGetIdentification, 200)
	port.meter("/LGZ5ZMD3104407\r\n")
	stepUntil(t, s, c, StateWaitForSTX, 50)
	port.meter(readout(readoutBody))
	stepUntil(t, s, c, StateInfiniteWait, 20)
	if r, ok := sink.Last("import_energy"); !ok || r.Value != 1234.5 {
		t.Errorf("import_energy = %v", r)
	}
}

func TestSession_ModeANoBaudChange(t *testing.T) {
	port := newFakePort(false)
	var sink stream.Collector
	s, c := newTestSession(port, &sink, Config{})
	_ = s.Trigger()
	stepUntil(t, s, c, StateGetIdentification, 5)
	port.meter("/ABC Meter\r\n")
	stepUntil(t, s, c, StateWaitForSTX, 5)
	if s.Mode() != ModeA {
		t.Errorf("mode = %v", s.Mode())
	}
	if bytes.Contains(port.out.Bytes(), []byte{ACK}) {
		t.Error("mode A must not send an acknowledgement")
	}
	port.meter(readout(readoutBody))
	stepUntil(t, s, c, StateInfiniteWait, 20)
	if len(port.bauds) != 1 || port.bauds[0] != InitialBaud {
		t.Errorf("baud changes = %v", port.bauds)
	}
}

func TestSession_ModeBMaxBaud(t *testing.T) {
	port := newFakePort(false)
	s, c := newTestSession(port, nil, Config{MaxBaud: 1200})
	_ = s.Trigger()
	stepUntil(t, s, c, StateGetIdentification, 5)
	port.meter("/XYZEmeter\r\n")
	stepUntil(t, s, c, StateWaitForSTX, 50)
	if s.Mode() != ModeB {
		t.Errorf("mode = %v", s.Mode())
	}
	if !bytes.HasSuffix(port.out.Bytes(), AckMessage('B')) {
		t.Errorf("ack = % X", port.out.Bytes())
	}
	if port.bauds[len(port.bauds)-1] != 1200 {
		t.Errorf("baud = %v", port.bauds)
	}
}

func TestSession_NoResponseTimesOut(t *testing.T) {
	port := newFakePort(false)
	s, c := newTestSession(port, nil, Config{Retries: 0})
	_ = s.Trigger()
	stepUntil(t, s, c, StateGetIdentification, 5)
	err := s.Step(c.advance(3 * time.Second))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != StateInfiniteWait {
		t.Errorf("state = %v", s.State())
	}
}

func TestSession_BatteryWakeup(t *testing.T) {
	port := newFakePort(false)
	s, c := newTestSession(port, nil, Config{BatteryMeter: true, ConnectionTimeout: 10 * time.Second})
	_ = s.Trigger()
	stepUntil(t, s, c, StateWait, 5)
	if !bytes.Equal(port.out.Bytes(), make([]byte, WakeupNULs)) {
		t.Errorf("wakeup = % X", port.out.Bytes())
	}
	stepUntil(t, s, c, StateGetIdentification, 500)
	if !bytes.HasSuffix(port.out.Bytes(), IdentificationRequest) {
		t.Error("request not sent after wakeup")
	}
}

func TestSession_ModeD(t *testing.T) {
	port := newFakePort(false)
	var sink stream.Collector
	s, c := newTestSession(port, &sink, Config{ModeD: true})
	if s.State() != StateModeDWait {
		t.Fatalf("state = %v", s.State())
	}
	if err := s.Trigger(); !errors.Is(err, ErrModeD) {
		t.Errorf("Trigger() = %v", err)
	}
	port.meter("/ESY5Q3DA1004 V3.04\r\n\r\n" + readoutBody)
	stepUntil(t, s, c, StateModeDReadout, 5)
	stepUntil(t, s, c, StateModeDWait, 20)
	if port.out.Len() != 0 {
		t.Error("mode D must not transmit")
	}
	if r, _ := sink.Last("import_energy"); r.Value != 1234.5 {
		t.Errorf("import_energy = %v", r)
	}
}

func TestSession_PeriodicSchedule(t *testing.T) {
	port := newFakePort(false)
	s, c := newTestSession(port, nil, Config{UpdateInterval: time.Minute})
	if s.State() != StateWait {
		t.Fatalf("state = %v", s.State())
	}
	_ = s.Step(c.advance(FirstReadoutDelay - time.Second))
	if s.State() != StateWait {
		t.Fatal("first readout started early")
	}
	_ = s.Step(c.advance(time.Second))
	if s.State() != StateBegin {
		t.Errorf("state = %v", s.State())
	}
	if err := s.Trigger(); !errors.Is(err, ErrBusy) {
		t.Errorf("Trigger() = %v", err)
	}
}

func TestSession_Negotiate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		maxBaud int
		retries int
		want    byte
	}{
		{"meter max", "/ABC5", 0, 0, '5'},
		{"configured max is top rate", "/ABC5", 19200, 0, '5'},
		{"capped", "/ABC6", 2400, 0, '3'},
		{"retry", "/ABC5", 0, 2, '3'},
		{"retry floor C", "/ABC1", 0, 5, '0'},
		{"retry floor B", "/ABCB", 0, 3, 'A'},
		{"mode B cap below 600", "/ABCF", 300, 0, 'A'},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(newFakePort(false), nil, Config{MaxBaud: tt.maxBaud, Logger: zap.NewNop()})
			s.parseID(tt.id)
			s.retries = tt.retries
			if got := s.negotiate(); got != tt.want {
				t.Errorf("negotiate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIdentification(t *testing.T) {
	tests := []struct {
		data string
		want string
		ok   bool
	}{
		{"/LGZ5ZMD3104407\r\n", "/LGZ5ZMD3104407", true},
		{"\x00\x00/ABC5\r\n", "/ABC5", true},
		{"/AB\r\n", "", false},
		{"no slash here\r\n", "", false},
		{"/ABC5", "", false},
	}
	for _, tt := range tests {
		got, ok := parseIdentification([]byte(tt.data))
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseIdentification(%q) = %q, %v", tt.data, got, ok)
		}
	}
}

func TestFuzzParseLine_RandomText(t *testing.T) {
	rng := fuzzutil.NewRand(t)
	alphabet := []byte("0123456789.:-*()ABCFkWh\r\n")
	for round := 0; round < fuzzutil.Rounds(); round++ {
		buf := make([]byte, rng.Intn(48))
		for i := range buf {
			buf[i] = alphabet[rng.Intn(len(alphabet))]
		}
		dl, err := ParseLine(string(buf))
		if err == nil && !ValidOBIS(dl.OBIS) {
			t.Fatalf("accepted OBIS %q", dl.OBIS)
		}
		_, _ = ParseNumber(dl.Value1)
	}
}
