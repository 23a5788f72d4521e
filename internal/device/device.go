// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package device builds a running decoder for one configured device: the
// protocol's frame decoder fed from a byte source, the request schedule
// for polled devices, and the interpreter that turns frames into readings.
package device

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/protocol/cse7761"
	"github.com/Thermoquad/wiredecode/pkg/protocol/cse7766"
	"github.com/Thermoquad/wiredecode/pkg/protocol/hydreon"
	"github.com/Thermoquad/wiredecode/pkg/protocol/iec62056"
	"github.com/Thermoquad/wiredecode/pkg/protocol/kamstrup"
	"github.com/Thermoquad/wiredecode/pkg/protocol/modbus"
	"github.com/Thermoquad/wiredecode/pkg/protocol/mr24"
	"github.com/Thermoquad/wiredecode/pkg/protocol/mr60bha2"
	"github.com/Thermoquad/wiredecode/pkg/protocol/pylontech"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// ErrNoWriter is returned for polled protocols when no output port is set.
var ErrNoWriter = errors.New("device: protocol needs a writable port")

// Runner drives one device. Poll never blocks, except for cse7761 whose
// register reads wait for the chip's reply.
type Runner interface {
	Poll(now time.Time) error
	Statistics() *stream.Statistics
	Protocol() string
}

// Options connects a runner to its transport and consumers.
type Options struct {
	Source stream.Source
	// Port receives requests. Required for polled protocols.
	Port io.Writer
	// SetBaud switches the line rate during IEC62056 negotiation.
	SetBaud func(baud int) error
	Sink    stream.Sink
	// OnFrame receives a one-line description of every valid frame.
	OnFrame func(summary string)
	// OnError receives framing errors and frame interpretation errors.
	OnError func(err error)
	Stats   *stream.Statistics
	Logger  *zap.Logger
}

func (o *Options) frame(format string, args ...any) {
	if o.OnFrame != nil {
		o.OnFrame(fmt.Sprintf(format, args...))
	}
}

func (o *Options) fail(err error) {
	if err != nil && o.OnError != nil {
		o.OnError(err)
	}
}

// runner is the generic decoder loop: a poller plus an optional request
// issued every interval.
type runner[F any] struct {
	protocol string
	poller   *stream.Poller[F]
	interval time.Duration
	next     time.Time
	request  func() error
}

func (r *runner[F]) Protocol() string { return r.protocol }

func (r *runner[F]) Statistics() *stream.Statistics { return r.poller.Statistics() }

func (r *runner[F]) Poll(now time.Time) error {
	r.poller.Poll(now)
	if r.request == nil || r.interval <= 0 || now.Before(r.next) {
		return nil
	}
	r.next = now.Add(r.interval)
	return r.request()
}

func newRunner[F any](protocol string, dev config.DeviceConfig, p Profile, opts Options, dec stream.Decoder[F], handle func(*F)) *runner[F] {
	stale := dev.StaleTimeout
	if stale == 0 {
		stale = p.Stale
	}
	interval := dev.PollInterval
	if interval == 0 {
		interval = p.Interval
	}
	return &runner[F]{
		protocol: protocol,
		interval: interval,
		poller: stream.NewPoller(opts.Source, dec, stream.PollerConfig[F]{
			Timeout: stale,
			OnFrame: handle,
			OnError: opts.OnError,
			Stats:   opts.Stats,
			Logger:  opts.Logger,
		}),
	}
}

// write sends a request on the options' port.
func write(opts Options, msg []byte) error {
	_, err := opts.Port.Write(msg)
	return err
}

// New builds the runner for dev. dev.Protocol selects the decoder.
func New(dev config.DeviceConfig, opts Options) (Runner, error) {
	p, err := Lookup(dev.Protocol)
	if err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, errors.New("device: no byte source")
	}
	if p.Query && opts.Port == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoWriter, dev.Protocol)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named(dev.Protocol)
	}
	if opts.Stats == nil {
		opts.Stats = stream.NewStatistics()
	}
	if dev.Name != "" {
		opts.Logger = opts.Logger.With(zap.String("device", dev.Name))
	}

	switch dev.Protocol {
	case CSE7766, HLW8032:
		return newCSE7766(dev, p, opts), nil
	case CSE7761:
		return newCSE7761(dev, p, opts), nil
	case Pylontech:
		return newPylontech(dev, p, opts), nil
	case Hydreon:
		return newHydreon(dev, p, opts)
	case MR60BHA2:
		return newMR60(dev, p, opts), nil
	case MR24:
		return newMR24(dev, p, opts), nil
	case IEC62056:
		return newIEC62056(dev, p, opts)
	case Kamstrup:
		return newKamstrup(dev, p, opts), nil
	case Modbus:
		return newModbus(dev, p, opts)
	}
	return nil, fmt.Errorf("unknown protocol %q", dev.Protocol)
}

func newCSE7766(dev config.DeviceConfig, p Profile, opts Options) Runner {
	chip := cse7766.ChipCSE7766
	if dev.Protocol == HLW8032 {
		chip = cse7766.ChipHLW8032
	}
	cfg := cse7766.Config{Chip: chip, Logger: opts.Logger}
	if chip == cse7766.ChipHLW8032 {
		cfg.VoltageDivider = dev.HLW8032.VoltageDivider
		if dev.HLW8032.CurrentShunt > 0 {
			cfg.CurrentCoefficient = 1 / (dev.HLW8032.CurrentShunt * 1000)
		}
	}
	meter := cse7766.NewMeter(cfg)
	return newRunner(dev.Protocol, dev, p, opts, cse7766.NewDecoder(opts.Logger), func(f *cse7766.Frame) {
		opts.frame("frame header=0x%02X % X", f.Header(), f[:])
		_, err := meter.Process(f, opts.Sink)
		opts.fail(err)
	})
}

func newPylontech(dev config.DeviceConfig, p Profile, opts Options) Runner {
	var batteries []int
	for i := 1; i <= dev.Pylontech.Batteries; i++ {
		batteries = append(batteries, i)
	}
	mon := pylontech.NewMonitor(batteries, opts.Logger)
	r := newRunner(dev.Protocol, dev, p, opts, stream.NewLineDecoder(pylontech.MaxLineLength), func(l *stream.Line) {
		line, err := mon.Process(string(*l), opts.Sink)
		if errors.Is(err, pylontech.ErrNotBatteryLine) {
			return
		}
		if err != nil {
			opts.fail(err)
			return
		}
		opts.frame("battery %d: %d mV %d mA %d%%", line.Battery, line.Voltage, line.Current, line.Coulomb)
	})
	r.request = func() error { return write(opts, pylontech.Request) }
	return r
}

func newHydreon(dev config.DeviceConfig, p Profile, opts Options) (Runner, error) {
	model := hydreon.RG9
	if dev.Hydreon.Model != "" {
		m, err := hydreon.ParseModel(dev.Hydreon.Model)
		if err != nil {
			return nil, err
		}
		model = m
	}
	mon := hydreon.NewMonitor(opts.Port, hydreon.Config{
		Model:          model,
		HighResolution: dev.Hydreon.HighResolution,
		DisableLED:     dev.Hydreon.DisableLED,
		Logger:         opts.Logger,
	})
	r := newRunner(dev.Protocol, dev, p, opts, stream.NewLineDecoder(hydreon.MaxLineLength), func(l *stream.Line) {
		kind, err := mon.ProcessLine(string(*l), opts.Sink)
		opts.fail(err)
		if kind == hydreon.LineData {
			opts.frame("%s", string(*l))
		}
	})
	r.request = func() error {
		err := mon.Update(opts.Sink)
		if errors.Is(err, hydreon.ErrNotBooted) {
			return nil
		}
		return err
	}
	return r, nil
}

func newMR60(dev config.DeviceConfig, p Profile, opts Options) Runner {
	radar := mr60bha2.NewRadar(opts.Logger)
	return newRunner(dev.Protocol, dev, p, opts, mr60bha2.NewDecoder(opts.Logger), func(f *mr60bha2.Frame) {
		opts.frame("id=%d type=0x%04X (%s) data=% X", f.ID, f.Type, mr60bha2.TypeName(f.Type), f.Data)
		opts.fail(radar.Process(f, opts.Sink))
	})
}

func newMR24(dev config.DeviceConfig, p Profile, opts Options) Runner {
	radar := mr24.NewRadar(opts.Logger)
	return newRunner(dev.Protocol, dev, p, opts, mr24.NewDecoder(opts.Logger), func(pk *mr24.Packet) {
		opts.frame("function=0x%02X address=0x%02X/0x%02X data=% X", pk.Function, pk.Address1, pk.Address2, pk.Data)
		opts.fail(radar.Process(pk, opts.Sink))
	})
}

func newKamstrup(dev config.DeviceConfig, p Profile, opts Options) Runner {
	meter := kamstrup.NewMeter(dev.Kamstrup.Registers, opts.Logger)
	r := newRunner(dev.Protocol, dev, p, opts, kamstrup.NewDecoder(opts.Logger), func(f *kamstrup.Frame) {
		opts.frame("response % X", f.Payload)
		opts.fail(meter.Process(f, opts.Sink))
	})
	r.request = func() error { return write(opts, meter.NextRequest()) }
	return r
}

func newModbus(dev config.DeviceConfig, p Profile, opts Options) (Runner, error) {
	vendor, err := modbus.LookupVendor(dev.Modbus.Vendor)
	if err != nil {
		return nil, err
	}
	address := dev.Modbus.Address
	if address == 0 {
		address = 1
	}
	d := modbus.NewDevice(address, vendor, opts.Logger)
	r := newRunner(dev.Protocol, dev, p, opts, modbus.NewDecoder(address, opts.Logger), func(resp *modbus.Response) {
		opts.frame("slave=%d function=0x%02X data=% X", resp.Address, resp.Function, resp.Data)
		opts.fail(d.Process(resp, opts.Sink))
	})
	r.request = func() error { return write(opts, d.NextRequest()) }
	return r, nil
}

// iecPort joins the source, the writer and the baud switch into the port a
// Session drives.
type iecPort struct {
	stream.Source
	io.Writer
	setBaud func(int) error
}

func (p iecPort) SetBaudRate(baud int) error {
	if p.setBaud == nil {
		return nil
	}
	return p.setBaud(baud)
}

// iecRunner steps a readout session. The session reads the source itself,
// so byte counts come from a counting wrapper.
type iecRunner struct {
	session *iec62056.Session
	src     *countingSource
	stats   *stream.Statistics
	started bool
	readout int
	opts    Options
}

func (r *iecRunner) Protocol() string { return IEC62056 }

func (r *iecRunner) Statistics() *stream.Statistics { return r.stats }

func (r *iecRunner) Poll(now time.Time) error {
	if !r.started {
		r.session.Start(now)
		r.started = true
	}
	err := r.session.Step(now)
	r.stats.AddBytes(r.src.take())
	if n := r.session.Readouts(); n != r.readout {
		r.readout = n
		r.stats.Update(nil)
		r.opts.frame("readout %d from %s", n, r.session.Identification())
	}
	if errors.Is(err, iec62056.ErrTimeout) {
		r.stats.Update(stream.Wrap(stream.KindStale, err, "meter silent"))
	}
	return err
}

type countingSource struct {
	stream.Source
	n int
}

func (c *countingSource) ReadByte() (byte, error) {
	b, err := c.Source.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingSource) take() int {
	n := c.n
	c.n = 0
	return n
}

func newIEC62056(dev config.DeviceConfig, p Profile, opts Options) (Runner, error) {
	sensors, err := ParseSensors(dev.IEC62056.OBIS)
	if err != nil {
		return nil, err
	}
	update := dev.IEC62056.UpdateInterval
	if update == 0 {
		update = dev.PollInterval
	}
	if update == 0 && !dev.IEC62056.ModeD {
		update = p.Interval
	}
	src := &countingSource{Source: opts.Source}
	session := iec62056.NewSession(iecPort{Source: src, Writer: opts.Port, setBaud: opts.SetBaud}, opts.Sink, iec62056.Config{
		MaxBaud:           dev.IEC62056.MaxBaud,
		Retries:           dev.IEC62056.Retries,
		RetryDelay:        dev.IEC62056.RetryDelay,
		ConnectionTimeout: dev.IEC62056.ConnectionTimeout,
		UpdateInterval:    update,
		BatteryMeter:      dev.IEC62056.BatteryMeter,
		ModeD:             dev.IEC62056.ModeD,
		Sensors:           sensors,
		Logger:            opts.Logger,
	})
	return &iecRunner{session: session, src: src, stats: opts.Stats, opts: opts}, nil
}

// ParseSensors parses OBIS sensor specs of the form
// "obis[,name[,unit]]". A unit of "text", "text0", "text1" or "text2"
// publishes the raw value; the digit selects the whole line or a group.
func ParseSensors(specs []string) ([]iec62056.Sensor, error) {
	sensors := make([]iec62056.Sensor, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ",")
		s := iec62056.Sensor{OBIS: strings.TrimSpace(parts[0])}
		if !iec62056.ValidOBIS(s.OBIS) || s.OBIS == "" {
			return nil, fmt.Errorf("invalid OBIS code %q", parts[0])
		}
		s.Name = s.OBIS
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			s.Name = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			unit := strings.TrimSpace(parts[2])
			if rest, ok := strings.CutPrefix(unit, "text"); ok {
				s.Text = true
				s.Group = 1
				if rest != "" {
					g, err := strconv.Atoi(rest)
					if err != nil || g < 0 || g > 2 {
						return nil, fmt.Errorf("invalid text group in %q", spec)
					}
					s.Group = g
				}
			} else {
				s.Unit = unit
			}
		}
		if len(parts) > 3 {
			return nil, fmt.Errorf("too many fields in sensor %q", spec)
		}
		sensors = append(sensors, s)
	}
	return sensors, nil
}

// cse7761Runner polls the chip over a blocking request/response link.
type cse7761Runner struct {
	client   *cse7761.Client
	stats    *stream.Statistics
	interval time.Duration
	next     time.Time
	ready    bool
	opts     Options
}

func (r *cse7761Runner) Protocol() string { return CSE7761 }

func (r *cse7761Runner) Statistics() *stream.Statistics { return r.stats }

func (r *cse7761Runner) Poll(now time.Time) error {
	if now.Before(r.next) {
		return nil
	}
	r.next = now.Add(r.interval)
	if !r.ready {
		if err := r.client.Setup(); err != nil {
			r.stats.Update(stream.Wrap(stream.KindInvalid, err, "setup"))
			return err
		}
		r.ready = true
	}
	m, err := r.client.Update(r.opts.Sink)
	if err != nil {
		r.stats.Update(cse7761Error(err))
		r.opts.fail(err)
		return nil
	}
	r.stats.Update(nil)
	r.opts.frame("U=%.1fV I1=%.3fA I2=%.3fA P1=%.1fW P2=%.1fW", m.Voltage, m.Current[0], m.Current[1], m.Power[0], m.Power[1])
	return nil
}

func cse7761Error(err error) error {
	switch {
	case errors.Is(err, cse7761.ErrChecksum):
		return stream.Wrap(stream.KindChecksum, err, "register read")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return stream.Wrap(stream.KindLength, err, "register read")
	}
	return err
}

func newCSE7761(dev config.DeviceConfig, p Profile, opts Options) Runner {
	interval := dev.PollInterval
	if interval == 0 {
		interval = p.Interval
	}
	rw := &blockingPort{src: opts.Source, w: opts.Port, timeout: 100 * time.Millisecond}
	client := cse7761.NewClient(rw, cse7761.Config{
		Coefficients: cse7761.Coefficients{
			Voltage: dev.CSE7761.VoltageRef,
			Current: dev.CSE7761.CurrentRef,
			Power:   dev.CSE7761.PowerRef,
		},
		Logger: opts.Logger,
	})
	return &cse7761Runner{client: client, stats: opts.Stats, interval: interval, opts: opts}
}

// blockingPort turns a non-blocking source into a reader that waits up to
// timeout for each read. A read cut short by the timeout returns io.EOF so
// io.ReadFull reports the missing reply.
type blockingPort struct {
	src     stream.Source
	w       io.Writer
	timeout time.Duration
}

func (b *blockingPort) Write(p []byte) (int, error) { return b.w.Write(p) }

// Drain discards whatever the source already holds.
func (b *blockingPort) Drain() int {
	n := 0
	for b.src.Available() > 0 {
		if _, err := b.src.ReadByte(); err != nil {
			break
		}
		n++
	}
	return n
}

func (b *blockingPort) Read(p []byte) (int, error) {
	deadline := time.Now().Add(b.timeout)
	n := 0
	for n < len(p) {
		if b.src.Available() == 0 {
			if time.Now().After(deadline) {
				return n, io.EOF
			}
			time.Sleep(time.Millisecond)
			continue
		}
		c, err := b.src.ReadByte()
		if err != nil {
			return n, err
		}
		p[n] = c
		n++
	}
	return n, nil
}
