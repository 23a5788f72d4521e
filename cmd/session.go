// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/capture"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// pollTick bounds the latency of request schedules and stale checks.
const pollTick = 20 * time.Millisecond

// session is one live connection feeding one device runner.
type session struct {
	dev    config.DeviceConfig
	line   config.ConnectionConfig
	conn   Connection
	info   string
	queue  *stream.Queue
	runner device.Runner
	data   <-chan struct{}
	done   <-chan error
	rec    *capture.Writer
	wmu    sync.Mutex

	// report, when set, receives a statistics snapshot every reportEvery.
	report      func(stream.Statistics)
	reportEvery time.Duration
}

// openSession connects, starts the read pump and builds the runner. When
// record is non-nil the raw stream is captured into it.
func openSession(dev config.DeviceConfig, opts device.Options, record io.Writer) (*session, error) {
	line := lineSettings(dev.Protocol)
	conn, info, err := OpenConnection(line)
	if err != nil {
		return nil, err
	}

	s := &session{dev: dev, line: line, conn: conn, info: info, queue: stream.NewQueue()}

	var src io.Reader = conn
	if record != nil {
		s.rec, err = capture.NewWriter(record, dev.Protocol, line.Baud, time.Now())
		if err != nil {
			conn.Close()
			return nil, err
		}
		src = capture.NewRecorder(conn, s.rec, time.Now)
		logging.Info("Recording capture", zap.Stringer("session", s.rec.Session()))
	}

	opts.Source = s.queue
	opts.Port = writerFunc(s.Write)
	opts.SetBaud = conn.SetBaudRate
	s.runner, err = device.New(dev, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s.data, s.done = pump(src, s.queue)
	return s, nil
}

// writerFunc adapts a function to io.Writer
type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// Write sends raw bytes to the device. Writes from the runner and from
// manual commands are serialized.
func (s *session) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Write(p)
}

func (s *session) Close() error {
	return s.conn.Close()
}

// run polls the runner until ctx ends or the connection fails. Poll
// errors are reported to onErr and do not stop the loop.
func (s *session) run(ctx context.Context, onErr func(error)) error {
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	poll := func() {
		if err := s.runner.Poll(time.Now()); err != nil {
			logging.Debug("Poll failed", zap.Error(err))
			if onErr != nil {
				onErr(err)
			}
		}
	}

	var reports <-chan time.Time
	if s.report != nil {
		every := s.reportEvery
		if every <= 0 {
			every = time.Second
		}
		t := time.NewTicker(every)
		defer t.Stop()
		reports = t.C
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reports:
			snapshot := *s.runner.Statistics()
			snapshot.CalculateRates()
			s.report(snapshot)
		case <-s.data:
			poll()
		case <-ticker.C:
			poll()
		case err := <-s.done:
			// Drain what arrived before the failure
			poll()
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				logging.Info("Connection closed")
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printHeader writes the banner common to the decoding commands.
func (s *session) printHeader(title string) {
	fmt.Printf("wiredecode - %s\n", title)
	fmt.Printf("Device: %s (%s)\n", s.dev.Name, s.dev.Protocol)
	fmt.Printf("Connection: %s\n", s.info)
	if s.rec != nil {
		fmt.Printf("Capture session: %s\n", s.rec.Session())
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")
}
