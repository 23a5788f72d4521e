// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/capture"
	"github.com/Thermoquad/wiredecode/pkg/ir"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// irCaptureProtocol marks captures holding only IR pulse records
const irCaptureProtocol = "ir"

var (
	captureDuration time.Duration
	replayQuiet     bool
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record raw streams to a file and replay them offline",
	Long: `Record the raw byte stream of a device together with arrival times, and
replay recordings through the decoders later.

Captures are CBOR encoded and start with a header naming the protocol,
line rate and a session ID. Replays feed each chunk at its original
arrival time so stale-frame timeouts behave as they did live.`,
}

var captureRecordCmd = &cobra.Command{
	Use:   "record FILE",
	Short: "Record a live stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runCaptureRecord,
}

var captureReplayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Decode a recorded stream",
	Long: `Decode a capture file and print its readings and statistics.

The protocol is taken from the capture header unless --protocol or
--device is given. IR pulse records are decoded with the IR codecs.`,
	Args: cobra.ExactArgs(1),
	RunE: runCaptureReplay,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.AddCommand(captureRecordCmd, captureReplayCmd)

	addDeviceFlags(captureRecordCmd)
	captureRecordCmd.Flags().DurationVar(&captureDuration, "duration", 0, "Stop after this long (default until Ctrl+C)")

	addDeviceFlags(captureReplayCmd)
	captureReplayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Only print the final statistics")
}

func runCaptureRecord(cmd *cobra.Command, args []string) error {
	dev, err := selectedDevice()
	if err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := openSession(dev, device.Options{}, f)
	if err != nil {
		return err
	}
	defer s.Close()

	s.printHeader("Capture")
	fmt.Printf("Recording to %s\n\n", args[0])

	ctx, stop := signalContext()
	defer stop()
	if captureDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, captureDuration)
		defer cancel()
	}

	err = s.run(ctx, nil)

	st := s.runner.Statistics()
	fmt.Printf("Recorded %d chunks, %d bytes (%d valid frames)\n", s.rec.Records(), st.BytesReceived, st.ValidFrames)
	return err
}

// replayDevice picks the device for a capture: the command line selection
// if any, otherwise the protocol recorded in the header.
func replayDevice(h capture.Header) (config.DeviceConfig, error) {
	if protocolName != "" || deviceName != "" {
		return selectedDevice()
	}
	if _, err := device.Lookup(h.Protocol); err != nil {
		return config.DeviceConfig{}, fmt.Errorf("capture protocol: %w", err)
	}
	return config.DeviceConfig{Name: h.Protocol, Protocol: h.Protocol}, nil
}

// replayCapture decodes every record of r. Requests the runner would send
// are discarded. The runner is nil for IR-only captures.
func replayCapture(r *capture.Reader, dev config.DeviceConfig, out io.Writer, quiet bool) (device.Runner, int, error) {
	reg := irRegistry()
	onPulses := func(at time.Time, seq ir.Sequence) {
		name, frame, err := decodePulses(reg, "", seq)
		if err != nil {
			fmt.Fprintf(out, "[%s] IR: %v\n", at.Format("15:04:05.000"), err)
			return
		}
		fmt.Fprintf(out, "[%s] IR %s: % X (%s)\n", at.Format("15:04:05.000"), name, frame, describeFrame(name, frame))
	}

	if dev.Protocol == irCaptureProtocol {
		n, err := capture.Replay(r, io.Discard, nil, onPulses)
		return nil, n, err
	}

	queue := stream.NewQueue()
	opts := device.Options{
		Source: queue,
		Port:   io.Discard,
	}
	var at time.Time
	if !quiet {
		opts.Sink = stream.SinkFunc(func(rd stream.Reading) {
			fmt.Fprintf(out, "[%s] %s\n", at.Format("15:04:05.000"), rd)
		})
		opts.OnError = func(err error) {
			fmt.Fprintf(out, "[%s] ERROR: %v\n", at.Format("15:04:05.000"), err)
		}
	}
	runner, err := device.New(dev, opts)
	if err != nil {
		return nil, 0, err
	}

	n, err := capture.Replay(r, queue, func(t time.Time) {
		at = t
		if err := runner.Poll(t); err != nil {
			logging.Debug("Replay poll failed", zap.Error(err))
		}
	}, onPulses)
	return runner, n, err
}

func runCaptureReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := capture.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	h := r.Header()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "wiredecode - Replay\n")
	fmt.Fprintf(out, "File: %s\n", args[0])
	if id, err := h.SessionID(); err == nil {
		fmt.Fprintf(out, "Session: %s\n", id)
	}
	fmt.Fprintf(out, "Recorded: %s (%s @ %d baud)\n\n", h.StartTime().Format(time.RFC3339), h.Protocol, h.Baud)

	var dev config.DeviceConfig
	if h.Protocol == irCaptureProtocol && protocolName == "" && deviceName == "" {
		dev = config.DeviceConfig{Name: irCaptureProtocol, Protocol: irCaptureProtocol}
	} else if dev, err = replayDevice(h); err != nil {
		return err
	}

	runner, n, err := replayCapture(r, dev, out, replayQuiet)
	if err != nil {
		return fmt.Errorf("replay stopped after %d records: %w", n, err)
	}

	fmt.Fprintf(out, "\nReplayed %d records\n", n)
	if runner != nil {
		fmt.Fprint(out, runner.Statistics().String())
	}
	return nil
}
