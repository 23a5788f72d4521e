// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

var (
	monitorFrames bool
	monitorErrors bool
	monitorRecord string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Decode a live stream and print every reading",
	Long: `Continuously decode the selected protocol and print each reading as it
is published.

Polled protocols (kamstrup, modbus, pylontech, hydreon, iec62056, cse7761)
are sent their requests on the device's poll interval.

Use --frames to also print a summary of every valid frame and --errors to
print framing errors (CRC failures, resyncs, stale partial frames).

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	addDeviceFlags(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorFrames, "frames", false, "Print a summary of every valid frame")
	monitorCmd.Flags().BoolVar(&monitorErrors, "errors", false, "Print framing errors")
	monitorCmd.Flags().StringVar(&monitorRecord, "record", "", "Also record the raw stream to a capture file")
}

func timestamp() string {
	return time.Now().Format("15:04:05.000")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	dev, err := selectedDevice()
	if err != nil {
		return err
	}

	opts := device.Options{
		Sink: stream.SinkFunc(func(r stream.Reading) {
			fmt.Printf("[%s] %s\n", timestamp(), r)
		}),
	}
	if monitorFrames {
		opts.OnFrame = func(summary string) {
			fmt.Printf("[%s] \033[1;32mFRAME:\033[0m %s\n", timestamp(), summary)
		}
	}
	if monitorErrors {
		opts.OnError = func(err error) {
			fmt.Printf("[%s] \033[1;31mERROR:\033[0m %v\n", timestamp(), err)
		}
	}

	var record *os.File
	if monitorRecord != "" {
		record, err = os.Create(monitorRecord)
		if err != nil {
			return err
		}
		defer record.Close()
	}

	var s *session
	if record != nil {
		s, err = openSession(dev, opts, record)
	} else {
		s, err = openSession(dev, opts, nil)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	s.printHeader("Monitor")

	ctx, stop := signalContext()
	defer stop()
	err = s.run(ctx, func(err error) {
		fmt.Fprintf(os.Stderr, "[%s] %v\n", timestamp(), err)
	})

	fmt.Println()
	fmt.Print(s.runner.Statistics().String())
	return err
}
