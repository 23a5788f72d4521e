// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wiredecode/internal/device"
)

var waitTimeout int

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Test a connection by waiting for a valid frame",
	Long: `Wait for a valid frame of the selected protocol until timeout.

Invalid bytes and framing errors are counted but otherwise ignored; the
command succeeds on the first complete frame that passes its checksum.
Polled protocols are sent their request first.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful in scripts to check wiring and line settings.`,
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)
	addDeviceFlags(waitCmd)
	waitCmd.Flags().IntVar(&waitTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runWait(cmd *cobra.Command, args []string) error {
	dev, err := selectedDevice()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(waitTimeout)*time.Second)
	defer cancel()

	var frame string
	s, err := openSession(dev, device.Options{
		OnFrame: func(summary string) {
			if frame == "" {
				frame = summary
				cancel()
			}
		},
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("wiredecode - Wait\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds\n", waitTimeout)
	fmt.Printf("Waiting for valid %s frame...\n\n", dev.Protocol)

	if err := s.run(ctx, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)
	}

	stats := s.runner.Statistics()
	if frame != "" {
		if errs := stats.Errors(); errs > 0 {
			fmt.Printf("(discarded %d partial frames before sync)\n", errs)
		}
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  %s\n", frame)
		fmt.Printf("  Bytes received: %d\n", stats.BytesReceived)
		os.Exit(0)
	}

	fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds (%d bytes, %d errors)\n",
		waitTimeout, stats.BytesReceived, stats.Errors())
	os.Exit(1)
	return nil
}
