// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wiredecode/internal/logging"
)

var (
	linkDuration int
	linkDump     bool
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Test connection stability and show the raw byte stream",
	Long: `Hold the connection open for a fixed duration without decoding and
report every chunk received.

Line settings follow --protocol when given, so the link can be checked
before a decoder is involved. Use --dump for a hex dump of each chunk.

Exit codes:
  0 - Connection stayed up for the whole duration
  1 - Connection failed during the test
  2 - Connection error`,
	RunE: runLink,
}

func init() {
	rootCmd.AddCommand(linkCmd)
	linkCmd.Flags().StringVarP(&protocolName, "protocol", "P", "", "Protocol whose line settings to use")
	linkCmd.Flags().IntVar(&linkDuration, "duration", 30, "Test duration in seconds")
	linkCmd.Flags().BoolVar(&linkDump, "dump", false, "Print a hex dump of every chunk")
}

func runLink(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(lineSettings(protocolName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("wiredecode - Link Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkDuration)

	// Start a goroutine to read from the connection
	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	started := time.Now()
	endTime := started.Add(time.Duration(linkDuration) * time.Second)
	bytesReceived := 0
	chunksReceived := 0

	results := func(result string) {
		fmt.Printf("\n--- Test Results ---\n")
		fmt.Printf("Duration: %v\n", time.Since(started).Round(time.Millisecond))
		fmt.Printf("Chunks received: %d\n", chunksReceived)
		fmt.Printf("Bytes received: %d\n", bytesReceived)
		fmt.Printf("Result: %s\n", result)
	}

	fmt.Printf("Listening for data...\n\n")

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	ctx, stop := signalContext()
	defer stop()

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			bytesReceived += len(data)
			chunksReceived++
			logging.LogRawBytes("Chunk received", data)
			if linkDump {
				fmt.Printf("[%s] %d bytes\n%s", timestamp(), len(data), hex.Dump(data))
			} else {
				fmt.Printf("[%s] Received %d bytes: %x\n", timestamp(), len(data), data)
			}

		case err := <-errChan:
			if errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) {
				fmt.Printf("\n[%s] Connection closed by peer\n", timestamp())
			} else {
				fmt.Printf("\n[%s] Connection error: %v\n", timestamp(), err)
			}
			results("FAILED (connection error)")
			os.Exit(1)

		case <-ctx.Done():
			results("INTERRUPTED")
			return nil

		case <-heartbeat.C:
			// Just a heartbeat to show the test is running
			remaining := time.Until(endTime).Seconds()
			fmt.Printf("[%s] Still connected... (%.0fs remaining)\n", timestamp(), remaining)
		}
	}

	results("PASSED (connection stable)")
	return nil
}
