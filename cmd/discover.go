// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wiredecode/internal/discovery"
)

var (
	discoverTimeout int
	discoverService string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find serial-to-WebSocket bridges via mDNS",
	Long: `Browse the local network for bridges advertising a serial port over
WebSocket.

Bridges announce themselves as _wiredecode._tcp services. Optional TXT
records describe the endpoint:
  path=/serial       WebSocket path
  protocol=cse7766   protocol of the attached device
  baud=4800          line rate of the attached device
  tls=1              serve wss://

The printed URL can be passed to --url.

Exit codes:
  0 - At least one bridge found
  1 - No bridges found
  2 - mDNS error`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().IntVar(&discoverTimeout, "timeout", 5, "Timeout in seconds for discovery")
	discoverCmd.Flags().StringVar(&discoverService, "service", discovery.ServiceType, "mDNS service type")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	scanner := discovery.NewScanner()
	scanner.Timeout = time.Duration(discoverTimeout) * time.Second
	scanner.ServiceType = discoverService

	fmt.Printf("wiredecode - Bridge Discovery\n")
	fmt.Printf("Service: %s\n", discoverService)
	fmt.Printf("Timeout: %d seconds\n\n", discoverTimeout)

	ctx, stop := signalContext()
	defer stop()
	bridges, err := scanner.Scan(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(2)
	}

	if len(bridges) == 0 {
		fmt.Printf("No bridges found\n")
		os.Exit(1)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tPROTOCOL\tBAUD")
	for _, b := range bridges {
		baud := "-"
		if b.Baud > 0 {
			baud = fmt.Sprint(b.Baud)
		}
		protocol := b.Protocol
		if protocol == "" {
			protocol = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Instance, b.URL(), protocol, baud)
	}
	tw.Flush()
	fmt.Printf("\nFound %d bridge(s)\n", len(bridges))
	return nil
}
