// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/device"
)

var (
	pingCount   int
	pingTimeout int
	pingSend    string
	pingArg     string
)

// pingProbe is the default request each protocol is pinged with
type pingProbe struct {
	command string
	arg     func(dev config.DeviceConfig) string
}

var pingProbes = map[string]pingProbe{
	device.Kamstrup:  {command: "get_register", arg: func(config.DeviceConfig) string { return "0x3C" }},
	device.Hydreon:   {command: "poll"},
	device.Pylontech: {command: "pwr"},
	device.MR60BHA2:  {command: "get_parameters"},
	device.MR24:      {command: "read", arg: func(config.DeviceConfig) string { return "0x01 0x01" }},
	device.Modbus: {command: "read_holding", arg: func(dev config.DeviceConfig) string {
		addr := dev.Modbus.Address
		if addr == 0 {
			addr = 1
		}
		return strconv.Itoa(int(addr)) + " 0 1"
	}},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure request round-trip time to a polled device",
	Long: `Send a request to the device and time the first valid frame in reply.

Each protocol has a default probe (a register or status read); override
it with --send and --arg. Automatic polling is disabled while pinging.

Exit codes:
  0 - Every ping was answered
  1 - At least one ping failed or timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	addDeviceFlags(pingCmd)
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 3, "Number of pings to send")
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 2, "Timeout in seconds for each ping")
	pingCmd.Flags().StringVar(&pingSend, "send", "", "Command to send instead of the default probe")
	pingCmd.Flags().StringVar(&pingArg, "arg", "", "Argument of the --send command")
}

// probeRequest builds the request bytes for a ping
func probeRequest(dev config.DeviceConfig, name, arg string) ([]byte, string, error) {
	if name == "" {
		probe, ok := pingProbes[dev.Protocol]
		if !ok {
			return nil, "", fmt.Errorf("%s has no default probe, use --send", dev.Protocol)
		}
		name = probe.command
		if probe.arg != nil {
			arg = probe.arg(dev)
		}
	}
	c, err := device.FindCommand(dev.Protocol, name)
	if err != nil {
		return nil, "", err
	}
	msg, err := c.Build(arg)
	return msg, name, err
}

func runPing(cmd *cobra.Command, args []string) error {
	dev, err := selectedDevice()
	if err != nil {
		return err
	}
	switch dev.Protocol {
	case device.IEC62056, device.CSE7761:
		return fmt.Errorf("%s runs its own request sequence and cannot be pinged", dev.Protocol)
	}

	msg, name, err := probeRequest(dev, pingSend, pingArg)
	if err != nil {
		return err
	}

	// No automatic requests
	dev.PollInterval = -1

	frames := make(chan string, 16)
	s, err := openSession(dev, device.Options{
		OnFrame: func(summary string) {
			select {
			case frames <- summary:
			default:
			}
		},
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("wiredecode - Ping\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Probe: %s (% X)\n", name, msg)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- s.run(ctx, nil) }()

	successCount := 0
	failCount := 0
	var total time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		// Discard frames that arrived between pings
	drain:
		for {
			select {
			case <-frames:
			default:
				break drain
			}
		}

		startTime := time.Now()
		if _, err := s.Write(msg); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		select {
		case summary := <-frames:
			rtt := time.Since(startTime)
			total += rtt
			fmt.Printf("%s, rtt=%v\n", summary, rtt.Round(time.Millisecond))
			successCount++

		case err := <-runDone:
			fmt.Printf("READ FAILED: %v\n", err)
			failCount += pingCount - i + 1
			i = pingCount

		case <-time.After(time.Duration(pingTimeout) * time.Second):
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt=%v\n", (total / time.Duration(successCount)).Round(time.Millisecond))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
