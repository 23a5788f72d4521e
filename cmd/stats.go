// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Track framing errors and frame rates of a live stream",
	Long: `Decode the selected protocol and track framing statistics.

Every discarded frame is classified:
  - Checksum: the frame arrived whole but its checksum did not match
  - Resync:   a header or delimiter was missing and the decoder resynced
  - Length:   a declared length was out of range
  - Stale:    a partial frame timed out and was dropped
  - Invalid:  a complete frame failed a structural check

Errors seen before the first valid frame are counted but not logged, since
joining a stream mid-frame always produces a few.

By default, only errors are displayed. Use --show-all to display valid frames too.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	addDeviceFlags(statsCmd)
	statsCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	statsCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds, text mode)")
	statsCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runStats(cmd *cobra.Command, args []string) error {
	dev, err := selectedDevice()
	if err != nil {
		return err
	}
	if useTUI {
		return runStatsTUI(dev)
	}
	return runStatsText(dev)
}

// runStatsTUI feeds the dashboard from the session goroutine
func runStatsTUI(dev config.DeviceConfig) error {
	var p *tea.Program
	send := func(msg tea.Msg) {
		if p != nil {
			p.Send(msg)
		}
	}

	s, err := openSession(dev, device.Options{
		Sink:    stream.SinkFunc(func(r stream.Reading) { send(readingMsg(r)) }),
		OnFrame: func(summary string) { send(frameMsg(summary)) },
		OnError: func(err error) { send(frameErrMsg{err: err}) },
	}, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	s.report = func(st stream.Statistics) { send(statsMsg(st)) }
	s.reportEvery = time.Second

	p = tea.NewProgram(newStatsModel(dev.Name, dev.Protocol, s.info, showAll))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		err := s.run(ctx, func(err error) { send(frameErrMsg{err: err}) })
		send(sessionDoneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runStatsText prints errors as they happen and a summary every interval
func runStatsText(dev config.DeviceConfig) error {
	synchronized := false
	skipped := 0

	s, err := openSession(dev, device.Options{
		OnFrame: func(summary string) {
			if !synchronized {
				synchronized = true
				if skipped > 0 {
					fmt.Printf("[SYNC] Synchronized after discarding %d partial frames\n\n", skipped)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}
			}
			if showAll {
				fmt.Printf("[%s] %s\n", timestamp(), summary)
			}
		},
		OnError: func(err error) {
			if _, framing := stream.KindOf(err); framing && !synchronized {
				skipped++
				return
			}
			fmt.Printf("[%s] \033[1;31mERROR:\033[0m %v\n", timestamp(), err)
		},
	}, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	s.printHeader("Statistics")
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n\n")
	} else {
		fmt.Printf("Mode: Errors only\n\n")
	}

	s.report = func(st stream.Statistics) {
		fmt.Println()
		fmt.Print(st.String())
		fmt.Println()
	}
	s.reportEvery = time.Duration(statsInterval) * time.Second

	ctx, stop := signalContext()
	defer stop()
	err = s.run(ctx, func(err error) {
		fmt.Printf("[%s] \033[1;31mERROR:\033[0m %v\n", timestamp(), err)
	})

	fmt.Println()
	fmt.Print(s.runner.Statistics().String())
	return err
}
