// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

var (
	queryFrames  int
	queryTimeout time.Duration
	querySend    string
	queryArg     string
	queryOutput  string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Read a device once and print its latest readings",
	Long: `Decode the selected protocol until enough valid frames arrived, then
print the latest value of every quantity.

With --send a manual command is written first, e.g.

  wiredecode query -P modbus --send read_input --arg "1 0 2"
  wiredecode query -P mr60bha2 --send get_parameters

Run "wiredecode query -P <protocol> --send list" to list the commands.`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	addDeviceFlags(queryCmd)
	queryCmd.Flags().IntVarP(&queryFrames, "frames", "n", 1, "Valid frames to wait for")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 15*time.Second, "Give up after this long")
	queryCmd.Flags().StringVar(&querySend, "send", "", "Manual command to send first (\"list\" to show them)")
	queryCmd.Flags().StringVar(&queryArg, "arg", "", "Argument of the --send command")
	queryCmd.Flags().StringVarP(&queryOutput, "output", "o", "table", "Output format: table or yaml")
}

// latestReadings keeps the last reading of every quantity, sorted by name
func latestReadings(rs []stream.Reading) []stream.Reading {
	last := make(map[string]stream.Reading, len(rs))
	for _, r := range rs {
		last[r.Quantity] = r
	}
	out := make([]stream.Reading, 0, len(last))
	for _, r := range last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Quantity < out[j].Quantity })
	return out
}

func readingValue(r stream.Reading) string {
	switch r.Type {
	case stream.Bool:
		return fmt.Sprintf("%v", r.Flag)
	case stream.Text:
		return r.Text
	}
	if r.Missing() {
		return "-"
	}
	return fmt.Sprintf("%.3f", r.Value)
}

func printReadingsTable(w io.Writer, rs []stream.Reading) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUANTITY\tVALUE\tUNIT")
	for _, r := range rs {
		unit := r.Unit
		if r.Approximate {
			unit += " (approx)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Quantity, readingValue(r), unit)
	}
	return tw.Flush()
}

// yamlReading is the YAML form of a reading
type yamlReading struct {
	Value       any    `yaml:"value"`
	Unit        string `yaml:"unit,omitempty"`
	Approximate bool   `yaml:"approximate,omitempty"`
}

func printReadingsYAML(w io.Writer, rs []stream.Reading) error {
	doc := make(map[string]yamlReading, len(rs))
	for _, r := range rs {
		y := yamlReading{Unit: r.Unit, Approximate: r.Approximate}
		switch {
		case r.Type == stream.Bool:
			y.Value = r.Flag
		case r.Type == stream.Text:
			y.Value = r.Text
		case !math.IsNaN(r.Value):
			y.Value = r.Value
		}
		doc[r.Quantity] = y
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func printCommands(w io.Writer, protocol string) {
	cmds := device.Commands(protocol)
	if len(cmds) == 0 {
		fmt.Fprintf(w, "%s is receive only\n", protocol)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range cmds {
		arg := ""
		if c.Arg != "" {
			arg = "<" + c.Arg + ">"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, arg, c.Description)
	}
	tw.Flush()
}

func runQuery(cmd *cobra.Command, args []string) error {
	dev, err := selectedDevice()
	if err != nil {
		return err
	}
	if queryOutput != "table" && queryOutput != "yaml" {
		return fmt.Errorf("unknown output format %q", queryOutput)
	}

	if querySend == "list" {
		printCommands(cmd.OutOrStdout(), dev.Protocol)
		return nil
	}

	var msg []byte
	if querySend != "" {
		c, err := device.FindCommand(dev.Protocol, querySend)
		if err != nil {
			return err
		}
		if msg, err = c.Build(queryArg); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	collector := &stream.Collector{}
	frames := 0
	s, err := openSession(dev, device.Options{
		Sink: collector,
		OnFrame: func(string) {
			frames++
			if frames >= queryFrames {
				cancel()
			}
		},
	}, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if msg != nil {
		if _, err := s.Write(msg); err != nil {
			return fmt.Errorf("send %s: %w", querySend, err)
		}
	}

	if err := s.run(ctx, nil); err != nil {
		return err
	}
	if frames < queryFrames {
		fmt.Fprintf(os.Stderr, "TIMEOUT: %d of %d frames within %s\n", frames, queryFrames, queryTimeout)
	}

	rs := latestReadings(collector.Readings())
	if queryOutput == "yaml" {
		return printReadingsYAML(cmd.OutOrStdout(), rs)
	}
	return printReadingsTable(cmd.OutOrStdout(), rs)
}
