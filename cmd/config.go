// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wiredecode/internal/device"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML",
	Long: `Print the configuration after merging wiredecode.yaml, WIREDECODE_*
environment variables and command line flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configProtocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List the protocols and their default line settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PROTOCOL\tLINE\tPOLL\tCOMMANDS")
		for _, name := range device.Protocols() {
			p, _ := device.Lookup(name)
			poll := "-"
			if p.Query {
				poll = p.Interval.String()
			}
			var cmds []string
			for _, c := range device.Commands(name) {
				cmds = append(cmds, c.Name)
			}
			fmt.Fprintf(tw, "%s\t%d %d%s%d\t%s\t%s\n", name, p.Baud, p.DataBits,
				strings.ToUpper(p.Parity[:1]), p.StopBits, poll, strings.Join(cmds, ","))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configProtocolsCmd)
}
