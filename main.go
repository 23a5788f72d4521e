// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// wiredecode - serial and IR protocol decoder
//
// A CLI tool for decoding sensor, meter and air conditioner protocols from
// serial ports, WebSocket bridges and capture files.

package main

import (
	"os"

	"github.com/Thermoquad/wiredecode/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
