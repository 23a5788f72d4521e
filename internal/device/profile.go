// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"fmt"
	"sort"
	"time"

	"github.com/Thermoquad/wiredecode/pkg/protocol/cse7766"
	"github.com/Thermoquad/wiredecode/pkg/protocol/kamstrup"
	"github.com/Thermoquad/wiredecode/pkg/protocol/modbus"
	"github.com/Thermoquad/wiredecode/pkg/protocol/mr24"
	"github.com/Thermoquad/wiredecode/pkg/protocol/mr60bha2"
)

// Protocol names accepted in device configs and on the command line.
const (
	CSE7766   = "cse7766"
	HLW8032   = "hlw8032"
	CSE7761   = "cse7761"
	Pylontech = "pylontech"
	Hydreon   = "hydreon"
	MR60BHA2  = "mr60bha2"
	MR24      = "mr24"
	IEC62056  = "iec62056"
	Kamstrup  = "kamstrup"
	Modbus    = "modbus"
)

// Profile is the default line setup for a protocol.
type Profile struct {
	Baud     int
	DataBits int
	Parity   string
	StopBits int
	// Stale abandons a partial frame after this much silence.
	Stale time.Duration
	// Interval is the request period for polled devices; zero for
	// devices that transmit on their own.
	Interval time.Duration
	// Query marks request/response protocols.
	Query bool
}

var profiles = map[string]Profile{
	CSE7766:   {Baud: 4800, DataBits: 8, Parity: "even", StopBits: 1, Stale: cse7766.StaleTimeout},
	HLW8032:   {Baud: 4800, DataBits: 8, Parity: "even", StopBits: 1, Stale: cse7766.StaleTimeout},
	CSE7761:   {Baud: 38400, DataBits: 8, Parity: "even", StopBits: 1, Interval: time.Second, Query: true},
	Pylontech: {Baud: 115200, DataBits: 8, Parity: "none", StopBits: 1, Interval: 5 * time.Second, Query: true},
	Hydreon:   {Baud: 9600, DataBits: 8, Parity: "none", StopBits: 1, Interval: 5 * time.Second, Query: true},
	MR60BHA2:  {Baud: 115200, DataBits: 8, Parity: "none", StopBits: 1, Stale: mr60bha2.StaleTimeout},
	MR24:      {Baud: 9600, DataBits: 8, Parity: "none", StopBits: 1, Stale: mr24.StaleTimeout},
	IEC62056:  {Baud: 300, DataBits: 7, Parity: "even", StopBits: 1, Interval: time.Minute, Query: true},
	Kamstrup:  {Baud: 1200, DataBits: 8, Parity: "none", StopBits: 2, Stale: kamstrup.StaleTimeout, Interval: 2 * time.Second, Query: true},
	Modbus:    {Baud: 9600, DataBits: 8, Parity: "none", StopBits: 1, Stale: modbus.StaleTimeout, Interval: time.Second, Query: true},
}

// Lookup returns the profile for a protocol.
func Lookup(protocol string) (Profile, error) {
	p, ok := profiles[protocol]
	if !ok {
		return Profile{}, fmt.Errorf("unknown protocol %q (supported: %v)", protocol, Protocols())
	}
	return p, nil
}

// Protocols lists the supported protocol names in order.
func Protocols() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
