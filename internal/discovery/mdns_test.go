// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestParseServiceEntry(t *testing.T) {
	tests := []struct {
		name     string
		entry    *zeroconf.ServiceEntry
		wantNil  bool
		wantURL  string
		wantProt string
		wantBaud int
	}{
		{
			name: "bridge with IPv4 and TXT records",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "plug-kitchen"},
				HostName:      "plug-kitchen.local.",
				Port:          80,
				AddrIPv4:      []net.IP{net.ParseIP("192.168.4.16")},
				Text:          []string{"path=/uart", "protocol=cse7766", "baud=4800"},
			},
			wantURL:  "ws://192.168.4.16:80/uart",
			wantProt: "cse7766",
			wantBaud: 4800,
		},
		{
			name: "default path and TLS",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "meter"},
				Port:          443,
				AddrIPv4:      []net.IP{net.ParseIP("10.0.0.5")},
				Text:          []string{"TLS=1"},
			},
			wantURL: "wss://10.0.0.5:443/serial",
		},
		{
			name: "path without slash",
			entry: &zeroconf.ServiceEntry{
				Port:     8080,
				AddrIPv4: []net.IP{net.ParseIP("10.0.0.6")},
				Text:     []string{"path=ws", "baud=fast"},
			},
			wantURL: "ws://10.0.0.6:8080/ws",
		},
		{
			name: "IPv6 fallback",
			entry: &zeroconf.ServiceEntry{
				Port:     81,
				AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
			},
			wantURL: "ws://[fe80::1]:81/serial",
		},
		{
			name: "no address",
			entry: &zeroconf.ServiceEntry{
				Port: 80,
			},
			wantNil: true,
		},
		{
			name: "no port",
			entry: &zeroconf.ServiceEntry{
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.1")},
			},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := parseServiceEntry(tt.entry)
			if tt.wantNil {
				if b != nil {
					t.Errorf("expected nil, got %+v", b)
				}
				return
			}
			if b == nil {
				t.Fatal("unexpected nil bridge")
			}
			if got := b.URL(); got != tt.wantURL {
				t.Errorf("URL() = %q, want %q", got, tt.wantURL)
			}
			if b.Protocol != tt.wantProt {
				t.Errorf("Protocol = %q, want %q", b.Protocol, tt.wantProt)
			}
			if b.Baud != tt.wantBaud {
				t.Errorf("Baud = %d, want %d", b.Baud, tt.wantBaud)
			}
		})
	}
}

func TestNewScanner(t *testing.T) {
	s := NewScanner()
	if s.Timeout != DefaultScanTimeout {
		t.Errorf("Timeout = %v", s.Timeout)
	}
	if s.ServiceType != ServiceType {
		t.Errorf("ServiceType = %q", s.ServiceType)
	}
}
