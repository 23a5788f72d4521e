// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package discovery finds serial-to-WebSocket bridges on the local network
// over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
)

const (
	// ServiceType is advertised by wiredecode bridges
	ServiceType = "_wiredecode._tcp"

	// ServiceDomain is the mDNS domain
	ServiceDomain = "local."

	// DefaultScanTimeout is the default browse duration
	DefaultScanTimeout = 5 * time.Second

	// DefaultPath is used when a bridge does not advertise one
	DefaultPath = "/serial"
)

// Bridge is one discovered serial bridge.
type Bridge struct {
	Instance string
	Hostname string
	IP       string
	Port     int
	// Path, Protocol and Baud come from TXT records
	Path     string
	Protocol string
	Baud     int
	TLS      bool
	Metadata map[string]string
}

// URL returns the WebSocket URL of the bridge.
func (b *Bridge) URL() string {
	scheme := "ws"
	if b.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(b.IP, strconv.Itoa(b.Port)), b.Path)
}

// Scanner browses for bridges.
type Scanner struct {
	Timeout     time.Duration
	ServiceType string
}

// NewScanner creates a scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{
		Timeout:     DefaultScanTimeout,
		ServiceType: ServiceType,
	}
}

// Scan browses until the timeout or ctx ends and returns the bridges found,
// sorted by instance name.
func (s *Scanner) Scan(ctx context.Context) ([]*Bridge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu      sync.Mutex
		bridges = make(map[string]*Bridge)
	)
	go func() {
		for entry := range entries {
			b := parseServiceEntry(entry)
			if b == nil {
				logging.Debug("Ignoring mDNS entry", zap.String("instance", entry.Instance))
				continue
			}
			mu.Lock()
			bridges[b.Instance] = b
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, s.ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	out := make([]*Bridge, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// parseServiceEntry converts a service entry to a Bridge. Entries without
// an address are dropped.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Bridge {
	// Prefer IPv4
	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" || entry.Port == 0 {
		return nil
	}

	// TXT records are in "key=value" format
	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[strings.ToLower(key)] = value
	}

	b := &Bridge{
		Instance: entry.Instance,
		Hostname: entry.HostName,
		IP:       ip,
		Port:     entry.Port,
		Path:     DefaultPath,
		Protocol: metadata["protocol"],
		Metadata: metadata,
	}
	if p := metadata["path"]; p != "" {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		b.Path = p
	}
	if baud, err := strconv.Atoi(metadata["baud"]); err == nil {
		b.Baud = baud
	}
	switch metadata["tls"] {
	case "1", "true", "yes":
		b.TLS = true
	}
	return b
}
