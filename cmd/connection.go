// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// PasswordEnvVar holds the bridge password for WebSocket connections.
const PasswordEnvVar = "WIREDECODE_PASSWORD"

// Connection provides a common interface for reading/writing bytes from serial or WebSocket
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
	// SetBaudRate changes the line rate of an open connection.
	SetBaudRate(baud int) error
}

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
	mode serial.Mode
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// SetBaudRate reprograms the port, keeping the framing settings.
func (s *SerialConnection) SetBaudRate(baud int) error {
	s.mode.BaudRate = baud
	return s.port.SetMode(&s.mode)
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConnection wraps a WebSocket connection for byte-level reading
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool // Track if connection has failed/closed
	writeMu   sync.Mutex
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	// Return immediately if connection is known to be closed
	if w.closed {
		return 0, ErrConnectionClosed
	}

	// If we have buffered data, return it first
	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			// Mark connection as closed to prevent further read attempts
			w.closed = true
			return 0, err
		}

		// The bridge forwards UART bytes as binary messages
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	err := w.conn.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// SetBaudRate is not available through a bridge; the bridge owns the UART.
func (w *WebSocketConnection) SetBaudRate(baud int) error {
	logging.Warn("Baud rate change ignored on WebSocket bridge", zap.Int("baud", baud))
	return nil
}

func serialMode(c config.ConnectionConfig) (serial.Mode, error) {
	mode := serial.Mode{BaudRate: c.Baud, DataBits: c.DataBits}

	switch c.Parity {
	case "none", "":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return mode, fmt.Errorf("unsupported parity %q", c.Parity)
	}

	switch c.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return mode, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	return mode, nil
}

// OpenSerialConnection opens a serial port connection
func OpenSerialConnection(c config.ConnectionConfig) (Connection, error) {
	mode, err := serialMode(c)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(c.Port, &mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", c.Port, err)
	}

	logging.Info("Serial port opened",
		zap.String("port", c.Port),
		zap.Int("baud_rate", c.Baud),
		zap.String("parity", c.Parity),
	)
	return &SerialConnection{port: port, mode: mode}, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	logging.Info("WebSocket connected", zap.String("url", wsURL))
	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(PasswordEnvVar); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// lineSettings merges the configured connection with the protocol's line
// defaults. An empty protocol uses the package defaults.
func lineSettings(protocol string) config.ConnectionConfig {
	p, err := device.Lookup(protocol)
	if err != nil {
		return cfg.Connection.WithDefaults(0, 0, "", 0)
	}
	return cfg.Connection.WithDefaults(p.Baud, p.DataBits, p.Parity, p.StopBits)
}

// OpenConnection opens either a serial or WebSocket connection
func OpenConnection(c config.ConnectionConfig) (Connection, string, error) {
	if c.URL != "" {
		password := ""
		if c.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(c.URL, c.Username, password, c.NoSSLVerify)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("WebSocket: %s", c.URL), nil
	}

	if c.Port != "" {
		conn, err := OpenSerialConnection(c)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("Serial: %s @ %d %d%s%d", c.Port, c.Baud, c.DataBits, strings.ToUpper(c.Parity[:1]), c.StopBits), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}

// pump copies everything read from r into q until r fails. Each chunk is
// also announced on the returned data channel so pollers wake up. The
// error channel receives the read error that ended the pump.
func pump(r io.Reader, q *stream.Queue) (<-chan struct{}, <-chan error) {
	data := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				_, _ = q.Write(buf[:n])
				select {
				case data <- struct{}{}:
				default:
				}
			}
			if err != nil {
				logging.Debug("Read loop ended", zap.Error(err))
				done <- err
				return
			}
		}
	}()
	return data, done
}
