// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for sending commands to a device",
	Long: `Monitor a device and send it commands from an interactive terminal UI.

The left panel lists the manual commands of the selected protocol, for
example radar resets and sensitivity on mr60bha2, register reads on modbus
or reboot and resolution changes on hydreon. Commands that take an
argument read it from the input field.

Features:
  - Live readings of the device
  - Framing statistics
  - Event logging
  - Automatic reconnection on connection loss

Tab switches between the command list, the argument field and the send
button. Arrow keys navigate the command list.

Supports both serial and WebSocket connections.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	addDeviceFlags(controlCmd)
}

// errNotConnected is returned by send while reconnecting
var errNotConnected = errors.New("not connected")

// controlEvent is one callback from the session, queued for batching
type controlEvent struct {
	frame   string
	err     error
	reading *stream.Reading
}

// connectionManager handles session lifecycle and reconnection
type connectionManager struct {
	dev     config.DeviceConfig
	session *session
	mu      sync.RWMutex
	p       *tea.Program
	events  chan controlEvent
	stats   chan stream.Statistics
	ctx     context.Context
}

func (cm *connectionManager) getSession() *session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.session
}

func (cm *connectionManager) setSession(s *session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.session = s
}

// send writes a manual command to the current connection
func (cm *connectionManager) send(msg []byte) error {
	s := cm.getSession()
	if s == nil {
		return errNotConnected
	}
	_, err := s.Write(msg)
	return err
}

// queue hands an event to the batch sender, dropping it when the TUI
// falls behind
func (cm *connectionManager) queue(ev controlEvent) {
	select {
	case cm.events <- ev:
	default:
	}
}

// open connects a new session whose callbacks feed the batch queue
func (cm *connectionManager) open() (*session, error) {
	s, err := openSession(cm.dev, device.Options{
		Sink: stream.SinkFunc(func(r stream.Reading) {
			cm.queue(controlEvent{reading: &r})
		}),
		OnFrame: func(summary string) { cm.queue(controlEvent{frame: summary}) },
		OnError: func(err error) { cm.queue(controlEvent{err: err}) },
	}, nil)
	if err != nil {
		return nil, err
	}
	s.report = func(st stream.Statistics) {
		select {
		case cm.stats <- st:
		default:
		}
	}
	s.reportEvery = time.Second
	return s, nil
}

func runControl(cmd *cobra.Command, args []string) error {
	dev, err := selectedDevice()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cm := &connectionManager{
		dev:    dev,
		events: make(chan controlEvent, 256),
		stats:  make(chan stream.Statistics, 1),
		ctx:    ctx,
	}

	// Open initial connection (serial or WebSocket)
	s, err := cm.open()
	if err != nil {
		return err
	}
	cm.setSession(s)

	m := initialControlModel(cm, dev, s.info)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p

	go cm.sessionLoop()
	go cm.batchSender()

	_, err = p.Run()
	cancel()
	if s := cm.getSession(); s != nil {
		s.Close()
	}
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// sessionLoop runs the current session and reconnects when it ends
func (cm *connectionManager) sessionLoop() {
	for {
		s := cm.getSession()
		err := s.run(cm.ctx, func(err error) { cm.queue(controlEvent{err: err}) })

		if cm.ctx.Err() != nil {
			return
		}
		logging.Warn("Session ended", zap.Error(err))
		cm.p.Send(connectionLostMsg{err: err})

		cm.setSession(nil)
		s.Close()
		if !cm.reconnect() {
			return
		}
	}
}

// batchSender forwards queued events to the TUI at a fixed rate
func (cm *connectionManager) batchSender() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			var batch controlBatchMsg

			select {
			case st := <-cm.stats:
				batch.stats = &st
			default:
			}

			// Drain all available events
		drainLoop:
			for {
				select {
				case ev := <-cm.events:
					batch.events = append(batch.events, ev)
				default:
					break drainLoop
				}
			}

			if batch.stats != nil || len(batch.events) > 0 {
				cm.p.Send(batch)
			}
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		s, err := cm.open()
		if err == nil {
			cm.setSession(s)
			cm.p.Send(reconnectedMsg{connInfo: s.info})
			return true
		}
		logging.Debug("Reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))

		// Exponential backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
