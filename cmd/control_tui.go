// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/wiredecode/internal/config"
	"github.com/Thermoquad/wiredecode/internal/device"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const maxReadingRows = 8

// Focus states
const (
	focusCommandList = iota
	focusArgInput
	focusButton
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// commandItem adapts a device command to the list
type commandItem struct {
	cmd device.Command
}

// Implement list.Item interface
func (c commandItem) Title() string { return c.cmd.Name }
func (c commandItem) Description() string {
	if c.cmd.Arg != "" {
		return "<" + c.cmd.Arg + ">"
	}
	return c.cmd.Description
}
func (c commandItem) FilterValue() string { return c.cmd.Name }

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	// Sends raw bytes to the device
	send     func([]byte) error
	device   string
	protocol string
	connInfo string

	// Commands
	commands    []device.Command
	commandList list.Model

	// Monitoring
	stats         stream.Statistics
	readings      map[string]stream.Reading
	events        []eventEntry
	maxLogEntries int
	synchronized  bool
	skipped       int
	sent          int

	// Control
	argInput     textinput.Model
	focusedField int

	// UI state
	width          int
	height         int
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlBatchMsg struct {
	events []controlEvent
	stats  *stream.Statistics
}

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(cm *connectionManager, dev config.DeviceConfig, connInfo string) controlModel {
	return newControlModel(cm.send, dev, connInfo)
}

func newControlModel(send func([]byte) error, dev config.DeviceConfig, connInfo string) controlModel {
	ti := textinput.New()
	ti.CharLimit = 64
	ti.Width = 24

	commands := device.Commands(dev.Protocol)
	items := make([]list.Item, len(commands))
	for i, c := range commands {
		items[i] = commandItem{cmd: c}
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	commandList := list.New(items, delegate, 30, 10)
	commandList.Title = "Commands"
	commandList.SetShowStatusBar(false)
	commandList.SetShowHelp(false)
	commandList.SetFilteringEnabled(false)

	m := controlModel{
		send:          send,
		device:        dev.Name,
		protocol:      dev.Protocol,
		connInfo:      connInfo,
		commands:      commands,
		commandList:   commandList,
		stats:         *stream.NewStatistics(),
		readings:      make(map[string]stream.Reading),
		maxLogEntries: 100,
		argInput:      ti,
		focusedField:  focusCommandList,
		width:         80,
		height:        24,
	}
	m.updatePlaceholder()
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return nil
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		return m.handleMouseMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlBatchMsg:
		if msg.stats != nil {
			m.stats = *msg.stats
		}
		for _, ev := range msg.events {
			m.processEvent(ev)
		}

	case connectionLostMsg:
		m.connectionLost = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost (%v) - reconnecting...", msg.err), true)
		} else {
			m.addLogEntry("Connection lost - reconnecting...", true)
		}

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.synchronized = false
		m.skipped = 0
		m.stats = *stream.NewStatistics()
		m.addLogEntry("Reconnected", false)
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusArgInput {
		m.argInput, cmd = m.argInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.focusedField == focusCommandList {
		m.commandList, cmd = m.commandList.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		// q is a valid argument character
		if m.focusedField != focusArgInput {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab":
		return m.cycleFocus(1), nil

	case "shift+tab":
		return m.cycleFocus(-1), nil

	case "enter":
		return m.handleEnter()

	case "up", "k", "down", "j":
		if m.focusedField == focusCommandList {
			m.commandList, _ = m.commandList.Update(msg)
			m.updatePlaceholder()
			return m, nil
		}
	}

	// Pass through to focused component
	if m.focusedField == focusArgInput {
		var cmd tea.Cmd
		m.argInput, cmd = m.argInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *controlModel) handleMouseMsg(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	if msg.Action != tea.MouseActionRelease || msg.Button != tea.MouseButtonLeft {
		return m, nil
	}

	m.commandList, _ = m.commandList.Update(msg)
	m.updatePlaceholder()
	return m, nil
}

func (m *controlModel) cycleFocus(delta int) *controlModel {
	selected := m.getSelectedCommand()
	if selected == nil {
		m.focusedField = focusCommandList
		return m
	}

	maxFocus := focusButton
	m.focusedField = (m.focusedField + delta + maxFocus + 1) % (maxFocus + 1)

	// Skip the argument field for commands without one
	if m.focusedField == focusArgInput && selected.Arg == "" {
		m.focusedField = (m.focusedField + delta + maxFocus + 1) % (maxFocus + 1)
	}

	if m.focusedField == focusArgInput {
		m.argInput.Focus()
	} else {
		m.argInput.Blur()
	}

	return m
}

func (m *controlModel) handleEnter() (tea.Model, tea.Cmd) {
	if m.focusedField == focusCommandList {
		return m, nil
	}
	return m.sendCommand()
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render(fmt.Sprintf("WIREDECODE CONTROL - %s", strings.ToUpper(m.protocol))))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s | Ctrl+C=quit Tab=switch", m.device, connStatus)))
	s.WriteString("\n\n")

	s.WriteString(m.renderControlView())

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

var (
	focusedBoxStyle = boxStyle.
			BorderForeground(lipgloss.Color("12"))

	buttonStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("12")).
			Padding(0, 2)

	focusedButtonStyle = buttonStyle.
				Background(lipgloss.Color("10"))
)

func (m controlModel) renderControlView() string {
	var s strings.Builder

	// Layout: left panel (commands) | right panel (control)
	leftWidth := 30
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 20 {
		rightWidth = 20
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusCommandList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	var listView string
	if len(m.commands) == 0 {
		listView = headerStyle.Render(fmt.Sprintf("%s is receive only", m.protocol))
	} else {
		listView = m.commandList.View()
	}
	commandPanel := listStyle.Render(listView)

	controlPanel := boxStyle.Width(rightWidth).Render(m.renderControlPanel())

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, commandPanel, " ", controlPanel))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar())
	s.WriteString("\n\n")

	if len(m.readings) > 0 {
		s.WriteString(m.renderReadings())
		s.WriteString("\n\n")
	}

	s.WriteString(m.renderEventLog())

	return s.String()
}

func (m controlModel) renderControlPanel() string {
	var s strings.Builder

	selected := m.getSelectedCommand()
	if selected == nil {
		s.WriteString(headerStyle.Render("No command selected"))
		return s.String()
	}

	s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Command:"), valueStyle.Render(selected.Name)))
	s.WriteString(fmt.Sprintf("%s\n\n", headerStyle.Render(selected.Description)))

	if selected.Arg != "" {
		s.WriteString(labelStyle.Render(selected.Arg + ": "))
		if m.focusedField == focusArgInput {
			s.WriteString(m.argInput.View())
		} else {
			// Show as plain text when not focused
			s.WriteString(fmt.Sprintf("[%s]", m.argInput.Value()))
		}
		s.WriteString("\n\n")
	}

	btnText := "[ Send ]"
	if m.focusedField == focusButton {
		s.WriteString(focusedButtonStyle.Render(btnText))
	} else {
		s.WriteString(buttonStyle.Render(btnText))
	}
	if m.sent > 0 {
		s.WriteString(headerStyle.Render(fmt.Sprintf("  %d sent", m.sent)))
	}

	return s.String()
}

func (m controlModel) renderStatisticsBar() string {
	st := m.stats
	var validPercent, errorPercent float64
	if st.TotalFrames > 0 {
		validPercent = float64(st.ValidFrames) * 100.0 / float64(st.TotalFrames)
		errorPercent = float64(st.Errors()) * 100.0 / float64(st.TotalFrames)
	}

	errText := valueStyle.Render("0.0%")
	if errorPercent > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}
	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		labelStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalFrames)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		labelStyle.Render("Errors:"), errText,
		labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
	)
	if !m.synchronized {
		content += "  " + warningStyle.Render("waiting for sync")
	}

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderReadings() string {
	names := make([]string, 0, len(m.readings))
	for name := range m.readings {
		names = append(names, name)
	}
	sort.Strings(names)

	var content strings.Builder
	content.WriteString(labelStyle.Render("READINGS"))
	for i, name := range names {
		if i == maxReadingRows {
			content.WriteString(headerStyle.Render(fmt.Sprintf("\n  ... %d more", len(names)-maxReadingRows)))
			break
		}
		content.WriteString("\n")
		content.WriteString(valueStyle.Render(m.readings[name].String()))
	}

	return boxStyle.Width(m.width - 4).Render(content.String())
}

func (m controlModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := 8
	if len(m.events) < logHeight {
		logHeight = len(m.events)
	}
	startIdx := len(m.events) - logHeight

	if len(m.events) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.events); i++ {
			entry := m.events[i]
			icon := warningStyle.Render("i")
			if entry.isError {
				icon = errorStyle.Render("x")
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
				icon,
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *controlModel) processEvent(ev controlEvent) {
	switch {
	case ev.reading != nil:
		m.readings[ev.reading.Quantity] = *ev.reading

	case ev.err != nil:
		if _, framing := stream.KindOf(ev.err); framing && !m.synchronized {
			m.skipped++
			return
		}
		m.addLogEntry(ev.err.Error(), true)

	case ev.frame != "":
		if !m.synchronized {
			m.synchronized = true
			if m.skipped > 0 {
				m.addLogEntry(fmt.Sprintf("Synchronized after discarding %d partial frames", m.skipped), false)
			} else {
				m.addLogEntry("Synchronized", false)
			}
		}
	}
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func (m *controlModel) sendCommand() (tea.Model, tea.Cmd) {
	// Don't allow commands while connection is lost
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return m, nil
	}

	selected := m.getSelectedCommand()
	if selected == nil {
		return m, nil
	}

	msg, err := selected.Build(m.argInput.Value())
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Invalid command: %v", err), true)
		return m, nil
	}

	if err := m.send(msg); err != nil {
		m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", selected.Name, err), true)
		return m, nil
	}

	m.sent++
	m.addLogEntry(fmt.Sprintf("Sent %s (% X)", selected.Name, msg), false)
	return m, nil
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.events = append(m.events, eventEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	if len(m.events) > m.maxLogEntries {
		m.events = m.events[len(m.events)-m.maxLogEntries:]
	}
}

func (m *controlModel) getSelectedCommand() *device.Command {
	if len(m.commands) == 0 {
		return nil
	}

	idx := m.commandList.Index()
	if idx < 0 || idx >= len(m.commands) {
		return nil
	}

	return &m.commands[idx]
}

// updatePlaceholder shows the argument hint of the selected command
func (m *controlModel) updatePlaceholder() {
	if c := m.getSelectedCommand(); c != nil {
		m.argInput.Placeholder = c.Arg
	}
}

func (m *controlModel) updateListSize() {
	listHeight := m.height / 3
	if listHeight < 5 {
		listHeight = 5
	}
	m.commandList.SetSize(28, listHeight)
}
