// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Event log entry
type eventEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// statsModel is the bubbletea model behind the stats dashboard
type statsModel struct {
	device        string
	protocol      string
	connInfo      string
	showAll       bool
	stats         stream.Statistics
	readings      map[string]stream.Reading
	events        []eventEntry
	maxLogEntries int
	synchronized  bool
	skipped       int // frame errors seen before the first valid frame
	log           viewport.Model
	width         int
	height        int
	quitting      bool
	disconnected  bool
}

// Messages sent from the session goroutine
type frameMsg string
type frameErrMsg struct{ err error }
type readingMsg stream.Reading
type statsMsg stream.Statistics
type sessionDoneMsg struct{ err error }

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}

	seconds := uint64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func newStatsModel(device, protocol, connInfo string, showAll bool) statsModel {
	return statsModel{
		device:        device,
		protocol:      protocol,
		connInfo:      connInfo,
		showAll:       showAll,
		stats:         *stream.NewStatistics(),
		readings:      make(map[string]stream.Reading),
		maxLogEntries: 100,
		log:           viewport.New(76, 8),
		width:         80,
		height:        24,
	}
}

func (m statsModel) Init() tea.Cmd {
	return tea.EnterAltScreen
}

func (m statsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeLog()

	case statsMsg:
		m.stats = stream.Statistics(msg)

	case frameMsg:
		if !m.synchronized {
			m.synchronized = true
			if m.skipped > 0 {
				m.addLogEntry(fmt.Sprintf("Synchronized after discarding %d partial frames", m.skipped), false)
			} else {
				m.addLogEntry("Synchronized", false)
			}
		}
		if m.showAll {
			m.addLogEntry(string(msg), false)
		}

	case frameErrMsg:
		if !m.synchronized {
			// Partial frames before the first valid one are expected
			if _, ok := stream.KindOf(msg.err); ok {
				m.skipped++
				return m, nil
			}
		}
		m.addLogEntry(msg.err.Error(), true)

	case readingMsg:
		r := stream.Reading(msg)
		m.readings[r.Quantity] = r

	case sessionDoneMsg:
		m.disconnected = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost: %v", msg.err), true)
		} else {
			m.addLogEntry("Connection closed", false)
		}
	}

	return m, nil
}

func (m *statsModel) addLogEntry(message string, isError bool) {
	m.events = append(m.events, eventEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.events) > m.maxLogEntries {
		m.events = m.events[len(m.events)-m.maxLogEntries:]
	}
	m.log.SetContent(m.renderEvents())
	m.log.GotoBottom()
}

func (m *statsModel) resizeLog() {
	logHeight := m.height - 16 - len(m.readings)
	if logHeight < 5 {
		logHeight = 5
	}
	m.log.Width = m.width - 6
	m.log.Height = logHeight
	m.log.SetContent(m.renderEvents())
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m statsModel) renderEvents() string {
	if len(m.events) == 0 {
		return headerStyle.Render("  (no events yet)")
	}
	var b strings.Builder
	for _, entry := range m.events {
		ts := headerStyle.Render(entry.timestamp.Format("01/02/06 15:04:05.000"))
		if entry.isError {
			b.WriteString(fmt.Sprintf("%s %s\n", ts, errorStyle.Render("✗ "+entry.message)))
		} else {
			b.WriteString(fmt.Sprintf("%s %s\n", ts, warningStyle.Render("ℹ "+entry.message)))
		}
	}
	return b.String()
}

func (m statsModel) renderStats() string {
	st := m.stats
	var validPercent, errorPercent float64
	if st.TotalFrames > 0 {
		validPercent = float64(st.ValidFrames) * 100.0 / float64(st.TotalFrames)
		errorPercent = float64(st.Errors()) * 100.0 / float64(st.TotalFrames)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalFrames)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidFrames, validPercent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.Errors(), errorPercent)),
	))

	kinds := []struct {
		label string
		n     uint64
	}{
		{"Checksum", st.ChecksumErrors},
		{"Resync", st.ResyncErrors},
		{"Length", st.LengthErrors},
		{"Stale", st.StaleResets},
		{"Invalid", st.InvalidFrames},
		{"Other", st.OtherErrors},
	}
	var parts []string
	for _, k := range kinds {
		if k.n > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", labelStyle.Render(k.label+":"), errorStyle.Render(fmt.Sprintf("%d", k.n))))
		}
	}
	if len(parts) > 0 {
		b.WriteString(strings.Join(parts, "   "))
		b.WriteString("\n")
	}

	errRate := valueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	if st.ErrorRate > 0 {
		errRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	}
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Bytes:"), valueStyle.Render(fmt.Sprintf("%d", st.BytesReceived)),
		labelStyle.Render("Frame Rate:"), valueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		labelStyle.Render("Error Rate:"), errRate,
	))
	b.WriteString(fmt.Sprintf("%s %s",
		labelStyle.Render("Uptime:"), valueStyle.Render(formatUptime(time.Since(st.StartTime))),
	))
	return b.String()
}

func (m statsModel) renderReadings() string {
	names := make([]string, 0, len(m.readings))
	for name := range m.readings {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		r := m.readings[name]
		value := strings.TrimPrefix(r.String(), name+"=")
		if r.Missing() {
			b.WriteString(fmt.Sprintf("%s %s", labelStyle.Render(name+":"), headerStyle.Render(value)))
		} else {
			b.WriteString(fmt.Sprintf("%s %s", labelStyle.Render(name+":"), valueStyle.Render(value)))
		}
		if i < len(names)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m statsModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render(fmt.Sprintf("WIREDECODE - %s", strings.ToUpper(m.protocol))))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %s | Mode: %s | Press 'q' to quit",
		m.device, m.connInfo, mode)))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case m.disconnected:
		s.WriteString(errorStyle.Render("✗ Disconnected"))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(valueStyle.Render("✓ Synchronized"))
		if m.skipped > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (discarded %d partial frames)", m.skipped)))
		}
	}
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.renderStats()))
	s.WriteString("\n\n")

	if len(m.readings) > 0 {
		s.WriteString(labelStyle.Render("Latest Readings:"))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(m.renderReadings()))
		s.WriteString("\n\n")
	}

	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString(headerStyle.Render(" (↑/↓ to scroll)"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.log.View()))

	return s.String()
}
