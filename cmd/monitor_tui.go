// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/hvdcp3"
	"github.com/Thermoquad/qc3tune/pkg/psylink"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	pingInterval  = 5 * time.Second
	maxLogEntries = 100
	logHeight     = 8
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

type monitorKeyMap struct {
	Quit   key.Binding
	Rescan key.Binding
	Clear  key.Binding
	Help   key.Binding
}

func (k monitorKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit, k.Rescan, k.Help}
}

func (k monitorKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Quit, k.Help}, {k.Rescan, k.Clear}}
}

var monitorKeys = monitorKeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Rescan: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "rescan usb"),
	),
	Clear: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "clear events"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "more keys"),
	),
}

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	lm       *linkManager
	connInfo string

	status    hvdcp3.Status
	hasStatus bool
	lastState hvdcp3.State

	uptime    uint64
	hasUptime bool

	events []logEntry

	keys  monitorKeyMap
	help  help.Model
	pulse progress.Model

	width          int
	height         int
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type statusMsg hvdcp3.Status

type uptimeMsg uint64

type logMsg struct {
	text    string
	isError bool
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

func initialMonitorModel(lm *linkManager, connInfo string) monitorModel {
	pulse := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	pulse.Width = 40

	return monitorModel{
		lm:        lm,
		connInfo:  connInfo,
		lastState: hvdcp3.State(-1),
		events:    make([]logEntry, 0),
		keys:      monitorKeys,
		help:      help.New(),
		pulse:     pulse,
		width:     80,
		height:    24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return nil
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.pulse.Width = min(40, max(10, msg.Width-30))

	case statusMsg:
		m.processStatus(hvdcp3.Status(msg))

	case uptimeMsg:
		m.uptime = uint64(msg)
		m.hasUptime = true

	case logMsg:
		m.addLogEntry(msg.text, msg.isError)

	case connectionLostMsg:
		m.connectionLost = true
		m.hasUptime = false
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost (%v) - reconnecting...", msg.err), true)
		} else {
			m.addLogEntry("Connection lost - reconnecting...", true)
		}

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.hasStatus = false
		m.lastState = hvdcp3.State(-1)
		m.addLogEntry("Reconnected - negotiation restarted", false)
	}

	return m, nil
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Rescan):
		if m.connectionLost || !m.lm.rescan() {
			m.addLogEntry("Cannot rescan: connection lost", true)
		} else {
			m.addLogEntry("Rescan requested", false)
		}

	case key.Matches(msg, m.keys.Clear):
		m.events = m.events[:0]

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}
	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	s.WriteString(titleStyle.Render("QC3TUNE MONITOR"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | optimization %s", connStatus, onOff(m.lm.allowed))))
	s.WriteString("\n")
	if m.hasUptime {
		s.WriteString(fmt.Sprintf(" %s %s",
			labelStyle.Render("Host Uptime:"),
			valueStyle.Render(psylink.FormatUptime(m.uptime))))
	}
	s.WriteString("\n\n")

	s.WriteString(m.renderEngine(labelStyle, valueStyle, errorStyle, headerStyle, boxStyle))
	s.WriteString("\n")
	s.WriteString(m.renderSnapshot(labelStyle, valueStyle, warningStyle, headerStyle, boxStyle))
	s.WriteString("\n")
	s.WriteString(m.renderEventLog(labelStyle, warningStyle, errorStyle, headerStyle, boxStyle))
	s.WriteString("\n")
	s.WriteString(m.help.View(m.keys))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m monitorModel) renderEngine(labelStyle, valueStyle, errorStyle, headerStyle, boxStyle lipgloss.Style) string {
	var c strings.Builder
	c.WriteString(labelStyle.Render("ENGINE"))
	c.WriteString("\n")

	if !m.hasStatus {
		c.WriteString(headerStyle.Render("Waiting for the first decision cycle..."))
		return boxStyle.Width(m.width - 4).Render(c.String())
	}

	st := m.status
	c.WriteString(fmt.Sprintf("%s %s  %s %s  %s %d\n",
		labelStyle.Render("State:"), valueStyle.Render(st.State.String()),
		labelStyle.Render("Phase:"), valueStyle.Render(phaseName(st.State)),
		labelStyle.Render("Cycles:"), st.Cycles))

	maxPulses := st.Snapshot.MaxPulseAllowed
	ratio := 0.0
	if maxPulses > 0 {
		ratio = float64(st.PulseCount) / float64(maxPulses)
	}
	c.WriteString(fmt.Sprintf("%s %s %2d/%d",
		labelStyle.Render("Pulses:"), m.pulse.ViewAs(ratio), st.PulseCount, maxPulses))
	if st.PulseOpti > 0 {
		c.WriteString(fmt.Sprintf("  %s %d", labelStyle.Render("Best:"), st.PulseOpti))
	}
	if st.RefreshErr != nil {
		c.WriteString("\n")
		c.WriteString(errorStyle.Render(fmt.Sprintf("Last refresh failed: %v", st.RefreshErr)))
	}

	return boxStyle.Width(m.width - 4).Render(c.String())
}

func (m monitorModel) renderSnapshot(labelStyle, valueStyle, warningStyle, headerStyle, boxStyle lipgloss.Style) string {
	var c strings.Builder
	c.WriteString(labelStyle.Render("POWER SUPPLY"))
	c.WriteString("\n")

	if !m.hasStatus {
		c.WriteString(headerStyle.Render("No snapshot yet"))
		return boxStyle.Width(m.width - 4).Render(c.String())
	}

	snap := m.status.Snapshot
	usb := valueStyle.Render(formatMicrovolts(snap.USBVoltage))
	if snap.HVDCPOvervoltage {
		usb = warningStyle.Render(formatMicrovolts(snap.USBVoltage) + " OVERVOLTAGE")
	}
	c.WriteString(fmt.Sprintf("%s %s  %s %s  %s %s\n",
		labelStyle.Render("USB:"), usb,
		labelStyle.Render("Battery:"), valueStyle.Render(formatMicrovolts(snap.BatteryVoltage)),
		labelStyle.Render("Limit:"), valueStyle.Render(fmt.Sprintf("%.2fA", float64(snap.InputCurrentLimitNow)/1e6))))
	c.WriteString(fmt.Sprintf("%s %s  %s %s  %s %s\n",
		labelStyle.Render("HVDCP:"), yesNo(snap.IsUSBHVDCP),
		labelStyle.Render("Input limited:"), yesNo(snap.InputCurrentLimited),
		labelStyle.Render("Parallel limited:"), yesNo(snap.ParallelCurrentLimited)))
	c.WriteString(fmt.Sprintf("%s usb=%s battery=%s parallel=%s",
		labelStyle.Render("Present:"),
		yesNo(snap.USBPresent), yesNo(snap.BatteryPresent), yesNo(snap.ParallelPresent)))

	return boxStyle.Width(m.width - 4).Render(c.String())
}

func (m monitorModel) renderEventLog(labelStyle, warningStyle, errorStyle, headerStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	if len(m.events) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
		return boxStyle.Width(m.width - 4).Render(s.String())
	}

	start := max(0, len(m.events)-logHeight)
	for _, entry := range m.events[start:] {
		icon := "i"
		style := warningStyle
		if entry.isError {
			icon = "x"
			style = errorStyle
		}
		s.WriteString(fmt.Sprintf("%s %s %s\n",
			headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(icon),
			entry.message))
	}

	return boxStyle.Width(m.width - 4).Render(strings.TrimRight(s.String(), "\n"))
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *monitorModel) processStatus(st hvdcp3.Status) {
	if st.RefreshErr != nil {
		m.addLogEntry(fmt.Sprintf("Cycle %d: refresh failed: %v", st.Cycles, st.RefreshErr), true)
		// Keep the last good snapshot on screen.
		st.Snapshot = m.status.Snapshot
	}
	if st.State != m.lastState {
		if m.lastState.Valid() {
			m.addLogEntry(fmt.Sprintf("%s -> %s (pulses %d)", m.lastState, st.State, st.PulseCount), false)
		}
		m.lastState = st.State
	}
	m.status = st
	m.hasStatus = true
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.events = append(m.events, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.events) > maxLogEntries {
		m.events = m.events[len(m.events)-maxLogEntries:]
	}
}

func phaseName(s hvdcp3.State) string {
	switch {
	case s.Optimizing():
		return "optimizing"
	case s.Authenticating():
		return "authenticating"
	default:
		return "idle"
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
