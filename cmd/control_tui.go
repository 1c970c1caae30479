// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	levelBarWidth = 20
	commandWait   = 10 * time.Second // bound on waiting for a write outcome
)

// Focus states
const (
	focusDeviceList = iota
	focusLevelInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// device is one unit in the device list
type device struct {
	record pim.DeviceRecord
	name   string
}

// Implement list.Item interface
func (d device) Title() string { return fmt.Sprintf("%3d %s", d.record.ID, d.name) }
func (d device) Description() string {
	return fmt.Sprintf("%s  %s", d.record.State, formatLevel(d.record.Level))
}
func (d device) FilterValue() string { return d.name }

type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	session  *pim.Session
	connInfo string
	network  uint8

	// Device tracking
	devices    []device
	deviceList list.Model

	// Monitoring
	stats         *upb.Statistics
	eventLog      []eventLogEntry
	maxLogEntries int

	// Control
	levelInput   textinput.Model
	focusedField int

	// UI state
	width          int
	height         int
	synchronized   bool
	quitting       bool
	connectionLost bool

	// Liveness polling
	pingInterval time.Duration
	lastPingTime time.Time
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type controlDataMsg struct {
	frame            string
	message          *upb.Message
	decodeErr        error
	validationErrors []upb.ValidationError
}

type controlBatchMsg struct {
	messages []controlDataMsg
}

type connectionLostMsg struct {
	status pim.Status
}

type reconnectedMsg struct {
	connInfo string
}

type deviceDiscoveredMsg struct {
	unit uint8
}

type deviceErrorMsg struct {
	unit uint8
	err  error
}

type linkEventMsg struct {
	link    uint8
	message *upb.Message
}

type writeResultMsg struct {
	request upb.Request
	outcome pim.Outcome
	err     error
	rtt     time.Duration
	quiet   bool // liveness pings only log failures
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(session *pim.Session, connInfo string, network uint8, pingInterval time.Duration) controlModel {
	ti := textinput.New()
	ti.Placeholder = "50"
	ti.CharLimit = 3
	ti.Width = 6

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	deviceList := list.New([]list.Item{}, delegate, 30, 10)
	deviceList.Title = "Units"
	deviceList.SetShowStatusBar(false)
	deviceList.SetShowHelp(false)
	deviceList.SetFilteringEnabled(false)

	m := controlModel{
		session:       session,
		connInfo:      connInfo,
		network:       network,
		deviceList:    deviceList,
		stats:         upb.NewStatistics(),
		maxLogEntries: 100,
		levelInput:    ti,
		focusedField:  focusDeviceList,
		width:         80,
		height:        24,
		pingInterval:  pingInterval,
		lastPingTime:  time.Now(),
	}
	m.refreshDevices()
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			m.deviceList, _ = m.deviceList.Update(msg)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		m.stats.CalculateRates()
		m.refreshDevices()
		cmds = append(cmds, controlTickCmd())
		if m.pingInterval > 0 && !m.connectionLost && time.Since(m.lastPingTime) >= m.pingInterval {
			m.lastPingTime = time.Now()
			for _, d := range m.devices {
				cmds = append(cmds, m.sendCmd(upb.NewPing(m.network, d.record.ID), true))
			}
		}
		return m, tea.Batch(cmds...)

	case controlBatchMsg:
		for _, data := range msg.messages {
			m.processControlData(data)
		}

	case deviceDiscoveredMsg:
		m.addLogEntry(fmt.Sprintf("Unit discovered: %d (%s)", msg.unit, fileConfig.DeviceName(msg.unit)), false)
		m.refreshDevices()

	case deviceErrorMsg:
		m.addLogEntry(fmt.Sprintf("Unit %d not responding: %v", msg.unit, msg.err), true)
		m.refreshDevices()

	case linkEventMsg:
		m.addLogEntry(fmt.Sprintf("Link %d: %s from unit %d", msg.link,
			upb.FormatCommand(msg.message.Command(), msg.message.Arguments()), msg.message.Source()), false)

	case writeResultMsg:
		m.handleWriteResult(msg)
		m.refreshDevices()

	case connectionLostMsg:
		m.connectionLost = true
		m.synchronized = false
		m.addLogEntry(fmt.Sprintf("Connection lost (%s) - reconnecting...", msg.status.Reason), true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected", false)
	}

	var cmd tea.Cmd
	if m.focusedField == focusLevelInput {
		m.levelInput, cmd = m.levelInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	if m.focusedField == focusDeviceList {
		m.deviceList, cmd = m.deviceList.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		m.toggleFocus()
		return m, nil
	}

	if m.focusedField == focusLevelInput {
		if msg.String() == "enter" {
			return m.sendLevel()
		}
		if msg.String() == "esc" {
			m.toggleFocus()
			return m, nil
		}
		var cmd tea.Cmd
		m.levelInput, cmd = m.levelInput.Update(msg)
		return m, cmd
	}

	selected := m.getSelectedDevice()
	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "o", "f", "r", "p":
		if selected == nil {
			return m, nil
		}
		if m.connectionLost {
			m.addLogEntry("Cannot send command: connection lost", true)
			return m, nil
		}
		unit := selected.record.ID
		var req upb.Request
		switch msg.String() {
		case "o":
			req = upb.NewActivate(m.network, unit, false)
		case "f":
			req = upb.NewDeactivate(m.network, unit, false)
		case "r":
			req = upb.NewRefresh(m.network, unit)
		case "p":
			req = upb.NewPing(m.network, unit)
		}
		return m, m.sendCmd(req, false)
	}

	var cmd tea.Cmd
	m.deviceList, cmd = m.deviceList.Update(msg)
	return m, cmd
}

func (m *controlModel) toggleFocus() {
	if m.focusedField == focusDeviceList && m.getSelectedDevice() != nil {
		m.focusedField = focusLevelInput
		m.levelInput.Focus()
		return
	}
	m.focusedField = focusDeviceList
	m.levelInput.Blur()
}

func (m controlModel) View() string {
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

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
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

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("UPBRIDGE CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	} else if !m.synchronized {
		connStatus += " " + warningStyle.Render("(waiting for PIM)")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | net %d | q=quit Tab=switch", connStatus, m.network)))
	s.WriteString("\n\n")

	// Layout: left panel (devices) | right panel (control)
	leftWidth := 30
	rightWidth := m.width - leftWidth - 6

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusDeviceList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	devicePanel := listStyle.Render(m.deviceList.View())

	controlStyle := boxStyle.Width(rightWidth)
	if m.focusedField == focusLevelInput {
		controlStyle = focusedBoxStyle.Width(rightWidth)
	}
	controlPanel := controlStyle.Render(m.renderControlPanel(statsLabelStyle, statsValueStyle, errorStyle, headerStyle))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, devicePanel, " ", controlPanel))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderControlPanel(statsLabelStyle, statsValueStyle, errorStyle, headerStyle lipgloss.Style) string {
	var s strings.Builder

	selected := m.getSelectedDevice()
	if selected == nil {
		s.WriteString(headerStyle.Render("No units known yet. Reports from the powerline will add them."))
		return s.String()
	}
	rec := selected.record

	stateStyle := statsValueStyle
	if rec.State == pim.DeviceDead || rec.State == pim.DeviceFailed {
		stateStyle = errorStyle
	}

	s.WriteString(fmt.Sprintf("%s %s (unit %d)\n", statsLabelStyle.Render("Selected:"), selected.name, rec.ID))
	s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("State:"), stateStyle.Render(rec.State.String())))
	s.WriteString(fmt.Sprintf("%s %s %s\n", statsLabelStyle.Render("Level:"), levelBar(rec.Level), statsValueStyle.Render(formatLevel(rec.Level))))

	lastSeen := "never"
	if !rec.LastSeen.IsZero() {
		lastSeen = fmt.Sprintf("%s (%s)", rec.LastCommand, rec.LastSeen.Format("15:04:05"))
	}
	s.WriteString(fmt.Sprintf("%s %s\n\n", statsLabelStyle.Render("Last report:"), lastSeen))

	s.WriteString(statsLabelStyle.Render("Set level: "))
	if m.focusedField == focusLevelInput {
		s.WriteString(m.levelInput.View())
	} else {
		val := m.levelInput.Value()
		if val == "" {
			val = m.levelInput.Placeholder
		}
		s.WriteString(fmt.Sprintf("[%s]", val))
	}
	s.WriteString("\n\n")
	s.WriteString(headerStyle.Render("o=on f=off r=refresh p=ping Enter=set level"))

	return s.String()
}

func (m controlModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	var validPercent, errorPercent float64
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		totalErrors := m.stats.ChecksumErrors + m.stats.DecodeErrors + m.stats.Anomalies
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalFrames)
	}

	errorText := statsValueStyle.Render("0.0%")
	if errorPercent > 0 {
		errorText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), errorText,
		statsLabelStyle.Render("Queue:"), statsValueStyle.Render(fmt.Sprintf("%d", m.session.PendingWrites())),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f fr/s", m.stats.FrameRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := 8
	if len(m.eventLog) < logHeight {
		logHeight = len(m.eventLog)
	}
	startIdx := len(m.eventLog) - logHeight

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

func levelBar(level int) string {
	if level < 0 {
		return "[" + strings.Repeat("?", levelBarWidth) + "]"
	}
	filled := level * levelBarWidth / upb.MaxLevel
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", levelBarWidth-filled) + "]"
}

func formatLevel(level int) string {
	switch {
	case level < 0:
		return "?"
	case level == 0:
		return "OFF"
	default:
		return fmt.Sprintf("%d%%", level)
	}
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *controlModel) processControlData(msg controlDataMsg) {
	if msg.decodeErr != nil {
		m.stats.Update(nil, msg.decodeErr, nil)
		a := upb.DecodeAnomaly(msg.frame, msg.decodeErr)
		m.addLogEntry(fmt.Sprintf("%s: %s", strings.ToUpper(a.Type.String()), a.Message), true)
		return
	}
	if msg.message == nil {
		return
	}

	if !m.synchronized {
		m.synchronized = true
		m.addLogEntry("PIM online", false)
	}
	m.stats.Update(msg.message, nil, msg.validationErrors)

	for _, v := range msg.validationErrors {
		m.addLogEntry(fmt.Sprintf("Unit %d: %s", msg.message.Source(), v.Message), true)
	}

	switch msg.message.Type() {
	case upb.TypeReport:
		if level, ok := msg.message.Level(); ok && !msg.message.ControlWord().IsLink() {
			unit := msg.message.EffectiveDestination()
			m.addLogEntry(fmt.Sprintf("%s: %s", fileConfig.DeviceName(unit), formatLevel(level)), false)
		}
	case upb.TypeError:
		m.addLogEntry("PIM reported an error", true)
	case upb.TypeBusy:
		m.addLogEntry("PIM busy", true)
	}
}

func (m *controlModel) handleWriteResult(msg writeResultMsg) {
	desc := upb.FormatRequest(msg.request)
	switch msg.outcome {
	case pim.OutcomeAck:
		if !msg.quiet {
			m.addLogEntry(fmt.Sprintf("ACK %s (%v)", desc, msg.rtt.Round(time.Millisecond)), false)
		}
	case pim.OutcomeNak:
		m.addLogEntry(fmt.Sprintf("NAK %s", desc), true)
	default:
		m.addLogEntry(fmt.Sprintf("%s %s: %v", msg.outcome, desc, msg.err), true)
	}
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

// sendCmd queues req and reports its outcome as a writeResultMsg.
func (m controlModel) sendCmd(req upb.Request, quiet bool) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		start := time.Now()
		c := sendTracked(session, req, nil)
		select {
		case <-c.Done():
		case <-time.After(commandWait):
		}
		return writeResultMsg{
			request: req,
			outcome: c.Outcome(),
			err:     c.Err(),
			rtt:     time.Since(start),
			quiet:   quiet,
		}
	}
}

func (m controlModel) sendLevel() (tea.Model, tea.Cmd) {
	selected := m.getSelectedDevice()
	if selected == nil {
		return m, nil
	}
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return m, nil
	}

	raw := m.levelInput.Value()
	if raw == "" {
		raw = m.levelInput.Placeholder
	}
	level, err := strconv.Atoi(raw)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Invalid level: %s", raw), true)
		return m, nil
	}

	req, err := upb.NewLevel(m.network, selected.record.ID, false, level)
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return m, nil
	}
	return m, m.sendCmd(req, false)
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m *controlModel) getSelectedDevice() *device {
	if len(m.devices) == 0 {
		return nil
	}
	idx := m.deviceList.Index()
	if idx < 0 || idx >= len(m.devices) {
		return nil
	}
	return &m.devices[idx]
}

// refreshDevices reloads the device list from the session.
func (m *controlModel) refreshDevices() {
	records := m.session.Devices()
	m.devices = make([]device, len(records))
	items := make([]list.Item, len(records))
	for i, rec := range records {
		m.devices[i] = device{record: rec, name: fileConfig.DeviceName(rec.ID)}
		items[i] = m.devices[i]
	}
	m.deviceList.SetItems(items)
}

func (m *controlModel) updateListSize() {
	listHeight := m.height / 3
	if listHeight < 5 {
		listHeight = 5
	}
	m.deviceList.SetSize(28, listHeight)
}
