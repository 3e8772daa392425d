// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/Thermoquad/deltastat/pkg/link"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// Per-link dashboard state
type linkStatus struct {
	name       string
	iface      string
	connected  bool
	since      time.Time
	energy     uint32
	hasEnergy  bool
	power      uint32
	hasPower   bool
	testerID   []byte
	lastUpdate time.Time
	stats      *delta.Statistics
}

// TUI model
type monitorModel struct {
	links         []*linkStatus
	byName        map[string]*linkStatus
	table         table.Model
	errorLog      []errorLogEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
	refresh       func() error
	now           func() time.Time
}

// Messages
type tickMsg time.Time
type linkStateMsg struct {
	link      string
	connected bool
	at        time.Time
}
type readingMsg struct {
	link    string
	reading delta.Reading
}
type rejectedMsg struct {
	link string
	err  error
}

// formatUptime formats a duration to a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n int64, unit string) string {
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

var monitorColumns = []table.Column{
	{Title: "Link", Width: 12},
	{Title: "State", Width: 12},
	{Title: "Energy", Width: 12},
	{Title: "Power", Width: 10},
	{Title: "Tester ID", Width: 12},
	{Title: "Updated", Width: 12},
	{Title: "Errors", Width: 8},
}

func newMonitorModel(cfg *appConfig, refresh func() error) monitorModel {
	m := monitorModel{
		byName:        make(map[string]*linkStatus),
		maxLogEntries: 100,
		width:         80,
		height:        24,
		refresh:       refresh,
		now:           time.Now,
	}
	for _, spec := range cfg.Links {
		name := spec.Config.Name
		if name == "" {
			name = spec.Config.Interface
		}
		ls := &linkStatus{name: name, iface: spec.Config.Interface, stats: delta.NewStatistics()}
		m.links = append(m.links, ls)
		m.byName[name] = ls
	}

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))

	m.table = table.New(
		table.WithColumns(monitorColumns),
		table.WithFocused(true),
		table.WithHeight(len(m.links)+1),
		table.WithStyles(styles),
	)
	m.table.SetRows(m.rows())
	return m
}

func (m monitorModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if m.refresh != nil {
				if err := m.refresh(); err != nil {
					m.addLogEntry(fmt.Sprintf("Manual poll failed: %v", err), true)
				} else {
					m.addLogEntry("Manual poll requested", false)
				}
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		for _, ls := range m.links {
			ls.stats.CalculateRates()
		}
		m.table.SetRows(m.rows())
		return m, tickCmd()

	case linkStateMsg:
		ls := m.status(msg.link)
		ls.connected = msg.connected
		ls.since = msg.at
		if msg.connected {
			m.addLogEntry(fmt.Sprintf("%s connected", ls.name), false)
		} else {
			m.addLogEntry(fmt.Sprintf("%s disconnected", ls.name), true)
		}

	case readingMsg:
		ls := m.status(msg.link)
		ls.stats.RecordReading(msg.reading)
		ls.lastUpdate = msg.reading.Timestamp
		switch msg.reading.Command {
		case delta.TotalEnergy:
			ls.energy, ls.hasEnergy = msg.reading.Value, true
		case delta.CurrentPower:
			ls.power, ls.hasPower = msg.reading.Value, true
		case delta.TesterID:
			ls.testerID = msg.reading.Raw
		}

	case rejectedMsg:
		ls := m.status(msg.link)
		ls.stats.RecordError(msg.err)
		m.addLogEntry(fmt.Sprintf("%s: %v", ls.name, msg.err), true)
	}

	m.table.SetRows(m.rows())
	return m, nil
}

// status returns the dashboard entry for a link, adding one for links not
// in the config
func (m *monitorModel) status(name string) *linkStatus {
	if ls, ok := m.byName[name]; ok {
		return ls
	}
	ls := &linkStatus{name: name, iface: name, stats: delta.NewStatistics()}
	m.links = append(m.links, ls)
	m.byName[name] = ls
	m.table.SetHeight(len(m.links) + 1)
	return ls
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: m.now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.links))
	for _, ls := range m.links {
		state := "offline"
		if ls.connected {
			state = "online"
		}
		energy, power, tester, updated := "-", "-", "-", "-"
		if ls.hasEnergy {
			energy = fmt.Sprintf("%d", ls.energy)
		}
		if ls.hasPower {
			power = fmt.Sprintf("%d W", ls.power)
		}
		if ls.testerID != nil {
			tester = string(ls.testerID)
		}
		if !ls.lastUpdate.IsZero() {
			updated = ls.lastUpdate.Format("15:04:05")
		}
		rows = append(rows, table.Row{
			ls.name, state, energy, power, tester, updated, fmt.Sprintf("%d", ls.stats.Errors()),
		})
	}
	return rows
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("DELTASTAT - INVERTER MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%d link(s) | 'r' to poll now | 'q' to quit", len(m.links))))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n\n")

	// Selected link detail
	if i := m.table.Cursor(); i >= 0 && i < len(m.links) {
		ls := m.links[i]
		detail := strings.Builder{}
		state := errorStyle.Render("offline")
		if ls.connected {
			state = statsValueStyle.Render("online")
		}
		if !ls.since.IsZero() {
			state += headerStyle.Render(" for " + formatUptime(m.now().Sub(ls.since)))
		}
		detail.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Interface:"), statsValueStyle.Render(ls.iface),
			statsLabelStyle.Render("State:"), state,
		))
		detail.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
			statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", ls.stats.TotalFrames)),
			statsLabelStyle.Render("CRC Errors:"), errorStyle.Render(fmt.Sprintf("%d", ls.stats.CRCErrors)),
			statsLabelStyle.Render("Decode Errors:"), errorStyle.Render(fmt.Sprintf("%d", ls.stats.DecodeErrors)),
		))
		s.WriteString(boxStyle.Render(detail.String()))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - len(m.links) - 16
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	width := m.width - 4
	if width < 20 {
		width = 20
	}
	s.WriteString(boxStyle.Width(width).Render(logContent.String()))

	return s.String()
}

// teaForwarder is a link.Listener that hands events to a running program.
// It never blocks the session loop; events are dropped if the UI falls behind.
type teaForwarder struct {
	msgs chan tea.Msg
}

func newTeaForwarder() *teaForwarder {
	return &teaForwarder{msgs: make(chan tea.Msg, 256)}
}

func (f *teaForwarder) post(msg tea.Msg) {
	select {
	case f.msgs <- msg:
	default:
	}
}

func (f *teaForwarder) run(ctx context.Context, p *tea.Program) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.msgs:
			p.Send(msg)
		}
	}
}

func (f *teaForwarder) ConnectionChanged(name string, connected bool) {
	f.post(linkStateMsg{link: name, connected: connected, at: time.Now()})
}

func (f *teaForwarder) ReadingReceived(name string, r delta.Reading) {
	f.post(readingMsg{link: name, reading: r})
}

func (f *teaForwarder) FrameRejected(name string, err error) {
	f.post(rejectedMsg{link: name, err: err})
}

func runMonitorTUI(ctx context.Context, cfg *appConfig, listeners link.Listeners) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fwd := newTeaForwarder()
	// Log output would tear the alternate screen; events reach the UI instead
	mgr := link.NewManager(delta.DefaultCodec, append(listeners, fwd), zerolog.Nop())
	defer mgr.Close()

	// Reported in the event log; a session stopped by Remove or Close
	// fails with link.ErrClosed
	refresh := func() error {
		var errs []error
		for _, s := range mgr.Sessions() {
			if err := s.Request(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
		return errors.Join(errs...)
	}

	p := tea.NewProgram(newMonitorModel(cfg, refresh), tea.WithAltScreen(), tea.WithContext(ctx))
	go fwd.run(ctx, p)

	if err := setupLinks(ctx, mgr, cfg); err != nil {
		return err
	}

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
