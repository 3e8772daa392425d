// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/Thermoquad/deltastat/pkg/link"
)

var fixedNow = time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)

func TestPrintListener(t *testing.T) {
	var buf bytes.Buffer
	p := newPrintListener(&buf)
	p.now = func() time.Time { return fixedNow }

	p.ConnectionChanged("roof", true)
	p.ReadingReceived("roof", delta.Reading{Command: delta.TotalEnergy, Value: 1000})
	p.ReadingReceived("roof", delta.Reading{Command: delta.CurrentPower, Value: 500})
	_, _, err := delta.Decode(append([]byte(nil), energyFrame[:12]...))
	p.FrameRejected("roof", err)
	p.ConnectionChanged("roof", false)

	want := strings.Join([]string{
		"[12:30:45.000] roof: connected",
		"[12:30:45.000] roof: Total energy: 1000",
		"[12:30:45.000] roof: Current power: 500 W",
		"[12:30:45.000] roof: [ERROR] " + err.Error(),
		"[12:30:45.000] roof: disconnected",
		"",
	}, "\n")
	if buf.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", buf.String(), want)
	}

	summary := p.Summary()
	for _, s := range []string{"Link roof", "Valid Frames:           2", "Framing Errors:       1"} {
		if !strings.Contains(summary, s) {
			t.Errorf("summary missing %q:\n%s", s, summary)
		}
	}
}

func TestPrintListenerIsALinkListener(t *testing.T) {
	var _ link.Listener = newPrintListener(&bytes.Buffer{})
	var _ link.Listener = newTeaForwarder()
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 seconds"},
		{time.Second, "1 second"},
		{90 * time.Second, "1 minute and 30 seconds"},
		{2*time.Hour + 5*time.Second, "2 hours and 5 seconds"},
		{26*time.Hour + 3*time.Minute + 1*time.Second, "1 day, 2 hours, 3 minutes, and 1 second"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func testModel(t *testing.T) (monitorModel, *int) {
	t.Helper()
	cfg := &appConfig{Links: []linkSpec{
		{Config: link.Config{Name: "roof", Interface: "/dev/ttyUSB0"}},
		{Config: link.Config{Interface: "/dev/ttyUSB1"}},
	}}
	refreshes := 0
	m := newMonitorModel(cfg, func() error {
		refreshes++
		return nil
	})
	m.now = func() time.Time { return fixedNow }
	return m, &refreshes
}

func update(m monitorModel, msg tea.Msg) monitorModel {
	next, _ := m.Update(msg)
	return next.(monitorModel)
}

func TestMonitorModelReadings(t *testing.T) {
	m, _ := testModel(t)
	if len(m.links) != 2 || m.links[1].name != "/dev/ttyUSB1" {
		t.Fatalf("links = %+v", m.links)
	}

	m = update(m, linkStateMsg{link: "roof", connected: true, at: fixedNow})
	m = update(m, readingMsg{link: "roof", reading: delta.Reading{Command: delta.TotalEnergy, Value: 1000, Timestamp: fixedNow}})
	m = update(m, readingMsg{link: "roof", reading: delta.Reading{Command: delta.CurrentPower, Value: 500, Timestamp: fixedNow}})
	m = update(m, readingMsg{link: "roof", reading: delta.Reading{Command: delta.TesterID, Raw: []byte("ABCD"), Timestamp: fixedNow}})

	rows := m.rows()
	want := []string{"roof", "online", "1000", "500 W", "ABCD", "12:30:45", "0"}
	for i, cell := range want {
		if rows[0][i] != cell {
			t.Errorf("row[0][%d] = %q, want %q", i, rows[0][i], cell)
		}
	}
	if rows[1][1] != "offline" || rows[1][2] != "-" {
		t.Errorf("row[1] = %v", rows[1])
	}
}

func TestMonitorModelEvents(t *testing.T) {
	m, refreshes := testModel(t)

	_, _, err := delta.Decode([]byte{0x02, 0x06, 0x01})
	m = update(m, rejectedMsg{link: "roof", err: err})
	m = update(m, linkStateMsg{link: "shed", connected: false, at: fixedNow})

	if len(m.links) != 3 || m.links[2].name != "shed" {
		t.Errorf("unknown link not added: %+v", m.links)
	}
	if m.links[0].stats.Errors() != 1 {
		t.Errorf("roof errors = %d", m.links[0].stats.Errors())
	}
	if len(m.errorLog) != 2 || !m.errorLog[0].isError || !strings.Contains(m.errorLog[0].message, "roof") {
		t.Errorf("log = %+v", m.errorLog)
	}

	m = update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if *refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", *refreshes)
	}

	view := m.View()
	if !strings.Contains(view, "DELTASTAT - INVERTER MONITOR") || !strings.Contains(view, "Manual poll requested") {
		t.Errorf("view missing content:\n%s", view)
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil || !next.(monitorModel).quitting {
		t.Error("q did not quit")
	}
}

func TestMonitorModelRefreshFailure(t *testing.T) {
	m, _ := testModel(t)
	m.refresh = func() error {
		return fmt.Errorf("roof: %w", link.ErrClosed)
	}

	m = update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if len(m.errorLog) != 1 {
		t.Fatalf("log = %+v", m.errorLog)
	}
	entry := m.errorLog[0]
	if !entry.isError || !strings.Contains(entry.message, "Manual poll failed") || !strings.Contains(entry.message, "roof") {
		t.Errorf("entry = %+v", entry)
	}
}

func TestMonitorModelLogIsBounded(t *testing.T) {
	m, _ := testModel(t)
	m.maxLogEntries = 3
	for i := 0; i < 10; i++ {
		m = update(m, linkStateMsg{link: "roof", connected: i%2 == 0, at: fixedNow})
	}
	if len(m.errorLog) != 3 {
		t.Errorf("log has %d entries, want 3", len(m.errorLog))
	}
}

func TestSoakResult(t *testing.T) {
	r := newSoakResult()
	r.ConnectionChanged("roof", true)
	r.ReadingReceived("roof", delta.Reading{Command: delta.CurrentPower, Value: 1})
	if !r.passed() {
		t.Fatal("clean run should pass")
	}

	r.ConnectionChanged("roof", false)
	r.ConnectionChanged("roof", true)
	if r.passed() {
		t.Error("run with a disconnect should fail")
	}
	if r.disconnects != 1 || r.reconnects != 1 {
		t.Errorf("disconnects=%d reconnects=%d", r.disconnects, r.reconnects)
	}
	if !strings.Contains(r.String(), "Disconnects: 1") {
		t.Errorf("summary = %q", r.String())
	}
}

func TestSoakResultIgnoresShutdown(t *testing.T) {
	r := newSoakResult()
	r.ConnectionChanged("roof", true)
	r.ReadingReceived("roof", delta.Reading{Command: delta.TotalEnergy, Value: 1})
	r.finish()
	r.ConnectionChanged("roof", false)
	if !r.passed() {
		t.Error("disconnect after finish counted as a failure")
	}
}
