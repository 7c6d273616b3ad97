// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/proto"
)

// Messages
type monitorTickMsg time.Time
type monitorBatchMsg struct {
	events []monitorEvent
}
type monitorLostMsg struct{}

// monitorModel is the live traffic view: per-event counters on top, a
// scrollback viewport of decoded events below.
type monitorModel struct {
	connInfo string
	side     string
	names    []string

	vp      viewport.Model
	vpReady bool

	events    []monitorEvent
	maxEvents int
	follow    bool

	received uint64
	sent     uint64
	errors   uint64
	timeouts uint64
	upgrades uint64

	startTime time.Time
	lost      bool
	width     int
	height    int
	quitting  bool
}

func newMonitorModel(connInfo, side string, names []string) monitorModel {
	return monitorModel{
		connInfo:  connInfo,
		side:      side,
		names:     names,
		maxEvents: 500,
		follow:    true,
		startTime: time.Now(),
		width:     80,
		height:    24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(monitorTick(), tea.EnterAltScreen)
}

func monitorTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
		default:
			// Scrolling detaches from follow mode
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 9
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.vpReady {
			m.vp = viewport.New(m.width-4, vpHeight)
			m.vpReady = true
		} else {
			m.vp.Width = m.width - 4
			m.vp.Height = vpHeight
		}
		m.refreshViewport()

	case monitorTickMsg:
		return m, monitorTick()

	case monitorLostMsg:
		m.lost = true

	case monitorBatchMsg:
		for _, ev := range msg.events {
			m.count(ev)
		}
		m.events = append(m.events, msg.events...)
		if len(m.events) > m.maxEvents {
			m.events = m.events[len(m.events)-m.maxEvents:]
		}
		m.refreshViewport()
	}

	return m, nil
}

func (m *monitorModel) count(ev monitorEvent) {
	switch ev.event {
	case proto.EventReceived:
		m.received++
	case proto.EventSent:
		m.sent++
	case proto.EventError:
		m.errors++
	case proto.EventTimeout:
		m.timeouts++
	case proto.EventUpgradeRequest:
		m.upgrades++
	}
}

func (m *monitorModel) refreshViewport() {
	if !m.vpReady {
		return
	}
	lines := make([]string, len(m.events))
	for i, ev := range m.events {
		lines[i] = ev.String()
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.follow {
		m.vp.GotoBottom()
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("METERBENCH - PROTOCOL MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | side: %s (%s) | 'f' follow, 'q' quit",
		m.connInfo, m.side, strings.Join(m.names, ", "))))
	s.WriteString("\n")

	if m.lost {
		s.WriteString(errorStyle.Render("✗ Connection lost"))
		s.WriteString("\n")
	}

	elapsed := time.Since(m.startTime).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(m.received) / elapsed
	}

	stats := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s   %s %s",
		labelStyle.Render("Received:"), valueStyle.Render(fmt.Sprintf("%d (%.1f/s)", m.received, rate)),
		labelStyle.Render("Sent:"), valueStyle.Render(fmt.Sprintf("%d", m.sent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.errors)),
		labelStyle.Render("Timeouts:"), valueStyle.Render(fmt.Sprintf("%d", m.timeouts)),
		labelStyle.Render("Upgrades:"), valueStyle.Render(fmt.Sprintf("%d", m.upgrades)),
	)
	s.WriteString(boxStyle.Render(stats))
	s.WriteString("\n")

	if m.vpReady {
		s.WriteString(boxStyle.Width(m.width - 4).Render(m.vp.View()))
	} else {
		s.WriteString(headerStyle.Render("(waiting for window size)"))
	}
	s.WriteString("\n")

	return s.String()
}

// runMonitorTUI wires the reader loop to a bubbletea program, batching
// decoded events at a fixed rate so a busy link cannot flood the UI.
func runMonitorTUI() error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	var mu sync.Mutex
	var pendingEvents []monitorEvent

	mgr, err := buildMonitorManager(monitorSide, func(ev monitorEvent) {
		mu.Lock()
		pendingEvents = append(pendingEvents, ev)
		mu.Unlock()
	})
	if err != nil {
		return err
	}

	send := func(data []byte) error {
		if !monitorRespond {
			return nil
		}
		_, err := conn.Write(data)
		return err
	}
	if monitorSide == "pc" {
		mgr.SetPCSendFunc(send)
	} else {
		mgr.SetDeviceSendFunc(send)
	}

	m := newMonitorModel(connInfo, monitorSide, registered(mgr, monitorSide))
	p := tea.NewProgram(m, tea.WithAltScreen())

	done := make(chan struct{})

	// Reader goroutine: decode and stash events under the mutex.
	go func() {
		parse := mgr.ParseDevice
		if monitorSide == "pc" {
			parse = mgr.ParsePC
		}

		buf := make([]byte, 256)
		var pending []byte
		for {
			select {
			case <-done:
				return
			default:
			}

			n, err := conn.Read(buf)
			if err != nil {
				select {
				case <-done:
					return
				default:
				}
				if err == ErrConnectionClosed {
					p.Send(monitorLostMsg{})
					return
				}
				logger.Debug("read error", zap.Error(err))
				time.Sleep(10 * time.Millisecond)
				continue
			}

			mu.Lock()
			pending = append(pending, buf[:n]...)
			switch parse(pending) {
			case proto.Incomplete:
				if len(pending) > 4096 {
					pending = pending[:0]
				}
			default:
				pending = pending[:0]
			}
			mu.Unlock()
		}
	}()

	// Batch sender: flush stashed events to the UI at a fixed rate.
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mu.Lock()
				batch := pendingEvents
				pendingEvents = nil
				mu.Unlock()
				if len(batch) > 0 {
					p.Send(monitorBatchMsg{events: batch})
				}
			}
		}
	}()

	_, err = p.Run()
	close(done)
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
