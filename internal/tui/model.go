package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/primiano/light-dimmer-ble/internal/ble/protocol"
	"github.com/primiano/light-dimmer-ble/internal/control"
)

// Commander is the command surface the TUI drives.
type Commander interface {
	SetBrightness(channel, brightness int) error
	SetSmoothing(channel, smoothing int) error
	ResetAll() error
}

// Model is the Bubbletea model for the dimmer surface.
type Model struct {
	dimmer Commander

	channel    int
	brightness [protocol.Channels]int
	smoothing  [protocol.Channels]int

	connected bool
	device    string
	status    string
	errorMsg  string

	keys   KeyMap
	help   help.Model
	bar    progress.Model
	styles Styles
}

// --- Messages forwarded from the session listener ---

type connectedMsg struct{ name string }

type connectionLostMsg struct{}

type valuesMsg struct{ values []int }

type stateMsg struct{ message string }

type sessionErrorMsg struct{ err error }

// NewModel creates a model driving dimmer, starting from the given levels.
func NewModel(dimmer Commander, initial control.Snapshot) Model {
	return Model{
		dimmer:     dimmer,
		brightness: initial.Brightness,
		smoothing:  initial.Smoothing,
		status:     "Waiting for dimmer",
		keys:       DefaultKeyMap(),
		help:       help.New(),
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(32),
			progress.WithoutPercentage(),
		),
		styles: DefaultStyles(),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connectedMsg:
		m.connected = true
		m.device = msg.name
		m.errorMsg = ""
		return m, nil

	case connectionLostMsg:
		m.connected = false
		return m, nil

	case valuesMsg:
		for i := 0; i < len(msg.values) && i < protocol.Channels; i++ {
			m.brightness[i] = msg.values[i]
		}
		return m, nil

	case stateMsg:
		m.status = msg.message
		return m, nil

	case sessionErrorMsg:
		m.errorMsg = msg.err.Error()
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Left):
		if m.channel > 0 {
			m.channel--
		}
	case key.Matches(msg, m.keys.Right):
		if m.channel < protocol.Channels-1 {
			m.channel++
		}
	case key.Matches(msg, m.keys.Up):
		m = m.setBrightness(m.brightness[m.channel] + 1)
	case key.Matches(msg, m.keys.Down):
		m = m.setBrightness(m.brightness[m.channel] - 1)
	case key.Matches(msg, m.keys.SmoothUp):
		m = m.setSmoothing(m.smoothing[m.channel] + 1)
	case key.Matches(msg, m.keys.SmoothDown):
		m = m.setSmoothing(m.smoothing[m.channel] - 1)
	case key.Matches(msg, m.keys.Reset):
		if err := m.dimmer.ResetAll(); err != nil {
			m.errorMsg = err.Error()
		} else {
			m.brightness = [protocol.Channels]int{}
		}
	}
	return m, nil
}

func (m Model) setBrightness(v int) Model {
	v = clamp(v)
	if v == m.brightness[m.channel] {
		return m
	}
	if err := m.dimmer.SetBrightness(m.channel, v); err != nil {
		m.errorMsg = err.Error()
		return m
	}
	m.brightness[m.channel] = v
	return m
}

func (m Model) setSmoothing(v int) Model {
	v = clamp(v)
	if v == m.smoothing[m.channel] {
		return m
	}
	if err := m.dimmer.SetSmoothing(m.channel, v); err != nil {
		m.errorMsg = err.Error()
		return m
	}
	m.smoothing[m.channel] = v
	return m
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > protocol.MaxMagnitude {
		return protocol.MaxMagnitude
	}
	return v
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Light Dimmer"))
	b.WriteString("\n")

	for ch := 0; ch < protocol.Channels; ch++ {
		label := fmt.Sprintf("  Channel %d", ch)
		style := m.styles.Channel
		if ch == m.channel {
			label = fmt.Sprintf("> Channel %d", ch)
			style = m.styles.ChannelSelected
		}
		percent := float64(m.brightness[ch]) / protocol.MaxMagnitude
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			style.Render(label),
			m.bar.ViewAs(percent),
			m.styles.Value.Render(fmt.Sprintf(" %2d", m.brightness[ch])),
			m.styles.Muted.Render(fmt.Sprintf("  smoothing %2d", m.smoothing[ch])),
		)
		b.WriteString(row)
		b.WriteString("\n")
	}

	link := m.styles.StatusOffline.Render("disconnected")
	if m.connected {
		link = m.styles.StatusOnline.Render("connected to " + m.device)
	}
	b.WriteString(m.styles.StatusBar.Render(link + "  " + m.status))
	if m.errorMsg != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render(m.errorMsg))
	}

	b.WriteString("\n")
	b.WriteString(m.styles.Help.Render(m.help.View(m.keys)))

	return m.styles.App.Render(b.String())
}
