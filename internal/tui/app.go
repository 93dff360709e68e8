package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/primiano/light-dimmer-ble/internal/ble"
	"github.com/primiano/light-dimmer-ble/internal/control"
)

// Forwarder is a ble.Listener that turns session callbacks into Bubbletea
// messages. Messages that arrive before Run are buffered and applied to
// the initial model.
type Forwarder struct {
	mu      sync.Mutex
	program *tea.Program
	pending []tea.Msg
}

var (
	_ ble.Listener      = (*Forwarder)(nil)
	_ ble.ErrorListener = (*Forwarder)(nil)
)

// NewForwarder returns a Forwarder with no program attached.
func NewForwarder() *Forwarder {
	return &Forwarder{}
}

func (f *Forwarder) send(msg tea.Msg) {
	f.mu.Lock()
	p := f.program
	if p == nil {
		f.pending = append(f.pending, msg)
	}
	f.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func (f *Forwarder) OnDeviceConnected(name string) { f.send(connectedMsg{name: name}) }
func (f *Forwarder) OnConnectionLost()             { f.send(connectionLostMsg{}) }
func (f *Forwarder) OnStateChange(message string)  { f.send(stateMsg{message: message}) }
func (f *Forwarder) OnSessionError(err error)      { f.send(sessionErrorMsg{err: err}) }

func (f *Forwarder) OnReadValues(values []int) {
	f.send(valuesMsg{values: append([]int(nil), values...)})
}

// Run starts the TUI and blocks until the user quits.
func Run(dimmer *control.Dimmer, fwd *Forwarder) error {
	var m tea.Model = NewModel(dimmer, dimmer.Levels().Clone())

	fwd.mu.Lock()
	for _, msg := range fwd.pending {
		m, _ = m.Update(msg)
	}
	fwd.pending = nil
	p := tea.NewProgram(m, tea.WithAltScreen())
	fwd.program = p
	fwd.mu.Unlock()

	if _, err := p.Run(); err != nil {
		return errors.Wrap(err, "tui")
	}
	return nil
}
