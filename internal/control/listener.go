package control

import (
	"sync"

	"github.com/primiano/light-dimmer-ble/internal/ble"
)

// ReadOnce wraps l so that only the first OnReadValues reaches it, for
// consumers that take the dimmer's levels once to initialise their
// controls and own them afterwards.
func ReadOnce(l ble.Listener) ble.Listener {
	return &readOnce{Listener: l}
}

type readOnce struct {
	ble.Listener
	once sync.Once
}

func (r *readOnce) OnReadValues(values []int) {
	r.once.Do(func() { r.Listener.OnReadValues(values) })
}

func (r *readOnce) OnSessionError(err error) {
	if el, ok := r.Listener.(ble.ErrorListener); ok {
		el.OnSessionError(err)
	}
}

// Multi forwards every callback to each listener in order. Listeners that
// implement ble.ErrorListener also receive session errors.
type Multi []ble.Listener

func (m Multi) OnDeviceConnected(name string) {
	for _, l := range m {
		l.OnDeviceConnected(name)
	}
}

func (m Multi) OnConnectionLost() {
	for _, l := range m {
		l.OnConnectionLost()
	}
}

// OnReadValues gives each listener its own copy of values.
func (m Multi) OnReadValues(values []int) {
	for _, l := range m {
		l.OnReadValues(append([]int(nil), values...))
	}
}

func (m Multi) OnStateChange(message string) {
	for _, l := range m {
		l.OnStateChange(message)
	}
}

func (m Multi) OnSessionError(err error) {
	for _, l := range m {
		if el, ok := l.(ble.ErrorListener); ok {
			el.OnSessionError(err)
		}
	}
}

// Relay forwards callbacks to a listener attached after the session is
// built, for consumers that themselves need the session to be constructed.
// Callbacks before Attach are dropped.
type Relay struct {
	mu     sync.RWMutex
	target ble.Listener
}

// Attach sets the listener that receives subsequent callbacks.
func (r *Relay) Attach(l ble.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = l
}

func (r *Relay) get() ble.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.target == nil {
		return ble.NopListener{}
	}
	return r.target
}

func (r *Relay) OnDeviceConnected(name string) { r.get().OnDeviceConnected(name) }
func (r *Relay) OnConnectionLost()             { r.get().OnConnectionLost() }
func (r *Relay) OnReadValues(values []int)     { r.get().OnReadValues(values) }
func (r *Relay) OnStateChange(message string)  { r.get().OnStateChange(message) }

func (r *Relay) OnSessionError(err error) {
	if el, ok := r.get().(ble.ErrorListener); ok {
		el.OnSessionError(err)
	}
}
