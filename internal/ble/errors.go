package ble

import "github.com/pkg/errors"

var (
	// ErrLink covers scan, connect, discovery and write failures reported by
	// the adapter, plus phase timeouts. It always restarts the session.
	ErrLink = errors.New("link error")
	// ErrConfiguration means the peripheral does not expose the expected
	// service or characteristic. Rescanning will not fix a firmware mismatch.
	ErrConfiguration = errors.New("configuration error")
	// ErrProtocol marks an undecodable or wrongly sized notification. It
	// never changes the session state.
	ErrProtocol = errors.New("protocol error")
)

// Listener receives session progress. Calls are made after the transition
// that caused them has completed, from whichever goroutine is driving the
// session; consumers with their own execution context must marshal.
type Listener interface {
	OnDeviceConnected(name string)
	OnConnectionLost()
	OnReadValues(values []int)
	OnStateChange(message string)
}

// ErrorListener is optionally implemented by a Listener that wants every
// session error, classified by ErrLink, ErrConfiguration or ErrProtocol.
type ErrorListener interface {
	OnSessionError(err error)
}

// NopListener ignores all callbacks.
type NopListener struct{}

func (NopListener) OnDeviceConnected(string) {}
func (NopListener) OnConnectionLost()        {}
func (NopListener) OnReadValues([]int)       {}
func (NopListener) OnStateChange(string)     {}
