package control

import (
	"sync"

	"github.com/primiano/light-dimmer-ble/internal/ble"
	"github.com/primiano/light-dimmer-ble/internal/ble/protocol"
)

// Snapshot is a point-in-time copy of the dimmer's channel state.
type Snapshot struct {
	Brightness [protocol.Channels]int `json:"brightness"`
	Smoothing  [protocol.Channels]int `json:"smoothing"`
	// ReadBack is set once the dimmer itself has reported its levels.
	ReadBack bool `json:"read_back"`
}

// Levels holds the last known per-channel state. Commands update it
// optimistically and read-backs from the dimmer overwrite brightness.
// It implements ble.Listener so it can sit in a Multi.
type Levels struct {
	ble.NopListener

	mu   sync.RWMutex
	snap Snapshot
}

// NewLevels returns a tracker with every channel at zero.
func NewLevels() *Levels {
	return &Levels{}
}

// Clone returns a copy of the current state for safe reading.
func (l *Levels) Clone() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

func (l *Levels) SetBrightness(channel, brightness int) {
	if channel < 0 || channel >= protocol.Channels {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.Brightness[channel] = brightness
}

func (l *Levels) SetSmoothing(channel, smoothing int) {
	if channel < 0 || channel >= protocol.Channels {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.Smoothing[channel] = smoothing
}

// OnReadValues records brightness values reported by the dimmer.
func (l *Levels) OnReadValues(values []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < len(values) && i < protocol.Channels; i++ {
		l.snap.Brightness[i] = values[i]
	}
	l.snap.ReadBack = true
}
