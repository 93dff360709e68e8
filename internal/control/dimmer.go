// Package control is the host-side facade over a dimmer session: normalized
// levels, reset, and listener plumbing shared by the CLI, TUI and bridge.
package control

import (
	"github.com/pkg/errors"

	"github.com/primiano/light-dimmer-ble/internal/ble/protocol"
)

// Sender is the command surface of a ble.Session.
type Sender interface {
	SetBrightness(channel, brightness int) error
	SetSmoothing(channel, smoothing int) error
}

// Dimmer sends commands through a Sender and records them in Levels.
type Dimmer struct {
	sender Sender
	levels *Levels
}

// NewDimmer creates a Dimmer backed by the given sender. A nil levels gets
// a fresh tracker. Panics if sender is nil (programmer error).
func NewDimmer(sender Sender, levels *Levels) *Dimmer {
	if sender == nil {
		panic("control: NewDimmer called with nil sender")
	}
	if levels == nil {
		levels = NewLevels()
	}
	return &Dimmer{sender: sender, levels: levels}
}

// Levels returns the tracker updated by this dimmer.
func (d *Dimmer) Levels() *Levels { return d.levels }

// SetBrightness sends a raw brightness in [0,31].
func (d *Dimmer) SetBrightness(channel, brightness int) error {
	if err := d.sender.SetBrightness(channel, brightness); err != nil {
		return err
	}
	d.levels.SetBrightness(channel, brightness)
	return nil
}

// SetSmoothing sends a raw smoothing factor in [0,31].
func (d *Dimmer) SetSmoothing(channel, smoothing int) error {
	if err := d.sender.SetSmoothing(channel, smoothing); err != nil {
		return err
	}
	d.levels.SetSmoothing(channel, smoothing)
	return nil
}

// SetLevel sets brightness from a normalized level in [0,1].
func (d *Dimmer) SetLevel(channel int, level float64) error {
	return d.SetBrightness(channel, protocol.ScaleUnit(level))
}

// SetVelocity sets smoothing from a normalized velocity in [0,1].
func (d *Dimmer) SetVelocity(channel int, velocity float64) error {
	return d.SetSmoothing(channel, protocol.ScaleUnit(velocity))
}

// ResetAll turns every channel off, in channel order. It keeps going after
// a failure and returns the first error.
func (d *Dimmer) ResetAll() error {
	var first error
	for ch := 0; ch < protocol.Channels; ch++ {
		if err := d.SetBrightness(ch, 0); err != nil && first == nil {
			first = errors.Wrapf(err, "reset channel %d", ch)
		}
	}
	return first
}
