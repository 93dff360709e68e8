// Package protocol implements the control-word encoding of the light dimmer
// BLE protocol and the decoding of its hex status notifications.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// Channels is the fixed number of dimmable channels on the peripheral.
	Channels = 4
	// MaxMagnitude is the largest brightness or smoothing value (5 bits).
	MaxMagnitude = 31

	smoothingFlag = 0x80
	channelShift  = 5
	magnitudeMask = 0x1f
	channelMask   = 0x03
)

var (
	// ErrInvalidArgument is returned when a channel or magnitude is out of range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMalformedPayload is returned when a notification is not a hex byte string.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Mode selects what a control word sets on its channel.
type Mode uint8

const (
	ModeBrightness Mode = 0
	ModeSmoothing  Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeBrightness:
		return "brightness"
	case ModeSmoothing:
		return "smoothing"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ControlWord is the decoded form of a single control byte.
type ControlWord struct {
	Mode      Mode
	Channel   int
	Magnitude int
}

// Frame is the 2-byte value written to the control characteristic. The
// firmware expects the control byte twice.
type Frame [2]byte

// Bytes returns a copy of the frame suitable for a characteristic write.
func (f Frame) Bytes() []byte {
	return []byte{f[0], f[1]}
}

// ControlWord decodes the frame's control byte.
func (f Frame) ControlWord() ControlWord {
	return DecodeControlByte(f[0])
}

func (f Frame) String() string {
	return fmt.Sprintf("%02x%02x", f[0], f[1])
}

// EncodeBrightness builds the frame setting channel to brightness.
//
//	byte = 0<<7 | channel<<5 | brightness
func EncodeBrightness(channel, brightness int) (Frame, error) {
	return encode(ModeBrightness, channel, brightness)
}

// EncodeSmoothing builds the frame setting the transition smoothing of channel.
//
//	byte = 1<<7 | channel<<5 | smoothing
func EncodeSmoothing(channel, smoothing int) (Frame, error) {
	return encode(ModeSmoothing, channel, smoothing)
}

func encode(mode Mode, channel, magnitude int) (Frame, error) {
	if channel < 0 || channel >= Channels {
		return Frame{}, errors.Wrapf(ErrInvalidArgument, "channel %d not in [0,%d]", channel, Channels-1)
	}
	if magnitude < 0 || magnitude > MaxMagnitude {
		return Frame{}, errors.Wrapf(ErrInvalidArgument, "%s %d not in [0,%d]", mode, magnitude, MaxMagnitude)
	}
	word := byte(channel<<channelShift | magnitude)
	if mode == ModeSmoothing {
		word |= smoothingFlag
	}
	return Frame{word, word}, nil
}

// DecodeControlByte splits a control byte back into mode, channel and magnitude.
func DecodeControlByte(b byte) ControlWord {
	mode := ModeBrightness
	if b&smoothingFlag != 0 {
		mode = ModeSmoothing
	}
	return ControlWord{
		Mode:      mode,
		Channel:   int(b>>channelShift) & channelMask,
		Magnitude: int(b & magnitudeMask),
	}
}

// DecodeNotification parses a status notification: two hex characters per
// channel, channel 0 first. It returns as many values as the payload holds;
// callers check the count. A malformed payload yields no values at all.
func DecodeNotification(payload string) ([]int, error) {
	if len(payload)%2 != 0 {
		return nil, errors.Wrapf(ErrMalformedPayload, "odd length %d in %q", len(payload), payload)
	}
	values := make([]int, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		v, err := strconv.ParseUint(payload[i:i+2], 16, 8)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedPayload, "bad hex pair %q at offset %d", payload[i:i+2], i)
		}
		values = append(values, int(v))
	}
	return values, nil
}

// EncodeNotification renders values the way the peripheral reports them.
// Values are truncated to a byte.
func EncodeNotification(values []int) string {
	var sb strings.Builder
	sb.Grow(len(values) * 2)
	for _, v := range values {
		fmt.Fprintf(&sb, "%02x", byte(v))
	}
	return sb.String()
}

// ScaleUnit maps a normalized level in [0,1] onto [0,MaxMagnitude],
// truncating toward zero. Out-of-range input is clamped.
func ScaleUnit(v float64) int {
	if v <= 0 || v != v {
		return 0
	}
	if v >= 1 {
		return MaxMagnitude
	}
	return int(v * MaxMagnitude)
}
