package ble

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	simWait = 2 * time.Second
	simTick = 2 * time.Millisecond
)

func newSimSession(t *testing.T, configure func(*SimAdapter, *Options)) (*Session, *SimAdapter, *recordingListener) {
	t.Helper()
	sim := NewSimAdapter()
	sim.Latency = time.Millisecond
	opts := zeroDelayOpts()
	opts.ConnectTimeout = time.Second
	opts.RestartBackoffMax = 10 * time.Millisecond
	if configure != nil {
		configure(sim, &opts)
	}
	listener := &recordingListener{}
	s := NewSession(sim, listener, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s, sim, listener
}

func waitReady(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == StateReady }, simWait, simTick)
}

func TestSimSessionSetsLevels(t *testing.T) {
	s, sim, listener := newSimSession(t, func(sim *SimAdapter, _ *Options) {
		sim.SetLevels([4]int{0, 8, 16, 31})
	})
	require.NoError(t, s.Start())
	waitReady(t, s)
	assert.Equal(t, "LightDimmer-SIM", s.DeviceName())

	// Enabling notifications makes the peripheral report its levels.
	require.Eventually(t, func() bool { return len(listener.readValues()) == 1 }, simWait, simTick)
	assert.Equal(t, []int{0, 8, 16, 31}, listener.readValues()[0])

	require.NoError(t, s.SetSmoothing(0, 12))
	require.NoError(t, s.SetBrightness(0, 20))
	require.NoError(t, s.SetBrightness(3, 0))

	select {
	case <-s.Idle():
	case <-time.After(simWait):
		t.Fatal("queue did not drain")
	}

	brightness, smoothing := sim.Levels()
	assert.Equal(t, [4]int{20, 8, 16, 0}, brightness)
	assert.Equal(t, 12, smoothing[0])
	require.Len(t, sim.Writes(), 3)
	assert.Equal(t, "8c8c", sim.Writes()[0].String())

	require.Eventually(t, func() bool {
		v, ok := s.Values()
		return ok && v[3] == 0 && v[0] == 20
	}, simWait, simTick)
	assert.Len(t, listener.readValues(), 1, "values are delivered once per session")
}

func TestSimSessionRecoversFromWriteFailure(t *testing.T) {
	s, sim, listener := newSimSession(t, nil)
	require.NoError(t, s.Start())
	waitReady(t, s)

	sim.FailWrites(1)
	require.NoError(t, s.SetBrightness(1, 5))

	require.Eventually(t, func() bool { return listener.lostCount() == 1 }, simWait, simTick)
	waitReady(t, s)

	require.NoError(t, s.SetBrightness(1, 6))
	require.Eventually(t, func() bool {
		b, _ := sim.Levels()
		return b[1] == 6
	}, simWait, simTick)
}

func TestSimSessionRecoversFromDroppedLink(t *testing.T) {
	s, sim, listener := newSimSession(t, nil)
	require.NoError(t, s.Start())
	waitReady(t, s)

	sim.DropLink()

	require.Eventually(t, func() bool { return listener.lostCount() == 1 }, simWait, simTick)
	require.Eventually(t, func() bool { return len(listener.connections()) == 2 }, simWait, simTick)
	assert.Equal(t, StateReady, s.State())
}

func TestSimSessionMissingCharacteristic(t *testing.T) {
	s, _, listener := newSimSession(t, func(sim *SimAdapter, _ *Options) {
		sim.HideCharacteristic(true)
	})
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return len(listener.errors()) > 0 }, simWait, simTick)
	assert.True(t, errors.Is(listener.errors()[0], ErrConfiguration))
	assert.NotEqual(t, StateReady, s.State())
}

func TestSimSessionReadEvery(t *testing.T) {
	s, _, listener := newSimSession(t, func(_ *SimAdapter, opts *Options) {
		opts.ReadValues = ReadEvery
	})
	require.NoError(t, s.Start())
	waitReady(t, s)

	require.NoError(t, s.SetBrightness(2, 9))
	require.Eventually(t, func() bool { return len(listener.readValues()) == 2 }, simWait, simTick)
	assert.Equal(t, []int{0, 0, 9, 0}, listener.readValues()[1])
}
