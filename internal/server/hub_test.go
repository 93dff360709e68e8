package server

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records written events. A stuck conn blocks every write until
// it is closed.
type fakeConn struct {
	stuck bool

	mu      sync.Mutex
	written []Event
	writing bool
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn(stuck bool) *fakeConn {
	return &fakeConn{stuck: stuck, closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.stuck {
		c.mu.Lock()
		c.writing = true
		c.mu.Unlock()
		<-c.closed
	}
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(Event))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *fakeConn) isWriting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writing
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func quietHub() *Hub {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewHub(log)
}

func TestBroadcastDropsClientThatFallsBehind(t *testing.T) {
	hub := quietHub()
	slow, fast := newFakeConn(true), newFakeConn(false)
	hub.add(slow)
	hub.add(fast)

	hub.Broadcast(Event{Type: EventState})
	require.Eventually(t, func() bool { return slow.isWriting() && fast.count() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	for i := 0; i < sendBuffer; i++ {
		hub.Broadcast(Event{Type: EventState, Payload: i})
	}
	assert.Less(t, time.Since(start), writeWait/2, "broadcast must not wait for a stuck writer")
	assert.Equal(t, 2, hub.Len(), "a full queue is not yet an overflow")
	require.Eventually(t, func() bool { return fast.count() == sendBuffer+1 }, time.Second, time.Millisecond)

	start = time.Now()
	hub.Broadcast(Event{Type: EventConnectionLost})

	assert.Less(t, time.Since(start), writeWait/2)
	assert.Equal(t, 1, hub.Len())
	assert.True(t, slow.isClosed())
	assert.False(t, fast.isClosed())
	assert.Eventually(t, func() bool { return fast.count() == sendBuffer+2 }, time.Second, time.Millisecond)
}

func TestSendToUnknownClient(t *testing.T) {
	hub := quietHub()
	assert.False(t, hub.sendTo(newFakeConn(false), Event{Type: EventStatus}))
}

func TestCloseAllClosesConnections(t *testing.T) {
	hub := quietHub()
	a, b := newFakeConn(false), newFakeConn(true)
	hub.add(a)
	hub.add(b)

	hub.CloseAll()

	assert.Equal(t, 0, hub.Len())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	hub.Broadcast(Event{Type: EventState})
}
