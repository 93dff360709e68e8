package ble

import "github.com/primiano/light-dimmer-ble/internal/ble/protocol"

// commandQueue holds outbound frames in FIFO order. Once submitted, the
// head stays in place until its write completes, so at most one frame is
// ever in flight. It is owned by Session and guarded by Session.mu.
type commandQueue struct {
	frames   []protocol.Frame
	inFlight bool
	limit    int
}

func newCommandQueue(limit int) *commandQueue {
	return &commandQueue{limit: limit}
}

// push appends f. When the queue is at its limit the oldest waiting frame is
// dropped; the in-flight head is never dropped. It reports the dropped frame.
func (q *commandQueue) push(f protocol.Frame) (dropped protocol.Frame, didDrop bool) {
	if q.limit > 0 && len(q.frames) >= q.limit {
		idx := 0
		if q.inFlight {
			idx = 1
		}
		if idx < len(q.frames) {
			dropped = q.frames[idx]
			q.frames = append(q.frames[:idx], q.frames[idx+1:]...)
			didDrop = true
		}
	}
	q.frames = append(q.frames, f)
	return dropped, didDrop
}

// next marks the head in flight and returns it. It returns false when the
// queue is empty or a write is already outstanding.
func (q *commandQueue) next() (protocol.Frame, bool) {
	if q.inFlight || len(q.frames) == 0 {
		return protocol.Frame{}, false
	}
	q.inFlight = true
	return q.frames[0], true
}

// complete pops the in-flight head. It returns false if nothing was in flight.
func (q *commandQueue) complete() (protocol.Frame, bool) {
	if !q.inFlight || len(q.frames) == 0 {
		return protocol.Frame{}, false
	}
	head := q.frames[0]
	q.frames = q.frames[1:]
	q.inFlight = false
	return head, true
}

// clear discards every frame, including the one in flight. It returns how
// many were discarded.
func (q *commandQueue) clear() int {
	n := len(q.frames)
	q.frames = nil
	q.inFlight = false
	return n
}

func (q *commandQueue) len() int {
	return len(q.frames)
}

func (q *commandQueue) busy() bool {
	return q.inFlight
}
