package rooms

import "sync"

// DefaultQueueSize is the number of frames a participant may have pending
// before further frames are dropped for that participant.
const DefaultQueueSize = 64

var _ Sender = (*Queue)(nil)

// Queue is a bounded outbound frame queue drained by a single writer.
// Send never blocks: a full or closed queue drops the frame.
type Queue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewQueue returns a Queue holding up to size frames. A non-positive size
// selects DefaultQueueSize.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan []byte, size)}
}

// Send enqueues frame and reports whether it was accepted.
func (q *Queue) Send(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	select {
	case q.ch <- frame:
		return true
	default:
		return false
	}
}

// Frames returns the channel the writer drains. It is closed by Close once
// the remaining frames have been consumed.
func (q *Queue) Frames() <-chan []byte {
	return q.ch
}

// Close marks the queue closed. Frames already queued stay readable; no
// further frame is accepted. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
