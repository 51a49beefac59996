package rpc

import (
	"sync"
	"time"
)

// inboundQueue is a bounded circular byte buffer with one writer side
// (Feed) and one reader side (the worker). Writers wait for space up to
// a timeout; the reader waits on readable().
type inboundQueue struct {
	mu       sync.Mutex
	data     []byte
	readPos  int
	stored   int
	closed   bool
	spaceCh  chan struct{}
	readyCh  chan struct{}
	capacity int
}

func newInboundQueue(capacity int) *inboundQueue {
	return &inboundQueue{
		data:     make([]byte, capacity),
		capacity: capacity,
		spaceCh:  make(chan struct{}),
		readyCh:  make(chan struct{}, 1),
	}
}

// push copies as much of p as fits, waiting up to timeout for the reader
// to make room. It returns the number of bytes accepted.
func (q *inboundQueue) push(p []byte, timeout time.Duration) int {
	var timer *time.Timer
	accepted := 0
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return accepted
		}
		n := q.writeLocked(p[accepted:])
		accepted += n
		space := q.spaceCh
		q.mu.Unlock()
		if n > 0 {
			q.signalReady()
		}
		if accepted == len(p) || timeout <= 0 {
			return accepted
		}

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-space:
		case <-timer.C:
			return accepted
		}
	}
}

func (q *inboundQueue) writeLocked(p []byte) int {
	free := q.capacity - q.stored
	if len(p) > free {
		p = p[:free]
	}
	writePos := (q.readPos + q.stored) % q.capacity
	for offset := 0; offset < len(p); {
		copyLength := min(len(p)-offset, q.capacity-writePos)
		copy(q.data[writePos:writePos+copyLength], p[offset:offset+copyLength])
		writePos = (writePos + copyLength) % q.capacity
		offset += copyLength
	}
	q.stored += len(p)
	return len(p)
}

// pop moves up to len(p) queued bytes into p without blocking. The second
// result reports whether the queue is empty afterwards.
func (q *inboundQueue) pop(p []byte) (int, bool) {
	q.mu.Lock()
	n := min(len(p), q.stored)
	for copied := 0; copied < n; {
		copyLength := min(n-copied, q.capacity-q.readPos)
		copy(p[copied:copied+copyLength], q.data[q.readPos:q.readPos+copyLength])
		q.readPos = (q.readPos + copyLength) % q.capacity
		copied += copyLength
	}
	q.stored -= n
	empty := q.stored == 0
	if n > 0 {
		q.wakeWritersLocked()
	}
	q.mu.Unlock()
	return n, empty
}

// reset discards every queued byte.
func (q *inboundQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.readPos = 0
	q.stored = 0
	q.wakeWritersLocked()
}

// close rejects further pushes and releases waiting writers.
func (q *inboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.readPos = 0
	q.stored = 0
	q.data = nil
	q.wakeWritersLocked()
}

func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stored
}

func (q *inboundQueue) available() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	return q.capacity - q.stored
}

// readable fires after at least one push since the last receive.
func (q *inboundQueue) readable() <-chan struct{} {
	return q.readyCh
}

func (q *inboundQueue) signalReady() {
	select {
	case q.readyCh <- struct{}{}:
	default:
	}
}

func (q *inboundQueue) wakeWritersLocked() {
	close(q.spaceCh)
	q.spaceCh = make(chan struct{})
}
