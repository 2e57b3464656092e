package sink

import (
	"sync"
)

// Queue is a thread-safe event buffer that implements Sink. It starts small
// and doubles its capacity when it reaches 70% full, up to a hard limit;
// once at the limit, Send drops the event instead of blocking the producer.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Event
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count         int
	Capacity      int
	Limit         int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
	ResizeCount   int
}

// NewQueue creates a queue with the given initial capacity that never holds
// more than limit events. limit < initialCapacity is raised to
// initialCapacity.
func NewQueue(initialCapacity, limit int) *Queue {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < initialCapacity {
		limit = initialCapacity
	}
	q := &Queue{
		buf:      make([]Event, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send implements Sink. Returns false if the queue is closed or full.
func (q *Queue) Send(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && q.capacity < q.limit {
		q.grow()
	}

	if q.count == q.capacity {
		q.dropped++
		return false
	}

	q.buf[q.tail] = ev
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++

	q.cond.Signal()
	return true
}

// Receive removes and returns the oldest event, blocking until one is
// available. It returns false once the queue is closed and drained.
func (q *Queue) Receive() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		return Event{}, false
	}
	return q.pop(), true
}

// TryReceive returns the oldest event without blocking.
func (q *Queue) TryReceive() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return Event{}, false
	}
	return q.pop(), true
}

// DrainTo removes up to max events (all when max <= 0).
func (q *Queue) DrainTo(max int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	n := q.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = q.pop()
	}
	return out
}

// Close stops accepting events. Receivers get the remaining events and then
// the closed signal.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:         q.count,
		Capacity:      q.capacity,
		Limit:         q.limit,
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		Dropped:       q.dropped,
		ResizeCount:   q.resizeCount,
	}
}

// pop must be called with the lock held and count > 0.
func (q *Queue) pop() Event {
	ev := q.buf[q.head]
	q.buf[q.head] = Event{} // drop the data reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalSent++
	return ev
}

// grow doubles the capacity, clamped to the limit. Must be called with lock
// held.
func (q *Queue) grow() {
	newCapacity := q.capacity * 2
	if newCapacity > q.limit {
		newCapacity = q.limit
	}
	newBuf := make([]Event, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
