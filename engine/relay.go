package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRelayCapacity bounds the number of undelivered events.
const DefaultRelayCapacity = 4096

// relay moves events from the connection goroutine to the host in FIFO
// order. It is bounded: when the host falls behind, the oldest queued event
// is dropped and the next event handed out is an Error marker stating how
// many were lost.
type relay struct {
	capacity int
	onDrop   func()

	mu      sync.Mutex
	queue   []Event
	dropped int
	closed  bool

	wake    chan struct{}
	out     chan Event
	total   atomic.Uint64
	abandon chan struct{}
	once    sync.Once
}

func newRelay(capacity int, onDrop func()) *relay {
	if capacity <= 0 {
		capacity = DefaultRelayCapacity
	}
	r := &relay{
		capacity: capacity,
		onDrop:   onDrop,
		wake:     make(chan struct{}, 1),
		out:      make(chan Event),
		abandon:  make(chan struct{}),
	}
	go r.pump()
	return r
}

// push queues ev. It reports false once the relay is closed.
func (r *relay) push(ev Event) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if len(r.queue) >= r.capacity {
		r.queue[0] = Event{}
		r.queue = r.queue[1:]
		r.dropped++
		r.total.Add(1)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	r.signal()
	return true
}

// close stops accepting events. Queued events are still delivered and the
// output channel is closed once they are consumed.
func (r *relay) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

// discard closes the relay and drops anything not yet delivered.
func (r *relay) discard() {
	r.close()
	r.once.Do(func() { close(r.abandon) })
}

func (r *relay) dropCount() uint64 { return r.total.Load() }

func (r *relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *relay) next() (Event, bool) {
	for {
		r.mu.Lock()
		if r.dropped > 0 {
			n := r.dropped
			r.dropped = 0
			r.mu.Unlock()
			return Event{Kind: EventError, At: time.Now(), Message: fmt.Sprintf("event relay overflow: dropped %d events", n)}, true
		}
		if len(r.queue) > 0 {
			ev := r.queue[0]
			r.queue[0] = Event{}
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return ev, true
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-r.wake:
		case <-r.abandon:
			return Event{}, false
		}
	}
}

func (r *relay) pump() {
	defer close(r.out)
	for {
		ev, ok := r.next()
		if !ok {
			return
		}
		select {
		case r.out <- ev:
		case <-r.abandon:
			return
		}
	}
}
