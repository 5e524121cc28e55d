package broadcast

import "sync"

type pushResult int

const (
	pushed pushResult = iota
	droppedOldest
	forcedClose
	closedAlready
)

// Outbox is the bounded send queue of one connection. Producers never block on it;
// the connection's writer drains C until Done is closed.
type Outbox struct {
	id string
	ch chan []byte

	mu        sync.Mutex
	closed    bool
	saturated int
	done      chan struct{}
}

func newOutbox(id string, size int) *Outbox {
	return &Outbox{id: id, ch: make(chan []byte, size), done: make(chan struct{})}
}

func (o *Outbox) ID() string { return o.id }

// C yields encoded frames in enqueue order.
func (o *Outbox) C() <-chan []byte { return o.ch }

// Done is closed when the outbox stops accepting frames.
func (o *Outbox) Done() <-chan struct{} { return o.done }

func (o *Outbox) Len() int { return len(o.ch) }

// Close stops the outbox. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}

// push enqueues frame. The mutex makes drop-oldest-then-enqueue atomic against other
// producers; the single consumer only ever frees space.
func (o *Outbox) push(frame []byte, policy Policy, limit int) pushResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return closedAlready
	}
	select {
	case o.ch <- frame:
		o.saturated = 0
		return pushed
	default:
	}

	o.saturated++
	if policy == Disconnect && o.saturated >= limit {
		o.closed = true
		close(o.done)
		return forcedClose
	}
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- frame:
	default:
	}
	return droppedOldest
}
