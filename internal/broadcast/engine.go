// Package broadcast fans committed room events out to per-connection outboxes.
//
// Every connection owns a bounded Outbox. Publish encodes an event once and pushes the
// same frame to each subscribed outbox without ever blocking: a full outbox either drops
// its oldest frame or, under the disconnect policy, is closed after SaturationLimit
// consecutive saturated pushes. Events for one room are published by that room's worker
// only, so frames reach every outbox in commit order.
package broadcast

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/metrics"
	"github.com/roomchat/internal/model"
)

type Policy string

const (
	DropOldest Policy = "drop_oldest"
	Disconnect Policy = "disconnect"
)

// Subscribers resolves the live connections of a room; the presence tracker implements it.
type Subscribers interface {
	Connections(roomID string) []string
}

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Encode renders ev as a single JSON text frame.
func Encode(ev model.Event) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'
	if n := len(data); n > 0 && data[n-1] == '\n' {
		data = data[:n-1]
	}
	return append([]byte(nil), data...), nil
}

type Engine struct {
	mu       sync.RWMutex
	outboxes map[string]*Outbox
	subs     Subscribers

	size        int
	policy      Policy
	limit       int
	onSaturated func(connID string)
}

type Option func(*Engine)

// WithQueue sets the outbox capacity and the full-queue policy.
func WithQueue(size int, policy Policy, saturationLimit int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.size = size
		}
		if policy == Disconnect {
			e.policy = Disconnect
		}
		if saturationLimit > 0 {
			e.limit = saturationLimit
		}
	}
}

// OnSaturated registers a hook called after an outbox was force-closed.
func OnSaturated(fn func(connID string)) Option {
	return func(e *Engine) { e.onSaturated = fn }
}

func New(subs Subscribers, opts ...Option) *Engine {
	e := &Engine{
		outboxes: make(map[string]*Outbox),
		subs:     subs,
		size:     256,
		policy:   DropOldest,
		limit:    3,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Attach creates the outbox of connID. Attaching an id twice replaces and closes the old outbox.
func (e *Engine) Attach(connID string) *Outbox {
	ob := newOutbox(connID, e.size)
	e.mu.Lock()
	old := e.outboxes[connID]
	e.outboxes[connID] = ob
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return ob
}

// Detach closes and forgets the outbox of connID; further deliveries to it are dropped.
func (e *Engine) Detach(connID string) {
	e.mu.Lock()
	ob := e.outboxes[connID]
	delete(e.outboxes, connID)
	e.mu.Unlock()
	if ob != nil {
		ob.Close()
	}
}

func (e *Engine) outbox(connID string) *Outbox {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outboxes[connID]
}

// Publish delivers ev to every live subscriber of roomID and returns how many outboxes took it.
func (e *Engine) Publish(roomID string, ev model.Event) int {
	frame, err := Encode(ev)
	if err != nil {
		logger.Errorf("broadcast encode room=%s type=%s: %v", roomID, ev.Type, err)
		return 0
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	delivered := 0
	for _, connID := range e.subs.Connections(roomID) {
		if e.deliver(connID, frame) {
			delivered++
		}
	}
	return delivered
}

// PublishTo delivers ev to a single connection, e.g. an error for the originating client.
func (e *Engine) PublishTo(connID string, ev model.Event) bool {
	frame, err := Encode(ev)
	if err != nil {
		logger.Errorf("broadcast encode conn=%s type=%s: %v", connID, ev.Type, err)
		return false
	}
	return e.deliver(connID, frame)
}

func (e *Engine) deliver(connID string, frame []byte) bool {
	ob := e.outbox(connID)
	if ob == nil {
		return false
	}
	switch ob.push(frame, e.policy, e.limit) {
	case pushed:
		metrics.Deliveries.Inc()
		return true
	case droppedOldest:
		metrics.Deliveries.Inc()
		metrics.OutboxDropped.Inc()
		return true
	case forcedClose:
		metrics.ForcedDisconnects.Inc()
		logger.Warnf("broadcast outbox saturated, disconnecting conn=%s", connID)
		e.mu.Lock()
		if e.outboxes[connID] == ob {
			delete(e.outboxes, connID)
		}
		e.mu.Unlock()
		if e.onSaturated != nil {
			e.onSaturated(connID)
		}
	}
	return false
}
