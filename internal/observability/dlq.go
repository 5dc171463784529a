// Package observability holds in-memory diagnostic records for dispatch problems.
package observability

import (
	"sync"
	"time"
)

// Diagnostic describes an event the router could not deliver or a handler rejected.
type Diagnostic struct {
	Code       string    `json:"code"`
	SessionID  string    `json:"sessionId"`
	Role       string    `json:"role,omitempty"`
	EventID    string    `json:"eventId,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// DeadLetterQueue keeps the most recent diagnostics. A bounded queue is a ring that
// overwrites its oldest entry once full.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	ring     []Diagnostic
	head     int
	evicted  uint64
}

// NewDeadLetterQueue returns a queue holding up to capacity diagnostics; capacity <= 0
// means unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	return &DeadLetterQueue{capacity: max(capacity, 0)}
}

// Offer records diag, evicting the oldest entry of a full bounded queue.
func (q *DeadLetterQueue) Offer(diag Diagnostic) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity == 0 || len(q.ring) < q.capacity {
		q.ring = append(q.ring, diag)
		return
	}
	q.ring[q.head] = diag
	q.head = (q.head + 1) % q.capacity
	q.evicted++
}

// Drain returns the queued diagnostics oldest first and empties the queue.
func (q *DeadLetterQueue) Drain() []Diagnostic {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ordered()
	q.ring = q.ring[:0]
	q.head = 0
	return out
}

// Snapshot returns the queued diagnostics oldest first.
func (q *DeadLetterQueue) Snapshot() []Diagnostic {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ordered()
}

// Len reports how many diagnostics are queued.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ring)
}

// Overflowed reports how many diagnostics were evicted by newer ones.
func (q *DeadLetterQueue) Overflowed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func (q *DeadLetterQueue) ordered() []Diagnostic {
	out := make([]Diagnostic, 0, len(q.ring))
	out = append(out, q.ring[q.head:]...)
	return append(out, q.ring[:q.head]...)
}
