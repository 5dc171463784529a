package reactor

import "time"

type seenEntry struct {
	id string
	at time.Time
}

// seenSet remembers recent event ids for one session. Entries leave once they are
// older than window or, oldest first, once more than capacity ids are held.
// It is owned by the dispatch worker.
type seenSet struct {
	window   time.Duration
	capacity int
	at       map[string]time.Time
	order    []seenEntry
	head     int
}

func newSeenSet(window time.Duration, capacity int) *seenSet {
	return &seenSet{
		window:   window,
		capacity: max(capacity, 1),
		at:       make(map[string]time.Time, min(capacity, 64)),
	}
}

// mark records id and reports whether it was not seen inside the window.
// Events without an id are never suppressed.
func (s *seenSet) mark(id string, now time.Time) bool {
	if id == "" {
		return true
	}
	s.expire(now)
	if _, ok := s.at[id]; ok {
		return false
	}
	s.at[id] = now
	s.order = append(s.order, seenEntry{id: id, at: now})
	for len(s.at) > s.capacity && s.head < len(s.order) {
		s.pop()
	}
	s.compact()
	return true
}

func (s *seenSet) len() int {
	return len(s.at)
}

func (s *seenSet) expire(now time.Time) {
	for s.head < len(s.order) && now.Sub(s.order[s.head].at) >= s.window {
		s.pop()
	}
}

func (s *seenSet) pop() {
	e := s.order[s.head]
	s.order[s.head] = seenEntry{}
	s.head++
	if ts, ok := s.at[e.id]; ok && ts.Equal(e.at) {
		delete(s.at, e.id)
	}
}

func (s *seenSet) compact() {
	if s.head == 0 || s.head < len(s.order)/2 {
		return
	}
	n := copy(s.order, s.order[s.head:])
	clear(s.order[n:])
	s.order = s.order[:n]
	s.head = 0
}
