package statestore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/reactor/internal/domain/schema"
)

// MemoryStore keeps records in process. Closed records expire after the configured TTL.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	closedTTL time.Duration
	clock     func() time.Time
}

// NewMemoryStore constructs an empty in-memory store. A non-positive ttl keeps closed records forever.
func NewMemoryStore(closedTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		closedTTL: closedTTL,
		clock:     time.Now,
	}
}

// Put stores rec, replacing any earlier record for the session.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	id := strings.TrimSpace(rec.SessionID)
	if id == "" {
		return ErrSessionRequired
	}
	rec.SessionID = id
	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()
	return nil
}

// Get returns the record for sessionID if present and not expired.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (Record, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[strings.TrimSpace(sessionID)]
	s.mu.RUnlock()
	if !ok || s.expired(rec) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// List returns every live record ordered by update time then id, pruning expired ones.
func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for id, rec := range s.records {
		if s.expired(rec) {
			delete(s.records, id)
			continue
		}
		out = append(out, rec)
	}
	s.mu.Unlock()
	SortRecords(out)
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) expired(rec Record) bool {
	if s.closedTTL <= 0 || rec.State != schema.SessionClosed {
		return false
	}
	return s.clock().Sub(rec.UpdatedAt) > s.closedTTL
}

// SortRecords orders records by update time then session id.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.Before(records[j].UpdatedAt)
		}
		return records[i].SessionID < records[j].SessionID
	})
}
