package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/lib/async"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Journal() == nil {
		t.Fatalf("expected journal instance")
	}
}

func TestJournalNilPool(t *testing.T) {
	journal := NewJournal(nil)
	ctx := context.Background()
	id := schema.NewSessionID()
	if err := journal.RecordTransition(ctx, schema.Transition{SessionID: id, To: schema.SessionActive}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := journal.RecordFailure(ctx, schema.Failure{SessionID: id, Kind: schema.EventKindGeneric}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := journal.Transitions(ctx, id, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := journal.Failures(ctx, id, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: defaultJournalLimit, -3: defaultJournalLimit, 5: 5, maxJournalLimit + 1: maxJournalLimit}
	for in, want := range cases {
		if got := clampLimit(in); got != want {
			t.Fatalf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
	if occurredAt(time.Time{}).IsZero() {
		t.Fatalf("expected zero timestamps to be filled")
	}
}

type fakeWriter struct {
	mu          sync.Mutex
	transitions []schema.Transition
	failures    []schema.Failure
	err         error
	done        chan struct{}
}

func (w *fakeWriter) RecordTransition(_ context.Context, tr schema.Transition) error {
	w.mu.Lock()
	w.transitions = append(w.transitions, tr)
	w.mu.Unlock()
	w.signal()
	return w.err
}

func (w *fakeWriter) RecordFailure(_ context.Context, f schema.Failure) error {
	w.mu.Lock()
	w.failures = append(w.failures, f)
	w.mu.Unlock()
	w.signal()
	return w.err
}

func (w *fakeWriter) signal() {
	if w.done != nil {
		w.done <- struct{}{}
	}
}

func TestRecorderWritesSynchronouslyWithoutPool(t *testing.T) {
	writer := &fakeWriter{err: errors.New("boom")}
	recorder := NewRecorder(writer, nil, nil)
	id := schema.NewSessionID()

	recorder.OnTransition(context.Background(), schema.Transition{SessionID: id, To: schema.SessionConnecting})
	recorder.OnFailure(context.Background(), schema.Failure{SessionID: id, Kind: schema.EventKindLogin})

	if len(writer.transitions) != 1 || len(writer.failures) != 1 {
		t.Fatalf("expected one transition and one failure, got %d/%d", len(writer.transitions), len(writer.failures))
	}
}

func TestRecorderOffloadsToPoolAndSurvivesCancelledContext(t *testing.T) {
	pool, err := async.NewPool(1, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Shutdown(context.Background()) }()

	writer := &fakeWriter{done: make(chan struct{}, 1)}
	recorder := NewRecorder(writer, pool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	recorder.OnTransition(ctx, schema.Transition{SessionID: schema.NewSessionID(), To: schema.SessionClosed})

	select {
	case <-writer.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("transition was not journaled")
	}
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.transitions) != 1 || writer.transitions[0].To != schema.SessionClosed {
		t.Fatalf("unexpected transitions %+v", writer.transitions)
	}
}
