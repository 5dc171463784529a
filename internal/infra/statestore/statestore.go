// Package statestore mirrors session lifecycle states outside the router so operators
// and peer processes can observe them.
package statestore

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/lib/async"
)

// ErrSessionRequired rejects records without a session id.
var ErrSessionRequired = errs.New("statestore", errs.CodeInvalid, errs.WithMessage("session id required"))

// Record is the mirrored state of one session.
type Record struct {
	SessionID string              `json:"sessionId"`
	Role      schema.Role         `json:"role"`
	State     schema.SessionState `json:"state"`
	Reason    string              `json:"reason,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// RecordFromTransition derives the mirrored record for the target state of tr.
func RecordFromTransition(tr schema.Transition) Record {
	return Record{
		SessionID: tr.SessionID,
		Role:      tr.Role,
		State:     tr.To,
		Reason:    tr.Reason,
		UpdatedAt: tr.At.UTC(),
	}
}

// Store persists session records. Closed records may expire.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID string) (Record, bool, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}

const defaultMirrorTimeout = 2 * time.Second

// Mirror is a router transition observer that copies every state change into a Store.
type Mirror struct {
	store   Store
	pool    *async.Pool
	logger  *log.Logger
	timeout time.Duration
}

// NewMirror wires store behind pool. A nil pool writes on the caller's goroutine.
func NewMirror(store Store, pool *async.Pool, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Mirror{store: store, pool: pool, logger: logger, timeout: defaultMirrorTimeout}
}

// OnTransition mirrors the new session state.
func (m *Mirror) OnTransition(ctx context.Context, tr schema.Transition) {
	rec := RecordFromTransition(tr)
	write := func(ctx context.Context) error {
		putCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		if err := m.store.Put(putCtx, rec); err != nil {
			m.logger.Printf("state mirror put session=%s state=%s: %v", rec.SessionID, rec.State, err)
			return err
		}
		return nil
	}
	detached := context.WithoutCancel(ctx)
	if m.pool == nil {
		_ = write(detached)
		return
	}
	if err := m.pool.Submit(detached, write); err != nil {
		m.logger.Printf("state mirror dropped session=%s state=%s: %v", rec.SessionID, rec.State, err)
	}
}
