package postgres

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/lib/async"
)

// JournalWriter is the write side of the session journal.
type JournalWriter interface {
	RecordTransition(ctx context.Context, tr schema.Transition) error
	RecordFailure(ctx context.Context, f schema.Failure) error
}

const defaultWriteTimeout = 5 * time.Second

// Recorder observes router transitions and failures and journals them on a worker pool
// so the dispatch loop never waits on the database.
type Recorder struct {
	writer  JournalWriter
	pool    *async.Pool
	logger  *log.Logger
	timeout time.Duration
}

// NewRecorder wires writer behind pool. A nil pool writes synchronously.
func NewRecorder(writer JournalWriter, pool *async.Pool, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Recorder{writer: writer, pool: pool, logger: logger, timeout: defaultWriteTimeout}
}

// OnTransition journals a session state change.
func (r *Recorder) OnTransition(ctx context.Context, tr schema.Transition) {
	r.submit(ctx, "transition", func(ctx context.Context) error {
		return r.writer.RecordTransition(ctx, tr)
	})
}

// OnFailure journals a handler failure.
func (r *Recorder) OnFailure(ctx context.Context, f schema.Failure) {
	r.submit(ctx, "failure", func(ctx context.Context) error {
		return r.writer.RecordFailure(ctx, f)
	})
}

func (r *Recorder) submit(ctx context.Context, what string, write func(context.Context) error) {
	task := func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := write(writeCtx); err != nil {
			r.logger.Printf("journal %s write failed: %v", what, err)
			return err
		}
		return nil
	}
	detached := context.WithoutCancel(ctx)
	if r.pool == nil {
		_ = task(detached)
		return
	}
	if err := r.pool.Submit(detached, task); err != nil {
		r.logger.Printf("journal %s dropped: %v", what, err)
	}
}
