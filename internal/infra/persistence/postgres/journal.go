package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/internal/infra/telemetry"
)

// Journal persists session transitions and handler failures.
type Journal struct {
	pool     *pgxpool.Pool
	duration metric.Float64Histogram
}

// NewJournal constructs a Journal backed by the provided pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	duration, _ := otel.Meter("postgres.journal").Float64Histogram("reactor.journal.duration",
		metric.WithDescription("Session journal statement latency"),
		metric.WithUnit("ms"))
	return &Journal{pool: pool, duration: duration}
}

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

const (
	transitionInsertSQL = `
INSERT INTO session_transitions (session_id, role, from_state, to_state, reason, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6);
`

	transitionListSQL = `
SELECT session_id::text, role, from_state, to_state, reason, occurred_at
FROM session_transitions
WHERE session_id = $1
ORDER BY occurred_at ASC, id ASC
LIMIT $2;
`

	failureInsertSQL = `
INSERT INTO handler_failures (session_id, role, event_id, kind, capability, disposition, reason, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

	failureListSQL = `
SELECT session_id::text, role, event_id, kind, capability, disposition, reason, occurred_at
FROM handler_failures
WHERE session_id = $1
ORDER BY occurred_at ASC, id ASC
LIMIT $2;
`
)

// RecordTransition appends a session state change.
func (j *Journal) RecordTransition(ctx context.Context, tr schema.Transition) (err error) {
	if j.pool == nil {
		return fmt.Errorf("journal: nil pool")
	}
	sessionID := strings.TrimSpace(tr.SessionID)
	if sessionID == "" {
		return fmt.Errorf("journal: session id required")
	}
	if tr.To == "" {
		return fmt.Errorf("journal: target state required")
	}
	defer j.observe(ctx, "record_transition", time.Now(), &err)

	_, err = j.pool.Exec(ctx, transitionInsertSQL,
		sessionID, string(tr.Role), string(tr.From), string(tr.To), tr.Reason, occurredAt(tr.At))
	if err != nil {
		return fmt.Errorf("journal: insert transition: %w", err)
	}
	return nil
}

// RecordFailure appends a handler failure.
func (j *Journal) RecordFailure(ctx context.Context, f schema.Failure) (err error) {
	if j.pool == nil {
		return fmt.Errorf("journal: nil pool")
	}
	sessionID := strings.TrimSpace(f.SessionID)
	if sessionID == "" {
		return fmt.Errorf("journal: session id required")
	}
	if f.Kind == "" {
		return fmt.Errorf("journal: event kind required")
	}
	defer j.observe(ctx, "record_failure", time.Now(), &err)

	_, err = j.pool.Exec(ctx, failureInsertSQL,
		sessionID, string(f.Role), f.EventID, string(f.Kind), string(f.Capability),
		f.Disposition.String(), f.Reason, occurredAt(f.At))
	if err != nil {
		return fmt.Errorf("journal: insert failure: %w", err)
	}
	return nil
}

// Transitions returns the recorded transitions for a session in order of occurrence.
func (j *Journal) Transitions(ctx context.Context, sessionID string, limit int) ([]schema.Transition, error) {
	if j.pool == nil {
		return nil, fmt.Errorf("journal: nil pool")
	}
	rows, err := j.pool.Query(ctx, transitionListSQL, strings.TrimSpace(sessionID), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: list transitions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (schema.Transition, error) {
		var (
			tr       schema.Transition
			role     string
			from, to string
		)
		if err := row.Scan(&tr.SessionID, &role, &from, &to, &tr.Reason, &tr.At); err != nil {
			return schema.Transition{}, err
		}
		tr.Role = schema.Role(role)
		tr.From = schema.SessionState(from)
		tr.To = schema.SessionState(to)
		tr.At = tr.At.UTC()
		return tr, nil
	})
}

// Failures returns the recorded handler failures for a session in order of occurrence.
func (j *Journal) Failures(ctx context.Context, sessionID string, limit int) ([]schema.Failure, error) {
	if j.pool == nil {
		return nil, fmt.Errorf("journal: nil pool")
	}
	rows, err := j.pool.Query(ctx, failureListSQL, strings.TrimSpace(sessionID), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: list failures: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (schema.Failure, error) {
		var (
			f                             schema.Failure
			role, kind, capability, disp string
		)
		if err := row.Scan(&f.SessionID, &role, &f.EventID, &kind, &capability, &disp, &f.Reason, &f.At); err != nil {
			return schema.Failure{}, err
		}
		f.Role = schema.Role(role)
		f.Kind = schema.EventKind(kind)
		f.Capability = schema.Capability(capability)
		f.Disposition, _ = schema.ParseDisposition(disp)
		f.At = f.At.UTC()
		return f, nil
	})
}

func (j *Journal) observe(ctx context.Context, operation string, started time.Time, errp *error) {
	if j.duration == nil {
		return
	}
	result := telemetry.ResultSuccess
	if errp != nil && *errp != nil {
		result = telemetry.ResultError
	}
	elapsed := float64(time.Since(started).Microseconds()) / 1000
	j.duration.Record(ctx, elapsed, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), operation, result)...))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultJournalLimit
	}
	if limit > maxJournalLimit {
		return maxJournalLimit
	}
	return limit
}

func occurredAt(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}
