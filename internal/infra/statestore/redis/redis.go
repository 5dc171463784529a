// Package redis mirrors session records into Redis hashes so peer processes can observe them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/reactor/internal/domain/schema"
	"github.com/coachpo/reactor/internal/infra/statestore"
)

// Config contains configuration options for the Redis state store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix namespaces every key. Default: "reactor:sessions".
	KeyPrefix string

	// ClosedTTL expires records once a session reaches closed. Zero keeps them.
	ClosedTTL time.Duration
}

// Store implements statestore.Store on Redis. Each session is a hash; an index set
// tracks known session ids.
type Store struct {
	client    *redis.Client
	keyPrefix string
	closedTTL time.Duration
}

var _ statestore.Store = (*Store)(nil)

const (
	fieldRole      = "role"
	fieldState     = "state"
	fieldReason    = "reason"
	fieldUpdatedAt = "updated_at"
)

// New creates a Redis-backed state store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.KeyPrefix), ":")
	if prefix == "" {
		prefix = "reactor:sessions"
	}
	return &Store{client: cfg.Client, keyPrefix: prefix, closedTTL: cfg.ClosedTTL}, nil
}

// Put writes rec and refreshes the index. Closed records receive the configured TTL.
func (s *Store) Put(ctx context.Context, rec statestore.Record) error {
	id := strings.TrimSpace(rec.SessionID)
	if id == "" {
		return statestore.ErrSessionRequired
	}
	key := s.sessionKey(id)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldRole, string(rec.Role),
			fieldState, string(rec.State),
			fieldReason, rec.Reason,
			fieldUpdatedAt, rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, s.indexKey(), id)
		if rec.State == schema.SessionClosed && s.closedTTL > 0 {
			pipe.Expire(ctx, key, s.closedTTL)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put session %s: %w", id, err)
	}
	return nil
}

// Get returns the record for sessionID if present.
func (s *Store) Get(ctx context.Context, sessionID string) (statestore.Record, bool, error) {
	id := strings.TrimSpace(sessionID)
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return statestore.Record{}, false, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return statestore.Record{}, false, nil
	}
	rec, err := decodeRecord(id, fields)
	if err != nil {
		return statestore.Record{}, false, err
	}
	return rec, true, nil
}

// List returns every live record and prunes index entries whose hash expired.
func (s *Store) List(ctx context.Context) ([]statestore.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []statestore.Record{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	out := make([]statestore.Record, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to load session %s: %w", ids[i], err)
		}
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		rec, err := decodeRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune session index: %w", err)
		}
	}
	statestore.SortRecords(out)
	return out, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionKey(id string) string {
	return s.keyPrefix + ":" + id
}

func (s *Store) indexKey() string {
	return s.keyPrefix + ":index"
}

func decodeRecord(id string, fields map[string]string) (statestore.Record, error) {
	rec := statestore.Record{
		SessionID: id,
		Role:      schema.Role(fields[fieldRole]),
		State:     schema.SessionState(fields[fieldState]),
		Reason:    fields[fieldReason],
	}
	if raw := fields[fieldUpdatedAt]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return statestore.Record{}, fmt.Errorf("failed to decode session %s timestamp: %w", id, err)
		}
		rec.UpdatedAt = at.UTC()
	}
	return rec, nil
}
