// Package persistence owns the pgx pool behind the session journal.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/infra/config"
)

const component = "persistence"

// connectBudget bounds how long Open keeps retrying the first ping.
const connectBudget = 15 * time.Second

// Store holds the journal's connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open builds a pool from cfg and pings it, retrying with exponential backoff
// while the database is still starting.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("create pool"), errs.WithCause(err))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(connectBudget))
	if err != nil {
		pool.Close()
		return nil, errs.New(component, errs.CodeNetwork, errs.WithMessage("journal database unreachable"), errs.WithCause(err))
	}
	return NewStore(pool), nil
}

func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("parse dsn"), errs.WithCause(err))
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if name := poolCfg.ConnConfig.RuntimeParams["application_name"]; name == "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = "reactor"
	}
	return poolCfg, nil
}

// Pool returns the pgx pool, nil for a nil Store.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases every pooled connection.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
