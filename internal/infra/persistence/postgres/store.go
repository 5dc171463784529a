package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/reactor/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	journal *Journal
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), journal: NewJournal(pool)}
}

// Journal returns the session journal repository.
func (s *Store) Journal() *Journal {
	return s.journal
}
