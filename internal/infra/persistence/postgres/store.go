package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tokencart/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed gateway and mutation journal over one pool.
type Store struct {
	*persistence.Store
	gateway *Gateway
	journal *JournalStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:   persistence.NewStore(pool),
		gateway: NewGateway(pool),
		journal: NewJournalStore(pool),
	}
}

// Gateway returns the authoritative catalog, ledger and selections gateway.
func (s *Store) Gateway() *Gateway {
	return s.gateway
}

// Journal returns the pending-mutation journal.
func (s *Store) Journal() *JournalStore {
	return s.journal
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ledgerTx is used by ledger writes. Balance guards live in the UPDATE
// predicates.
var ledgerTx = pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}

// withTransaction runs fn in a transaction that commits when fn returns nil.
func withTransaction(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	if pool == nil {
		return errors.New("postgres: nil pool")
	}
	err := pgx.BeginTxFunc(ctx, pool, ledgerTx, fn)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("ledger serialization conflict: %w", err)
	}
	return err
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
