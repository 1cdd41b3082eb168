package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tokencart/internal/domain/outboxstore"
)

// JournalStore persists optimistic writes that the gateway has not acknowledged yet.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore constructs a JournalStore backed by the provided pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

const (
	defaultJournalLimit = 128
	maxJournalLimit     = 1024
)

const (
	journalColumns = `
    id,
    mutation_id,
    aggregate,
    kind,
    user_id,
    product_id,
    payload,
    attempts,
    last_error,
    delivered,
    delivered_at,
    created_at`

	// Re-enqueueing a mutation id returns the existing row.
	journalInsertSQL = `
INSERT INTO mutation_journal (
    mutation_id,
    aggregate,
    kind,
    user_id,
    product_id,
    payload
)
VALUES ($1, $2, $3, $4, $5, COALESCE($6::jsonb, '{}'::jsonb))
ON CONFLICT (mutation_id) DO UPDATE
SET mutation_id = EXCLUDED.mutation_id
RETURNING` + journalColumns + `;
`

	journalListPendingSQL = `
SELECT` + journalColumns + `
FROM mutation_journal
WHERE delivered = FALSE
  AND ($1 = '' OR user_id = $1)
ORDER BY id ASC
LIMIT $2;
`

	journalMarkDeliveredSQL = `
UPDATE mutation_journal
SET delivered = TRUE,
    delivered_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	journalMarkFailedSQL = `
UPDATE mutation_journal
SET attempts = attempts + 1,
    last_error = $2
WHERE id = $1;
`

	journalDeleteSQL = `
DELETE FROM mutation_journal
WHERE id = $1;
`

	journalPurgeDeliveredSQL = `
DELETE FROM mutation_journal
WHERE delivered = TRUE
  AND delivered_at < $1;
`
)

// Enqueue records a new pending mutation.
func (s *JournalStore) Enqueue(ctx context.Context, entry outboxstore.Entry) (outboxstore.Record, error) {
	if s.pool == nil {
		return outboxstore.Record{}, fmt.Errorf("journal store: nil pool")
	}
	mutationID := strings.TrimSpace(entry.MutationID)
	if mutationID == "" {
		return outboxstore.Record{}, fmt.Errorf("journal store: mutation id required")
	}
	aggregate := strings.TrimSpace(entry.Aggregate)
	if aggregate == "" {
		return outboxstore.Record{}, fmt.Errorf("journal store: aggregate required")
	}
	kind := strings.TrimSpace(entry.Kind)
	if kind == "" {
		return outboxstore.Record{}, fmt.Errorf("journal store: kind required")
	}
	var payload []byte
	if len(entry.Payload) > 0 {
		payload = entry.Payload
	}
	row := s.pool.QueryRow(ctx, journalInsertSQL, mutationID, aggregate, kind, entry.UserID, entry.ProductID, payload)
	return scanJournalRecord(row)
}

// ListPending returns undelivered mutations in enqueue order. An empty userID
// lists every user.
func (s *JournalStore) ListPending(ctx context.Context, userID string, limit int) ([]outboxstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	limit = clampLimit(limit, defaultJournalLimit, maxJournalLimit)
	rows, err := s.pool.Query(ctx, journalListPendingSQL, strings.TrimSpace(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("journal store: list pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.Record
	for rows.Next() {
		record, err := scanJournalRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkDelivered flags a mutation as acknowledged by the gateway.
func (s *JournalStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.update(ctx, "mark delivered", journalMarkDeliveredSQL, id)
}

// MarkFailed records a failed delivery attempt.
func (s *JournalStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.update(ctx, "mark failed", journalMarkFailedSQL, id, strings.TrimSpace(lastError))
}

// Delete removes a journal entry, typically after its mutation was reverted.
func (s *JournalStore) Delete(ctx context.Context, id int64) error {
	return s.update(ctx, "delete", journalDeleteSQL, id)
}

// PurgeDelivered removes delivered rows acknowledged before the cutoff.
func (s *JournalStore) PurgeDelivered(ctx context.Context, before time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("journal store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, journalPurgeDeliveredSQL, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("journal store: purge delivered: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JournalStore) update(ctx context.Context, op, sql string, args ...any) error {
	if s.pool == nil {
		return fmt.Errorf("journal store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("journal store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journal store: %s: no rows affected", op)
	}
	return nil
}

func scanJournalRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		record      outboxstore.Record
		payload     []byte
		lastError   pgtype.Text
		deliveredAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.MutationID,
		&record.Aggregate,
		&record.Kind,
		&record.UserID,
		&record.ProductID,
		&payload,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&deliveredAt,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.Record{}, fmt.Errorf("journal store: scan record: %w", err)
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		record.DeliveredAt = &t
	}
	if len(payload) > 0 {
		record.Payload = payload
	}
	return record, nil
}

var _ outboxstore.Store = (*JournalStore)(nil)
