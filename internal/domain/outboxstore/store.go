// Package outboxstore defines persistence contracts for the pending-mutation journal.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Entry describes a durability write that has been applied optimistically and
// not yet acknowledged by the gateway.
type Entry struct {
	MutationID string
	Aggregate  string
	Kind       string
	UserID     string
	ProductID  string
	Payload    json.RawMessage
}

// Record captures the persisted state of a journal entry.
type Record struct {
	ID          int64
	MutationID  string
	Aggregate   string
	Kind        string
	UserID      string
	ProductID   string
	Payload     json.RawMessage
	Attempts    int
	LastError   string
	Delivered   bool
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the journal.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) (Record, error)
	ListPending(ctx context.Context, userID string, limit int) ([]Record, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
	// PurgeDelivered removes delivered rows acknowledged before the cutoff and
	// returns how many were removed.
	PurgeDelivered(ctx context.Context, before time.Time) (int, error)
}
