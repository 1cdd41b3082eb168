package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tokencart/internal/domain/outboxstore"
)

const defaultJournalLimit = 128

var journalIndex = []byte("mutation_ids")

// Enqueue implements outboxstore.Store. Re-enqueueing a mutation id returns
// the existing record.
func (s *Store) Enqueue(ctx context.Context, entry outboxstore.Entry) (outboxstore.Record, error) {
	if err := ctxErr(ctx, "journal enqueue"); err != nil {
		return outboxstore.Record{}, err
	}
	mutationID := strings.TrimSpace(entry.MutationID)
	if mutationID == "" {
		return outboxstore.Record{}, fmt.Errorf("journal store: mutation id required")
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var record outboxstore.Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		index, err := b.CreateBucketIfNotExists(journalIndex)
		if err != nil {
			return err
		}
		if existing := index.Get([]byte(mutationID)); existing != nil {
			return json.Unmarshal(b.Get(existing), &record)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		record = outboxstore.Record{
			ID:         int64(seq),
			MutationID: mutationID,
			Aggregate:  entry.Aggregate,
			Kind:       entry.Kind,
			UserID:     entry.UserID,
			ProductID:  entry.ProductID,
			Payload:    payload,
			CreatedAt:  time.Now().UTC(),
		}
		key := journalKey(record.ID)
		if err := index.Put([]byte(mutationID), key); err != nil {
			return err
		}
		return putJournal(b, record)
	})
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("journal store: enqueue: %w", err)
	}
	return record, nil
}

// ListPending implements outboxstore.Store. An empty userID lists every user.
func (s *Store) ListPending(ctx context.Context, userID string, limit int) ([]outboxstore.Record, error) {
	if err := ctxErr(ctx, "journal list"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	userID = strings.TrimSpace(userID)
	var records []outboxstore.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJournal).Cursor()
		for k, v := c.First(); k != nil && len(records) < limit; k, v = c.Next() {
			if v == nil {
				continue
			}
			var rec outboxstore.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Delivered || (userID != "" && rec.UserID != userID) {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal store: list pending: %w", err)
	}
	return records, nil
}

// MarkDelivered implements outboxstore.Store.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	return s.modifyJournal(ctx, "mark delivered", id, func(rec *outboxstore.Record) {
		now := time.Now().UTC()
		rec.Delivered = true
		rec.DeliveredAt = &now
		rec.Attempts++
	})
}

// MarkFailed implements outboxstore.Store.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.modifyJournal(ctx, "mark failed", id, func(rec *outboxstore.Record) {
		rec.Attempts++
		rec.LastError = strings.TrimSpace(lastError)
	})
}

// Delete implements outboxstore.Store.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := ctxErr(ctx, "journal delete"); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		key := journalKey(id)
		raw := b.Get(key)
		if raw == nil {
			return fmt.Errorf("no rows affected")
		}
		var rec outboxstore.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if index := b.Bucket(journalIndex); index != nil {
			if err := index.Delete([]byte(rec.MutationID)); err != nil {
				return err
			}
		}
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("journal store: delete: %w", err)
	}
	return nil
}

// PurgeDelivered implements outboxstore.Store.
func (s *Store) PurgeDelivered(ctx context.Context, before time.Time) (int, error) {
	if err := ctxErr(ctx, "journal purge"); err != nil {
		return 0, err
	}
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		index := b.Bucket(journalIndex)
		var stale []outboxstore.Record
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v == nil {
				continue
			}
			var rec outboxstore.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Delivered && rec.DeliveredAt != nil && rec.DeliveredAt.Before(before) {
				stale = append(stale, rec)
			}
		}
		for _, rec := range stale {
			if index != nil {
				if err := index.Delete([]byte(rec.MutationID)); err != nil {
					return err
				}
			}
			if err := b.Delete(journalKey(rec.ID)); err != nil {
				return err
			}
		}
		purged = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal store: purge delivered: %w", err)
	}
	return purged, nil
}

func (s *Store) modifyJournal(ctx context.Context, op string, id int64, fn func(*outboxstore.Record)) error {
	if err := ctxErr(ctx, "journal "+op); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		raw := b.Get(journalKey(id))
		if raw == nil {
			return fmt.Errorf("no rows affected")
		}
		var rec outboxstore.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		fn(&rec)
		return putJournal(b, rec)
	})
	if err != nil {
		return fmt.Errorf("journal store: %s: %w", op, err)
	}
	return nil
}

func putJournal(b *bolt.Bucket, rec outboxstore.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(journalKey(rec.ID), data)
}

// journalKey encodes ids big-endian so cursor order matches enqueue order.
func journalKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

var _ outboxstore.Store = (*Store)(nil)
