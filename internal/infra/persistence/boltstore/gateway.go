// Package boltstore implements the persistence gateway and mutation journal on
// an embedded BoltDB file. Every write runs in a single bolt transaction, so
// ledger replays and selection upserts are idempotent without an external database.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
)

const component = "gateway/bolt"

var (
	bucketProducts = []byte("products")
	bucketSlugs    = []byte("product_slugs")
	bucketBalances = []byte("token_balances")
	bucketLedger   = []byte("token_ledger")
	bucketCart     = []byte("cart_lines")
	bucketWishlist = []byte("wishlist_entries")
	bucketJournal  = []byte("mutation_journal")

	allBuckets = [][]byte{bucketProducts, bucketSlugs, bucketBalances, bucketLedger, bucketCart, bucketWishlist, bucketJournal}
)

type ledgerRecord struct {
	UserID    string    `json:"userId"`
	Direction string    `json:"direction"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

type wishlistRecord struct {
	AddedAt time.Time `json:"addedAt"`
}

// Store wraps a BoltDB file and serves gateway.Gateway and outboxstore.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures every bucket exists.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("bolt path required"))
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertProduct inserts or replaces a catalog row.
func (s *Store) UpsertProduct(ctx context.Context, rec gateway.ProductRecord) error {
	if err := ctxErr(ctx, "upsert product"); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("product id required"))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode product: %w", err)
	}
	return s.update("upsert product", func(tx *bolt.Tx) error {
		products := tx.Bucket(bucketProducts)
		slugs := tx.Bucket(bucketSlugs)
		if prev := products.Get([]byte(rec.ID)); prev != nil {
			var old gateway.ProductRecord
			if err := json.Unmarshal(prev, &old); err == nil && old.Slug != "" {
				if err := slugs.Delete([]byte(old.Slug)); err != nil {
					return err
				}
			}
		}
		if slug := strings.TrimSpace(rec.Slug); slug != "" {
			if err := slugs.Put([]byte(slug), []byte(rec.ID)); err != nil {
				return err
			}
		}
		return products.Put([]byte(rec.ID), data)
	})
}

// SetBalance overwrites a user's token balance.
func (s *Store) SetBalance(ctx context.Context, userID string, balance int64) error {
	if err := ctxErr(ctx, "set balance"); err != nil {
		return err
	}
	if balance < 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("balance must be >= 0"), errs.WithUser(userID))
	}
	return s.update("set balance", func(tx *bolt.Tx) error {
		return putBalance(tx, userID, balance)
	})
}

// GetProduct implements gateway.Catalog.
func (s *Store) GetProduct(ctx context.Context, productID string) (gateway.ProductRecord, error) {
	if err := ctxErr(ctx, "get product"); err != nil {
		return gateway.ProductRecord{}, err
	}
	key := strings.TrimSpace(productID)
	var rec gateway.ProductRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProducts).Get([]byte(key))
		if raw == nil {
			if id := tx.Bucket(bucketSlugs).Get([]byte(key)); id != nil {
				raw = tx.Bucket(bucketProducts).Get(id)
			}
		}
		if raw == nil {
			return notFound(productID)
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return gateway.ProductRecord{}, wrap("get product", err)
	}
	return rec, nil
}

// GetStock implements gateway.Catalog.
func (s *Store) GetStock(ctx context.Context, productID string) (gateway.Stock, error) {
	if err := ctxErr(ctx, "get stock"); err != nil {
		return gateway.Stock{}, err
	}
	var rec gateway.ProductRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProducts).Get([]byte(productID))
		if raw == nil {
			return notFound(productID)
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return gateway.Stock{}, wrap("get stock", err)
	}
	return gateway.Stock{StockAvailable: rec.StockAvailable, PriceTokens: rec.PriceTokens}, nil
}

// GetBalance implements gateway.Ledger. Unknown users hold zero tokens.
func (s *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := ctxErr(ctx, "get balance"); err != nil {
		return 0, err
	}
	var balance int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		balance, err = readBalance(tx, userID)
		return err
	})
	if err != nil {
		return 0, wrap("get balance", err)
	}
	return balance, nil
}

// DebitTokens implements gateway.Ledger.
func (s *Store) DebitTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error {
	return s.applyLedger(ctx, userID, amount, idempotencyKey, "debit")
}

// CreditTokens implements gateway.Ledger.
func (s *Store) CreditTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error {
	return s.applyLedger(ctx, userID, amount, idempotencyKey, "credit")
}

func (s *Store) applyLedger(ctx context.Context, userID string, amount int64, key, direction string) error {
	if err := ctxErr(ctx, direction); err != nil {
		return err
	}
	if amount < 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("amount must be >= 0"), errs.WithUser(userID))
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("idempotency key required"), errs.WithUser(userID))
	}
	return s.update(direction, func(tx *bolt.Tx) error {
		ledger := tx.Bucket(bucketLedger)
		if existing := ledger.Get([]byte(key)); existing != nil {
			var prev ledgerRecord
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			if prev.UserID != userID || prev.Direction != direction || prev.Amount != amount {
				return errs.New(component, errs.CodeConflict,
					errs.WithMessage("idempotency key reused with different payload"), errs.WithField("idempotency_key", key))
			}
			return nil
		}
		balance, err := readBalance(tx, userID)
		if err != nil {
			return err
		}
		if direction == "debit" {
			if balance < amount {
				return errs.New(component, errs.CodeInsufficientTokens,
					errs.WithMessage(fmt.Sprintf("balance %d below debit %d", balance, amount)), errs.WithUser(userID))
			}
			balance -= amount
		} else {
			balance += amount
		}
		if err := putBalance(tx, userID, balance); err != nil {
			return err
		}
		data, err := json.Marshal(ledgerRecord{UserID: userID, Direction: direction, Amount: amount, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return ledger.Put([]byte(key), data)
	})
}

// UpsertCartLine implements gateway.Selections.
func (s *Store) UpsertCartLine(ctx context.Context, row gateway.CartLineRow) error {
	if err := ctxErr(ctx, "upsert cart line"); err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode cart line: %w", err)
	}
	return s.update("upsert cart line", func(tx *bolt.Tx) error {
		if tx.Bucket(bucketProducts).Get([]byte(row.ProductID)) == nil {
			return notFound(row.ProductID)
		}
		return tx.Bucket(bucketCart).Put(selectionKey(row.UserID, row.ProductID), data)
	})
}

// DeleteCartLine implements gateway.Selections. Deleting a missing line is a no-op.
func (s *Store) DeleteCartLine(ctx context.Context, userID, productID string) error {
	if err := ctxErr(ctx, "delete cart line"); err != nil {
		return err
	}
	return s.update("delete cart line", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCart).Delete(selectionKey(userID, productID))
	})
}

// UpsertWishlistEntry implements gateway.Selections. The first AddedAt is kept.
func (s *Store) UpsertWishlistEntry(ctx context.Context, userID, productID string, addedAt time.Time) error {
	if err := ctxErr(ctx, "upsert wishlist entry"); err != nil {
		return err
	}
	data, err := json.Marshal(wishlistRecord{AddedAt: addedAt.UTC()})
	if err != nil {
		return fmt.Errorf("encode wishlist entry: %w", err)
	}
	return s.update("upsert wishlist entry", func(tx *bolt.Tx) error {
		if tx.Bucket(bucketProducts).Get([]byte(productID)) == nil {
			return notFound(productID)
		}
		b := tx.Bucket(bucketWishlist)
		key := selectionKey(userID, productID)
		if b.Get(key) != nil {
			return nil
		}
		return b.Put(key, data)
	})
}

// DeleteWishlistEntry implements gateway.Selections.
func (s *Store) DeleteWishlistEntry(ctx context.Context, userID, productID string) error {
	if err := ctxErr(ctx, "delete wishlist entry"); err != nil {
		return err
	}
	return s.update("delete wishlist entry", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWishlist).Delete(selectionKey(userID, productID))
	})
}

// CartLines returns the persisted cart rows for a user in product id order.
func (s *Store) CartLines(userID string) ([]gateway.CartLineRow, error) {
	var rows []gateway.CartLineRow
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCart).Cursor()
		prefix := userPrefix(userID)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var row gateway.CartLineRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list cart lines", err)
	}
	return rows, nil
}

// WishlistEntries returns the persisted wishlist product ids and AddedAt values for a user.
func (s *Store) WishlistEntries(userID string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWishlist).Cursor()
		prefix := userPrefix(userID)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rec wishlistRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[string(k[len(prefix):])] = rec.AddedAt
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list wishlist entries", err)
	}
	return out, nil
}

func (s *Store) update(op string, fn func(*bolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		return wrap(op, err)
	}
	return nil
}

func readBalance(tx *bolt.Tx, userID string) (int64, error) {
	raw := tx.Bucket(bucketBalances).Get([]byte(userID))
	if raw == nil {
		return 0, nil
	}
	var balance int64
	if err := json.Unmarshal(raw, &balance); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	return balance, nil
}

func putBalance(tx *bolt.Tx, userID string, balance int64) error {
	data, err := json.Marshal(balance)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketBalances).Put([]byte(userID), data)
}

func userPrefix(userID string) []byte {
	return []byte(userID + "\x00")
}

func selectionKey(userID, productID string) []byte {
	return append(userPrefix(userID), productID...)
}

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage(op), errs.WithCause(err))
	}
	return nil
}

// wrap keeps domain envelopes and classifies bolt failures as unavailable.
func wrap(op string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	return errs.New(component, errs.CodeUnavailable, errs.WithMessage(op), errs.WithCause(err))
}

func notFound(productID string) error {
	return errs.New(component, errs.CodeNotFound, errs.WithMessage("product not found"), errs.WithProduct(productID))
}

var _ gateway.Gateway = (*Store)(nil)
