// Package wishlist implements a session's saved-product list.
package wishlist

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/app/catalog"
	"github.com/coachpo/tokencart/internal/app/syncer"
	"github.com/coachpo/tokencart/internal/domain/schema"
)

const component = "wishlist"

// Resolver joins product ids with cached snapshots.
type Resolver interface {
	Resolve(ctx context.Context, productIDs []string) []catalog.Resolved
}

// Syncer queues durability writes.
type Syncer interface {
	Submit(m syncer.Mutation) (syncer.MutationID, error)
}

// Item is a wishlist entry joined with its product snapshot. Stale marks a
// snapshot that could not be refreshed in time.
type Item struct {
	schema.WishlistEntry
	Product schema.ProductSnapshot `json:"product"`
	Stale   bool                   `json:"stale"`
}

// Option configures the store.
type Option func(*Store)

// WithStrictRemove makes Remove report a missing entry as CodeNotFound.
func WithStrictRemove(strict bool) Option {
	return func(s *Store) {
		s.strictRemove = strict
	}
}

// WithClock overrides the time source used for AddedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type entry struct {
	schema.WishlistEntry
	seq uint64
}

// Store holds one user's wishlist entries, unique per product.
type Store struct {
	userID       string
	resolver     Resolver
	sync         Syncer
	strictRemove bool
	now          func() time.Time
	logger       *log.Logger

	mu       sync.RWMutex
	entries  map[string]entry
	versions map[string]uint64
	version  uint64
	seq      uint64
}

// New constructs an empty wishlist for userID.
func New(userID string, resolver Resolver, writes Syncer, opts ...Option) (*Store, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if resolver == nil || writes == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("resolver and syncer required"))
	}
	s := &Store{
		userID:   userID,
		resolver: resolver,
		sync:     writes,
		now:      time.Now,
		logger:   log.New(os.Stdout, "wishlist ", log.LstdFlags|log.Lmicroseconds),
		entries:  make(map[string]entry),
		versions: make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Add saves a product. Adding a saved product is a no-op and returns an empty
// mutation id.
func (s *Store) Add(ctx context.Context, productID string) (syncer.MutationID, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("product id required"), errs.WithUser(s.userID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[productID]; ok {
		return "", nil
	}
	s.seq++
	e := entry{
		WishlistEntry: schema.WishlistEntry{UserID: s.userID, ProductID: productID, AddedAt: s.now()},
		seq:           s.seq,
	}
	s.entries[productID] = e
	version := s.bumpLocked(productID)

	id, err := s.sync.Submit(syncer.Mutation{
		Kind:      schema.MutationWishlistUpsert,
		UserID:    s.userID,
		ProductID: productID,
		AddedAt:   e.AddedAt,
		Revert: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.versions[productID] != version {
				return false
			}
			delete(s.entries, productID)
			s.bumpLocked(productID)
			return true
		},
	})
	if err != nil {
		delete(s.entries, productID)
		return "", err
	}
	return id, nil
}

// Remove deletes a saved product. A missing entry is a no-op unless strict
// removal is configured.
func (s *Store) Remove(ctx context.Context, productID string) (syncer.MutationID, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("product id required"), errs.WithUser(s.userID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed, ok := s.entries[productID]
	if !ok {
		if s.strictRemove {
			return "", errs.New(component, errs.CodeNotFound, errs.WithMessage("not in wishlist"), errs.WithProduct(productID), errs.WithUser(s.userID))
		}
		return "", nil
	}
	delete(s.entries, productID)
	version := s.bumpLocked(productID)

	id, err := s.sync.Submit(syncer.Mutation{
		Kind:      schema.MutationWishlistDelete,
		UserID:    s.userID,
		ProductID: productID,
		Revert: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.versions[productID] != version {
				return false
			}
			s.entries[productID] = removed
			s.bumpLocked(productID)
			return true
		},
	})
	if err != nil {
		s.entries[productID] = removed
		return "", err
	}
	return id, nil
}

// Contains reports whether the product is saved.
func (s *Store) Contains(productID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[productID]
	return ok
}

// Len returns the number of saved products.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns the saved entries ordered by AddedAt.
func (s *Store) Entries() []schema.WishlistEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sorted := s.sortedLocked()
	out := make([]schema.WishlistEntry, len(sorted))
	for i, e := range sorted {
		out[i] = e.WishlistEntry
	}
	return out
}

// ProductIDs returns the saved product ids ordered by AddedAt.
func (s *Store) ProductIDs() []string {
	entries := s.Entries()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ProductID
	}
	return ids
}

// List returns the entries joined with their snapshots.
func (s *Store) List(ctx context.Context) []Item {
	entries := s.Entries()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ProductID
	}
	resolved := s.resolver.Resolve(ctx, ids)
	items := make([]Item, len(entries))
	for i, e := range entries {
		items[i] = Item{WishlistEntry: e}
		if i < len(resolved) {
			items[i].Product = resolved[i].Snapshot
			items[i].Stale = resolved[i].Stale
		}
	}
	return items
}

func (s *Store) bumpLocked(productID string) uint64 {
	s.version++
	s.versions[productID] = s.version
	return s.version
}

func (s *Store) sortedLocked() []entry {
	out := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}
