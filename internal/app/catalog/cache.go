// Package catalog provides the read-through ProductSnapshot cache shared by
// cart and wishlist sessions.
package catalog

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/schema"
	"github.com/coachpo/tokencart/internal/infra/telemetry"
)

const (
	defaultTTL            = time.Minute
	defaultResolveTimeout = 250 * time.Millisecond
	defaultResolveWorkers = 8

	outcomeHit   = "hit"
	outcomeMiss  = "miss"
	outcomeStale = "stale"
)

// Fetcher loads authoritative product rows.
type Fetcher interface {
	GetProduct(ctx context.Context, productID string) (gateway.ProductRecord, error)
}

// Resolved is a snapshot returned by Resolve. Stale marks a snapshot that could
// not be refreshed in time and may be outdated or empty.
type Resolved struct {
	Snapshot schema.ProductSnapshot
	Stale    bool
}

// Option configures the cache.
type Option func(*Cache)

// WithTTL sets how long a fetched snapshot is served without refreshing.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithResolveTimeout bounds how long Resolve waits on a single miss.
func WithResolveTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		if timeout > 0 {
			c.resolveTimeout = timeout
		}
	}
}

// WithResolveWorkers caps concurrent fetches issued by Resolve.
func WithResolveWorkers(workers int) Option {
	return func(c *Cache) {
		if workers > 0 {
			c.resolveWorkers = workers
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache is a read-through cache of product snapshots. Writes are
// last-writer-wins by FetchedAt: a response older than the cached entry is discarded.
type Cache struct {
	fetcher        Fetcher
	ttl            time.Duration
	resolveTimeout time.Duration
	resolveWorkers int
	now            func() time.Time
	logger         *log.Logger

	mu      sync.RWMutex
	entries map[string]schema.ProductSnapshot

	lookups   metric.Int64Counter
	discarded metric.Int64Counter
}

// New constructs a cache in front of the provided fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:        fetcher,
		ttl:            defaultTTL,
		resolveTimeout: defaultResolveTimeout,
		resolveWorkers: defaultResolveWorkers,
		now:            time.Now,
		logger:         log.New(os.Stdout, "catalog ", log.LstdFlags|log.Lmicroseconds),
		entries:        make(map[string]schema.ProductSnapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	meter := otel.Meter("catalog")
	c.lookups, _ = meter.Int64Counter("catalog.lookups",
		metric.WithDescription("Snapshot cache lookups by outcome"),
		metric.WithUnit("{lookup}"))
	c.discarded, _ = meter.Int64Counter("catalog.discarded",
		metric.WithDescription("Snapshot refreshes discarded because a newer entry was cached"),
		metric.WithUnit("{snapshot}"))
	return c
}

// Get returns a fresh snapshot, fetching it on a miss or after the TTL lapsed.
func (c *Cache) Get(ctx context.Context, productID string) (schema.ProductSnapshot, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return schema.ProductSnapshot{}, errs.New("catalog", errs.CodeInvalid, errs.WithMessage("product id required"))
	}
	if snap, fresh, ok := c.Peek(id); ok && fresh {
		c.record(ctx, outcomeHit)
		return snap, nil
	}
	c.record(ctx, outcomeMiss)
	return c.Refresh(ctx, id)
}

// Refresh fetches the authoritative row and stores it. The returned snapshot is
// whatever the cache holds afterwards, which may be a newer concurrent refresh.
// Unknown products are evicted.
func (c *Cache) Refresh(ctx context.Context, productID string) (schema.ProductSnapshot, error) {
	if c.fetcher == nil {
		return schema.ProductSnapshot{}, errs.New("catalog", errs.CodeUnavailable, errs.WithMessage("fetcher not configured"))
	}
	// Stamp with the request time so a slow, older response loses to a newer one.
	issuedAt := c.now()
	rec, err := c.fetcher.GetProduct(ctx, productID)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			c.Invalidate(productID)
		}
		return schema.ProductSnapshot{}, fmt.Errorf("refresh %s: %w", productID, err)
	}
	snap := FromRecord(rec, issuedAt)
	if !c.Store(snap) {
		c.logger.Printf("discarded stale refresh: product=%s fetched_at=%s", snap.ProductID, issuedAt.Format(time.RFC3339Nano))
	}
	current, _, ok := c.Peek(snap.ProductID)
	if !ok {
		return snap, nil
	}
	return current, nil
}

// Store records a snapshot unless the cache already holds a newer one.
func (c *Cache) Store(snap schema.ProductSnapshot) bool {
	if err := snap.Validate(); err != nil {
		c.logger.Printf("rejecting invalid snapshot: %v", err)
		return false
	}
	c.mu.Lock()
	current, ok := c.entries[snap.ProductID]
	if ok && current.NewerThan(snap) {
		c.mu.Unlock()
		if c.discarded != nil {
			c.discarded.Add(context.Background(), 1)
		}
		return false
	}
	c.entries[snap.ProductID] = snap
	c.mu.Unlock()
	return true
}

// Peek returns the cached snapshot without fetching.
func (c *Cache) Peek(productID string) (snap schema.ProductSnapshot, fresh bool, ok bool) {
	c.mu.RLock()
	snap, ok = c.entries[productID]
	c.mu.RUnlock()
	if !ok {
		return schema.ProductSnapshot{}, false, false
	}
	return snap, c.now().Sub(snap.FetchedAt) < c.ttl, true
}

// Invalidate drops the cached snapshot.
func (c *Cache) Invalidate(productID string) {
	c.mu.Lock()
	delete(c.entries, productID)
	c.mu.Unlock()
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Resolve returns one entry per id, in order. Fresh entries are served from the
// cache; misses are fetched concurrently, each bounded by the resolve timeout.
// A miss that cannot be resolved yields the last known snapshot (or an empty
// one carrying only the id) marked Stale.
func (c *Cache) Resolve(ctx context.Context, productIDs []string) []Resolved {
	out := make([]Resolved, len(productIDs))
	p := concpool.New().WithMaxGoroutines(c.resolveWorkers)
	for i, id := range productIDs {
		if snap, fresh, ok := c.Peek(id); ok && fresh {
			c.record(ctx, outcomeHit)
			out[i] = Resolved{Snapshot: snap}
			continue
		}
		idx, productID := i, id
		p.Go(func() {
			fetchCtx, cancel := context.WithTimeout(ctx, c.resolveTimeout)
			defer cancel()
			snap, err := c.Refresh(fetchCtx, productID)
			if err == nil {
				c.record(ctx, outcomeMiss)
				out[idx] = Resolved{Snapshot: snap}
				return
			}
			c.record(ctx, outcomeStale)
			c.logger.Printf("serving stale snapshot: product=%s err=%v", productID, err)
			last, _, ok := c.Peek(productID)
			if !ok {
				last = schema.ProductSnapshot{ProductID: productID}
			}
			out[idx] = Resolved{Snapshot: last, Stale: true}
		})
	}
	p.Wait()
	return out
}

func (c *Cache) record(ctx context.Context, outcome string) {
	if c.lookups == nil {
		return
	}
	c.lookups.Add(ctx, 1, metric.WithAttributes(telemetry.CacheAttributes(outcome)...))
}

// FromRecord converts an authoritative row into a snapshot stamped at fetchedAt.
func FromRecord(rec gateway.ProductRecord, fetchedAt time.Time) schema.ProductSnapshot {
	return schema.ProductSnapshot{
		ProductID:      rec.ID,
		Name:           rec.Name,
		PriceTokens:    rec.PriceTokens,
		Image:          rec.Image,
		Category:       rec.Category,
		StockAvailable: rec.StockAvailable,
		FetchedAt:      fetchedAt,
	}
}
