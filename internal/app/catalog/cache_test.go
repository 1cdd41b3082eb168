package catalog

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/schema"
	"github.com/coachpo/tokencart/internal/infra/persistence/memory"
	"github.com/coachpo/tokencart/internal/testutil"
)

func newTestCache(t *testing.T, gw Fetcher, clock *testutil.FakeClock, opts ...Option) *Cache {
	t.Helper()
	base := []Option{
		WithClock(clock.Now),
		WithTTL(time.Minute),
		WithLogger(log.New(io.Discard, "", 0)),
	}
	return New(gw, append(base, opts...)...)
}

func seededGateway() *memory.Gateway {
	gw := memory.New()
	gw.PutProduct(gateway.ProductRecord{ID: "track-1", Slug: "first-light", Name: "First Light", PriceTokens: 40, StockAvailable: 3, Category: "album"})
	gw.PutProduct(gateway.ProductRecord{ID: "track-2", Name: "Second Wind", PriceTokens: 15, StockAvailable: 0})
	return gw
}

func TestGetReadsThroughAndServesHits(t *testing.T) {
	gw := seededGateway()
	clock := testutil.NewFakeClock(time.Time{})
	cache := newTestCache(t, gw, clock)

	snap, err := cache.Get(context.Background(), "track-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Name != "First Light" || snap.PriceTokens != 40 || snap.StockAvailable != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.FetchedAt.Equal(clock.Now()) {
		t.Fatalf("expected fetched_at stamped from clock, got %s", snap.FetchedAt)
	}
	if _, err := cache.Get(context.Background(), "track-1"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if calls := gw.Calls("GetProduct"); calls != 1 {
		t.Fatalf("expected one fetch for cached hit, got %d", calls)
	}
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	gw := seededGateway()
	clock := testutil.NewFakeClock(time.Time{})
	cache := newTestCache(t, gw, clock)

	if _, err := cache.Get(context.Background(), "track-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	gw.SetStock("track-1", 1)
	clock.Advance(2 * time.Minute)

	snap, err := cache.Get(context.Background(), "track-1")
	if err != nil {
		t.Fatalf("get after ttl: %v", err)
	}
	if snap.StockAvailable != 1 {
		t.Fatalf("expected refreshed stock 1, got %d", snap.StockAvailable)
	}
	if calls := gw.Calls("GetProduct"); calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls)
	}
}

func TestStoreDiscardsOlderSnapshot(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	cache := newTestCache(t, seededGateway(), clock)
	now := clock.Now()

	newer := schema.ProductSnapshot{ProductID: "track-1", PriceTokens: 50, FetchedAt: now}
	older := schema.ProductSnapshot{ProductID: "track-1", PriceTokens: 40, FetchedAt: now.Add(-time.Second)}

	if !cache.Store(newer) {
		t.Fatalf("expected first store to be accepted")
	}
	if cache.Store(older) {
		t.Fatalf("expected older snapshot to be discarded")
	}
	snap, _, ok := cache.Peek("track-1")
	if !ok || snap.PriceTokens != 50 {
		t.Fatalf("expected newer snapshot to remain, got %+v", snap)
	}
}

func TestStoreRejectsInvalidSnapshot(t *testing.T) {
	cache := newTestCache(t, seededGateway(), testutil.NewFakeClock(time.Time{}))
	if cache.Store(schema.ProductSnapshot{ProductID: "x", PriceTokens: -1}) {
		t.Fatalf("expected negative price to be rejected")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache")
	}
}

func TestRefreshEvictsDeletedProduct(t *testing.T) {
	gw := seededGateway()
	clock := testutil.NewFakeClock(time.Time{})
	cache := newTestCache(t, gw, clock)

	if _, err := cache.Get(context.Background(), "track-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	gw.DeleteProduct("track-1")
	_, err := cache.Refresh(context.Background(), "track-1")
	if !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if _, _, ok := cache.Peek("track-1"); ok {
		t.Fatalf("expected deleted product to be evicted")
	}
}

func TestResolveMarksUnresolvableMissesStale(t *testing.T) {
	gw := seededGateway()
	clock := testutil.NewFakeClock(time.Time{})
	cache := newTestCache(t, gw, clock)

	if _, err := cache.Get(context.Background(), "track-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	clock.Advance(5 * time.Minute)
	gw.SetUnavailable(true)

	got := cache.Resolve(context.Background(), []string{"track-1", "track-2"})
	if len(got) != 2 {
		t.Fatalf("expected two results, got %d", len(got))
	}
	if !got[0].Stale || got[0].Snapshot.Name != "First Light" {
		t.Fatalf("expected stale cached snapshot for track-1, got %+v", got[0])
	}
	if !got[1].Stale || got[1].Snapshot.ProductID != "track-2" || got[1].Snapshot.Name != "" {
		t.Fatalf("expected empty stale snapshot for track-2, got %+v", got[1])
	}
}

func TestResolveKeepsOrderAndFetchesMisses(t *testing.T) {
	gw := seededGateway()
	cache := newTestCache(t, gw, testutil.NewFakeClock(time.Time{}))

	got := cache.Resolve(context.Background(), []string{"track-2", "track-1"})
	if got[0].Snapshot.ProductID != "track-2" || got[1].Snapshot.ProductID != "track-1" {
		t.Fatalf("expected input order preserved, got %+v", got)
	}
	for _, r := range got {
		if r.Stale {
			t.Fatalf("expected fresh resolution, got stale %+v", r)
		}
	}
}

type slowFetcher struct {
	entered chan struct{}
	release chan struct{}
	price   int64
}

func (f *slowFetcher) GetProduct(ctx context.Context, id string) (gateway.ProductRecord, error) {
	close(f.entered)
	<-f.release
	return gateway.ProductRecord{ID: id, PriceTokens: f.price}, nil
}

func TestRefreshLastWriterWinsByRequestTime(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	fetcher := &slowFetcher{entered: make(chan struct{}), release: make(chan struct{}), price: 10}
	cache := newTestCache(t, fetcher, clock)

	done := make(chan schema.ProductSnapshot)
	go func() {
		snap, _ := cache.Refresh(context.Background(), "track-9")
		done <- snap
	}()

	// A newer response lands while the first request is still in flight.
	select {
	case <-fetcher.entered:
	case <-time.After(time.Second):
		t.Fatal("refresh did not start")
	}
	clock.Advance(time.Second)
	cache.Store(schema.ProductSnapshot{ProductID: "track-9", PriceTokens: 99, FetchedAt: clock.Now()})

	close(fetcher.release)
	snap := <-done
	if snap.PriceTokens != 99 {
		t.Fatalf("expected newer cached snapshot to win, got %+v", snap)
	}
}
