package syncer

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/app/catalog"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/outboxstore"
	"github.com/coachpo/tokencart/internal/domain/schema"
	"github.com/coachpo/tokencart/internal/infra/persistence/memory"
)

func testConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func startCoordinator(t *testing.T, gw Gateway, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{WithLogger(log.New(io.Discard, "", 0))}
	c, err := NewCoordinator(gw, testConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = c.Shutdown(shutdownCtx)
		cancel()
	})
	return c
}

func seededGateway() *memory.Gateway {
	gw := memory.New()
	gw.PutProduct(gateway.ProductRecord{ID: "ep-1", Name: "Tidal", PriceTokens: 12, StockAvailable: 5})
	gw.PutProduct(gateway.ProductRecord{ID: "ep-2", Name: "Harbor", PriceTokens: 8, StockAvailable: 5})
	return gw
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitDeliversAndRunsOnSuccess(t *testing.T) {
	gw := seededGateway()
	c := startCoordinator(t, gw)

	var succeeded bool
	var mu sync.Mutex
	id, err := c.Submit(Mutation{
		Kind:          schema.MutationCartUpsert,
		UserID:        "u1",
		ProductID:     "ep-1",
		Quantity:      2,
		ReservationID: "res-1",
		PriceTokens:   12,
		OnSuccess: func() {
			mu.Lock()
			succeeded = true
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Wait(waitCtx(t), id); err != nil {
		t.Fatalf("wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !succeeded {
		t.Fatalf("expected OnSuccess to run")
	}
	lines := gw.CartLines("u1")
	if len(lines) != 1 || lines[0].Quantity != 2 || lines[0].ReservationID != "res-1" {
		t.Fatalf("unexpected persisted lines %+v", lines)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected nothing pending")
	}
}

func TestExhaustedRetriesRevertAndNotify(t *testing.T) {
	gw := seededGateway()
	gw.FailWrites(-1, nil)
	c := startCoordinator(t, gw)

	reverted := make(chan struct{})
	id, err := c.Submit(Mutation{
		Kind:        schema.MutationCartUpsert,
		UserID:      "u1",
		ProductID:   "ep-1",
		Quantity:    1,
		PriceTokens: 12,
		OnSuccess:   func() { t.Errorf("OnSuccess must not run for a failed mutation") },
		Revert: func() bool {
			close(reverted)
			return true
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	err = c.Wait(waitCtx(t), id)
	if !errs.Is(err, errs.CodeSyncFailed) {
		t.Fatalf("expected sync_failed, got %v", err)
	}
	select {
	case <-reverted:
	default:
		t.Fatalf("expected revert before Wait returned")
	}
	if calls := gw.Calls("UpsertCartLine"); calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	select {
	case n := <-c.Notifications():
		if n.Type != schema.NotificationSyncFailed || n.MutationID != string(id) || !n.Reverted || n.ProductID != "ep-1" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected SyncFailed notification")
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	gw := seededGateway()
	gw.FailWrites(-1, errs.New("test", errs.CodeInvalid, errs.WithMessage("rejected")))
	c := startCoordinator(t, gw)

	id, err := c.Submit(Mutation{Kind: schema.MutationWishlistUpsert, UserID: "u1", ProductID: "ep-2", AddedAt: time.Now()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Wait(waitCtx(t), id); !errs.Is(err, errs.CodeSyncFailed) {
		t.Fatalf("expected sync_failed, got %v", err)
	}
	if calls := gw.Calls("UpsertWishlistEntry"); calls != 1 {
		t.Fatalf("expected a single attempt for a permanent error, got %d", calls)
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	gw := seededGateway()
	gw.FailWrites(2, nil)
	c := startCoordinator(t, gw)

	id, err := c.Submit(Mutation{Kind: schema.MutationWishlistUpsert, UserID: "u1", ProductID: "ep-2", AddedAt: time.Now()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Wait(waitCtx(t), id); err != nil {
		t.Fatalf("expected recovery on third attempt, got %v", err)
	}
	if !gw.HasWishlistEntry("u1", "ep-2") {
		t.Fatalf("expected wishlist entry persisted")
	}
}

func TestMutationsApplyInSubmissionOrder(t *testing.T) {
	gw := seededGateway()
	c := startCoordinator(t, gw)

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 5; i++ {
		kind := schema.MutationWishlistUpsert
		if i%2 == 1 {
			kind = schema.MutationWishlistDelete
		}
		if _, err := c.Submit(Mutation{
			Kind:      kind,
			UserID:    "u1",
			ProductID: "ep-1",
			AddedAt:   time.Now(),
			OnSuccess: func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := c.Flush(waitCtx(t)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("expected submission order, got %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 acknowledgements, got %d", len(order))
	}
	if !gw.HasWishlistEntry("u1", "ep-1") {
		t.Fatalf("expected final upsert to win")
	}
}

func TestPriceDriftRefreshesCacheAndCallsHandler(t *testing.T) {
	gw := seededGateway()
	cache := catalog.New(gw, catalog.WithLogger(log.New(io.Discard, "", 0)))
	if _, err := cache.Get(context.Background(), "ep-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	gw.SetPrice("ep-1", 15)

	drift := make(chan int64, 1)
	c := startCoordinator(t, gw,
		WithSnapshots(cache),
		WithDriftHandler(func(productID string, price int64) {
			if productID == "ep-1" {
				drift <- price
			}
		}),
	)
	id, err := c.Submit(Mutation{Kind: schema.MutationCartUpsert, UserID: "u1", ProductID: "ep-1", Quantity: 1, PriceTokens: 12})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Wait(waitCtx(t), id); err != nil {
		t.Fatalf("wait: %v", err)
	}
	select {
	case price := <-drift:
		if price != 15 {
			t.Fatalf("expected drift to 15, got %d", price)
		}
	default:
		t.Fatalf("expected drift handler to run before acknowledgement")
	}
	snap, _, ok := cache.Peek("ep-1")
	if !ok || snap.PriceTokens != 15 || snap.Name != "Tidal" {
		t.Fatalf("expected refreshed cached price, got %+v", snap)
	}
	n := <-c.Notifications()
	if n.Type != schema.NotificationPriceDrift || n.PriceTokens != 15 {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestSubmitValidatesMutation(t *testing.T) {
	c := startCoordinator(t, seededGateway())
	cases := []Mutation{
		{Kind: "bogus", UserID: "u1", ProductID: "ep-1"},
		{Kind: schema.MutationCartUpsert, UserID: "u1", ProductID: "ep-1"},
		{Kind: schema.MutationCartDelete, ProductID: "ep-1"},
	}
	for i, m := range cases {
		if _, err := c.Submit(m); !errs.Is(err, errs.CodeInvalid) {
			t.Fatalf("case %d: expected invalid_request, got %v", i, err)
		}
	}
}

func TestWaitUnknownMutation(t *testing.T) {
	c := startCoordinator(t, seededGateway())
	if err := c.Wait(context.Background(), "missing"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestShutdownDrainsAndRejectsNewWork(t *testing.T) {
	gw := seededGateway()
	c, err := NewCoordinator(gw, testConfig(), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	go c.Run(context.Background())
	ctx := waitCtx(t)

	first, err := c.Submit(Mutation{Kind: schema.MutationWishlistUpsert, UserID: "u1", ProductID: "ep-2", AddedAt: time.Now()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Wait(ctx, first); err != nil {
		t.Fatalf("wait: %v", err)
	}
	id, err := c.Submit(Mutation{Kind: schema.MutationWishlistUpsert, UserID: "u1", ProductID: "ep-1", AddedAt: time.Now()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := c.Wait(ctx, id); err != nil {
		t.Fatalf("expected queued mutation delivered before shutdown, got %v", err)
	}
	if _, err := c.Submit(Mutation{Kind: schema.MutationWishlistDelete, UserID: "u1", ProductID: "ep-1"}); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after shutdown, got %v", err)
	}
	if _, open := <-c.Notifications(); open {
		t.Fatalf("expected notifications channel closed")
	}
}

func TestShutdownWithoutRunAbandonsQueue(t *testing.T) {
	c, err := NewCoordinator(seededGateway(), testConfig(), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	id, err := c.Submit(Mutation{Kind: schema.MutationWishlistUpsert, UserID: "u1", ProductID: "ep-1", AddedAt: time.Now()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := c.Wait(context.Background(), id); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable for abandoned mutation, got %v", err)
	}
}

type fakeJournal struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]*outboxstore.Record
	delivered []int64
	deleted   []int64
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{records: make(map[int64]*outboxstore.Record)}
}

func (j *fakeJournal) Enqueue(_ context.Context, entry outboxstore.Entry) (outboxstore.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	rec := &outboxstore.Record{ID: j.nextID, MutationID: entry.MutationID, Aggregate: entry.Aggregate, Kind: entry.Kind, UserID: entry.UserID, ProductID: entry.ProductID, Payload: entry.Payload, CreatedAt: time.Now()}
	j.records[rec.ID] = rec
	return *rec, nil
}

func (j *fakeJournal) ListPending(_ context.Context, userID string, limit int) ([]outboxstore.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []outboxstore.Record
	for _, rec := range j.records {
		if (userID == "" || rec.UserID == userID) && !rec.Delivered {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *fakeJournal) MarkDelivered(_ context.Context, id int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	j.records[id].Delivered = true
	j.records[id].DeliveredAt = &now
	j.delivered = append(j.delivered, id)
	return nil
}

func (j *fakeJournal) MarkFailed(_ context.Context, id int64, lastError string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[id].Attempts++
	j.records[id].LastError = lastError
	return nil
}

func (j *fakeJournal) Delete(_ context.Context, id int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.records, id)
	j.deleted = append(j.deleted, id)
	return nil
}

func (j *fakeJournal) PurgeDelivered(_ context.Context, before time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	purged := 0
	for id, rec := range j.records {
		if rec.Delivered && rec.DeliveredAt != nil && rec.DeliveredAt.Before(before) {
			delete(j.records, id)
			purged++
		}
	}
	return purged, nil
}

func TestJournalTracksDeliveryAndRevert(t *testing.T) {
	gw := seededGateway()
	journal := newFakeJournal()
	c := startCoordinator(t, gw, WithJournal(journal))
	ctx := waitCtx(t)

	ok, err := c.Submit(Mutation{Kind: schema.MutationWishlistUpsert, UserID: "u1", ProductID: "ep-1", AddedAt: time.Now()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Wait(ctx, ok); err != nil {
		t.Fatalf("wait: %v", err)
	}

	gw.FailWrites(-1, nil)
	failed, err := c.Submit(Mutation{Kind: schema.MutationWishlistDelete, UserID: "u1", ProductID: "ep-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Wait(ctx, failed); !errs.Is(err, errs.CodeSyncFailed) {
		t.Fatalf("expected sync_failed, got %v", err)
	}

	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.delivered) != 1 || journal.delivered[0] != 1 {
		t.Fatalf("expected first entry delivered, got %v", journal.delivered)
	}
	if len(journal.deleted) != 1 || journal.deleted[0] != 2 {
		t.Fatalf("expected abandoned entry deleted, got %v", journal.deleted)
	}
	if journal.records[1].MutationID != string(ok) || journal.records[1].Aggregate != "wishlist" {
		t.Fatalf("unexpected journal record %+v", journal.records[1])
	}
}
