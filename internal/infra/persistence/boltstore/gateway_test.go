package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/outboxstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tokencart.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertProduct(ctx, gateway.ProductRecord{ID: "p1", Slug: "night-drive", Name: "Night Drive", PriceTokens: 12, StockAvailable: 3}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if err := s.SetBalance(ctx, "u1", 100); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestCatalogLookupByIDAndSlug(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	byID, err := s.GetProduct(ctx, "p1")
	if err != nil || byID.Name != "Night Drive" {
		t.Fatalf("get by id: %+v %v", byID, err)
	}
	bySlug, err := s.GetProduct(ctx, "night-drive")
	if err != nil || bySlug.ID != "p1" {
		t.Fatalf("get by slug: %+v %v", bySlug, err)
	}
	stock, err := s.GetStock(ctx, "p1")
	if err != nil || stock != (gateway.Stock{StockAvailable: 3, PriceTokens: 12}) {
		t.Fatalf("get stock: %+v %v", stock, err)
	}
	if _, err := s.GetStock(ctx, "missing"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}

	if err := s.UpsertProduct(ctx, gateway.ProductRecord{ID: "p1", Slug: "night-drive-remaster", Name: "Night Drive", PriceTokens: 15, StockAvailable: 3}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if _, err := s.GetProduct(ctx, "night-drive"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected old slug dropped, got %v", err)
	}
}

func TestDebitIsAppliedOncePerKey(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.DebitTokens(ctx, "u1", 30, "order-1"); err != nil {
			t.Fatalf("debit attempt %d: %v", i, err)
		}
	}
	balance, err := s.GetBalance(ctx, "u1")
	if err != nil || balance != 70 {
		t.Fatalf("expected balance 70, got %d %v", balance, err)
	}
	if err := s.DebitTokens(ctx, "u1", 31, "order-1"); !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("expected conflict for reused key, got %v", err)
	}
	if err := s.DebitTokens(ctx, "u1", 71, "order-2"); !errs.Is(err, errs.CodeInsufficientTokens) {
		t.Fatalf("expected insufficient_tokens, got %v", err)
	}
	if err := s.CreditTokens(ctx, "u1", 5, "refund-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance, _ := s.GetBalance(ctx, "u1"); balance != 75 {
		t.Fatalf("expected balance 75, got %d", balance)
	}
	if balance, _ := s.GetBalance(ctx, "nobody"); balance != 0 {
		t.Fatalf("expected zero balance for unknown user, got %d", balance)
	}
}

func TestSelectionsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	row := gateway.CartLineRow{UserID: "u1", ProductID: "p1", Quantity: 1, ReservationID: "r1"}
	if err := s.UpsertCartLine(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row.Quantity = 2
	if err := s.UpsertCartLine(ctx, row); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	rows, err := s.CartLines("u1")
	if err != nil || len(rows) != 1 || rows[0].Quantity != 2 {
		t.Fatalf("unexpected cart rows %+v %v", rows, err)
	}
	if err := s.UpsertCartLine(ctx, gateway.CartLineRow{UserID: "u1", ProductID: "missing", Quantity: 1}); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.DeleteCartLine(ctx, "u1", "p1"); err != nil {
			t.Fatalf("delete attempt %d: %v", i, err)
		}
	}

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.UpsertWishlistEntry(ctx, "u1", "missing", first); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found for unknown wishlist product, got %v", err)
	}
	if err := s.UpsertWishlistEntry(ctx, "u1", "p1", first); err != nil {
		t.Fatalf("wishlist upsert: %v", err)
	}
	if err := s.UpsertWishlistEntry(ctx, "u1", "p1", first.Add(time.Hour)); err != nil {
		t.Fatalf("wishlist re-upsert: %v", err)
	}
	entries, err := s.WishlistEntries("u1")
	if err != nil || len(entries) != 1 || !entries["p1"].Equal(first) {
		t.Fatalf("expected first AddedAt kept, got %+v %v", entries, err)
	}
	if err := s.DeleteWishlistEntry(ctx, "u1", "p1"); err != nil {
		t.Fatalf("wishlist delete: %v", err)
	}
	if entries, _ := s.WishlistEntries("u1"); len(entries) != 0 {
		t.Fatalf("expected wishlist empty, got %+v", entries)
	}
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.GetStock(ctx, "p1"); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestJournalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := outboxstore.Entry{MutationID: "m1", Aggregate: "cart", Kind: "cart_upsert", UserID: "u1", ProductID: "p1", Payload: []byte(`{"quantity":2}`)}
	rec, err := s.Enqueue(ctx, entry)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	again, err := s.Enqueue(ctx, entry)
	if err != nil || again.ID != rec.ID {
		t.Fatalf("expected idempotent enqueue, got %+v %v", again, err)
	}
	other, err := s.Enqueue(ctx, outboxstore.Entry{MutationID: "m2", Aggregate: "wishlist", Kind: "wishlist_add", UserID: "u2", ProductID: "p1"})
	if err != nil {
		t.Fatalf("enqueue other: %v", err)
	}
	if err := s.MarkFailed(ctx, rec.ID, " timeout "); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	all, err := s.ListPending(ctx, "", 10)
	if err != nil || len(all) != 2 || all[0].ID != rec.ID {
		t.Fatalf("unexpected pending %+v %v", all, err)
	}
	if all[0].Attempts != 1 || all[0].LastError != "timeout" || string(all[0].Payload) != `{"quantity":2}` {
		t.Fatalf("unexpected first record %+v", all[0])
	}
	mine, err := s.ListPending(ctx, "u2", 10)
	if err != nil || len(mine) != 1 || mine[0].ID != other.ID {
		t.Fatalf("expected u2 filter, got %+v %v", mine, err)
	}

	if err := s.MarkDelivered(ctx, rec.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := s.Delete(ctx, other.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, other.ID); err == nil {
		t.Fatalf("expected error deleting missing entry")
	}
	pending, err := s.ListPending(ctx, "", 10)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %+v %v", pending, err)
	}
	if _, err := s.Enqueue(ctx, outboxstore.Entry{MutationID: "m2", Aggregate: "wishlist", Kind: "wishlist_add", UserID: "u2"}); err != nil {
		t.Fatalf("re-enqueue after delete: %v", err)
	}
}

func TestJournalPurgeDelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	delivered, err := s.Enqueue(ctx, outboxstore.Entry{MutationID: "m1", Aggregate: "cart", Kind: "cart_delete", UserID: "u1", ProductID: "p1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending, err := s.Enqueue(ctx, outboxstore.Entry{MutationID: "m2", Aggregate: "cart", Kind: "cart_delete", UserID: "u1", ProductID: "p2"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkDelivered(ctx, delivered.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	if n, err := s.PurgeDelivered(ctx, time.Now().Add(-time.Hour)); err != nil || n != 0 {
		t.Fatalf("expected nothing purged inside the window, got %d %v", n, err)
	}
	if n, err := s.PurgeDelivered(ctx, time.Now().Add(time.Minute)); err != nil || n != 1 {
		t.Fatalf("expected one purged row, got %d %v", n, err)
	}
	if err := s.MarkDelivered(ctx, delivered.ID); err == nil {
		t.Fatalf("expected purged row gone")
	}
	rows, err := s.ListPending(ctx, "", 10)
	if err != nil || len(rows) != 1 || rows[0].ID != pending.ID {
		t.Fatalf("expected pending row kept, got %+v %v", rows, err)
	}
	again, err := s.Enqueue(ctx, outboxstore.Entry{MutationID: "m1", Aggregate: "cart", Kind: "cart_delete", UserID: "u1", ProductID: "p1"})
	if err != nil || again.ID == delivered.ID {
		t.Fatalf("expected index entry purged with the row, got %+v %v", again, err)
	}
}
