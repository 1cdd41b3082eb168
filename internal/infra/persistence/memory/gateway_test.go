package memory

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
)

func TestProductLookupBySlug(t *testing.T) {
	gw := New()
	gw.PutProduct(gateway.ProductRecord{ID: "p1", Slug: "lowlands", Name: "Lowlands", PriceTokens: 9, StockAvailable: 1})
	ctx := context.Background()

	rec, err := gw.GetProduct(ctx, "lowlands")
	if err != nil || rec.ID != "p1" {
		t.Fatalf("lookup by slug: %+v %v", rec, err)
	}
	gw.PutProduct(gateway.ProductRecord{ID: "p1", Slug: "lowlands-deluxe", Name: "Lowlands", PriceTokens: 9})
	if _, err := gw.GetProduct(ctx, "lowlands"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected stale slug dropped, got %v", err)
	}
	gw.DeleteProduct("p1")
	if _, err := gw.GetStock(ctx, "p1"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found after delete, got %v", err)
	}
}

func TestLedgerIdempotency(t *testing.T) {
	gw := New()
	gw.SetBalance("u1", 50)
	ctx := context.Background()

	if err := gw.DebitTokens(ctx, "u1", 20, "k1"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := gw.DebitTokens(ctx, "u1", 20, "k1"); err != nil {
		t.Fatalf("replayed debit: %v", err)
	}
	if balance, _ := gw.GetBalance(ctx, "u1"); balance != 30 {
		t.Fatalf("expected 30, got %d", balance)
	}
	if err := gw.CreditTokens(ctx, "u1", 20, "k1"); !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("expected conflict for reused key, got %v", err)
	}
	if err := gw.DebitTokens(ctx, "u1", 31, "k2"); !errs.Is(err, errs.CodeInsufficientTokens) {
		t.Fatalf("expected insufficient_tokens, got %v", err)
	}
	if err := gw.DebitTokens(ctx, "u1", 1, " "); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestInjectedFailures(t *testing.T) {
	gw := New()
	gw.PutProduct(gateway.ProductRecord{ID: "p1", PriceTokens: 1, StockAvailable: 1})
	ctx := context.Background()

	gw.FailWrites(1, nil)
	if err := gw.UpsertWishlistEntry(ctx, "u1", "p1", time.Now()); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := gw.UpsertWishlistEntry(ctx, "u1", "p1", time.Now()); err != nil {
		t.Fatalf("expected second write to succeed, got %v", err)
	}
	if !gw.HasWishlistEntry("u1", "p1") {
		t.Fatalf("expected entry persisted")
	}
	if calls := gw.Calls("UpsertWishlistEntry"); calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	gw.SetUnavailable(true)
	if _, err := gw.GetStock(ctx, "p1"); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	gw.SetUnavailable(false)

	if err := gw.UpsertCartLine(ctx, gateway.CartLineRow{UserID: "u1", ProductID: "missing", Quantity: 1}); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if err := gw.UpsertCartLine(ctx, gateway.CartLineRow{UserID: "u1", ProductID: "p1", Quantity: 1}); err != nil {
		t.Fatalf("upsert cart line: %v", err)
	}
	if rows := gw.CartLines("u1"); len(rows) != 1 {
		t.Fatalf("expected one cart row, got %+v", rows)
	}
}

func TestWishlistUpsertRejectsUnknownProduct(t *testing.T) {
	gw := New()
	gw.PutProduct(gateway.ProductRecord{ID: "p1", PriceTokens: 1, StockAvailable: 1})
	ctx := context.Background()

	if err := gw.UpsertWishlistEntry(ctx, "u1", "ghost", time.Now()); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if gw.HasWishlistEntry("u1", "ghost") {
		t.Fatalf("unknown product must not be persisted")
	}
	if err := gw.UpsertWishlistEntry(ctx, "u1", "p1", time.Now()); err != nil {
		t.Fatalf("upsert known product: %v", err)
	}
}
