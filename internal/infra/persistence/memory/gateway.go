// Package memory provides an in-process implementation of the persistence gateway.
// It backs the "memory" persistence driver and the package tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
)

const component = "gateway/memory"

type selectionKey struct {
	user    string
	product string
}

type ledgerEntry struct {
	userID string
	amount int64
	credit bool
}

// Gateway is a mutex-guarded gateway.Gateway with failure injection hooks.
type Gateway struct {
	mu        sync.RWMutex
	products  map[string]gateway.ProductRecord
	slugs     map[string]string
	balances  map[string]int64
	cartLines map[selectionKey]gateway.CartLineRow
	wishlist  map[selectionKey]time.Time
	ledger    map[string]ledgerEntry

	unavailable   bool
	writeFailures int
	writeErr      error
	calls         map[string]int
}

// New constructs an empty in-memory gateway.
func New() *Gateway {
	return &Gateway{
		products:  make(map[string]gateway.ProductRecord),
		slugs:     make(map[string]string),
		balances:  make(map[string]int64),
		cartLines: make(map[selectionKey]gateway.CartLineRow),
		wishlist:  make(map[selectionKey]time.Time),
		ledger:    make(map[string]ledgerEntry),
		calls:     make(map[string]int),
	}
}

// PutProduct inserts or replaces a catalog row.
func (g *Gateway) PutProduct(rec gateway.ProductRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.products[rec.ID]; ok && prev.Slug != "" {
		delete(g.slugs, prev.Slug)
	}
	g.products[rec.ID] = rec
	if slug := strings.TrimSpace(rec.Slug); slug != "" {
		g.slugs[slug] = rec.ID
	}
}

// SetStock overwrites the stock of an existing product.
func (g *Gateway) SetStock(productID string, stock int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.products[productID]; ok {
		rec.StockAvailable = stock
		g.products[productID] = rec
	}
}

// SetPrice overwrites the token price of an existing product.
func (g *Gateway) SetPrice(productID string, price int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.products[productID]; ok {
		rec.PriceTokens = price
		g.products[productID] = rec
	}
}

// DeleteProduct removes a product from the catalog.
func (g *Gateway) DeleteProduct(productID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.products[productID]; ok && rec.Slug != "" {
		delete(g.slugs, rec.Slug)
	}
	delete(g.products, productID)
}

// SetBalance overwrites a user's token balance.
func (g *Gateway) SetBalance(userID string, balance int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[userID] = balance
}

// SetUnavailable makes every call fail with errs.CodeUnavailable while set.
func (g *Gateway) SetUnavailable(unavailable bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unavailable = unavailable
}

// FailWrites makes the next n selection writes fail with err. A negative n fails
// every write until FailWrites(0, nil) is called. A nil err defaults to unavailable.
func (g *Gateway) FailWrites(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeFailures = n
	g.writeErr = err
}

// Calls returns how many times the named operation was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.calls[op]
}

// CartLines returns the persisted cart rows for a user ordered by product id.
func (g *Gateway) CartLines(userID string) []gateway.CartLineRow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []gateway.CartLineRow
	for key, row := range g.cartLines {
		if key.user == userID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// HasWishlistEntry reports whether the entry is persisted.
func (g *Gateway) HasWishlistEntry(userID, productID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.wishlist[selectionKey{user: userID, product: productID}]
	return ok
}

// GetProduct implements gateway.Catalog.
func (g *Gateway) GetProduct(ctx context.Context, productID string) (gateway.ProductRecord, error) {
	if err := g.begin(ctx, "GetProduct", false); err != nil {
		return gateway.ProductRecord{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	id := strings.TrimSpace(productID)
	if resolved, ok := g.slugs[id]; ok {
		id = resolved
	}
	rec, ok := g.products[id]
	if !ok {
		return gateway.ProductRecord{}, notFound(productID)
	}
	return rec, nil
}

// GetStock implements gateway.Catalog.
func (g *Gateway) GetStock(ctx context.Context, productID string) (gateway.Stock, error) {
	if err := g.begin(ctx, "GetStock", false); err != nil {
		return gateway.Stock{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.products[productID]
	if !ok {
		return gateway.Stock{}, notFound(productID)
	}
	return gateway.Stock{StockAvailable: rec.StockAvailable, PriceTokens: rec.PriceTokens}, nil
}

// GetBalance implements gateway.Ledger. Unknown users hold a zero balance.
func (g *Gateway) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := g.begin(ctx, "GetBalance", false); err != nil {
		return 0, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.balances[userID], nil
}

// DebitTokens implements gateway.Ledger.
func (g *Gateway) DebitTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error {
	return g.applyLedger(ctx, "DebitTokens", userID, amount, idempotencyKey, false)
}

// CreditTokens implements gateway.Ledger.
func (g *Gateway) CreditTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error {
	return g.applyLedger(ctx, "CreditTokens", userID, amount, idempotencyKey, true)
}

func (g *Gateway) applyLedger(ctx context.Context, op, userID string, amount int64, key string, credit bool) error {
	if err := g.begin(ctx, op, true); err != nil {
		return err
	}
	if amount < 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("amount must be >= 0"), errs.WithUser(userID))
	}
	if strings.TrimSpace(key) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("idempotency key required"), errs.WithUser(userID))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.ledger[key]; ok {
		if prev.userID != userID || prev.amount != amount || prev.credit != credit {
			return errs.New(component, errs.CodeConflict, errs.WithMessage("idempotency key reused with different payload"), errs.WithField("idempotency_key", key))
		}
		return nil
	}
	balance := g.balances[userID]
	if credit {
		balance += amount
	} else {
		if balance < amount {
			return errs.New(component, errs.CodeInsufficientTokens,
				errs.WithMessage(fmt.Sprintf("balance %d below debit %d", balance, amount)), errs.WithUser(userID))
		}
		balance -= amount
	}
	g.balances[userID] = balance
	g.ledger[key] = ledgerEntry{userID: userID, amount: amount, credit: credit}
	return nil
}

// UpsertCartLine implements gateway.Selections.
func (g *Gateway) UpsertCartLine(ctx context.Context, row gateway.CartLineRow) error {
	if err := g.begin(ctx, "UpsertCartLine", true); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.products[row.ProductID]; !ok {
		return notFound(row.ProductID)
	}
	g.cartLines[selectionKey{user: row.UserID, product: row.ProductID}] = row
	return nil
}

// DeleteCartLine implements gateway.Selections.
func (g *Gateway) DeleteCartLine(ctx context.Context, userID, productID string) error {
	if err := g.begin(ctx, "DeleteCartLine", true); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cartLines, selectionKey{user: userID, product: productID})
	return nil
}

// UpsertWishlistEntry implements gateway.Selections.
func (g *Gateway) UpsertWishlistEntry(ctx context.Context, userID, productID string, addedAt time.Time) error {
	if err := g.begin(ctx, "UpsertWishlistEntry", true); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.products[productID]; !ok {
		return notFound(productID)
	}
	key := selectionKey{user: userID, product: productID}
	if _, ok := g.wishlist[key]; !ok {
		g.wishlist[key] = addedAt
	}
	return nil
}

// DeleteWishlistEntry implements gateway.Selections.
func (g *Gateway) DeleteWishlistEntry(ctx context.Context, userID, productID string) error {
	if err := g.begin(ctx, "DeleteWishlistEntry", true); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.wishlist, selectionKey{user: userID, product: productID})
	return nil
}

// begin records the call and applies injected failures.
func (g *Gateway) begin(ctx context.Context, op string, write bool) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if g.unavailable {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage(op+": gateway unavailable"))
	}
	if write && g.writeFailures != 0 {
		if g.writeFailures > 0 {
			g.writeFailures--
		}
		if g.writeErr != nil {
			return g.writeErr
		}
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage(op+": injected write failure"))
	}
	return nil
}

func notFound(productID string) error {
	return errs.New(component, errs.CodeNotFound, errs.WithMessage("product not found"), errs.WithProduct(productID))
}

var _ gateway.Gateway = (*Gateway)(nil)
