// Package gateway defines the persistence contract the cart/wishlist core depends on.
package gateway

import (
	"context"
	"time"
)

// ProductRecord is the authoritative catalog row for a product.
type ProductRecord struct {
	ID             string
	Slug           string
	Name           string
	PriceTokens    int64
	Image          string
	Category       string
	StockAvailable int64
}

// Stock is the authoritative stock and price for a product.
type Stock struct {
	StockAvailable int64
	PriceTokens    int64
}

// CartLineRow is the persisted form of a cart line.
type CartLineRow struct {
	UserID        string
	ProductID     string
	Quantity      int64
	ReservationID string
}

// Catalog serves product reads.
type Catalog interface {
	// GetProduct resolves a product by id or slug. Unknown products fail with errs.CodeNotFound.
	GetProduct(ctx context.Context, productID string) (ProductRecord, error)
	// GetStock fails with errs.CodeNotFound for unknown or deleted products.
	GetStock(ctx context.Context, productID string) (Stock, error)
}

// Ledger serves token balance reads and settlement writes.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	// DebitTokens is applied at most once per idempotency key.
	DebitTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error
	// CreditTokens is applied at most once per idempotency key.
	CreditTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error
}

// Selections persists cart and wishlist rows. Every call is idempotent.
type Selections interface {
	UpsertCartLine(ctx context.Context, row CartLineRow) error
	DeleteCartLine(ctx context.Context, userID, productID string) error
	UpsertWishlistEntry(ctx context.Context, userID, productID string, addedAt time.Time) error
	DeleteWishlistEntry(ctx context.Context, userID, productID string) error
}

// Gateway is the full authoritative store contract.
type Gateway interface {
	Catalog
	Ledger
	Selections
}
