// Package schema defines the canonical cart, wishlist and reservation entities.
package schema

import (
	"strings"
	"time"

	"github.com/coachpo/tokencart/errs"
)

// ProductSnapshot captures the catalog fields needed to render cart and wishlist rows.
// A snapshot is immutable once fetched; refreshes replace it wholesale.
type ProductSnapshot struct {
	ProductID      string    `json:"productId"`
	Name           string    `json:"name"`
	PriceTokens    int64     `json:"priceTokens"`
	Image          string    `json:"image,omitempty"`
	Category       string    `json:"category,omitempty"`
	StockAvailable int64     `json:"stockAvailable"`
	FetchedAt      time.Time `json:"fetchedAt"`
}

// Validate ensures the snapshot carries an id and non-negative token/stock figures.
func (p ProductSnapshot) Validate() error {
	if strings.TrimSpace(p.ProductID) == "" {
		return errs.New("schema/product", errs.CodeInvalid, errs.WithMessage("product id required"))
	}
	if p.PriceTokens < 0 {
		return errs.New("schema/product", errs.CodeInvalid, errs.WithMessage("price tokens must be >= 0"), errs.WithProduct(p.ProductID))
	}
	if p.StockAvailable < 0 {
		return errs.New("schema/product", errs.CodeInvalid, errs.WithMessage("stock must be >= 0"), errs.WithProduct(p.ProductID))
	}
	return nil
}

// NewerThan reports whether p was fetched strictly after other.
func (p ProductSnapshot) NewerThan(other ProductSnapshot) bool {
	return p.FetchedAt.After(other.FetchedAt)
}
