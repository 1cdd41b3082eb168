package syncer

import (
	"time"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/schema"
)

// MutationID identifies a submitted mutation.
type MutationID string

// Mutation is a durability write for an optimistic local change.
type Mutation struct {
	Kind      schema.MutationKind
	UserID    string
	ProductID string

	// Cart upserts.
	Quantity      int64
	ReservationID string
	// PriceTokens is the line's snapshot price, compared with the authoritative
	// price before the write.
	PriceTokens int64

	// Wishlist upserts.
	AddedAt time.Time

	// OnSuccess runs on the coordinator goroutine after the gateway acknowledged
	// the write.
	OnSuccess func()
	// Revert runs on the coordinator goroutine once retries are exhausted. It
	// reports whether the local state was actually rolled back.
	Revert func() bool
}

func (m Mutation) validate() error {
	switch m.Kind {
	case schema.MutationCartUpsert:
		if m.Quantity <= 0 {
			return errs.New(component, errs.CodeInvalid, errs.WithMessage("cart upsert quantity must be >0"), errs.WithProduct(m.ProductID))
		}
	case schema.MutationCartDelete, schema.MutationWishlistUpsert, schema.MutationWishlistDelete:
	default:
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("unknown mutation kind "+string(m.Kind)))
	}
	if m.UserID == "" || m.ProductID == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("user and product ids required"))
	}
	return nil
}

type journalPayload struct {
	Quantity      int64     `json:"quantity,omitempty"`
	ReservationID string    `json:"reservationId,omitempty"`
	PriceTokens   int64     `json:"priceTokens,omitempty"`
	AddedAt       time.Time `json:"addedAt,omitempty"`
}
