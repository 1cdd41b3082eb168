package schema

import "time"

// MutationKind names a durability write issued on behalf of an optimistic mutation.
type MutationKind string

const (
	MutationCartUpsert     MutationKind = "cart_upsert"
	MutationCartDelete     MutationKind = "cart_delete"
	MutationWishlistUpsert MutationKind = "wishlist_upsert"
	MutationWishlistDelete MutationKind = "wishlist_delete"
)

// Aggregate returns the entity family affected by the mutation.
func (k MutationKind) Aggregate() string {
	switch k {
	case MutationCartUpsert, MutationCartDelete:
		return "cart"
	case MutationWishlistUpsert, MutationWishlistDelete:
		return "wishlist"
	default:
		return "unknown"
	}
}

// NotificationType classifies out-of-band session notifications.
type NotificationType string

const (
	// NotificationSyncFailed reports a mutation whose durability write was abandoned.
	NotificationSyncFailed NotificationType = "sync_failed"
	// NotificationPriceDrift reports a product whose authoritative price moved.
	NotificationPriceDrift NotificationType = "price_drift"
	// NotificationReservationExpired reports a cart line dropped because its ticket lapsed.
	NotificationReservationExpired NotificationType = "reservation_expired"
)

// Notification is delivered to the session owner after the originating call returned.
type Notification struct {
	Type       NotificationType `json:"type"`
	MutationID string           `json:"mutationId,omitempty"`
	Kind       MutationKind     `json:"kind,omitempty"`
	UserID     string           `json:"userId"`
	ProductID  string           `json:"productId"`
	// Reverted reports whether the optimistic local state was rolled back.
	Reverted    bool      `json:"reverted"`
	PriceTokens int64     `json:"priceTokens,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}
