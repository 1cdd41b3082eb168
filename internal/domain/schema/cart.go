package schema

import "time"

// WishlistEntry is a saved product reference. Entries are unique per (UserID, ProductID).
type WishlistEntry struct {
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	AddedAt   time.Time `json:"addedAt"`
}

// CartLine is a reserved line item in a user's cart.
type CartLine struct {
	UserID              string `json:"userId"`
	ProductID           string `json:"productId"`
	Quantity            int64  `json:"quantity"`
	PriceTokensSnapshot int64  `json:"priceTokensSnapshot"`
	ReservationID       string `json:"reservationId"`
	// NeedsConfirmation is set when the authoritative price drifted from the snapshot.
	NeedsConfirmation bool `json:"needsConfirmation"`
	// Pending is set until the gateway acknowledges the latest write for this line.
	Pending bool `json:"pending"`
}

// TotalTokens returns the token cost of the line at its snapshot price.
func (l CartLine) TotalTokens() int64 {
	return l.Quantity * l.PriceTokensSnapshot
}

// ItemOutcome classifies the result of a single item inside a bulk operation.
type ItemOutcome string

const (
	OutcomeAdded              ItemOutcome = "added"
	OutcomeInsufficientStock  ItemOutcome = "insufficient_stock"
	OutcomeInsufficientTokens ItemOutcome = "insufficient_tokens"
	OutcomeError              ItemOutcome = "error"
)

// ItemResult reports the outcome for one product of a bulk add.
type ItemResult struct {
	ProductID string      `json:"productId"`
	Outcome   ItemOutcome `json:"outcome"`
	Line      *CartLine   `json:"line,omitempty"`
	Err       error       `json:"-"`
}
