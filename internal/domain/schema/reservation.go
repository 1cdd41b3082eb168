package schema

import "time"

// TicketState enumerates the reservation ticket lifecycle.
type TicketState string

const (
	TicketHeld      TicketState = "held"
	TicketCommitted TicketState = "committed"
	TicketReleased  TicketState = "released"
	TicketExpired   TicketState = "expired"
)

// Active reports whether the state counts against stock.
func (s TicketState) Active() bool {
	return s == TicketHeld || s == TicketCommitted
}

// Terminal reports whether no further transition is possible.
func (s TicketState) Terminal() bool {
	return s == TicketReleased || s == TicketExpired
}

// ReservationTicket holds stock for a (user, product) pair.
type ReservationTicket struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	ProductID   string      `json:"productId"`
	Quantity    int64       `json:"quantity"`
	PriceTokens int64       `json:"priceTokens"`
	HoldID      string      `json:"holdId"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	State       TicketState `json:"state"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// HoldState enumerates the token hold lifecycle.
type HoldState string

const (
	HoldActive   HoldState = "active"
	HoldSettled  HoldState = "settled"
	HoldReleased HoldState = "released"
)

// TokenHold earmarks tokens against a user's balance while a cart line exists.
type TokenHold struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	AmountTokens int64     `json:"amountTokens"`
	ExpiresAt    time.Time `json:"expiresAt"`
	State        HoldState `json:"state"`
}
