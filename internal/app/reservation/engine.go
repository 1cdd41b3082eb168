// Package reservation implements the stock reservation and token hold engine.
//
// The engine is the single writer of ticket and hold state. It serialises
// mutators per product and per user (product lock first), so that the sum of
// held+committed quantities never exceeds a product's authoritative stock and
// the sum of active holds never exceeds a user's authoritative balance.
package reservation

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/schema"
	"github.com/coachpo/tokencart/internal/infra/telemetry"
)

const component = "reservation"

// Authority is the slice of the persistence gateway the engine consults.
type Authority interface {
	GetStock(ctx context.Context, productID string) (gateway.Stock, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	DebitTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error
}

// Config controls ticket lifetime and sweeping cadence.
type Config struct {
	TicketTTL     time.Duration
	SweepInterval time.Duration
	// Retention is how long released, expired and settled records stay
	// queryable before Sweep forgets them.
	Retention time.Duration
}

// DefaultConfig returns a 15 minute ticket TTL swept every 30 seconds, with
// terminal records kept for an hour.
func DefaultConfig() Config {
	return Config{
		TicketTTL:     15 * time.Minute,
		SweepInterval: 30 * time.Second,
		Retention:     time.Hour,
	}
}

// Request asks for Quantity units of a product for a user. Quantity is the
// desired total for the pair; an existing held ticket is resized to it.
type Request struct {
	UserID    string
	ProductID string
	Quantity  int64
	// PriceTokens pins the unit price of the hold. Nil takes the authoritative
	// price; a pinned zero stays zero.
	PriceTokens *int64
}

// Price pins a unit price on a Request.
func Price(tokens int64) *int64 {
	return &tokens
}

// ExpiryListener observes tickets that Sweep expired.
type ExpiryListener func(ticket schema.ReservationTicket)

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type pairKey struct {
	user    string
	product string
}

// Engine holds and releases stock reservations and their paired token holds.
type Engine struct {
	authority Authority
	cfg       Config
	now       func() time.Time
	logger    *log.Logger

	productLocks keyedMutex
	userLocks    keyedMutex

	listenerMu   sync.Mutex
	listeners    map[int]ExpiryListener
	nextListener int

	mu              sync.RWMutex
	tickets         map[string]*schema.ReservationTicket
	holds           map[string]*schema.TokenHold
	active          map[pairKey]string
	productReserved map[string]int64
	userHeld        map[string]int64

	reserveCounter    metric.Int64Counter
	reserveDuration   metric.Float64Histogram
	transitionCounter metric.Int64Counter
}

// NewEngine constructs an engine backed by the provided authority.
func NewEngine(authority Authority, cfg Config, opts ...Option) (*Engine, error) {
	if authority == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("authority required"))
	}
	defaults := DefaultConfig()
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = defaults.TicketTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	e := &Engine{
		authority:       authority,
		cfg:             cfg,
		now:             time.Now,
		logger:          log.New(os.Stdout, "reservation ", log.LstdFlags|log.Lmicroseconds),
		tickets:         make(map[string]*schema.ReservationTicket),
		holds:           make(map[string]*schema.TokenHold),
		active:          make(map[pairKey]string),
		productReserved: make(map[string]int64),
		userHeld:        make(map[string]int64),
		listeners:       make(map[int]ExpiryListener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	meter := otel.Meter("reservation")
	e.reserveCounter, _ = meter.Int64Counter("reservation.reserve.total",
		metric.WithDescription("Reserve calls by result"),
		metric.WithUnit("{call}"))
	e.reserveDuration, _ = meter.Float64Histogram("reservation.reserve.duration",
		metric.WithDescription("Latency of reserve including authoritative checks"),
		metric.WithUnit("ms"))
	e.transitionCounter, _ = meter.Int64Counter("reservation.transitions",
		metric.WithDescription("Ticket state transitions"),
		metric.WithUnit("{transition}"))
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Reserve creates or resizes the held ticket for the (user, product) pair after
// checking stock and balance against the authority.
func (e *Engine) Reserve(ctx context.Context, req Request) (ticket schema.ReservationTicket, err error) {
	start := e.now()
	defer func() { e.recordReserve(ctx, start, err) }()

	if err := validateRequest(req); err != nil {
		return schema.ReservationTicket{}, err
	}
	unlock := e.lockPair(req.ProductID, req.UserID)
	defer unlock()

	stock, err := e.authority.GetStock(ctx, req.ProductID)
	if err != nil {
		return schema.ReservationTicket{}, fmt.Errorf("reserve %s: stock lookup: %w", req.ProductID, err)
	}
	price := stock.PriceTokens
	if req.PriceTokens != nil {
		price = *req.PriceTokens
	}
	amount := req.Quantity * price

	now := e.now()
	key := pairKey{user: req.UserID, product: req.ProductID}

	e.mu.Lock()
	existing := e.activeLocked(key)
	if existing != nil && existing.State == schema.TicketHeld && !now.Before(existing.ExpiresAt) {
		e.expireLocked(existing, now)
		existing = nil
	}
	if existing != nil && existing.State == schema.TicketCommitted {
		e.mu.Unlock()
		return schema.ReservationTicket{}, errs.New(component, errs.CodeConflict,
			errs.WithMessage("reservation already committed"), errs.WithProduct(req.ProductID), errs.WithUser(req.UserID))
	}
	var existingQty, existingHold int64
	if existing != nil {
		existingQty = existing.Quantity
		if hold := e.holds[existing.HoldID]; hold != nil && hold.State == schema.HoldActive {
			existingHold = hold.AmountTokens
		}
	}
	otherQty := e.productReserved[req.ProductID] - existingQty
	otherHeld := e.userHeld[req.UserID] - existingHold
	e.mu.Unlock()

	if otherQty+req.Quantity > stock.StockAvailable {
		available := stock.StockAvailable - otherQty
		if available < 0 {
			available = 0
		}
		return schema.ReservationTicket{}, errs.New(component, errs.CodeInsufficientStock,
			errs.WithMessage(fmt.Sprintf("requested %d, available %d", req.Quantity, available)),
			errs.WithProduct(req.ProductID), errs.WithUser(req.UserID))
	}

	balance, err := e.authority.GetBalance(ctx, req.UserID)
	if err != nil {
		return schema.ReservationTicket{}, fmt.Errorf("reserve %s: balance lookup: %w", req.ProductID, err)
	}
	if otherHeld+amount > balance {
		return schema.ReservationTicket{}, errs.New(component, errs.CodeInsufficientTokens,
			errs.WithMessage(fmt.Sprintf("hold %d exceeds free balance %d", amount, balance-otherHeld)),
			errs.WithProduct(req.ProductID), errs.WithUser(req.UserID))
	}

	now = e.now()
	expiresAt := now.Add(e.cfg.TicketTTL)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing == nil {
		hold := &schema.TokenHold{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			AmountTokens: amount,
			ExpiresAt:    expiresAt,
			State:        schema.HoldActive,
		}
		t := &schema.ReservationTicket{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			ProductID:   req.ProductID,
			Quantity:    req.Quantity,
			PriceTokens: price,
			HoldID:      hold.ID,
			ExpiresAt:   expiresAt,
			State:       schema.TicketHeld,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		e.holds[hold.ID] = hold
		e.tickets[t.ID] = t
		e.active[key] = t.ID
		e.productReserved[req.ProductID] += req.Quantity
		e.userHeld[req.UserID] += amount
		e.recordTransition(ctx, schema.TicketHeld)
		return *t, nil
	}

	e.productReserved[req.ProductID] += req.Quantity - existing.Quantity
	existing.Quantity = req.Quantity
	existing.PriceTokens = price
	existing.ExpiresAt = expiresAt
	existing.UpdatedAt = now
	hold := e.holds[existing.HoldID]
	if hold == nil || hold.State != schema.HoldActive {
		hold = &schema.TokenHold{ID: uuid.NewString(), UserID: req.UserID, State: schema.HoldActive}
		e.holds[hold.ID] = hold
		existing.HoldID = hold.ID
	}
	e.userHeld[req.UserID] += amount - existingHold
	hold.AmountTokens = amount
	hold.ExpiresAt = expiresAt
	return *existing, nil
}

// Shrink lowers a held ticket to quantity without consulting the authority.
// Shrinking can only free stock and tokens, so it cannot violate either bound.
func (e *Engine) Shrink(reservationID string, quantity int64) (schema.ReservationTicket, error) {
	t, ok := e.Ticket(reservationID)
	if !ok {
		return schema.ReservationTicket{}, ticketNotFound(reservationID)
	}
	unlock := e.lockPair(t.ProductID, t.UserID)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	ticket := e.tickets[reservationID]
	switch {
	case ticket == nil || ticket.State == schema.TicketReleased:
		return schema.ReservationTicket{}, ticketNotFound(reservationID)
	case ticket.State == schema.TicketExpired:
		return schema.ReservationTicket{}, ticketExpired(reservationID)
	case ticket.State != schema.TicketHeld:
		return schema.ReservationTicket{}, errs.New(component, errs.CodeConflict,
			errs.WithMessage("only held tickets can shrink"), errs.WithField("reservation_id", reservationID))
	case quantity <= 0 || quantity > ticket.Quantity:
		return schema.ReservationTicket{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("shrink quantity %d outside (0, %d]", quantity, ticket.Quantity)),
			errs.WithField("reservation_id", reservationID))
	}
	e.productReserved[ticket.ProductID] -= ticket.Quantity - quantity
	ticket.Quantity = quantity
	ticket.UpdatedAt = e.now()
	if hold := e.holds[ticket.HoldID]; hold != nil && hold.State == schema.HoldActive {
		amount := quantity * ticket.PriceTokens
		e.userHeld[ticket.UserID] -= hold.AmountTokens - amount
		hold.AmountTokens = amount
	}
	return *ticket, nil
}

// Commit moves a held ticket to committed. Re-committing is a no-op.
func (e *Engine) Commit(reservationID string) (schema.ReservationTicket, error) {
	t, ok := e.Ticket(reservationID)
	if !ok {
		return schema.ReservationTicket{}, ticketNotFound(reservationID)
	}
	unlock := e.lockPair(t.ProductID, t.UserID)
	defer unlock()

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket := e.tickets[reservationID]
	if ticket == nil {
		return schema.ReservationTicket{}, ticketNotFound(reservationID)
	}
	switch ticket.State {
	case schema.TicketCommitted:
		return *ticket, nil
	case schema.TicketReleased:
		return schema.ReservationTicket{}, ticketNotFound(reservationID)
	case schema.TicketExpired:
		return schema.ReservationTicket{}, ticketExpired(reservationID)
	}
	if !now.Before(ticket.ExpiresAt) {
		e.expireLocked(ticket, now)
		return schema.ReservationTicket{}, ticketExpired(reservationID)
	}
	ticket.State = schema.TicketCommitted
	ticket.UpdatedAt = now
	e.recordTransition(context.Background(), schema.TicketCommitted)
	return *ticket, nil
}

// Release moves any non-terminal ticket to released and frees its hold.
// Unknown or already terminal tickets are a no-op.
func (e *Engine) Release(reservationID string) {
	t, ok := e.Ticket(reservationID)
	if !ok || t.State.Terminal() {
		return
	}
	unlock := e.lockPair(t.ProductID, t.UserID)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	ticket := e.tickets[reservationID]
	if ticket == nil || ticket.State.Terminal() {
		return
	}
	e.deactivateLocked(ticket, schema.TicketReleased, e.now())
}

// Settle debits the committed ticket's hold from the user's balance. The hold id
// is the idempotency key, so a retried settle never debits twice.
func (e *Engine) Settle(ctx context.Context, reservationID string) (schema.TokenHold, error) {
	t, ok := e.Ticket(reservationID)
	if !ok {
		return schema.TokenHold{}, ticketNotFound(reservationID)
	}
	unlock := e.lockPair(t.ProductID, t.UserID)
	defer unlock()

	e.mu.RLock()
	current := e.tickets[reservationID]
	if current == nil {
		e.mu.RUnlock()
		return schema.TokenHold{}, ticketNotFound(reservationID)
	}
	ticket := *current
	var hold schema.TokenHold
	if h := e.holds[ticket.HoldID]; h != nil {
		hold = *h
	}
	e.mu.RUnlock()

	switch ticket.State {
	case schema.TicketReleased:
		return schema.TokenHold{}, ticketNotFound(reservationID)
	case schema.TicketExpired:
		return schema.TokenHold{}, ticketExpired(reservationID)
	case schema.TicketHeld:
		return schema.TokenHold{}, errs.New(component, errs.CodeConflict,
			errs.WithMessage("ticket must be committed before settlement"), errs.WithField("reservation_id", reservationID))
	}
	if hold.State == schema.HoldSettled {
		return hold, nil
	}
	if hold.State != schema.HoldActive {
		return schema.TokenHold{}, errs.New(component, errs.CodeConflict,
			errs.WithMessage("hold already released"), errs.WithField("hold_id", hold.ID))
	}
	if err := e.authority.DebitTokens(ctx, ticket.UserID, hold.AmountTokens, hold.ID); err != nil {
		return schema.TokenHold{}, fmt.Errorf("settle %s: debit: %w", reservationID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.holds[hold.ID]
	if h == nil || h.State != schema.HoldActive {
		return hold, nil
	}
	h.State = schema.HoldSettled
	e.userHeld[ticket.UserID] -= h.AmountTokens
	if e.userHeld[ticket.UserID] <= 0 {
		delete(e.userHeld, ticket.UserID)
	}
	return *h, nil
}

// Sweep expires held tickets whose deadline passed, releases their holds and
// notifies expiry listeners once all locks are dropped. Terminal records older
// than the retention window are forgotten. It returns the number of tickets
// expired.
func (e *Engine) Sweep() int {
	now := e.now()
	e.mu.RLock()
	var due []schema.ReservationTicket
	for _, t := range e.tickets {
		if t.State == schema.TicketHeld && !now.Before(t.ExpiresAt) {
			due = append(due, *t)
		}
	}
	e.mu.RUnlock()

	var expired []schema.ReservationTicket
	for _, candidate := range due {
		unlock := e.lockPair(candidate.ProductID, candidate.UserID)
		e.mu.Lock()
		ticket := e.tickets[candidate.ID]
		if ticket != nil && ticket.State == schema.TicketHeld && !now.Before(ticket.ExpiresAt) {
			e.expireLocked(ticket, now)
			expired = append(expired, *ticket)
		}
		e.mu.Unlock()
		unlock()
	}

	e.prune(now)
	for _, ticket := range expired {
		e.notifyExpired(ticket)
	}
	return len(expired)
}

// OnExpiry registers a listener for tickets expired by Sweep. The returned
// func unregisters it.
func (e *Engine) OnExpiry(listener ExpiryListener) func() {
	if listener == nil {
		return func() {}
	}
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = listener
	return func() {
		e.listenerMu.Lock()
		delete(e.listeners, id)
		e.listenerMu.Unlock()
	}
}

func (e *Engine) notifyExpired(ticket schema.ReservationTicket) {
	e.listenerMu.Lock()
	listeners := make([]ExpiryListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.listenerMu.Unlock()
	for _, l := range listeners {
		l(ticket)
	}
}

// prune drops terminal tickets last touched before the retention window, and
// every hold no longer active that no remaining ticket references.
func (e *Engine) prune(now time.Time) {
	cutoff := now.Add(-e.cfg.Retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	referenced := make(map[string]struct{}, len(e.tickets))
	for id, t := range e.tickets {
		if t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(e.tickets, id)
			continue
		}
		referenced[t.HoldID] = struct{}{}
	}
	for id, h := range e.holds {
		if _, ok := referenced[id]; ok || h.State == schema.HoldActive {
			continue
		}
		delete(e.holds, id)
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(); n > 0 {
				e.logger.Printf("sweep expired %d held tickets", n)
			}
		}
	}
}

// Ticket returns a copy of the ticket.
func (e *Engine) Ticket(reservationID string) (schema.ReservationTicket, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tickets[reservationID]
	if !ok {
		return schema.ReservationTicket{}, false
	}
	return *t, true
}

// Hold returns a copy of the token hold.
func (e *Engine) Hold(holdID string) (schema.TokenHold, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.holds[holdID]
	if !ok {
		return schema.TokenHold{}, false
	}
	return *h, true
}

// ActiveTicket returns the held or committed ticket for the pair, if any.
func (e *Engine) ActiveTicket(userID, productID string) (schema.ReservationTicket, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t := e.activeLocked(pairKey{user: userID, product: productID})
	if t == nil {
		return schema.ReservationTicket{}, false
	}
	return *t, true
}

// ReservedQuantity returns the sum of held and committed quantities for a product.
func (e *Engine) ReservedQuantity(productID string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.productReserved[productID]
}

// ActiveHoldTotal returns the sum of active hold amounts for a user.
func (e *Engine) ActiveHoldTotal(userID string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userHeld[userID]
}

func (e *Engine) activeLocked(key pairKey) *schema.ReservationTicket {
	id, ok := e.active[key]
	if !ok {
		return nil
	}
	t := e.tickets[id]
	if t == nil || !t.State.Active() {
		delete(e.active, key)
		return nil
	}
	return t
}

func (e *Engine) expireLocked(t *schema.ReservationTicket, now time.Time) {
	e.deactivateLocked(t, schema.TicketExpired, now)
}

// deactivateLocked moves t to a terminal state and returns its stock and hold.
func (e *Engine) deactivateLocked(t *schema.ReservationTicket, state schema.TicketState, now time.Time) {
	if t.State.Active() {
		e.productReserved[t.ProductID] -= t.Quantity
		if e.productReserved[t.ProductID] <= 0 {
			delete(e.productReserved, t.ProductID)
		}
	}
	if hold := e.holds[t.HoldID]; hold != nil && hold.State == schema.HoldActive {
		hold.State = schema.HoldReleased
		e.userHeld[t.UserID] -= hold.AmountTokens
		if e.userHeld[t.UserID] <= 0 {
			delete(e.userHeld, t.UserID)
		}
	}
	t.State = state
	t.UpdatedAt = now
	key := pairKey{user: t.UserID, product: t.ProductID}
	if e.active[key] == t.ID {
		delete(e.active, key)
	}
	e.recordTransition(context.Background(), state)
}

func (e *Engine) recordReserve(ctx context.Context, start time.Time, err error) {
	result := telemetry.ResultSuccess
	if err != nil {
		result = string(errs.CodeOf(err))
		if result == "" {
			result = telemetry.ResultError
		}
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes("reserve", result)...)
	if e.reserveCounter != nil {
		e.reserveCounter.Add(ctx, 1, attrs)
	}
	if e.reserveDuration != nil {
		e.reserveDuration.Record(ctx, float64(e.now().Sub(start).Microseconds())/1000, attrs)
	}
}

func (e *Engine) recordTransition(ctx context.Context, state schema.TicketState) {
	if e.transitionCounter == nil {
		return
	}
	e.transitionCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TicketAttributes(string(state))...))
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.UserID) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("product id required"))
	}
	if req.Quantity <= 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("quantity must be >0"), errs.WithProduct(req.ProductID))
	}
	if req.PriceTokens != nil && *req.PriceTokens < 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("price tokens must be >=0"), errs.WithProduct(req.ProductID))
	}
	return nil
}

func ticketNotFound(id string) error {
	return errs.New(component, errs.CodeTicketNotFound, errs.WithField("reservation_id", id))
}

func ticketExpired(id string) error {
	return errs.New(component, errs.CodeTicketExpired, errs.WithField("reservation_id", id))
}
