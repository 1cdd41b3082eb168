// Package cart implements a session's cart of reserved line items.
package cart

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/app/reservation"
	"github.com/coachpo/tokencart/internal/app/syncer"
	"github.com/coachpo/tokencart/internal/domain/schema"
	"github.com/coachpo/tokencart/internal/infra/telemetry"
)

const (
	component = "cart"

	revertTimeout = 5 * time.Second
)

// Reserver is the reservation engine surface the cart drives.
type Reserver interface {
	Reserve(ctx context.Context, req reservation.Request) (schema.ReservationTicket, error)
	Shrink(reservationID string, quantity int64) (schema.ReservationTicket, error)
	Commit(reservationID string) (schema.ReservationTicket, error)
	Release(reservationID string)
}

// Snapshots resolves product snapshots.
type Snapshots interface {
	Get(ctx context.Context, productID string) (schema.ProductSnapshot, error)
	Refresh(ctx context.Context, productID string) (schema.ProductSnapshot, error)
}

// Syncer queues durability writes.
type Syncer interface {
	Submit(m syncer.Mutation) (syncer.MutationID, error)
	Flush(ctx context.Context) error
}

// Receipt is returned by optimistic cart mutations.
type Receipt struct {
	Line       schema.CartLine   `json:"line"`
	MutationID syncer.MutationID `json:"mutationId"`
}

// Option configures the store.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type entry struct {
	line schema.CartLine
	seq  uint64
}

// Store holds one user's cart lines. Every line is backed by a held or
// committed reservation ticket.
type Store struct {
	userID       string
	reservations Reserver
	snapshots    Snapshots
	sync         Syncer
	logger       *log.Logger

	mu       sync.Mutex
	lines    map[string]*entry
	versions map[string]uint64
	version  uint64
	seq      uint64

	itemOutcomes metric.Int64Counter
}

// New constructs an empty cart for userID.
func New(userID string, reservations Reserver, snapshots Snapshots, writes Syncer, opts ...Option) (*Store, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if reservations == nil || snapshots == nil || writes == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("reservations, snapshots and syncer required"))
	}
	s := &Store{
		userID:       userID,
		reservations: reservations,
		snapshots:    snapshots,
		sync:         writes,
		logger:       log.New(os.Stdout, "cart ", log.LstdFlags|log.Lmicroseconds),
		lines:        make(map[string]*entry),
		versions:     make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.itemOutcomes, _ = otel.Meter("cart").Int64Counter("cart.bulk.items",
		metric.WithDescription("Bulk add outcomes per item"),
		metric.WithUnit("{item}"))
	return s, nil
}

// UserID returns the cart owner.
func (s *Store) UserID() string {
	return s.userID
}

// AddItem reserves quantity more units of a product and upserts its line. An
// existing line keeps its snapshot price; a new line takes the current one.
// Stock and token failures leave the cart untouched.
func (s *Store) AddItem(ctx context.Context, productID string, quantity int64) (Receipt, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Receipt{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("product id required"), errs.WithUser(s.userID))
	}
	if quantity <= 0 {
		return Receipt{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("quantity must be >0"), errs.WithProduct(productID))
	}
	snap, err := s.snapshots.Get(ctx, productID)
	if err != nil {
		return Receipt{}, fmt.Errorf("add %s: %w", productID, err)
	}

	receipt, err := s.addLocked(ctx, snap, quantity)
	if errs.Is(err, errs.CodeInsufficientStock) || errs.Is(err, errs.CodeInsufficientTokens) {
		if _, refreshErr := s.snapshots.Refresh(ctx, productID); refreshErr != nil {
			s.logger.Printf("refresh after rejected add: product=%s err=%v", productID, refreshErr)
		}
	}
	return receipt, err
}

func (s *Store) addLocked(ctx context.Context, snap schema.ProductSnapshot, quantity int64) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	productID := snap.ProductID
	current, exists := s.lines[productID]
	price := snap.PriceTokens
	total := quantity
	var prev *schema.CartLine
	if exists {
		copied := current.line
		prev = &copied
		price = current.line.PriceTokensSnapshot
		total += current.line.Quantity
	}

	ticket, err := s.reservations.Reserve(ctx, reservation.Request{
		UserID:      s.userID,
		ProductID:   productID,
		Quantity:    total,
		PriceTokens: reservation.Price(price),
	})
	if err != nil {
		return Receipt{}, err
	}

	line := schema.CartLine{
		UserID:              s.userID,
		ProductID:           productID,
		Quantity:            total,
		PriceTokensSnapshot: price,
		ReservationID:       ticket.ID,
		Pending:             true,
	}
	if prev != nil {
		line.NeedsConfirmation = prev.NeedsConfirmation
	}
	return s.upsertLocked(line, prev)
}

// upsertLocked stores line and submits its durability write.
func (s *Store) upsertLocked(line schema.CartLine, prev *schema.CartLine) (Receipt, error) {
	version := s.bumpLocked(line.ProductID)
	s.putLocked(line)

	id, err := s.sync.Submit(syncer.Mutation{
		Kind:          schema.MutationCartUpsert,
		UserID:        s.userID,
		ProductID:     line.ProductID,
		Quantity:      line.Quantity,
		ReservationID: line.ReservationID,
		PriceTokens:   line.PriceTokensSnapshot,
		OnSuccess:     s.acknowledge(line.ProductID, version),
		Revert:        s.revertUpsert(line.ProductID, version, line.ReservationID, prev),
	})
	if err != nil {
		s.restoreUpsertLocked(line.ProductID, line.ReservationID, prev)
		return Receipt{}, err
	}
	return Receipt{Line: line, MutationID: id}, nil
}

// RemoveItem releases the line's reservation and deletes it. Removing an absent
// product is a no-op and returns an empty mutation id.
func (s *Store) RemoveItem(ctx context.Context, productID string) (syncer.MutationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.lines[productID]
	if !ok {
		return "", nil
	}
	removed := current.line
	s.reservations.Release(removed.ReservationID)
	delete(s.lines, productID)
	version := s.bumpLocked(productID)

	id, err := s.sync.Submit(syncer.Mutation{
		Kind:      schema.MutationCartDelete,
		UserID:    s.userID,
		ProductID: productID,
		Revert:    s.revertRemove(version, removed, current.seq),
	})
	if err != nil {
		s.restoreRemovedLocked(ctx, removed, current.seq)
		return "", err
	}
	return id, nil
}

// BulkAddFromWishlist adds one unit of each product in order. Failures are
// reported per item and never abort the batch. Once ctx is cancelled the
// remaining items are reported as errors without being attempted.
func (s *Store) BulkAddFromWishlist(ctx context.Context, productIDs []string) []schema.ItemResult {
	results := make([]schema.ItemResult, 0, len(productIDs))
	for i, productID := range productIDs {
		if err := ctx.Err(); err != nil {
			for _, rest := range productIDs[i:] {
				results = append(results, s.result(ctx, rest, nil, err))
			}
			break
		}
		receipt, err := s.AddItem(ctx, productID, 1)
		var line *schema.CartLine
		if err == nil {
			l := receipt.Line
			line = &l
		}
		results = append(results, s.result(ctx, productID, line, err))
	}
	return results
}

func (s *Store) result(ctx context.Context, productID string, line *schema.CartLine, err error) schema.ItemResult {
	res := schema.ItemResult{ProductID: productID, Line: line, Err: err}
	switch {
	case err == nil:
		res.Outcome = schema.OutcomeAdded
	case errs.Is(err, errs.CodeInsufficientStock):
		res.Outcome = schema.OutcomeInsufficientStock
	case errs.Is(err, errs.CodeInsufficientTokens):
		res.Outcome = schema.OutcomeInsufficientTokens
	default:
		res.Outcome = schema.OutcomeError
	}
	if s.itemOutcomes != nil {
		s.itemOutcomes.Add(ctx, 1, metric.WithAttributes(telemetry.ItemOutcomeAttributes(string(res.Outcome))...))
	}
	return res
}

// PriceChanged flags the product's line when currentPrice differs from its
// snapshot price. Quantity and snapshot price are left untouched. It reports
// whether the line now needs confirmation.
func (s *Store) PriceChanged(productID string, currentPrice int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lines[productID]
	if !ok {
		return false
	}
	current.line.NeedsConfirmation = current.line.PriceTokensSnapshot != currentPrice
	return current.line.NeedsConfirmation
}

// ConfirmPrice re-reserves the line at the authoritative price, adopts it as
// the snapshot price and clears the confirmation flag.
func (s *Store) ConfirmPrice(ctx context.Context, productID string) (Receipt, error) {
	snap, err := s.snapshots.Refresh(ctx, productID)
	if err != nil {
		return Receipt{}, fmt.Errorf("confirm price %s: %w", productID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lines[productID]
	if !ok {
		return Receipt{}, errs.New(component, errs.CodeNotFound, errs.WithMessage("no cart line"), errs.WithProduct(productID), errs.WithUser(s.userID))
	}
	prev := current.line
	ticket, err := s.reservations.Reserve(ctx, reservation.Request{
		UserID:      s.userID,
		ProductID:   productID,
		Quantity:    prev.Quantity,
		PriceTokens: reservation.Price(snap.PriceTokens),
	})
	if err != nil {
		return Receipt{}, err
	}
	line := prev
	line.PriceTokensSnapshot = snap.PriceTokens
	line.ReservationID = ticket.ID
	line.NeedsConfirmation = false
	line.Pending = true
	return s.upsertLocked(line, &prev)
}

// Commit waits for outstanding writes and commits every line's ticket. Lines
// that still need price confirmation or were never persisted block the commit.
func (s *Store) Commit(ctx context.Context) ([]schema.ReservationTicket, error) {
	if err := s.sync.Flush(ctx); err != nil {
		return nil, fmt.Errorf("commit: flush pending writes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.sortedLocked()
	if len(lines) == 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("cart is empty"), errs.WithUser(s.userID))
	}
	for _, line := range lines {
		if line.NeedsConfirmation {
			return nil, errs.New(component, errs.CodePriceDrift,
				errs.WithMessage("price changed, confirmation required"), errs.WithProduct(line.ProductID), errs.WithUser(s.userID))
		}
		if line.Pending {
			return nil, errs.New(component, errs.CodeConflict,
				errs.WithMessage("line not yet persisted"), errs.WithProduct(line.ProductID), errs.WithUser(s.userID))
		}
	}
	tickets := make([]schema.ReservationTicket, 0, len(lines))
	for _, line := range lines {
		ticket, err := s.reservations.Commit(line.ReservationID)
		if err != nil {
			if errs.Is(err, errs.CodeTicketExpired) || errs.Is(err, errs.CodeTicketNotFound) {
				s.dropLocked(line.ProductID)
			}
			return tickets, fmt.Errorf("commit %s: %w", line.ProductID, err)
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// Expire drops the line backed by ticket once the reservation lapsed, and
// deletes its persisted row. It reports whether a line was dropped; a line
// already re-reserved under another ticket is left alone.
func (s *Store) Expire(ticket schema.ReservationTicket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lines[ticket.ProductID]
	if !ok || current.line.ReservationID != ticket.ID {
		return false
	}
	s.dropLocked(ticket.ProductID)
	return true
}

// CompleteCheckout releases the settled tickets and removes their lines. Lines
// whose ticket changed since the commit stay in the cart.
func (s *Store) CompleteCheckout(tickets []schema.ReservationTicket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ticket := range tickets {
		s.reservations.Release(ticket.ID)
		current, ok := s.lines[ticket.ProductID]
		if !ok || current.line.ReservationID != ticket.ID {
			continue
		}
		s.dropLocked(ticket.ProductID)
	}
}

// dropLocked forgets a line without touching its ticket and queues the row
// delete. Bumping the version turns any outstanding revert for it into a no-op.
func (s *Store) dropLocked(productID string) {
	delete(s.lines, productID)
	s.bumpLocked(productID)
	if _, err := s.sync.Submit(syncer.Mutation{
		Kind:      schema.MutationCartDelete,
		UserID:    s.userID,
		ProductID: productID,
	}); err != nil {
		s.logger.Printf("queue delete of dropped line: product=%s err=%v", productID, err)
	}
}

// Lines returns the cart lines in the order they were first added.
func (s *Store) Lines() []schema.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Line returns the line for a product.
func (s *Store) Line(productID string) (schema.CartLine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lines[productID]
	if !ok {
		return schema.CartLine{}, false
	}
	return current.line, true
}

// Len returns the number of lines.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// TotalTokens sums every line at its snapshot price.
func (s *Store) TotalTokens() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.lines {
		total += e.line.TotalTokens()
	}
	return total
}

func (s *Store) acknowledge(productID string, version uint64) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.versions[productID] != version {
			return
		}
		if current, ok := s.lines[productID]; ok {
			current.line.Pending = false
		}
	}
}

func (s *Store) revertUpsert(productID string, version uint64, ticketID string, prev *schema.CartLine) func() bool {
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.versions[productID] != version {
			return false
		}
		s.restoreUpsertLocked(productID, ticketID, prev)
		s.bumpLocked(productID)
		return true
	}
}

// restoreUpsertLocked undoes an upsert. A new line is dropped and its ticket
// released; an existing line gets its previous quantity and price back.
func (s *Store) restoreUpsertLocked(productID, ticketID string, prev *schema.CartLine) {
	if prev == nil {
		s.reservations.Release(ticketID)
		delete(s.lines, productID)
		return
	}
	restored := *prev
	restored.ReservationID = ticketID
	restored.Pending = false
	current := s.lines[productID]
	switch {
	case current != nil && current.line.PriceTokensSnapshot == prev.PriceTokensSnapshot && prev.Quantity <= current.line.Quantity:
		if _, err := s.reservations.Shrink(ticketID, prev.Quantity); err != nil {
			s.logger.Printf("rollback shrink: product=%s ticket=%s err=%v", productID, ticketID, err)
		}
	default:
		ctx, cancel := context.WithTimeout(context.Background(), revertTimeout)
		defer cancel()
		ticket, err := s.reservations.Reserve(ctx, reservation.Request{
			UserID:      s.userID,
			ProductID:   productID,
			Quantity:    prev.Quantity,
			PriceTokens: reservation.Price(prev.PriceTokensSnapshot),
		})
		if err != nil {
			s.logger.Printf("rollback re-reserve: product=%s err=%v", productID, err)
		} else {
			restored.ReservationID = ticket.ID
		}
	}
	s.putLocked(restored)
}

func (s *Store) revertRemove(version uint64, removed schema.CartLine, seq uint64) func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), revertTimeout)
		defer cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.versions[removed.ProductID] != version {
			return false
		}
		if !s.restoreRemovedLocked(ctx, removed, seq) {
			return false
		}
		s.bumpLocked(removed.ProductID)
		return true
	}
}

// restoreRemovedLocked re-reserves a removed line. It gives up when the stock
// or tokens are gone.
func (s *Store) restoreRemovedLocked(ctx context.Context, removed schema.CartLine, seq uint64) bool {
	ticket, err := s.reservations.Reserve(ctx, reservation.Request{
		UserID:      s.userID,
		ProductID:   removed.ProductID,
		Quantity:    removed.Quantity,
		PriceTokens: reservation.Price(removed.PriceTokensSnapshot),
	})
	if err != nil {
		s.logger.Printf("rollback remove: product=%s err=%v", removed.ProductID, err)
		return false
	}
	removed.ReservationID = ticket.ID
	removed.Pending = false
	s.lines[removed.ProductID] = &entry{line: removed, seq: seq}
	return true
}

func (s *Store) putLocked(line schema.CartLine) {
	if current, ok := s.lines[line.ProductID]; ok {
		current.line = line
		return
	}
	s.seq++
	s.lines[line.ProductID] = &entry{line: line, seq: s.seq}
}

func (s *Store) bumpLocked(productID string) uint64 {
	s.version++
	s.versions[productID] = s.version
	return s.version
}

func (s *Store) sortedLocked() []schema.CartLine {
	entries := make([]*entry, 0, len(s.lines))
	for _, e := range s.lines {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]schema.CartLine, len(entries))
	for i, e := range entries {
		out[i] = e.line
	}
	return out
}
