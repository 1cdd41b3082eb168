package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/tokencart/internal/app/cart"
	"github.com/coachpo/tokencart/internal/app/reservation"
	"github.com/coachpo/tokencart/internal/app/syncer"
	"github.com/coachpo/tokencart/internal/app/wishlist"
	"github.com/coachpo/tokencart/internal/domain/schema"
)

// Event is a notification delivered to session subscribers.
type Event = schema.Notification

// Session bundles one user's cart, wishlist and coordinator.
type Session struct {
	userID   string
	engine   *reservation.Engine
	cart     *cart.Store
	wishlist *wishlist.Store
	coord    *syncer.Coordinator
	logger   *log.Logger

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSub     int
	buffer      int
	fanOutDone  chan struct{}

	lastUse atomic.Int64
}

// UserID returns the session owner.
func (s *Session) UserID() string {
	return s.userID
}

// Cart returns the session cart.
func (s *Session) Cart() *cart.Store {
	return s.cart
}

// Wishlist returns the session wishlist.
func (s *Session) Wishlist() *wishlist.Store {
	return s.wishlist
}

// Wait blocks until the mutation is acknowledged or abandoned.
func (s *Session) Wait(ctx context.Context, id syncer.MutationID) error {
	return s.coord.Wait(ctx, id)
}

// Flush waits for every mutation submitted so far.
func (s *Session) Flush(ctx context.Context) error {
	return s.coord.Flush(ctx)
}

// Pending returns the number of unacknowledged mutations.
func (s *Session) Pending() int {
	return s.coord.Pending()
}

// Subscribe registers a notification listener. The returned func unsubscribes
// and closes the channel. Slow listeners miss notifications rather than block.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan Event, s.buffer)
	select {
	case <-s.fanOutDone:
		close(ch)
		return ch, func() {}
	default:
	}
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if existing, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(existing)
			}
		})
	}
}

// MoveWishlistToCart adds one unit of each product to the cart. An empty list
// moves the whole wishlist in AddedAt order. Wishlist entries are kept.
func (s *Session) MoveWishlistToCart(ctx context.Context, productIDs []string) []schema.ItemResult {
	if len(productIDs) == 0 {
		productIDs = s.wishlist.ProductIDs()
	}
	return s.cart.BulkAddFromWishlist(ctx, productIDs)
}

// Checkout commits the cart and settles every committed ticket's hold. Once
// all holds settle the tickets are released and the lines removed; a failed
// settle leaves the cart committed so the call can be retried.
func (s *Session) Checkout(ctx context.Context) ([]schema.TokenHold, error) {
	tickets, err := s.cart.Commit(ctx)
	if err != nil {
		return nil, err
	}
	holds := make([]schema.TokenHold, 0, len(tickets))
	for _, ticket := range tickets {
		hold, err := s.engine.Settle(ctx, ticket.ID)
		if err != nil {
			return holds, fmt.Errorf("checkout %s: %w", ticket.ProductID, err)
		}
		holds = append(holds, hold)
	}
	s.cart.CompleteCheckout(tickets)
	return holds, nil
}

func (s *Session) expire(ticket schema.ReservationTicket) {
	if !s.cart.Expire(ticket) {
		return
	}
	s.broadcast(Event{
		Type:      schema.NotificationReservationExpired,
		UserID:    s.userID,
		ProductID: ticket.ProductID,
		Reverted:  true,
		At:        ticket.UpdatedAt,
	})
}

func (s *Session) touch(now time.Time) {
	s.lastUse.Store(now.UnixNano())
}

func (s *Session) lastUsed() time.Time {
	return time.Unix(0, s.lastUse.Load())
}

func (s *Session) idle() bool {
	s.subMu.Lock()
	subscribed := len(s.subscribers) > 0
	s.subMu.Unlock()
	return !subscribed && s.cart.Len() == 0 && s.wishlist.Len() == 0 && s.coord.Pending() == 0
}

func (s *Session) broadcast(n Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- n:
		default:
			s.logger.Printf("subscriber slow, dropping %s for user=%s product=%s", n.Type, n.UserID, n.ProductID)
		}
	}
}

func (s *Session) fanOut() {
	defer func() {
		s.subMu.Lock()
		close(s.fanOutDone)
		for id, ch := range s.subscribers {
			delete(s.subscribers, id)
			close(ch)
		}
		s.subMu.Unlock()
	}()
	for n := range s.coord.Notifications() {
		s.broadcast(n)
	}
}

func (s *Session) close(ctx context.Context) error {
	if err := s.coord.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-s.fanOutDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %s: %w", s.userID, ctx.Err())
	}
}
