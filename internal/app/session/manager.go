// Package session owns the per-user cart, wishlist and sync coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/app/cart"
	"github.com/coachpo/tokencart/internal/app/catalog"
	"github.com/coachpo/tokencart/internal/app/reservation"
	"github.com/coachpo/tokencart/internal/app/syncer"
	"github.com/coachpo/tokencart/internal/app/wishlist"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/outboxstore"
	"github.com/coachpo/tokencart/internal/domain/schema"
)

const component = "session"

// Config controls how sessions are assembled.
type Config struct {
	Sync                 syncer.Config
	StrictWishlistRemove bool
	SubscriberBuffer     int
	// IdleTimeout is how long an empty session may go unused before Run
	// evicts it. Zero disables eviction.
	IdleTimeout   time.Duration
	EvictInterval time.Duration
}

// Option configures the manager.
type Option func(*Manager)

// WithJournal records session mutations in the pending-mutation journal.
func WithJournal(journal outboxstore.Store) Option {
	return func(m *Manager) {
		m.journal = journal
	}
}

// WithClock overrides the clock used to track session use.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger overrides the default logger. Session components share it.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager opens and tracks one Session per user.
type Manager struct {
	gw      gateway.Gateway
	engine  *reservation.Engine
	cache   *catalog.Cache
	journal outboxstore.Store
	cfg     Config
	logger  *log.Logger
	now     func() time.Time

	unregisterExpiry func()

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        conc.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager constructs a manager over the shared engine and cache.
func NewManager(gw gateway.Gateway, engine *reservation.Engine, cache *catalog.Cache, cfg Config, opts ...Option) (*Manager, error) {
	if gw == nil || engine == nil || cache == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("gateway, engine and cache required"))
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	if cfg.IdleTimeout > 0 && cfg.EvictInterval <= 0 {
		cfg.EvictInterval = time.Minute
	}
	m := &Manager{
		gw:       gw,
		engine:   engine,
		cache:    cache,
		cfg:      cfg,
		logger:   log.New(os.Stdout, "session ", log.LstdFlags|log.Lmicroseconds),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.unregisterExpiry = engine.OnExpiry(m.ticketExpired)
	return m, nil
}

// Engine exposes the shared reservation engine.
func (m *Manager) Engine() *reservation.Engine {
	return m.engine
}

// Catalog exposes the shared snapshot cache.
func (m *Manager) Catalog() *catalog.Cache {
	return m.cache
}

// Open returns the user's session, creating it on first use.
func (m *Manager) Open(ctx context.Context, userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("manager shut down"))
	}
	if sess, ok := m.sessions[userID]; ok {
		sess.touch(m.now())
		return sess, nil
	}
	sess, err := m.newSession(userID)
	if err != nil {
		return nil, err
	}
	sess.touch(m.now())
	m.sessions[userID] = sess
	m.wg.Go(func() { sess.coord.Run(m.runCtx) })
	m.wg.Go(sess.fanOut)
	m.logger.Printf("session opened: user=%s", userID)
	return sess, nil
}

func (m *Manager) newSession(userID string) (*Session, error) {
	sess := &Session{
		userID:      userID,
		engine:      m.engine,
		subscribers: make(map[int]chan Event),
		buffer:      m.cfg.SubscriberBuffer,
		logger:      m.logger,
		fanOutDone:  make(chan struct{}),
	}
	opts := []syncer.Option{
		syncer.WithSnapshots(m.cache),
		syncer.WithDriftHandler(func(productID string, price int64) {
			sess.cart.PriceChanged(productID, price)
		}),
		syncer.WithLogger(m.logger),
	}
	if m.journal != nil {
		opts = append(opts, syncer.WithJournal(m.journal))
	}
	coord, err := syncer.NewCoordinator(m.gw, m.cfg.Sync, opts...)
	if err != nil {
		return nil, fmt.Errorf("session %s: coordinator: %w", userID, err)
	}
	sess.coord = coord

	sess.cart, err = cart.New(userID, m.engine, m.cache, coord, cart.WithLogger(m.logger))
	if err != nil {
		return nil, fmt.Errorf("session %s: cart: %w", userID, err)
	}
	sess.wishlist, err = wishlist.New(userID, m.cache, coord,
		wishlist.WithStrictRemove(m.cfg.StrictWishlistRemove),
		wishlist.WithLogger(m.logger))
	if err != nil {
		return nil, fmt.Errorf("session %s: wishlist: %w", userID, err)
	}
	return sess, nil
}

// Get returns an open session.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	if ok {
		sess.touch(m.now())
	}
	return sess, ok
}

// ticketExpired routes a swept reservation to the owner's cart. Users without
// an open session have no line to drop.
func (m *Manager) ticketExpired(ticket schema.ReservationTicket) {
	m.mu.Lock()
	sess, ok := m.sessions[ticket.UserID]
	m.mu.Unlock()
	if ok {
		sess.expire(ticket)
	}
}

// EvictIdle closes sessions unused for at least idle whose cart and wishlist
// are empty, with nothing pending and nobody subscribed. Sessions holding
// state stay open because it cannot be reloaded from the gateway.
func (m *Manager) EvictIdle(ctx context.Context, idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.Lock()
	var victims []*Session
	for userID, sess := range m.sessions {
		if sess.lastUsed().After(cutoff) || !sess.idle() {
			continue
		}
		delete(m.sessions, userID)
		victims = append(victims, sess)
	}
	m.mu.Unlock()

	for _, sess := range victims {
		if err := sess.close(ctx); err != nil {
			m.logger.Printf("evict session: user=%s err=%v", sess.userID, err)
			continue
		}
		m.logger.Printf("session evicted: user=%s", sess.userID)
	}
	return len(victims)
}

// Run evicts idle sessions every EvictInterval until ctx is cancelled. It
// returns at once when IdleTimeout is zero.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(ctx, m.cfg.IdleTimeout)
		}
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close drains the user's pending writes and forgets the session. Closing an
// unknown user is a no-op.
func (m *Manager) Close(ctx context.Context, userID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.close(ctx)
}

// Shutdown closes every session and stops their coordinators.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.unregisterExpiry()
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errList []error
	for _, sess := range sessions {
		if err := sess.close(ctx); err != nil {
			errList = append(errList, fmt.Errorf("session %s: %w", sess.userID, err))
		}
	}
	m.runCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errList = append(errList, fmt.Errorf("session shutdown: %w", ctx.Err()))
	}
	return errors.Join(errList...)
}
