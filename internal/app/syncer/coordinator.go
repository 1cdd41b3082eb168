// Package syncer reconciles optimistic cart and wishlist mutations with the
// persistence gateway.
//
// Each session owns one Coordinator. Mutations are written by a single
// goroutine in submission order; a write that keeps failing after the retry
// budget is reverted locally and reported as a SyncFailed notification.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/outboxstore"
	"github.com/coachpo/tokencart/internal/domain/schema"
	"github.com/coachpo/tokencart/internal/infra/telemetry"
)

const (
	component = "syncer"

	resultRetention = 1024
)

// Gateway is the subset of the persistence gateway the coordinator writes to.
type Gateway interface {
	gateway.Selections
	GetStock(ctx context.Context, productID string) (gateway.Stock, error)
}

// SnapshotStore receives refreshed prices when drift is detected.
type SnapshotStore interface {
	Peek(productID string) (schema.ProductSnapshot, bool, bool)
	Store(snap schema.ProductSnapshot) bool
}

// DriftHandler is invoked when the authoritative price of a product differs
// from the snapshot price a cart line was written with.
type DriftHandler func(productID string, currentPrice int64)

// Config tunes retries and gateway throttling.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RateLimit caps gateway writes per second. Zero disables throttling.
	RateLimit          float64
	Burst              int
	NotificationBuffer int
}

// DefaultConfig returns three attempts with 500ms base and 5s max backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		BaseDelay:          500 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		RateLimit:          20,
		Burst:              5,
		NotificationBuffer: 64,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Burst <= 0 {
		c.Burst = defaults.Burst
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = defaults.NotificationBuffer
	}
	return c
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithJournal records every mutation in the pending-mutation journal.
func WithJournal(journal outboxstore.Store) Option {
	return func(c *Coordinator) {
		c.journal = journal
	}
}

// WithSnapshots lets the coordinator refresh cached prices on drift.
func WithSnapshots(store SnapshotStore) Option {
	return func(c *Coordinator) {
		c.snapshots = store
	}
}

// WithDriftHandler registers the callback invoked on price drift.
func WithDriftHandler(handler DriftHandler) Option {
	return func(c *Coordinator) {
		c.onDrift = handler
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type pending struct {
	id           MutationID
	m            Mutation
	journalID    int64
	priceChecked bool
	attempts     int
	err          error
	done         chan struct{}
}

// Coordinator serialises durability writes for one session.
type Coordinator struct {
	gw        Gateway
	cfg       Config
	limiter   *rate.Limiter
	journal   outboxstore.Store
	snapshots SnapshotStore
	onDrift   DriftHandler
	now       func() time.Time
	logger    *log.Logger

	mu          sync.Mutex
	queue       []*pending
	inflight    map[MutationID]*pending
	last        *pending
	results     map[MutationID]error
	resultOrder []MutationID
	closed      bool

	wake          chan struct{}
	notifications chan schema.Notification
	started       atomic.Bool
	done          chan struct{}

	mutationCounter  metric.Int64Counter
	mutationDuration metric.Float64Histogram
	retryCounter     metric.Int64Counter
}

// NewCoordinator constructs a coordinator writing to gw. Run must be started
// for submitted mutations to be delivered.
func NewCoordinator(gw Gateway, cfg Config, opts ...Option) (*Coordinator, error) {
	if gw == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("gateway required"))
	}
	cfg = cfg.withDefaults()
	c := &Coordinator{
		gw:       gw,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.New(os.Stdout, "syncer ", log.LstdFlags|log.Lmicroseconds),
		inflight: make(map[MutationID]*pending),
		results:  make(map[MutationID]error),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.notifications = make(chan schema.Notification, cfg.NotificationBuffer)

	meter := otel.Meter("syncer")
	c.mutationCounter, _ = meter.Int64Counter("sync.mutations",
		metric.WithDescription("Durability writes by kind and result"),
		metric.WithUnit("{mutation}"))
	c.mutationDuration, _ = meter.Float64Histogram("sync.mutation.duration",
		metric.WithDescription("Time from first attempt to acknowledgement or abandonment"),
		metric.WithUnit("ms"))
	c.retryCounter, _ = meter.Int64Counter("sync.retries",
		metric.WithDescription("Failed write attempts"),
		metric.WithUnit("{attempt}"))
	return c, nil
}

// Notifications streams SyncFailed and PriceDrift notifications. The channel is
// closed when Run returns.
func (c *Coordinator) Notifications() <-chan schema.Notification {
	return c.notifications
}

// Submit queues a mutation and returns immediately.
func (c *Coordinator) Submit(m Mutation) (MutationID, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	p := &pending{
		id:   MutationID(uuid.NewString()),
		m:    m,
		done: make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errs.New(component, errs.CodeUnavailable, errs.WithMessage("coordinator closed"), errs.WithUser(m.UserID))
	}
	c.queue = append(c.queue, p)
	c.inflight[p.id] = p
	c.last = p
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return p.id, nil
}

// Wait blocks until the mutation is acknowledged or abandoned. It returns nil
// on success and a CodeSyncFailed error once retries are exhausted.
func (c *Coordinator) Wait(ctx context.Context, id MutationID) error {
	c.mu.Lock()
	p, ok := c.inflight[id]
	if !ok {
		err, known := c.results[id]
		c.mu.Unlock()
		if known {
			return err
		}
		return errs.New(component, errs.CodeNotFound, errs.WithMessage("unknown mutation"), errs.WithField("mutation_id", string(id)))
	}
	c.mu.Unlock()

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every mutation submitted before the call has completed.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last == nil {
		return nil
	}
	select {
	case <-last.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of mutations not yet completed.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Run delivers queued mutations until Close is called and the queue drained,
// or ctx is cancelled. Mutations left when ctx is cancelled are abandoned
// without revert and stay pending in the journal.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	defer close(c.done)
	defer close(c.notifications)
	for {
		p, ok := c.next(ctx)
		if !ok {
			c.abandon(ctx.Err())
			return
		}
		c.process(ctx, p)
	}
}

// Close stops accepting mutations. Already queued mutations are still delivered.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Shutdown closes the coordinator and waits for the queue to drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Close()
	if c.started.CompareAndSwap(false, true) {
		c.abandon(nil)
		close(c.notifications)
		close(c.done)
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("syncer shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) next(ctx context.Context) (*pending, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		c.mu.Lock()
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return p, true
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-c.wake:
		}
	}
}

func (c *Coordinator) process(ctx context.Context, p *pending) {
	start := c.now()
	c.journalEnqueue(ctx, p)

	err := c.deliver(ctx, p)
	if err == nil {
		c.journalDelivered(ctx, p)
		if p.m.OnSuccess != nil {
			p.m.OnSuccess()
		}
		c.record(ctx, p, telemetry.ResultSuccess, start)
		c.finish(p, nil)
		return
	}
	if ctx.Err() != nil {
		c.finish(p, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("coordinator stopped"), errs.WithCause(err), errs.WithField("mutation_id", string(p.id))))
		return
	}

	reverted := false
	if p.m.Revert != nil {
		reverted = p.m.Revert()
	}
	c.journalDelete(ctx, p)
	c.logger.Printf("sync failed: mutation=%s kind=%s user=%s product=%s attempts=%d reverted=%t err=%v",
		p.id, p.m.Kind, p.m.UserID, p.m.ProductID, p.attempts, reverted, err)
	c.notify(schema.Notification{
		Type:       schema.NotificationSyncFailed,
		MutationID: string(p.id),
		Kind:       p.m.Kind,
		UserID:     p.m.UserID,
		ProductID:  p.m.ProductID,
		Reverted:   reverted,
		Error:      err.Error(),
		At:         c.now(),
	})
	c.record(ctx, p, string(errs.CodeSyncFailed), start)
	c.finish(p, errs.New(component, errs.CodeSyncFailed,
		errs.WithMessage(fmt.Sprintf("%s abandoned after %d attempts", p.m.Kind, p.attempts)),
		errs.WithCause(err),
		errs.WithUser(p.m.UserID),
		errs.WithProduct(p.m.ProductID),
		errs.WithField("mutation_id", string(p.id))))
}

// deliver attempts the write until it succeeds, fails permanently or the
// attempt budget is spent.
func (c *Coordinator) deliver(ctx context.Context, p *pending) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.cfg.BaseDelay
	backoffCfg.MaxInterval = c.cfg.MaxDelay

	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("throttle: %w", err)
			}
		}
		p.attempts = attempt
		err := c.write(ctx, p)
		if err == nil {
			return nil
		}
		if c.retryCounter != nil {
			c.retryCounter.Add(ctx, 1, metric.WithAttributes(telemetry.MutationAttributes(string(p.m.Kind), telemetry.ResultError)...))
		}
		c.journalFailed(ctx, p, err)
		if !errs.Retryable(err) || attempt >= c.cfg.MaxAttempts {
			return err
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
	}
}

func (c *Coordinator) write(ctx context.Context, p *pending) error {
	if p.m.Kind == schema.MutationCartUpsert && !p.priceChecked {
		if err := c.checkPrice(ctx, p.m); err != nil {
			return err
		}
		p.priceChecked = true
	}
	return applyMutation(ctx, c.gw, p.m)
}

// applyMutation issues the gateway write for m. Every write is an idempotent
// upsert or delete, so replaying one is safe.
func applyMutation(ctx context.Context, gw gateway.Selections, m Mutation) error {
	switch m.Kind {
	case schema.MutationCartUpsert:
		return gw.UpsertCartLine(ctx, gateway.CartLineRow{
			UserID:        m.UserID,
			ProductID:     m.ProductID,
			Quantity:      m.Quantity,
			ReservationID: m.ReservationID,
		})
	case schema.MutationCartDelete:
		return gw.DeleteCartLine(ctx, m.UserID, m.ProductID)
	case schema.MutationWishlistUpsert:
		return gw.UpsertWishlistEntry(ctx, m.UserID, m.ProductID, m.AddedAt)
	case schema.MutationWishlistDelete:
		return gw.DeleteWishlistEntry(ctx, m.UserID, m.ProductID)
	default:
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("unknown mutation kind "+string(m.Kind)))
	}
}

func (c *Coordinator) checkPrice(ctx context.Context, m Mutation) error {
	issuedAt := c.now()
	stock, err := c.gw.GetStock(ctx, m.ProductID)
	if err != nil {
		return fmt.Errorf("price check %s: %w", m.ProductID, err)
	}
	if stock.PriceTokens == m.PriceTokens {
		return nil
	}
	if c.snapshots != nil {
		if snap, _, ok := c.snapshots.Peek(m.ProductID); ok {
			snap.PriceTokens = stock.PriceTokens
			snap.StockAvailable = stock.StockAvailable
			snap.FetchedAt = issuedAt
			c.snapshots.Store(snap)
		}
	}
	c.logger.Printf("price drift: user=%s product=%s snapshot=%d current=%d", m.UserID, m.ProductID, m.PriceTokens, stock.PriceTokens)
	c.notify(schema.Notification{
		Type:        schema.NotificationPriceDrift,
		Kind:        m.Kind,
		UserID:      m.UserID,
		ProductID:   m.ProductID,
		PriceTokens: stock.PriceTokens,
		At:          c.now(),
	})
	if c.onDrift != nil {
		c.onDrift(m.ProductID, stock.PriceTokens)
	}
	return nil
}

// abandon fails everything still queued without reverting it.
func (c *Coordinator) abandon(cause error) {
	c.mu.Lock()
	remaining := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, p := range remaining {
		opts := []errs.Option{errs.WithMessage("coordinator stopped"), errs.WithField("mutation_id", string(p.id))}
		if cause != nil {
			opts = append(opts, errs.WithCause(cause))
		}
		c.finish(p, errs.New(component, errs.CodeUnavailable, opts...))
	}
	if len(remaining) > 0 {
		c.logger.Printf("abandoned %d queued mutations", len(remaining))
	}
}

func (c *Coordinator) finish(p *pending, err error) {
	p.err = err
	c.mu.Lock()
	delete(c.inflight, p.id)
	c.results[p.id] = err
	c.resultOrder = append(c.resultOrder, p.id)
	if len(c.resultOrder) > resultRetention {
		evict := c.resultOrder[0]
		c.resultOrder = c.resultOrder[1:]
		delete(c.results, evict)
	}
	c.mu.Unlock()
	close(p.done)
}

func (c *Coordinator) notify(n schema.Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Printf("notification buffer full, dropping %s for product %s", n.Type, n.ProductID)
	}
}

func (c *Coordinator) record(ctx context.Context, p *pending, result string, start time.Time) {
	attrs := metric.WithAttributes(telemetry.MutationAttributes(string(p.m.Kind), result)...)
	if c.mutationCounter != nil {
		c.mutationCounter.Add(ctx, 1, attrs)
	}
	if c.mutationDuration != nil {
		c.mutationDuration.Record(ctx, float64(c.now().Sub(start).Microseconds())/1000, attrs)
	}
}

func (c *Coordinator) journalEnqueue(ctx context.Context, p *pending) {
	if c.journal == nil {
		return
	}
	payload, err := json.Marshal(journalPayload{
		Quantity:      p.m.Quantity,
		ReservationID: p.m.ReservationID,
		PriceTokens:   p.m.PriceTokens,
		AddedAt:       p.m.AddedAt,
	})
	if err != nil {
		c.logger.Printf("journal encode %s: %v", p.id, err)
		return
	}
	rec, err := c.journal.Enqueue(ctx, outboxstore.Entry{
		MutationID: string(p.id),
		Aggregate:  p.m.Kind.Aggregate(),
		Kind:       string(p.m.Kind),
		UserID:     p.m.UserID,
		ProductID:  p.m.ProductID,
		Payload:    payload,
	})
	if err != nil {
		c.logger.Printf("journal enqueue %s: %v", p.id, err)
		return
	}
	p.journalID = rec.ID
}

func (c *Coordinator) journalDelivered(ctx context.Context, p *pending) {
	if c.journal == nil || p.journalID == 0 {
		return
	}
	if err := c.journal.MarkDelivered(ctx, p.journalID); err != nil {
		c.logger.Printf("journal mark delivered %s: %v", p.id, err)
	}
}

func (c *Coordinator) journalFailed(ctx context.Context, p *pending, cause error) {
	if c.journal == nil || p.journalID == 0 {
		return
	}
	if err := c.journal.MarkFailed(ctx, p.journalID, cause.Error()); err != nil {
		c.logger.Printf("journal mark failed %s: %v", p.id, err)
	}
}

func (c *Coordinator) journalDelete(ctx context.Context, p *pending) {
	if c.journal == nil || p.journalID == 0 {
		return
	}
	if err := c.journal.Delete(ctx, p.journalID); err != nil {
		c.logger.Printf("journal delete %s: %v", p.id, err)
	}
}
