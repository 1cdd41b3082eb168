package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/outboxstore"
	"github.com/coachpo/tokencart/internal/domain/schema"
	"github.com/coachpo/tokencart/internal/infra/telemetry"
)

const (
	defaultReplayInterval     = 5 * time.Second
	defaultReplayBatchSize    = 128
	defaultReplayMaxAttempts  = 10
	defaultDeliveredRetention = 24 * time.Hour
)

// ReplayOption configures the journal replayer.
type ReplayOption func(*Replayer)

// WithReplayInterval tweaks the polling cadence for replaying undelivered writes.
func WithReplayInterval(interval time.Duration) ReplayOption {
	return func(r *Replayer) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows fetched per replay pass.
func WithReplayBatchSize(size int) ReplayOption {
	return func(r *Replayer) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithReplayMaxAttempts caps delivery attempts per row, including those the
// journaling coordinator recorded. Rows past the cap are dropped.
func WithReplayMaxAttempts(attempts int) ReplayOption {
	return func(r *Replayer) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

// WithDeliveredRetention sets how long delivered rows are kept before being
// purged. A negative value disables purging.
func WithDeliveredRetention(retention time.Duration) ReplayOption {
	return func(r *Replayer) {
		if retention != 0 {
			r.retention = retention
		}
	}
}

// WithReplayCutoff limits replay to rows created at or before cutoff. It
// defaults to the replayer's construction time, so rows journaled by live
// coordinators are left to them.
func WithReplayCutoff(cutoff time.Time) ReplayOption {
	return func(r *Replayer) {
		r.cutoff = cutoff
	}
}

// WithReplayClock overrides the time source.
func WithReplayClock(now func() time.Time) ReplayOption {
	return func(r *Replayer) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReplayLogger overrides the default logger.
func WithReplayLogger(logger *log.Logger) ReplayOption {
	return func(r *Replayer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// ReplayStats summarises one or more replay passes.
type ReplayStats struct {
	Delivered int
	Failed    int
	Dropped   int
}

func (s *ReplayStats) add(other ReplayStats) {
	s.Delivered += other.Delivered
	s.Failed += other.Failed
	s.Dropped += other.Dropped
}

// Replayer redelivers journal rows a previous process left unacknowledged and
// purges delivered rows once they age out.
type Replayer struct {
	gw      gateway.Selections
	journal outboxstore.Store

	logger      *log.Logger
	now         func() time.Time
	interval    time.Duration
	batchSize   int
	maxAttempts int
	retention   time.Duration
	cutoff      time.Time

	replayCounter metric.Int64Counter
}

// NewReplayer constructs a replayer writing journal rows to gw.
func NewReplayer(gw gateway.Selections, journal outboxstore.Store, opts ...ReplayOption) (*Replayer, error) {
	if gw == nil || journal == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("gateway and journal required"))
	}
	r := &Replayer{
		gw:          gw,
		journal:     journal,
		logger:      log.New(os.Stdout, "syncer/replay ", log.LstdFlags|log.Lmicroseconds),
		now:         time.Now,
		interval:    defaultReplayInterval,
		batchSize:   defaultReplayBatchSize,
		maxAttempts: defaultReplayMaxAttempts,
		retention:   defaultDeliveredRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.cutoff.IsZero() {
		r.cutoff = r.now()
	}
	r.replayCounter, _ = otel.Meter("syncer").Int64Counter("sync.journal.replayed",
		metric.WithDescription("Journal rows replayed by result"),
		metric.WithUnit("{row}"))
	return r, nil
}

// Drain replays until a pass delivers and drops nothing, so every row that can
// currently be delivered has been.
func (r *Replayer) Drain(ctx context.Context) (ReplayStats, error) {
	var total ReplayStats
	for {
		stats, err := r.ReplayPending(ctx)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.Delivered == 0 && stats.Dropped == 0 {
			return total, nil
		}
	}
}

// ReplayPending runs one pass over the oldest pending rows. Rows are applied in
// journal order; once a row fails, later rows for the same user and product
// wait for the next pass so writes never land out of order.
func (r *Replayer) ReplayPending(ctx context.Context) (ReplayStats, error) {
	var stats ReplayStats
	records, err := r.journal.ListPending(ctx, "", r.batchSize)
	if err != nil {
		return stats, fmt.Errorf("journal replay: list pending: %w", err)
	}
	blocked := make(map[string]struct{})
	for _, rec := range records {
		if rec.CreatedAt.After(r.cutoff) {
			break
		}
		key := rec.UserID + "\x00" + rec.ProductID
		if _, ok := blocked[key]; ok {
			continue
		}
		m, err := decodeRecord(rec)
		if err != nil {
			r.drop(ctx, rec, err)
			stats.Dropped++
			continue
		}
		if err := applyMutation(ctx, r.gw, m); err != nil {
			if ctx.Err() != nil {
				return stats, fmt.Errorf("journal replay: %w", ctx.Err())
			}
			if !errs.Retryable(err) || rec.Attempts+1 >= r.maxAttempts {
				r.drop(ctx, rec, err)
				stats.Dropped++
				continue
			}
			if markErr := r.journal.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				r.logger.Printf("journal replay mark failed (id=%d): %v", rec.ID, markErr)
			}
			blocked[key] = struct{}{}
			stats.Failed++
			r.count(ctx, rec.Kind, telemetry.ResultError)
			continue
		}
		if err := r.journal.MarkDelivered(ctx, rec.ID); err != nil {
			r.logger.Printf("journal replay mark delivered (id=%d): %v", rec.ID, err)
			blocked[key] = struct{}{}
			continue
		}
		stats.Delivered++
		r.count(ctx, rec.Kind, telemetry.ResultSuccess)
	}
	return stats, nil
}

// Purge deletes delivered rows older than the retention window.
func (r *Replayer) Purge(ctx context.Context) (int, error) {
	if r.retention < 0 {
		return 0, nil
	}
	n, err := r.journal.PurgeDelivered(ctx, r.now().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("journal purge: %w", err)
	}
	return n, nil
}

// Run replays and purges immediately, then on every interval until ctx is
// cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Replayer) tick(ctx context.Context) {
	stats, err := r.ReplayPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Printf("%v", err)
		}
		return
	}
	if stats != (ReplayStats{}) {
		r.logger.Printf("journal replay: delivered=%d failed=%d dropped=%d", stats.Delivered, stats.Failed, stats.Dropped)
	}
	purged, err := r.Purge(ctx)
	if err != nil {
		r.logger.Printf("%v", err)
		return
	}
	if purged > 0 {
		r.logger.Printf("journal purge: removed %d delivered rows", purged)
	}
}

func (r *Replayer) drop(ctx context.Context, rec outboxstore.Record, cause error) {
	r.logger.Printf("journal replay dropping row: id=%d kind=%s user=%s product=%s attempts=%d err=%v",
		rec.ID, rec.Kind, rec.UserID, rec.ProductID, rec.Attempts+1, cause)
	if err := r.journal.Delete(ctx, rec.ID); err != nil {
		r.logger.Printf("journal replay delete (id=%d): %v", rec.ID, err)
	}
	r.count(ctx, rec.Kind, string(errs.CodeSyncFailed))
}

func (r *Replayer) count(ctx context.Context, kind, result string) {
	if r.replayCounter != nil {
		r.replayCounter.Add(ctx, 1, metric.WithAttributes(telemetry.MutationAttributes(kind, result)...))
	}
}

// decodeRecord rebuilds the mutation a journal row was written for.
func decodeRecord(rec outboxstore.Record) (Mutation, error) {
	var payload journalPayload
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return Mutation{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	m := Mutation{
		Kind:          schema.MutationKind(rec.Kind),
		UserID:        rec.UserID,
		ProductID:     rec.ProductID,
		Quantity:      payload.Quantity,
		ReservationID: payload.ReservationID,
		PriceTokens:   payload.PriceTokens,
		AddedAt:       payload.AddedAt,
	}
	if m.Kind == schema.MutationWishlistUpsert && m.AddedAt.IsZero() {
		m.AddedAt = rec.CreatedAt
	}
	if err := m.validate(); err != nil {
		return Mutation{}, err
	}
	return m, nil
}
