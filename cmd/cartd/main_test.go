package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tokencart/internal/domain/outboxstore"
	"github.com/coachpo/tokencart/internal/infra/config"
)

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
}

func seededConfig(driver config.Driver) config.AppConfig {
	cfg := config.Default()
	cfg.Persistence.Driver = driver
	cfg.Catalog.Seed = []config.ProductSeed{
		{ID: "p1", Slug: "night-drive", Name: "Night Drive", PriceTokens: 12, StockAvailable: 3},
	}
	cfg.Catalog.Balances = map[string]int64{"u1": 40}
	return cfg
}

func TestMemoryBackendSeeds(t *testing.T) {
	ctx := context.Background()
	cfg := seededConfig(config.DriverMemory)
	be, err := openBackend(ctx, log.New(io.Discard, "", 0), cfg)
	require.NoError(t, err)
	defer be.close()
	require.Nil(t, be.journal)

	require.NoError(t, seed(ctx, be.seeder, cfg))
	rec, err := be.gateway.GetProduct(ctx, "night-drive")
	require.NoError(t, err)
	require.Equal(t, "p1", rec.ID)
	balance, err := be.gateway.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(40), balance)
}

func TestBoltBackendSeedsAndReportsJournal(t *testing.T) {
	ctx := context.Background()
	cfg := seededConfig(config.DriverBolt)
	cfg.Persistence.BoltPath = filepath.Join(t.TempDir(), "cart.db")
	cfg.Persistence.Journal = true

	be, err := openBackend(ctx, log.New(io.Discard, "", 0), cfg)
	require.NoError(t, err)
	defer be.close()
	require.NotNil(t, be.journal)

	require.NoError(t, seed(ctx, be.seeder, cfg))
	stock, err := be.gateway.GetStock(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(3), stock.StockAvailable)

	_, err = be.journal.Enqueue(ctx, outboxstore.Entry{MutationID: "m1", Aggregate: "cart", Kind: "cart_upsert", UserID: "u1", ProductID: "p1"})
	require.NoError(t, err)

	var buf bytes.Buffer
	reportPendingJournal(ctx, log.New(&buf, "", 0), be.journal)
	require.Contains(t, buf.String(), "1 unacknowledged writes")
	require.Contains(t, buf.String(), "kind=cart_upsert")
}

func TestReplayerDrainsJournalLeftByPreviousRun(t *testing.T) {
	ctx := context.Background()
	cfg := seededConfig(config.DriverBolt)
	cfg.Persistence.BoltPath = filepath.Join(t.TempDir(), "cart.db")
	cfg.Persistence.Journal = true

	be, err := openBackend(ctx, log.New(io.Discard, "", 0), cfg)
	require.NoError(t, err)
	defer be.close()
	require.NoError(t, seed(ctx, be.seeder, cfg))

	_, err = be.journal.Enqueue(ctx, outboxstore.Entry{MutationID: "m1", Aggregate: "cart", Kind: "cart_upsert", UserID: "u1", ProductID: "p1", Payload: []byte(`{"quantity":2,"reservationId":"r1"}`)})
	require.NoError(t, err)

	replayer, err := newReplayer(be, cfg)
	require.NoError(t, err)
	require.NotNil(t, replayer)
	stats, err := replayer.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delivered)

	pending, err := be.journal.ListPending(ctx, "", 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReplayerDisabledWithoutJournal(t *testing.T) {
	be, err := openBackend(context.Background(), log.New(io.Discard, "", 0), config.Default())
	require.NoError(t, err)
	defer be.close()
	replayer, err := newReplayer(be, config.Default())
	require.NoError(t, err)
	require.Nil(t, replayer)
}

func TestOpenBackendRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.Driver = config.Driver("sqlite")
	_, err := openBackend(context.Background(), log.New(io.Discard, "", 0), cfg)
	require.Error(t, err)
}
