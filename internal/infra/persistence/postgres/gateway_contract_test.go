package postgres

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/outboxstore"
	"github.com/coachpo/tokencart/internal/infra/persistence/migrations"
)

var (
	containerOnce sync.Once
	sharedPool    *pgxpool.Pool
	containerErr  error
)

// contractPool starts one postgres container per test binary and applies the
// embedded migrations. Tests skip when Docker is unavailable.
func contractPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract tests disabled in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	containerOnce.Do(func() {
		sharedPool, containerErr = startPostgres(context.Background())
	})
	if containerErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", containerErr)
	}
	return sharedPool
}

func startPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tokencart"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tokencart?sslmode=disable", host, port.Port())
	if err := migrations.Apply(ctx, dsn, "", log.New(io.Discard, "", 0)); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	return pool, nil
}

func seedProduct(t *testing.T, gw *Gateway, stock, price int64) gateway.ProductRecord {
	t.Helper()
	id := "p-" + uuid.NewString()
	rec := gateway.ProductRecord{ID: id, Slug: "slug-" + id, Name: "Night Drive", PriceTokens: price, StockAvailable: stock, Category: "album"}
	require.NoError(t, gw.UpsertProduct(context.Background(), rec))
	return rec
}

func TestGatewayCatalogContract(t *testing.T) {
	store := New(contractPool(t))
	gw := store.Gateway()
	ctx := context.Background()

	rec := seedProduct(t, gw, 4, 12)
	got, err := gw.GetProduct(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	bySlug, err := gw.GetProduct(ctx, rec.Slug)
	require.NoError(t, err)
	require.Equal(t, rec.ID, bySlug.ID)

	stock, err := gw.GetStock(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, gateway.Stock{StockAvailable: 4, PriceTokens: 12}, stock)

	_, err = gw.GetStock(ctx, "missing-"+uuid.NewString())
	require.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = gw.GetProduct(ctx, "missing-"+uuid.NewString())
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestGatewayLedgerContract(t *testing.T) {
	gw := New(contractPool(t)).Gateway()
	ctx := context.Background()
	user := "u-" + uuid.NewString()

	balance, err := gw.GetBalance(ctx, user)
	require.NoError(t, err)
	require.Zero(t, balance)

	require.NoError(t, gw.SetBalance(ctx, user, 100))
	key := uuid.NewString()
	require.NoError(t, gw.DebitTokens(ctx, user, 30, key))
	require.NoError(t, gw.DebitTokens(ctx, user, 30, key))
	balance, err = gw.GetBalance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(70), balance)

	err = gw.DebitTokens(ctx, user, 31, key)
	require.True(t, errs.Is(err, errs.CodeConflict))

	err = gw.DebitTokens(ctx, user, 500, uuid.NewString())
	require.True(t, errs.Is(err, errs.CodeInsufficientTokens))

	require.NoError(t, gw.CreditTokens(ctx, user, 5, uuid.NewString()))
	balance, err = gw.GetBalance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(75), balance)
}

func TestGatewaySelectionsContract(t *testing.T) {
	pool := contractPool(t)
	gw := New(pool).Gateway()
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	rec := seedProduct(t, gw, 2, 8)

	row := gateway.CartLineRow{UserID: user, ProductID: rec.ID, Quantity: 1, ReservationID: uuid.NewString()}
	require.NoError(t, gw.UpsertCartLine(ctx, row))
	row.Quantity = 2
	require.NoError(t, gw.UpsertCartLine(ctx, row))
	var qty int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT quantity FROM cart_lines WHERE user_id = $1 AND product_id = $2`, user, rec.ID).Scan(&qty))
	require.Equal(t, int64(2), qty)

	err := gw.UpsertCartLine(ctx, gateway.CartLineRow{UserID: user, ProductID: "missing-" + uuid.NewString(), Quantity: 1})
	require.True(t, errs.Is(err, errs.CodeNotFound))

	require.NoError(t, gw.DeleteCartLine(ctx, user, rec.ID))
	require.NoError(t, gw.DeleteCartLine(ctx, user, rec.ID))

	first := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, gw.UpsertWishlistEntry(ctx, user, rec.ID, first))
	require.NoError(t, gw.UpsertWishlistEntry(ctx, user, rec.ID, first.Add(time.Hour)))
	var addedAt time.Time
	require.NoError(t, pool.QueryRow(ctx, `SELECT added_at FROM wishlist_entries WHERE user_id = $1 AND product_id = $2`, user, rec.ID).Scan(&addedAt))
	require.True(t, first.Equal(addedAt))
	require.NoError(t, gw.DeleteWishlistEntry(ctx, user, rec.ID))
	require.NoError(t, gw.DeleteWishlistEntry(ctx, user, rec.ID))

	err = gw.UpsertWishlistEntry(ctx, user, "missing-"+uuid.NewString(), first)
	require.True(t, errs.Is(err, errs.CodeNotFound), "got %v", err)
}

func TestJournalStoreContract(t *testing.T) {
	journal := New(contractPool(t)).Journal()
	ctx := context.Background()
	user := "u-" + uuid.NewString()

	entry := outboxstore.Entry{MutationID: uuid.NewString(), Aggregate: "cart", Kind: "cart_upsert", UserID: user, ProductID: "p1", Payload: []byte(`{"quantity":2}`)}
	rec, err := journal.Enqueue(ctx, entry)
	require.NoError(t, err)
	again, err := journal.Enqueue(ctx, entry)
	require.NoError(t, err)
	require.Equal(t, rec.ID, again.ID)

	other, err := journal.Enqueue(ctx, outboxstore.Entry{MutationID: uuid.NewString(), Aggregate: "wishlist", Kind: "wishlist_add", UserID: user, ProductID: "p2"})
	require.NoError(t, err)

	require.NoError(t, journal.MarkFailed(ctx, rec.ID, "gateway unavailable"))
	pending, err := journal.ListPending(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, rec.ID, pending[0].ID)
	require.Equal(t, 1, pending[0].Attempts)
	require.Equal(t, "gateway unavailable", pending[0].LastError)
	require.JSONEq(t, `{"quantity":2}`, string(pending[0].Payload))

	require.NoError(t, journal.MarkDelivered(ctx, rec.ID))
	require.NoError(t, journal.Delete(ctx, other.ID))
	pending, err = journal.ListPending(ctx, user, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Error(t, journal.Delete(ctx, other.ID))

	_, err = journal.PurgeDelivered(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, journal.MarkDelivered(ctx, rec.ID), "row delivered within the window must survive")
	purged, err := journal.PurgeDelivered(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.GreaterOrEqual(t, purged, 1)
	require.Error(t, journal.MarkDelivered(ctx, rec.ID))
}
