// Package postgres implements the persistence gateway and mutation journal on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/domain/gateway"
)

const (
	component = "gateway/postgres"

	pgForeignKeyViolation = "23503"

	ledgerDebit  = "debit"
	ledgerCredit = "credit"
)

const (
	productSelectSQL = `
SELECT
    id,
    COALESCE(slug, ''),
    name,
    price_tokens,
    image,
    category,
    stock_available
FROM products
WHERE id = $1 OR slug = $1
ORDER BY (id = $1) DESC
LIMIT 1;
`

	stockSelectSQL = `
SELECT stock_available, price_tokens
FROM products
WHERE id = $1;
`

	productUpsertSQL = `
INSERT INTO products (id, slug, name, price_tokens, image, category, stock_available, updated_at)
VALUES (@id, @slug, @name, @price_tokens, @image, @category, @stock_available, NOW())
ON CONFLICT (id) DO UPDATE
SET slug = EXCLUDED.slug,
    name = EXCLUDED.name,
    price_tokens = EXCLUDED.price_tokens,
    image = EXCLUDED.image,
    category = EXCLUDED.category,
    stock_available = EXCLUDED.stock_available,
    updated_at = NOW();
`

	balanceSelectSQL = `
SELECT balance
FROM token_balances
WHERE user_id = $1;
`

	balanceSetSQL = `
INSERT INTO token_balances (user_id, balance, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (user_id) DO UPDATE
SET balance = EXCLUDED.balance,
    updated_at = NOW();
`

	balanceDebitSQL = `
UPDATE token_balances
SET balance = balance - $2,
    updated_at = NOW()
WHERE user_id = $1
  AND balance >= $2;
`

	balanceCreditSQL = `
INSERT INTO token_balances (user_id, balance, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (user_id) DO UPDATE
SET balance = token_balances.balance + EXCLUDED.balance,
    updated_at = NOW();
`

	ledgerInsertSQL = `
INSERT INTO token_ledger (idempotency_key, user_id, direction, amount)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idempotency_key) DO NOTHING;
`

	ledgerSelectSQL = `
SELECT user_id, direction, amount
FROM token_ledger
WHERE idempotency_key = $1;
`

	cartLineUpsertSQL = `
INSERT INTO cart_lines (user_id, product_id, quantity, reservation_id, updated_at)
VALUES (@user_id, @product_id, @quantity, @reservation_id, NOW())
ON CONFLICT (user_id, product_id) DO UPDATE
SET quantity = EXCLUDED.quantity,
    reservation_id = EXCLUDED.reservation_id,
    updated_at = NOW();
`

	cartLineDeleteSQL = `
DELETE FROM cart_lines
WHERE user_id = $1 AND product_id = $2;
`

	wishlistUpsertSQL = `
INSERT INTO wishlist_entries (user_id, product_id, added_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, product_id) DO NOTHING;
`

	wishlistDeleteSQL = `
DELETE FROM wishlist_entries
WHERE user_id = $1 AND product_id = $2;
`
)

// Gateway implements gateway.Gateway against the tokencart schema.
type Gateway struct {
	pool *pgxpool.Pool
}

// NewGateway constructs a Gateway backed by the provided pool.
func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

func (g *Gateway) ensurePool() (*pgxpool.Pool, error) {
	if g.pool == nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("nil pool"))
	}
	return g.pool, nil
}

// GetProduct implements gateway.Catalog. An exact id match wins over a slug match.
func (g *Gateway) GetProduct(ctx context.Context, productID string) (gateway.ProductRecord, error) {
	pool, err := g.ensurePool()
	if err != nil {
		return gateway.ProductRecord{}, err
	}
	key := strings.TrimSpace(productID)
	var rec gateway.ProductRecord
	err = pool.QueryRow(ctx, productSelectSQL, key).Scan(
		&rec.ID,
		&rec.Slug,
		&rec.Name,
		&rec.PriceTokens,
		&rec.Image,
		&rec.Category,
		&rec.StockAvailable,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gateway.ProductRecord{}, notFound(productID)
		}
		return gateway.ProductRecord{}, unavailable("get product", err)
	}
	return rec, nil
}

// GetStock implements gateway.Catalog.
func (g *Gateway) GetStock(ctx context.Context, productID string) (gateway.Stock, error) {
	pool, err := g.ensurePool()
	if err != nil {
		return gateway.Stock{}, err
	}
	var stock gateway.Stock
	if err := pool.QueryRow(ctx, stockSelectSQL, productID).Scan(&stock.StockAvailable, &stock.PriceTokens); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gateway.Stock{}, notFound(productID)
		}
		return gateway.Stock{}, unavailable("get stock", err)
	}
	return stock, nil
}

// GetBalance implements gateway.Ledger. Users without a balance row hold zero tokens.
func (g *Gateway) GetBalance(ctx context.Context, userID string) (int64, error) {
	pool, err := g.ensurePool()
	if err != nil {
		return 0, err
	}
	var balance pgtype.Numeric
	if err := pool.QueryRow(ctx, balanceSelectSQL, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, unavailable("get balance", err)
	}
	tokens, err := tokensFromNumeric(balance)
	if err != nil {
		return 0, errs.New(component, errs.CodeUnavailable, errs.WithMessage("decode balance"), errs.WithUser(userID), errs.WithCause(err))
	}
	return tokens, nil
}

// DebitTokens implements gateway.Ledger.
func (g *Gateway) DebitTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error {
	return g.applyLedger(ctx, userID, amount, idempotencyKey, ledgerDebit)
}

// CreditTokens implements gateway.Ledger.
func (g *Gateway) CreditTokens(ctx context.Context, userID string, amount int64, idempotencyKey string) error {
	return g.applyLedger(ctx, userID, amount, idempotencyKey, ledgerCredit)
}

// applyLedger records the ledger row and moves the balance in one transaction.
// A replayed key with the same payload is a no-op.
func (g *Gateway) applyLedger(ctx context.Context, userID string, amount int64, key, direction string) error {
	pool, err := g.ensurePool()
	if err != nil {
		return err
	}
	if amount < 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("amount must be >= 0"), errs.WithUser(userID))
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("idempotency key required"), errs.WithUser(userID))
	}
	value := numericFromTokens(amount)
	return withTransaction(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, ledgerInsertSQL, key, userID, direction, value)
		if err != nil {
			return unavailable("insert ledger entry", err)
		}
		if tag.RowsAffected() == 0 {
			return checkReplay(ctx, tx, userID, amount, key, direction)
		}
		if amount == 0 {
			return nil
		}
		switch direction {
		case ledgerDebit:
			tag, err = tx.Exec(ctx, balanceDebitSQL, userID, value)
			if err != nil {
				return unavailable("debit balance", err)
			}
			if tag.RowsAffected() == 0 {
				return errs.New(component, errs.CodeInsufficientTokens,
					errs.WithMessage(fmt.Sprintf("balance below debit %d", amount)), errs.WithUser(userID))
			}
		default:
			if _, err := tx.Exec(ctx, balanceCreditSQL, userID, value); err != nil {
				return unavailable("credit balance", err)
			}
		}
		return nil
	})
}

func checkReplay(ctx context.Context, tx pgx.Tx, userID string, amount int64, key, direction string) error {
	var (
		prevUser      string
		prevDirection string
		prevAmount    pgtype.Numeric
	)
	if err := tx.QueryRow(ctx, ledgerSelectSQL, key).Scan(&prevUser, &prevDirection, &prevAmount); err != nil {
		return unavailable("load ledger entry", err)
	}
	tokens, err := tokensFromNumeric(prevAmount)
	if err != nil {
		return unavailable("decode ledger amount", err)
	}
	if prevUser != userID || prevDirection != direction || tokens != amount {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("idempotency key reused with different payload"), errs.WithField("idempotency_key", key))
	}
	return nil
}

// UpsertCartLine implements gateway.Selections.
func (g *Gateway) UpsertCartLine(ctx context.Context, row gateway.CartLineRow) error {
	pool, err := g.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"user_id":        row.UserID,
		"product_id":     row.ProductID,
		"quantity":       row.Quantity,
		"reservation_id": strings.TrimSpace(row.ReservationID),
	}
	if _, err := pool.Exec(ctx, cartLineUpsertSQL, args); err != nil {
		if isForeignKeyViolation(err) {
			return notFound(row.ProductID)
		}
		return unavailable("upsert cart line", err)
	}
	return nil
}

// DeleteCartLine implements gateway.Selections.
func (g *Gateway) DeleteCartLine(ctx context.Context, userID, productID string) error {
	return g.exec(ctx, "delete cart line", cartLineDeleteSQL, userID, productID)
}

// UpsertWishlistEntry implements gateway.Selections. The first AddedAt is kept.
func (g *Gateway) UpsertWishlistEntry(ctx context.Context, userID, productID string, addedAt time.Time) error {
	err := g.exec(ctx, "upsert wishlist entry", wishlistUpsertSQL, userID, productID, addedAt.UTC())
	if isForeignKeyViolation(err) {
		return notFound(productID)
	}
	return err
}

// DeleteWishlistEntry implements gateway.Selections.
func (g *Gateway) DeleteWishlistEntry(ctx context.Context, userID, productID string) error {
	return g.exec(ctx, "delete wishlist entry", wishlistDeleteSQL, userID, productID)
}

// UpsertProduct inserts or replaces a catalog row.
func (g *Gateway) UpsertProduct(ctx context.Context, rec gateway.ProductRecord) error {
	pool, err := g.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("product id required"))
	}
	args := pgx.NamedArgs{
		"id":              rec.ID,
		"slug":            nullableString(rec.Slug),
		"name":            rec.Name,
		"price_tokens":    rec.PriceTokens,
		"image":           rec.Image,
		"category":        rec.Category,
		"stock_available": rec.StockAvailable,
	}
	if _, err := pool.Exec(ctx, productUpsertSQL, args); err != nil {
		return unavailable("upsert product", err)
	}
	return nil
}

// SetBalance overwrites a user's token balance.
func (g *Gateway) SetBalance(ctx context.Context, userID string, balance int64) error {
	if balance < 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("balance must be >= 0"), errs.WithUser(userID))
	}
	return g.exec(ctx, "set balance", balanceSetSQL, userID, numericFromTokens(balance))
}

func (g *Gateway) exec(ctx context.Context, op, sql string, args ...any) error {
	pool, err := g.ensurePool()
	if err != nil {
		return err
	}
	return execWith(ctx, pool, op, sql, args...)
}

func execWith(ctx context.Context, exec execer, op, sql string, args ...any) error {
	if _, err := exec.Exec(ctx, sql, args...); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func notFound(productID string) error {
	return errs.New(component, errs.CodeNotFound, errs.WithMessage("product not found"), errs.WithProduct(productID))
}

func unavailable(op string, err error) error {
	return errs.New(component, errs.CodeUnavailable, errs.WithMessage(op), errs.WithCause(err))
}

var _ gateway.Gateway = (*Gateway)(nil)
