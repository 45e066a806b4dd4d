package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"phyco-order-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Store is the Postgres implementation of Repository
type Store struct {
	queries
	db *sqlx.DB
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreFromDB(db), nil
}

// NewStoreFromDB wraps an already opened connection.
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{queries: queries{ext: db}, db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Transact runs fn inside a database transaction
func (s *Store) Transact(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(queries{ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queries runs statements against either the pool or an open transaction.
type queries struct {
	ext sqlx.ExtContext
}

const variantColumns = `id, product_id, sku, price, sale_price, manage_stock,
	stock_quantity, backorders_allowed, stock_status, updated_at`

// GetVariant retrieves a product variation by ID
func (q queries) GetVariant(ctx context.Context, id int64) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := sqlx.GetContext(ctx, q.ext, &variant,
		"SELECT "+variantColumns+" FROM phyco_product_variations WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &variant, nil
}

// ListVariants retrieves all product variations
func (q queries) ListVariants(ctx context.Context) ([]models.ProductVariant, error) {
	var variants []models.ProductVariant
	err := sqlx.SelectContext(ctx, q.ext, &variants,
		"SELECT "+variantColumns+" FROM phyco_product_variations ORDER BY id")
	return variants, err
}

// AdjustStock applies delta to stock_quantity in a single conditional UPDATE
func (q queries) AdjustStock(ctx context.Context, variantID int64, delta int, allowNegative bool) (int, bool, error) {
	var remaining int
	err := sqlx.GetContext(ctx, q.ext, &remaining, `
		UPDATE phyco_product_variations
		SET stock_quantity = stock_quantity + $2, updated_at = NOW()
		WHERE id = $1 AND ($3 OR stock_quantity + $2 >= 0)
		RETURNING stock_quantity`,
		variantID, delta, allowNegative)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to adjust stock: %w", err)
	}
	return remaining, true, nil
}

// SetStockStatus updates the derived stock status
func (q queries) SetStockStatus(ctx context.Context, variantID int64, status models.StockStatus) error {
	_, err := q.ext.ExecContext(ctx,
		"UPDATE phyco_product_variations SET stock_status = $1, updated_at = NOW() WHERE id = $2",
		status, variantID)
	return err
}

// ownerClause returns the cart predicate for an identity.
func ownerClause(identity models.Identity) (string, any) {
	if identity.IsUser() {
		return "user_id = $1", identity.UserID
	}
	return "session_id = $1", identity.SessionID
}

// GetCartLines retrieves the cart lines of an identity in insertion order
func (q queries) GetCartLines(ctx context.Context, identity models.Identity) ([]models.CartLine, error) {
	clause, arg := ownerClause(identity)
	lines := []models.CartLine{}
	err := sqlx.SelectContext(ctx, q.ext, &lines, `
		SELECT ci.id, ci.variation_id, ci.quantity, ci.created_at
		FROM phyco_cart_items ci
		JOIN phyco_carts c ON c.id = ci.cart_id
		WHERE c.`+clause+`
		ORDER BY ci.id`, arg)
	return lines, err
}

// AddCartLine creates the cart if needed and adds quantity to the variant's line
func (q queries) AddCartLine(ctx context.Context, identity models.Identity, variantID int64, quantity int) (*models.CartLine, error) {
	column, arg := "session_id", any(identity.SessionID)
	if identity.IsUser() {
		column, arg = "user_id", identity.UserID
	}

	var cartID int64
	err := sqlx.GetContext(ctx, q.ext, &cartID, `
		INSERT INTO phyco_carts (`+column+`) VALUES ($1)
		ON CONFLICT (`+column+`) DO UPDATE SET updated_at = NOW()
		RETURNING id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert cart: %w", err)
	}

	var line models.CartLine
	err = sqlx.GetContext(ctx, q.ext, &line, `
		INSERT INTO phyco_cart_items (cart_id, variation_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, variation_id)
		DO UPDATE SET quantity = phyco_cart_items.quantity + EXCLUDED.quantity
		RETURNING id, variation_id, quantity, created_at`,
		cartID, variantID, quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert cart item: %w", err)
	}
	return &line, nil
}

// ClearCart removes every line of the identity's cart
func (q queries) ClearCart(ctx context.Context, identity models.Identity) error {
	clause, arg := ownerClause(identity)
	_, err := q.ext.ExecContext(ctx,
		"DELETE FROM phyco_cart_items WHERE cart_id IN (SELECT id FROM phyco_carts WHERE "+clause+")", arg)
	return err
}

const couponColumns = `id, code, type, value, min_amount, max_discount, start_date,
	end_date, is_active, usage_limit, used_count, created_at, updated_at`

// GetCouponByCode retrieves a coupon by its normalized code
func (q queries) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := sqlx.GetContext(ctx, q.ext, &coupon,
		"SELECT "+couponColumns+" FROM phyco_coupons WHERE code = $1", code)
	if err != nil {
		return nil, notFound(err)
	}
	return &coupon, nil
}

// CreateCoupon creates a new coupon
func (q queries) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	err := sqlx.GetContext(ctx, q.ext, coupon, `
		INSERT INTO phyco_coupons (code, type, value, min_amount, max_discount,
			start_date, end_date, is_active, usage_limit, used_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		coupon.Code, coupon.Type, coupon.Value, coupon.MinAmount, coupon.MaxDiscount,
		coupon.StartDate, coupon.EndDate, coupon.IsActive, coupon.UsageLimit, coupon.UsedCount)
	return conflict(err)
}

// ToggleCoupon flips is_active and returns the updated coupon
func (q queries) ToggleCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := sqlx.GetContext(ctx, q.ext, &coupon, `
		UPDATE phyco_coupons SET is_active = NOT is_active, updated_at = NOW()
		WHERE code = $1
		RETURNING `+couponColumns, code)
	if err != nil {
		return nil, notFound(err)
	}
	return &coupon, nil
}

// IncrementCouponUsage records one redemption if the limit allows it
func (q queries) IncrementCouponUsage(ctx context.Context, couponID int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE phyco_coupons SET used_count = used_count + 1, updated_at = NOW()
		WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)`,
		couponID)
	if err != nil {
		return false, fmt.Errorf("failed to increment coupon usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}
