package store

import (
	"context"
	"errors"

	"phyco-order-service/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// Queries is the set of reads and writes the order workflow needs. It is
// implemented both outside and inside a transaction.
type Queries interface {
	GetVariant(ctx context.Context, id int64) (*models.ProductVariant, error)
	ListVariants(ctx context.Context) ([]models.ProductVariant, error)
	// AdjustStock adds delta to the variant's stock in one conditional update.
	// Unless allowNegative is set the update only applies when the result stays
	// >= 0. It returns the new quantity and whether the row was updated.
	AdjustStock(ctx context.Context, variantID int64, delta int, allowNegative bool) (int, bool, error)
	SetStockStatus(ctx context.Context, variantID int64, status models.StockStatus) error

	GetCartLines(ctx context.Context, identity models.Identity) ([]models.CartLine, error)
	AddCartLine(ctx context.Context, identity models.Identity, variantID int64, quantity int) (*models.CartLine, error)
	ClearCart(ctx context.Context, identity models.Identity) error

	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	CreateCoupon(ctx context.Context, coupon *models.Coupon) error
	ToggleCoupon(ctx context.Context, code string) (*models.Coupon, error)
	// IncrementCouponUsage bumps used_count unless the usage limit is reached.
	IncrementCouponUsage(ctx context.Context, couponID int64) (bool, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	CreateAddress(ctx context.Context, address *models.Address) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	// LockOrder reads an order and holds a row lock until the transaction ends.
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	// GetAddressByOrderID returns nil without error when the order has no address.
	GetAddressByOrderID(ctx context.Context, orderID int64) (*models.Address, error)
	// UpdateOrderStatus moves the order from one status to another and reports
	// false when the order was no longer in the expected status.
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error)

	InsertOutboxEvent(ctx context.Context, event *models.OutboxEvent) error
	FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error
}

// Repository is a Queries bound to a connection that can also open transactions.
type Repository interface {
	Queries
	// Transact runs fn in a single transaction. It commits when fn returns nil
	// and rolls back otherwise, returning fn's error unchanged.
	Transact(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}
