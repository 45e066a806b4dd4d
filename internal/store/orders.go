package store

import (
	"context"
	"fmt"

	"phyco-order-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_code, user_id, session_id, customer_name, customer_email,
	customer_phone, status, payment_method, payment_status, subtotal, discount,
	total_amount, coupon_code, created_at, updated_at`

// CreateOrder creates a new order
func (q queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO phyco_orders (order_code, user_id, session_id, customer_name,
			customer_email, customer_phone, status, payment_method, payment_status,
			subtotal, discount, total_amount, coupon_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	err := sqlx.GetContext(ctx, q.ext, order, query,
		order.OrderCode, order.UserID, order.SessionID, order.CustomerName,
		order.CustomerEmail, order.CustomerPhone, order.Status, order.PaymentMethod,
		order.PaymentStatus, order.Subtotal, order.Discount, order.TotalAmount, order.CouponCode)
	return conflict(err)
}

// CreateOrderItem creates a new order item
func (q queries) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO phyco_order_items (order_id, variation_id, quantity, price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return sqlx.GetContext(ctx, q.ext, &item.ID, query,
		item.OrderID, item.VariantID, item.Quantity, item.UnitPrice)
}

// CreateAddress stores the shipping address of an order
func (q queries) CreateAddress(ctx context.Context, address *models.Address) error {
	query := `
		INSERT INTO phyco_order_addresses (order_id, full_name, phone, address, ward, district, city)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	return sqlx.GetContext(ctx, q.ext, &address.ID, query,
		address.OrderID, address.FullName, address.Phone, address.Address,
		address.Ward, address.District, address.City)
}

// GetOrderByID retrieves an order by ID
func (q queries) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order,
		"SELECT "+orderColumns+" FROM phyco_orders WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// LockOrder retrieves an order with FOR UPDATE
func (q queries) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order,
		"SELECT "+orderColumns+" FROM phyco_orders WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (q queries) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, q.ext, &items,
		"SELECT id, order_id, variation_id, quantity, price FROM phyco_order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	return items, err
}

// GetAddressByOrderID retrieves the shipping address of an order, if any
func (q queries) GetAddressByOrderID(ctx context.Context, orderID int64) (*models.Address, error) {
	var address models.Address
	err := sqlx.GetContext(ctx, q.ext, &address, `
		SELECT id, order_id, full_name, phone, address, ward, district, city
		FROM phyco_order_addresses WHERE order_id = $1`, orderID)
	if err = notFound(err); err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &address, nil
}

// UpdateOrderStatus updates order status if it is still in the expected one
func (q queries) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE phyco_orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertOutboxEvent stores an event to be relayed after commit
func (q queries) InsertOutboxEvent(ctx context.Context, event *models.OutboxEvent) error {
	query := `
		INSERT INTO order_outbox (aggregate_key, event_type, payload, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	if event.Status == "" {
		event.Status = models.OutboxStatusPending
	}
	return sqlx.GetContext(ctx, q.ext, event, query,
		event.AggregateKey, event.EventType, string(event.Payload), event.Status)
}

// FetchPendingOutbox locks up to limit pending events, skipping rows another relay holds
func (q queries) FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	events := []models.OutboxEvent{}
	err := sqlx.SelectContext(ctx, q.ext, &events, `
		SELECT id, aggregate_key, event_type, payload, status, created_at, published_at
		FROM order_outbox
		WHERE status = $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		models.OutboxStatusPending, limit)
	return events, err
}

// MarkOutboxPublished marks events as relayed
func (q queries) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		"UPDATE order_outbox SET status = ?, published_at = NOW() WHERE id IN (?)",
		models.OutboxStatusPublished, ids)
	if err != nil {
		return err
	}
	query = q.ext.Rebind(query)

	_, err = q.ext.ExecContext(ctx, query, args...)
	return err
}
