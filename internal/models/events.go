package models

import "time"

// Event types
const (
	EventTypeOrderPlaced        = "ORDER_PLACED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published when an order is committed
type OrderPlacedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderCode   string          `json:"order_code"`
	Owner       string          `json:"owner"`
	TotalAmount int64           `json:"total_amount"`
	Discount    int64           `json:"discount"`
	CouponCode  string          `json:"coupon_code,omitempty"`
	Items       []OrderItemData `json:"items"`
}

// OrderCancelledEvent published when an order is cancelled and its stock released
type OrderCancelledEvent struct {
	BaseEvent
	OrderID        int64           `json:"order_id"`
	OrderCode      string          `json:"order_code"`
	PreviousStatus OrderStatus     `json:"previous_status"`
	Items          []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published on every forward transition other than cancellation
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID   int64       `json:"order_id"`
	OrderCode string      `json:"order_code"`
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// ItemData converts order items to their event form.
func ItemData(items []OrderItem) []OrderItemData {
	out := make([]OrderItemData, 0, len(items))
	for _, item := range items {
		out = append(out, OrderItemData{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}
