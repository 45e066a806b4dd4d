package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StockStatus mirrors the WooCommerce stock status values used by the catalog.
type StockStatus string

const (
	StockStatusInStock    StockStatus = "instock"
	StockStatusOutOfStock StockStatus = "outofstock"
	StockStatusBackorder  StockStatus = "onbackorder"
)

// DeriveStockStatus computes the status a managed variant should carry for the
// given remaining quantity.
func DeriveStockStatus(quantity int, backordersAllowed bool) StockStatus {
	if quantity > 0 {
		return StockStatusInStock
	}
	if backordersAllowed {
		return StockStatusBackorder
	}
	return StockStatusOutOfStock
}

// ProductVariant is a purchasable unit of a product
type ProductVariant struct {
	ID                int64       `db:"id" json:"id"`
	ProductID         int64       `db:"product_id" json:"product_id"`
	SKU               string      `db:"sku" json:"sku"`
	Price             int64       `db:"price" json:"price"`
	SalePrice         *int64      `db:"sale_price" json:"sale_price,omitempty"`
	ManageStock       bool        `db:"manage_stock" json:"manage_stock"`
	StockQuantity     int         `db:"stock_quantity" json:"stock_quantity"`
	BackordersAllowed bool        `db:"backorders_allowed" json:"backorders_allowed"`
	StockStatus       StockStatus `db:"stock_status" json:"stock_status"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
}

// UnitPrice is the price charged right now: the sale price when one is set,
// otherwise the regular price.
func (v *ProductVariant) UnitPrice() int64 {
	if v.SalePrice != nil && *v.SalePrice > 0 {
		return *v.SalePrice
	}
	return v.Price
}

// Identity is who a cart or order belongs to: a registered user or a guest
// session. Exactly one of the two fields is set.
type Identity struct {
	UserID    int64
	SessionID string
}

func UserIdentity(userID int64) Identity {
	return Identity{UserID: userID}
}

func GuestIdentity(sessionID string) Identity {
	return Identity{SessionID: sessionID}
}

func (i Identity) IsUser() bool {
	return i.UserID != 0
}

func (i Identity) IsZero() bool {
	return i.UserID == 0 && i.SessionID == ""
}

// Key is a stable string form, used for cache and lock keys.
func (i Identity) Key() string {
	if i.IsUser() {
		return fmt.Sprintf("user:%d", i.UserID)
	}
	return "session:" + i.SessionID
}

func (i Identity) String() string {
	return i.Key()
}

// CartLine is one variant + quantity pair in a cart
type CartLine struct {
	ID        int64     `db:"id" json:"id"`
	VariantID int64     `db:"variation_id" json:"variant_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type CouponType string

const (
	CouponTypePercentage CouponType = "percentage"
	CouponTypeFixed      CouponType = "fixed"
)

// Coupon represents a discount code
type Coupon struct {
	ID          int64           `db:"id" json:"id"`
	Code        string          `db:"code" json:"code"`
	Type        CouponType      `db:"type" json:"type"`
	Value       decimal.Decimal `db:"value" json:"value"`
	MinAmount   *int64          `db:"min_amount" json:"min_amount,omitempty"`
	MaxDiscount *int64          `db:"max_discount" json:"max_discount,omitempty"`
	StartDate   time.Time       `db:"start_date" json:"start_date"`
	EndDate     time.Time       `db:"end_date" json:"end_date"`
	IsActive    bool            `db:"is_active" json:"is_active"`
	UsageLimit  *int            `db:"usage_limit" json:"usage_limit,omitempty"`
	UsedCount   int             `db:"used_count" json:"used_count"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// NormalizeCouponCode is the canonical form codes are stored and looked up in.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// UsageExhausted reports whether the coupon reached its usage limit.
func (c *Coupon) UsageExhausted() bool {
	return c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit
}

// Order represents a customer order
type Order struct {
	ID            int64       `db:"id" json:"id"`
	OrderCode     string      `db:"order_code" json:"order_code"`
	UserID        *int64      `db:"user_id" json:"user_id,omitempty"`
	SessionID     *string     `db:"session_id" json:"session_id,omitempty"`
	CustomerName  *string     `db:"customer_name" json:"customer_name,omitempty"`
	CustomerEmail *string     `db:"customer_email" json:"customer_email,omitempty"`
	CustomerPhone *string     `db:"customer_phone" json:"customer_phone,omitempty"`
	Status        OrderStatus `db:"status" json:"status"`
	PaymentMethod string      `db:"payment_method" json:"payment_method"`
	PaymentStatus string      `db:"payment_status" json:"payment_status"`
	Subtotal      int64       `db:"subtotal" json:"subtotal"`
	Discount      int64       `db:"discount" json:"discount"`
	TotalAmount   int64       `db:"total_amount" json:"total_amount"`
	CouponCode    *string     `db:"coupon_code" json:"coupon_code,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// Owner returns the identity the order was placed for.
func (o *Order) Owner() Identity {
	if o.UserID != nil {
		return UserIdentity(*o.UserID)
	}
	if o.SessionID != nil {
		return GuestIdentity(*o.SessionID)
	}
	return Identity{}
}

// OrderItem is a line of an order. UnitPrice is the price captured when the
// order was placed.
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	VariantID int64 `db:"variation_id" json:"variant_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"price" json:"unit_price"`
}

// Address is the shipping address of an order
type Address struct {
	ID       int64  `db:"id" json:"id"`
	OrderID  int64  `db:"order_id" json:"order_id"`
	FullName string `db:"full_name" json:"full_name"`
	Phone    string `db:"phone" json:"phone"`
	Address  string `db:"address" json:"address"`
	Ward     string `db:"ward" json:"ward"`
	District string `db:"district" json:"district"`
	City     string `db:"city" json:"city"`
}

// Payment methods and statuses
const (
	PaymentMethodCOD = "COD"

	PaymentStatusUnpaid = "UNPAID"
)

// OutboxEvent is an event waiting to be relayed to the broker
type OutboxEvent struct {
	ID           int64      `db:"id" json:"id"`
	AggregateKey string     `db:"aggregate_key" json:"aggregate_key"`
	EventType    string     `db:"event_type" json:"event_type"`
	Payload      []byte     `db:"payload" json:"payload"`
	Status       string     `db:"status" json:"status"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	PublishedAt  *time.Time `db:"published_at" json:"published_at,omitempty"`
}

// Outbox statuses
const (
	OutboxStatusPending   = "PENDING"
	OutboxStatusPublished = "PUBLISHED"
)

// StockLevel is the availability of a variant as served to the storefront
type StockLevel struct {
	VariantID         int64       `json:"variant_id"`
	ManageStock       bool        `json:"manage_stock"`
	Quantity          int         `json:"stock_quantity"`
	BackordersAllowed bool        `json:"backorders_allowed"`
	Status            StockStatus `json:"stock_status"`
}

// StockLevel returns the variant's current availability.
func (v *ProductVariant) StockLevel() StockLevel {
	return StockLevel{
		VariantID:         v.ID,
		ManageStock:       v.ManageStock,
		Quantity:          v.StockQuantity,
		BackordersAllowed: v.BackordersAllowed,
		Status:            v.StockStatus,
	}
}
