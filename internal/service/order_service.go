package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
	"phyco-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Idempotency remembers which order a placement request produced and guards
// requests that are still running.
type Idempotency interface {
	GetIdempotentOrder(ctx context.Context, key string) (int64, bool, error)
	SaveIdempotentOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// OrderService handles order business logic
type OrderService struct {
	repo           store.Repository
	ledger         *InventoryLedger
	carts          *CartResolver
	coupons        *CouponEvaluator
	codes          *OrderCodeGenerator
	idempotency    Idempotency
	idempotencyTTL time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// Option customizes an OrderService
type Option func(*OrderService)

// WithIdempotency enables Idempotency-Key handling for PlaceOrder.
func WithIdempotency(idem Idempotency, ttl time.Duration) Option {
	return func(s *OrderService) {
		s.idempotency = idem
		s.idempotencyTTL = ttl
	}
}

// WithClock replaces time.Now, used for coupon windows.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) {
		s.now = now
	}
}

// NewOrderService creates a new order service
func NewOrderService(repo store.Repository, codePrefix string, opts ...Option) *OrderService {
	s := &OrderService{
		repo:           repo,
		ledger:         NewInventoryLedger(),
		carts:          NewCartResolver(),
		coupons:        NewCouponEvaluator(),
		codes:          NewOrderCodeGenerator(codePrefix),
		idempotencyTTL: 24 * time.Hour,
		now:            time.Now,
		logger:         util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrderRequest represents a request to place an order. Items are taken
// from the identity's cart when none are supplied.
type PlaceOrderRequest struct {
	UserID         *int64             `json:"user_id,omitempty"`
	SessionID      string             `json:"session_id,omitempty"`
	Items          []OrderItemRequest `json:"items,omitempty"`
	CustomerName   string             `json:"customer_name,omitempty"`
	CustomerEmail  string             `json:"customer_email,omitempty"`
	CustomerPhone  string             `json:"customer_phone,omitempty"`
	Address        *AddressRequest    `json:"address,omitempty"`
	CouponCode     string             `json:"coupon_code,omitempty"`
	PaymentMethod  string             `json:"payment_method,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

// AddressRequest is a shipping address. Name and phone default to the
// customer's.
type AddressRequest struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	Ward     string `json:"ward"`
	District string `json:"district"`
	City     string `json:"city"`
}

// Identity returns the owner the request is placed for.
func (r *PlaceOrderRequest) Identity() models.Identity {
	if r.UserID != nil && *r.UserID > 0 {
		return models.UserIdentity(*r.UserID)
	}
	return models.GuestIdentity(r.SessionID)
}

func (r *PlaceOrderRequest) validate() error {
	identity := r.Identity()
	if identity.IsZero() {
		return &ValidationError{Field: "identity", Message: "user_id or session_id is required"}
	}
	if !identity.IsUser() {
		switch {
		case strings.TrimSpace(r.CustomerName) == "":
			return &ValidationError{Field: "customer_name", Message: "is required for guest checkout"}
		case strings.TrimSpace(r.CustomerEmail) == "":
			return &ValidationError{Field: "customer_email", Message: "is required for guest checkout"}
		case strings.TrimSpace(r.CustomerPhone) == "":
			return &ValidationError{Field: "customer_phone", Message: "is required for guest checkout"}
		}
	}
	for i, item := range r.Items {
		if item.VariantID <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].variant_id", i), Message: "is required"}
		}
		if item.Quantity < 1 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be at least 1"}
		}
	}
	if r.Address != nil && strings.TrimSpace(r.Address.Address) == "" {
		return &ValidationError{Field: "address.address", Message: "is required"}
	}
	return nil
}

// OrderDetails is an order with its items and shipping address.
type OrderDetails struct {
	*models.Order
	Items   []models.OrderItem `json:"items"`
	Address *models.Address    `json:"address,omitempty"`
}

// PlaceOrderResult is the placed order. Replayed is set when the order was
// returned for an Idempotency-Key seen before.
type PlaceOrderResult struct {
	Order    *OrderDetails
	Replayed bool
}

// PlaceOrder converts a cart, or an explicit item list, into a PENDING order.
// Stock reservation, coupon redemption, order rows and clearing the cart
// commit together or not at all.
func (s *OrderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()

	if err := req.validate(); err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" && s.idempotency != nil {
		res, release, err := s.claimIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil || res != nil {
			util.RecordError(span, err)
			return res, err
		}
		defer release()
	}

	details, err := s.placeOrder(ctx, req)
	if err != nil {
		util.RecordError(span, err)
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		s.logger.Warn("Order placement rejected",
			zap.String("owner", req.Identity().Key()),
			zap.Error(err))
		return nil, err
	}

	util.OrdersPlacedTotal.Inc()
	if details.CouponCode != nil {
		util.CouponRedemptionsTotal.Inc()
	}
	s.logger.Info("Order placed",
		zap.Int64("order_id", details.ID),
		zap.String("order_code", details.OrderCode),
		zap.Int64("total_amount", details.TotalAmount))

	if req.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.SaveIdempotentOrder(ctx, req.IdempotencyKey, details.ID, s.idempotencyTTL); err != nil {
			s.logger.Error("Failed to save idempotency key",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
		}
	}

	return &PlaceOrderResult{Order: details}, nil
}

// claimIdempotencyKey returns the earlier order for a known key, or takes the
// in-flight lock and returns the function releasing it.
func (s *OrderService) claimIdempotencyKey(ctx context.Context, key string) (*PlaceOrderResult, func(), error) {
	if res, err := s.replay(ctx, key); res != nil || err != nil {
		return res, nil, err
	}

	acquired, err := s.idempotency.AcquireLock(ctx, key, time.Minute)
	if err != nil {
		s.logger.Warn("Idempotency lock failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil, func() {}, nil
	}
	if !acquired {
		return nil, nil, &RequestInFlightError{Key: key}
	}
	release := func() {
		if err := s.idempotency.ReleaseLock(context.Background(), key); err != nil {
			s.logger.Warn("Failed to release idempotency lock", zap.String("idempotency_key", key), zap.Error(err))
		}
	}

	// the previous holder may have saved the key between our lookup and the lock
	if res, err := s.replay(ctx, key); res != nil || err != nil {
		release()
		return res, nil, err
	}
	return nil, release, nil
}

// replay loads the order stored for key. Lookup failures are logged and
// treated as a miss.
func (s *OrderService) replay(ctx context.Context, key string) (*PlaceOrderResult, error) {
	orderID, ok, err := s.idempotency.GetIdempotentOrder(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	details, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", orderID))
	return &PlaceOrderResult{Order: details, Replayed: true}, nil
}

func (s *OrderService) placeOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderDetails, error) {
	identity := req.Identity()
	code, err := s.codes.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to generate order code: %w", err)
	}

	var details *OrderDetails
	err = s.repo.Transact(ctx, func(q store.Queries) error {
		lines := req.Items
		if len(lines) == 0 {
			cart, err := s.carts.Resolve(ctx, q, identity)
			if err != nil {
				return err
			}
			for _, line := range cart {
				lines = append(lines, OrderItemRequest{VariantID: line.VariantID, Quantity: line.Quantity})
			}
		}
		if len(lines) == 0 {
			return &ValidationError{Field: "items", Message: "cart is empty"}
		}

		items, err := s.reserveAll(ctx, q, lines)
		if err != nil {
			return err
		}

		var subtotal int64
		for _, item := range items {
			subtotal += item.UnitPrice * int64(item.Quantity)
		}

		order := &models.Order{
			OrderCode:     code,
			Status:        models.OrderStatusPending,
			PaymentMethod: req.PaymentMethod,
			PaymentStatus: models.PaymentStatusUnpaid,
			Subtotal:      subtotal,
		}
		if order.PaymentMethod == "" {
			order.PaymentMethod = models.PaymentMethodCOD
		}
		if identity.IsUser() {
			order.UserID = &identity.UserID
		} else {
			order.SessionID = &identity.SessionID
		}
		order.CustomerName = optional(req.CustomerName)
		order.CustomerEmail = optional(req.CustomerEmail)
		order.CustomerPhone = optional(req.CustomerPhone)

		if req.CouponCode != "" {
			coupon, err := s.coupons.Validate(ctx, q, req.CouponCode, s.now(), subtotal)
			if err != nil {
				return s.compensate(ctx, q, items, err)
			}
			redeemed, err := q.IncrementCouponUsage(ctx, coupon.ID)
			if err != nil {
				return s.compensate(ctx, q, items, persistence("redeem coupon", err))
			}
			if !redeemed {
				return s.compensate(ctx, q, items, rejectCoupon(&CouponError{Reason: CouponUsageLimitReached, Code: coupon.Code}))
			}
			order.Discount = s.coupons.ComputeDiscount(coupon, subtotal)
			order.CouponCode = &coupon.Code
		}
		order.TotalAmount = order.Subtotal - order.Discount

		if err := q.CreateOrder(ctx, order); err != nil {
			return s.compensate(ctx, q, items, persistence("create order", err))
		}
		for i := range items {
			items[i].OrderID = order.ID
			if err := q.CreateOrderItem(ctx, &items[i]); err != nil {
				return s.compensate(ctx, q, items, persistence("create order item", err))
			}
		}

		var address *models.Address
		if req.Address != nil {
			address = &models.Address{
				OrderID:  order.ID,
				FullName: firstNonEmpty(req.Address.FullName, req.CustomerName),
				Phone:    firstNonEmpty(req.Address.Phone, req.CustomerPhone),
				Address:  req.Address.Address,
				Ward:     req.Address.Ward,
				District: req.Address.District,
				City:     req.Address.City,
			}
			if err := q.CreateAddress(ctx, address); err != nil {
				return s.compensate(ctx, q, items, persistence("create address", err))
			}
		}

		event := &models.OrderPlacedEvent{
			BaseEvent:   newBaseEvent(models.EventTypeOrderPlaced),
			OrderID:     order.ID,
			OrderCode:   order.OrderCode,
			Owner:       identity.Key(),
			TotalAmount: order.TotalAmount,
			Discount:    order.Discount,
			Items:       models.ItemData(items),
		}
		if order.CouponCode != nil {
			event.CouponCode = *order.CouponCode
		}
		if err := enqueue(ctx, q, order.ID, event.EventType, event); err != nil {
			return s.compensate(ctx, q, items, err)
		}

		if err := q.ClearCart(ctx, identity); err != nil {
			return s.compensate(ctx, q, items, persistence("clear cart", err))
		}

		details = &OrderDetails{Order: order, Items: items, Address: address}
		return nil
	})
	if err != nil {
		return nil, persistence("place order", err)
	}
	return details, nil
}

// reserveAll reserves every line in order. On the first failure it releases
// what this call already reserved and returns that failure.
func (s *OrderService) reserveAll(ctx context.Context, q store.Queries, lines []OrderItemRequest) ([]models.OrderItem, error) {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		variant, err := s.ledger.Reserve(ctx, q, line.VariantID, line.Quantity)
		if err != nil {
			util.InventoryReservationsFailed.WithLabelValues(failureReason(err)).Inc()
			return nil, s.compensate(ctx, q, items, err)
		}
		items = append(items, models.OrderItem{
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: variant.UnitPrice(),
		})
	}
	return items, nil
}

// compensate releases reserved items and returns cause. After a persistence
// failure the transaction is unusable and its rollback restores the stock.
func (s *OrderService) compensate(ctx context.Context, q store.Queries, items []models.OrderItem, cause error) error {
	if isPersistenceFailure(cause) {
		s.logger.Debug("Skipping compensation, transaction will roll back",
			zap.Int("reserved_items", len(items)),
			zap.Error(cause))
		return cause
	}
	for _, item := range items {
		if err := s.ledger.Release(ctx, q, item.VariantID, item.Quantity); err != nil {
			s.logger.Error("Failed to compensate reservation",
				zap.Int64("variant_id", item.VariantID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
		}
	}
	return cause
}

// CancelOrder releases the order's stock and marks it CANCELLED.
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	var details *OrderDetails
	err := s.repo.Transact(ctx, func(q store.Queries) error {
		order, err := q.LockOrder(ctx, orderID)
		if err != nil {
			return lookup("order", strconv.FormatInt(orderID, 10), err)
		}
		details, err = s.cancel(ctx, q, order)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, persistence("cancel order", err)
	}

	util.OrdersCancelledTotal.Inc()
	util.OrderStatusTransitions.WithLabelValues(string(models.OrderStatusCancelled)).Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("order_code", details.OrderCode))
	return details, nil
}

func (s *OrderService) cancel(ctx context.Context, q store.Queries, order *models.Order) (*OrderDetails, error) {
	from := order.Status
	if !models.CanTransition(from, models.OrderStatusCancelled) {
		return nil, &InvalidTransitionError{OrderID: order.ID, From: from, To: models.OrderStatusCancelled}
	}

	items, err := q.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, persistence("load order items", err)
	}
	for _, item := range items {
		if err := s.ledger.Release(ctx, q, item.VariantID, item.Quantity); err != nil {
			return nil, err
		}
	}

	if err := s.transition(ctx, q, order, models.OrderStatusCancelled); err != nil {
		return nil, err
	}

	event := &models.OrderCancelledEvent{
		BaseEvent:      newBaseEvent(models.EventTypeOrderCancelled),
		OrderID:        order.ID,
		OrderCode:      order.OrderCode,
		PreviousStatus: from,
		Items:          models.ItemData(items),
	}
	if err := enqueue(ctx, q, order.ID, event.EventType, event); err != nil {
		return nil, err
	}

	address, err := q.GetAddressByOrderID(ctx, order.ID)
	if err != nil {
		return nil, persistence("load address", err)
	}
	return &OrderDetails{Order: order, Items: items, Address: address}, nil
}

// UpdateStatus moves the order along the status machine. Cancelling through
// here releases stock exactly like CancelOrder.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, target models.OrderStatus) (*OrderDetails, error) {
	if target == models.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID)
	}

	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	var details *OrderDetails
	err := s.repo.Transact(ctx, func(q store.Queries) error {
		order, err := q.LockOrder(ctx, orderID)
		if err != nil {
			return lookup("order", strconv.FormatInt(orderID, 10), err)
		}

		from := order.Status
		if !models.CanTransition(from, target) {
			return &InvalidTransitionError{OrderID: orderID, From: from, To: target}
		}
		if err := s.transition(ctx, q, order, target); err != nil {
			return err
		}

		event := &models.OrderStatusChangedEvent{
			BaseEvent: newBaseEvent(models.EventTypeOrderStatusChanged),
			OrderID:   order.ID,
			OrderCode: order.OrderCode,
			From:      from,
			To:        target,
		}
		if err := enqueue(ctx, q, order.ID, event.EventType, event); err != nil {
			return err
		}

		details, err = s.loadDetails(ctx, q, order)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, persistence("update order status", err)
	}

	util.OrderStatusTransitions.WithLabelValues(string(target)).Inc()
	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("status", string(target)))
	return details, nil
}

// transition writes the new status, failing when a concurrent change moved
// the order first.
func (s *OrderService) transition(ctx context.Context, q store.Queries, order *models.Order, to models.OrderStatus) error {
	ok, err := q.UpdateOrderStatus(ctx, order.ID, order.Status, to)
	if err != nil {
		return persistence("update order status", err)
	}
	if !ok {
		return &InvalidTransitionError{OrderID: order.ID, From: order.Status, To: to}
	}
	order.Status = to
	order.UpdatedAt = time.Now().UTC()
	return nil
}

// GetOrder retrieves an order with its items and address
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, lookup("order", strconv.FormatInt(orderID, 10), err)
	}
	return s.loadDetails(ctx, s.repo, order)
}

func (s *OrderService) loadDetails(ctx context.Context, q store.Queries, order *models.Order) (*OrderDetails, error) {
	items, err := q.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, persistence("load order items", err)
	}
	address, err := q.GetAddressByOrderID(ctx, order.ID)
	if err != nil {
		return nil, persistence("load address", err)
	}
	return &OrderDetails{Order: order, Items: items, Address: address}, nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// enqueue writes an event to the outbox in the caller's transaction.
func enqueue(ctx context.Context, q store.Queries, orderID int64, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return persistence("enqueue event", q.InsertOutboxEvent(ctx, &models.OutboxEvent{
		AggregateKey: fmt.Sprintf("order-%d", orderID),
		EventType:    eventType,
		Payload:      payload,
	}))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
