package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
	"phyco-order-service/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo *memory.Store
	svc  *OrderService
	ctx  context.Context
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := memory.New()
	opts = append([]Option{WithClock(func() time.Time { return couponNow })}, opts...)
	return &fixture{
		repo: repo,
		svc:  NewOrderService(repo, "RAD", opts...),
		ctx:  context.Background(),
	}
}

func (f *fixture) variant(t *testing.T, price int64, stock int) models.ProductVariant {
	t.Helper()
	return f.repo.PutVariant(models.ProductVariant{Price: price, ManageStock: true, StockQuantity: stock})
}

func (f *fixture) stock(t *testing.T, variantID int64) int {
	t.Helper()
	v, err := f.repo.GetVariant(f.ctx, variantID)
	require.NoError(t, err)
	return v.StockQuantity
}

func userRequest(userID int64, items ...OrderItemRequest) *PlaceOrderRequest {
	return &PlaceOrderRequest{UserID: &userID, Items: items}
}

func TestPlaceOrderFromCart(t *testing.T) {
	f := newFixture(t)
	a := f.variant(t, 100000, 5)
	sale := int64(80000)
	b := f.repo.PutVariant(models.ProductVariant{Price: 120000, SalePrice: &sale, ManageStock: true, StockQuantity: 2})

	owner := models.UserIdentity(7)
	_, err := f.repo.AddCartLine(f.ctx, owner, a.ID, 2)
	require.NoError(t, err)
	_, err = f.repo.AddCartLine(f.ctx, owner, b.ID, 1)
	require.NoError(t, err)

	res, err := f.svc.PlaceOrder(f.ctx, userRequest(7))
	require.NoError(t, err)

	order := res.Order
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, int64(2*100000+80000), order.Subtotal)
	assert.Equal(t, order.Subtotal, order.TotalAmount)
	assert.Equal(t, models.PaymentMethodCOD, order.PaymentMethod)
	assert.Equal(t, models.PaymentStatusUnpaid, order.PaymentStatus)
	require.Len(t, order.Items, 2)
	assert.Equal(t, a.ID, order.Items[0].VariantID)
	assert.Equal(t, int64(80000), order.Items[1].UnitPrice)

	assert.Equal(t, 3, f.stock(t, a.ID))
	assert.Equal(t, 1, f.stock(t, b.ID))

	lines, err := f.repo.GetCartLines(f.ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, lines)

	pending, err := f.repo.FetchPendingOutbox(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EventTypeOrderPlaced, pending[0].EventType)

	var event models.OrderPlacedEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	assert.Equal(t, order.ID, event.OrderID)
	assert.Len(t, event.Items, 2)
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceOrder(f.ctx, userRequest(7))
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "items", validation.Field)
}

func TestPlaceOrderIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	a := f.variant(t, 1000, 3)
	b := f.variant(t, 1000, 1)

	owner := models.UserIdentity(1)
	_, err := f.repo.AddCartLine(f.ctx, owner, a.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.PlaceOrder(f.ctx, userRequest(1,
		OrderItemRequest{VariantID: a.ID, Quantity: 3},
		OrderItemRequest{VariantID: b.ID, Quantity: 2},
	))

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, b.ID, stockErr.VariantID)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)

	assert.Equal(t, 3, f.stock(t, a.ID))
	assert.Equal(t, 1, f.stock(t, b.ID))

	lines, err := f.repo.GetCartLines(f.ctx, owner)
	require.NoError(t, err)
	assert.Len(t, lines, 1)

	pending, err := f.repo.FetchPendingOutbox(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGuestCheckoutRequiresContact(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 1000, 1)

	req := &PlaceOrderRequest{
		SessionID:     "guest-1",
		CustomerName:  "An",
		CustomerPhone: "0900000000",
		Items:         []OrderItemRequest{{VariantID: v.ID, Quantity: 1}},
	}
	_, err := f.svc.PlaceOrder(f.ctx, req)

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "customer_email", validation.Field)
	assert.Equal(t, 1, f.stock(t, v.ID))
}

func TestGuestCheckoutWithAddress(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 1000, 1)

	res, err := f.svc.PlaceOrder(f.ctx, &PlaceOrderRequest{
		SessionID:     "guest-1",
		CustomerName:  "An",
		CustomerEmail: "an@example.com",
		CustomerPhone: "0900000000",
		Items:         []OrderItemRequest{{VariantID: v.ID, Quantity: 1}},
		Address:       &AddressRequest{Address: "1 Le Loi", City: "Hue"},
	})
	require.NoError(t, err)

	order := res.Order
	require.NotNil(t, order.SessionID)
	assert.Equal(t, "guest-1", *order.SessionID)
	assert.Nil(t, order.UserID)
	require.NotNil(t, order.Address)
	assert.Equal(t, "An", order.Address.FullName)
	assert.Equal(t, "0900000000", order.Address.Phone)

	details, err := f.svc.GetOrder(f.ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, details.Address)
	assert.Equal(t, "Hue", details.Address.City)
}

func TestPlaceOrderWithCoupon(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 500000, 10)
	coupon := f.repo.PutCoupon(models.Coupon{
		Code:        "DISCOUNT10",
		Type:        models.CouponTypePercentage,
		Value:       decimal.NewFromInt(10),
		MinAmount:   int64Ptr(200000),
		MaxDiscount: int64Ptr(50000),
		IsActive:    true,
		StartDate:   couponStart,
		EndDate:     couponEnd,
		UsageLimit:  intPtr(5),
	})

	// below the minimum: rejected and usage untouched
	cheap := f.variant(t, 100000, 1)
	req := userRequest(3, OrderItemRequest{VariantID: cheap.ID, Quantity: 1})
	req.CouponCode = "discount10"
	_, err := f.svc.PlaceOrder(f.ctx, req)
	assertCouponReason(t, err, CouponBelowMinimum)

	got, err := f.repo.GetCouponByCode(f.ctx, coupon.Code)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UsedCount)
	assert.Equal(t, 1, f.stock(t, cheap.ID))

	// above the minimum: clamped discount and exactly one use
	req = userRequest(3, OrderItemRequest{VariantID: v.ID, Quantity: 2})
	req.CouponCode = "discount10"
	res, err := f.svc.PlaceOrder(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), res.Order.Subtotal)
	assert.Equal(t, int64(50000), res.Order.Discount)
	assert.Equal(t, int64(950000), res.Order.TotalAmount)
	require.NotNil(t, res.Order.CouponCode)
	assert.Equal(t, "DISCOUNT10", *res.Order.CouponCode)

	got, err = f.repo.GetCouponByCode(f.ctx, coupon.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)
}

func TestPlaceOrderCouponFailureRestoresStock(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 1000, 2)
	f.repo.PutCoupon(models.Coupon{
		Code:       "USEDUP",
		Type:       models.CouponTypeFixed,
		Value:      decimal.NewFromInt(100),
		IsActive:   true,
		StartDate:  couponStart,
		EndDate:    couponEnd,
		UsageLimit: intPtr(1),
		UsedCount:  1,
	})

	req := userRequest(1, OrderItemRequest{VariantID: v.ID, Quantity: 2})
	req.CouponCode = "USEDUP"
	_, err := f.svc.PlaceOrder(f.ctx, req)
	assertCouponReason(t, err, CouponUsageLimitReached)
	assert.Equal(t, 2, f.stock(t, v.ID))
}

func TestFixedCouponCanExceedSubtotal(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 30000, 1)
	f.repo.PutCoupon(models.Coupon{
		Code:      "BIG",
		Type:      models.CouponTypeFixed,
		Value:     decimal.NewFromInt(50000),
		IsActive:  true,
		StartDate: couponStart,
		EndDate:   couponEnd,
	})

	req := userRequest(1, OrderItemRequest{VariantID: v.ID, Quantity: 1})
	req.CouponCode = "BIG"
	res, err := f.svc.PlaceOrder(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(-20000), res.Order.TotalAmount)
}

func TestCancelOrderRestoresStock(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 1000, 5)

	res, err := f.svc.PlaceOrder(f.ctx, userRequest(1, OrderItemRequest{VariantID: v.ID, Quantity: 2}))
	require.NoError(t, err)
	assert.Equal(t, 3, f.stock(t, v.ID))

	cancelled, err := f.svc.CancelOrder(f.ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, f.stock(t, v.ID))

	_, err = f.svc.CancelOrder(f.ctx, res.Order.ID)
	var transition *InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, 5, f.stock(t, v.ID))
}

func TestUpdateStatusToCancelledReleasesStock(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 1000, 1)

	res, err := f.svc.PlaceOrder(f.ctx, userRequest(1, OrderItemRequest{VariantID: v.ID, Quantity: 1}))
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(f.ctx, res.Order.ID, models.OrderStatusConfirmed)
	require.NoError(t, err)

	updated, err := f.svc.UpdateStatus(f.ctx, res.Order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, updated.Status)
	assert.Equal(t, 1, f.stock(t, v.ID))

	variant, err := f.repo.GetVariant(f.ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StockStatusInStock, variant.StockStatus)
}

func TestUpdateStatusFollowsStateMachine(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 1000, 1)

	res, err := f.svc.PlaceOrder(f.ctx, userRequest(1, OrderItemRequest{VariantID: v.ID, Quantity: 1}))
	require.NoError(t, err)
	id := res.Order.ID

	_, err = f.svc.UpdateStatus(f.ctx, id, models.OrderStatusShipped)
	var transition *InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.OrderStatusPending, transition.From)

	for _, status := range []models.OrderStatus{
		models.OrderStatusConfirmed,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
	} {
		updated, err := f.svc.UpdateStatus(f.ctx, id, status)
		require.NoError(t, err)
		assert.Equal(t, status, updated.Status)
	}

	for _, target := range []models.OrderStatus{
		models.OrderStatusCancelled,
		models.OrderStatusPending,
		models.OrderStatusDelivered,
	} {
		_, err := f.svc.UpdateStatus(f.ctx, id, target)
		require.ErrorAs(t, err, &transition, "target %s", target)
	}

	details, err := f.svc.GetOrder(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, details.Status)
	assert.Equal(t, 0, f.stock(t, v.ID))
}

func TestGetOrderNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetOrder(f.ctx, 999)
	assert.True(t, IsNotFound(err))

	_, err = f.svc.CancelOrder(f.ctx, 999)
	assert.True(t, IsNotFound(err))
}

func TestConcurrentLastUnitCheckout(t *testing.T) {
	f := newFixture(t)
	v := f.variant(t, 1000, 1)

	const buyers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		stockErrs int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(f.ctx, userRequest(userID, OrderItemRequest{VariantID: v.ID, Quantity: 1}))
			mu.Lock()
			defer mu.Unlock()
			var stockErr *InsufficientStockError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &stockErr):
				stockErrs++
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, buyers-1, stockErrs)
	assert.Equal(t, 0, f.stock(t, v.ID))
}

type fakeIdempotency struct {
	mu     sync.Mutex
	orders map[string]int64
	locks  map[string]bool
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{orders: map[string]int64{}, locks: map[string]bool{}}
}

func (f *fakeIdempotency) GetIdempotentOrder(_ context.Context, key string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.orders[key]
	return id, ok, nil
}

func (f *fakeIdempotency) SaveIdempotentOrder(_ context.Context, key string, orderID int64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[key] = orderID
	return nil
}

func (f *fakeIdempotency) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeIdempotency) ReleaseLock(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

func TestPlaceOrderIdempotencyKey(t *testing.T) {
	idem := newFakeIdempotency()
	f := newFixture(t, WithIdempotency(idem, time.Hour))
	v := f.variant(t, 1000, 5)

	req := userRequest(1, OrderItemRequest{VariantID: v.ID, Quantity: 1})
	req.IdempotencyKey = "checkout-1"

	first, err := f.svc.PlaceOrder(f.ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.PlaceOrder(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 4, f.stock(t, v.ID))

	idem.locks["checkout-2"] = true
	req.IdempotencyKey = "checkout-2"
	_, err = f.svc.PlaceOrder(f.ctx, req)
	var inFlight *RequestInFlightError
	require.ErrorAs(t, err, &inFlight)
	assert.Equal(t, 4, f.stock(t, v.ID))
}

// staleIdempotency misses the first lookups, as a request that read the key
// just before another request saved it would.
type staleIdempotency struct {
	*fakeIdempotency
	staleReads int
}

func (f *staleIdempotency) GetIdempotentOrder(ctx context.Context, key string) (int64, bool, error) {
	f.mu.Lock()
	if f.staleReads > 0 {
		f.staleReads--
		f.mu.Unlock()
		return 0, false, nil
	}
	f.mu.Unlock()
	return f.fakeIdempotency.GetIdempotentOrder(ctx, key)
}

func TestPlaceOrderRechecksKeyAfterLock(t *testing.T) {
	idem := &staleIdempotency{fakeIdempotency: newFakeIdempotency()}
	f := newFixture(t, WithIdempotency(idem, time.Hour))
	v := f.variant(t, 1000, 5)

	req := userRequest(1, OrderItemRequest{VariantID: v.ID, Quantity: 2})
	req.IdempotencyKey = "checkout-race"

	first, err := f.svc.PlaceOrder(f.ctx, req)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	// the lock is free again but the first lookup still misses
	idem.staleReads = 1
	second, err := f.svc.PlaceOrder(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 3, f.stock(t, v.ID))
	assert.Empty(t, idem.locks)
}

// brokenOrderRepo fails order inserts and counts stock adjustments.
type brokenOrderRepo struct {
	*memory.Store
	adjustments int
}

func (r *brokenOrderRepo) Transact(ctx context.Context, fn func(q store.Queries) error) error {
	return r.Store.Transact(ctx, func(q store.Queries) error {
		return fn(&brokenOrderQueries{Queries: q, repo: r})
	})
}

type brokenOrderQueries struct {
	store.Queries
	repo *brokenOrderRepo
}

func (q *brokenOrderQueries) AdjustStock(ctx context.Context, variantID int64, delta int, allowNegative bool) (int, bool, error) {
	q.repo.adjustments++
	return q.Queries.AdjustStock(ctx, variantID, delta, allowNegative)
}

func (q *brokenOrderQueries) CreateOrder(context.Context, *models.Order) error {
	return errors.New("connection reset by peer")
}

func TestPlaceOrderPersistenceFailureLeavesStockToRollback(t *testing.T) {
	repo := &brokenOrderRepo{Store: memory.New()}
	a := repo.PutVariant(models.ProductVariant{Price: 1000, ManageStock: true, StockQuantity: 4})
	b := repo.PutVariant(models.ProductVariant{Price: 2000, ManageStock: true, StockQuantity: 4})
	svc := NewOrderService(repo, "RAD")
	ctx := context.Background()

	_, err := svc.PlaceOrder(ctx, userRequest(1,
		OrderItemRequest{VariantID: a.ID, Quantity: 1},
		OrderItemRequest{VariantID: b.ID, Quantity: 2},
	))
	var persistErr *PersistenceError
	require.ErrorAs(t, err, &persistErr)

	// only the two reservations, no releases
	assert.Equal(t, 2, repo.adjustments)

	for _, id := range []int64{a.ID, b.ID} {
		v, err := repo.GetVariant(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 4, v.StockQuantity)
	}
}
