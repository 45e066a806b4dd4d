// Package memory is an in-process Repository. Transactions are serialized and
// applied to a copy of the state, which replaces the live state only on commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
)

type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) Transact(ctx context.Context, fn func(q store.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// PutVariant inserts or replaces a variant, assigning an ID when it has none.
func (s *Store) PutVariant(v models.ProductVariant) models.ProductVariant {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == 0 {
		s.state.seq++
		v.ID = s.state.seq
	}
	if v.StockStatus == "" {
		v.StockStatus = models.StockStatusInStock
		if v.ManageStock {
			v.StockStatus = models.DeriveStockStatus(v.StockQuantity, v.BackordersAllowed)
		}
	}
	v.UpdatedAt = time.Now().UTC()
	s.state.variants[v.ID] = v
	return v
}

// PutCoupon inserts or replaces a coupon as-is, including its used count.
func (s *Store) PutCoupon(c models.Coupon) models.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		s.state.seq++
		c.ID = s.state.seq
	}
	c.Code = models.NormalizeCouponCode(c.Code)
	s.state.coupons[c.Code] = c
	return c
}

func (s *Store) GetVariant(ctx context.Context, id int64) (*models.ProductVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetVariant(ctx, id)
}

func (s *Store) ListVariants(ctx context.Context) ([]models.ProductVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListVariants(ctx)
}

func (s *Store) AdjustStock(ctx context.Context, variantID int64, delta int, allowNegative bool) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AdjustStock(ctx, variantID, delta, allowNegative)
}

func (s *Store) SetStockStatus(ctx context.Context, variantID int64, status models.StockStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SetStockStatus(ctx, variantID, status)
}

func (s *Store) GetCartLines(ctx context.Context, identity models.Identity) ([]models.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetCartLines(ctx, identity)
}

func (s *Store) AddCartLine(ctx context.Context, identity models.Identity, variantID int64, quantity int) (*models.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AddCartLine(ctx, identity, variantID, quantity)
}

func (s *Store) ClearCart(ctx context.Context, identity models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ClearCart(ctx, identity)
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetCouponByCode(ctx, code)
}

func (s *Store) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateCoupon(ctx, coupon)
}

func (s *Store) ToggleCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ToggleCoupon(ctx, code)
}

func (s *Store) IncrementCouponUsage(ctx context.Context, couponID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IncrementCouponUsage(ctx, couponID)
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateOrder(ctx, order)
}

func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateOrderItem(ctx, item)
}

func (s *Store) CreateAddress(ctx context.Context, address *models.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateAddress(ctx, address)
}

func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetOrderByID(ctx, id)
}

func (s *Store) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LockOrder(ctx, id)
}

func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetOrderItemsByOrderID(ctx, orderID)
}

func (s *Store) GetAddressByOrderID(ctx context.Context, orderID int64) (*models.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetAddressByOrderID(ctx, orderID)
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpdateOrderStatus(ctx, orderID, from, to)
}

func (s *Store) InsertOutboxEvent(ctx context.Context, event *models.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.InsertOutboxEvent(ctx, event)
}

func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FetchPendingOutbox(ctx, limit)
}

func (s *Store) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.MarkOutboxPublished(ctx, ids)
}

// state holds every table. Its methods assume the caller holds Store.mu.
type state struct {
	seq       int64
	variants  map[int64]models.ProductVariant
	carts     map[string][]models.CartLine
	coupons   map[string]models.Coupon
	orders    map[int64]models.Order
	items     map[int64][]models.OrderItem
	addresses map[int64]models.Address
	outbox    []models.OutboxEvent
}

var _ store.Queries = (*state)(nil)

func newState() *state {
	return &state{
		variants:  map[int64]models.ProductVariant{},
		carts:     map[string][]models.CartLine{},
		coupons:   map[string]models.Coupon{},
		orders:    map[int64]models.Order{},
		items:     map[int64][]models.OrderItem{},
		addresses: map[int64]models.Address{},
	}
}

func (st *state) clone() *state {
	c := newState()
	c.seq = st.seq
	for k, v := range st.variants {
		c.variants[k] = v
	}
	for k, v := range st.carts {
		c.carts[k] = append([]models.CartLine(nil), v...)
	}
	for k, v := range st.coupons {
		c.coupons[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range st.addresses {
		c.addresses[k] = v
	}
	c.outbox = append([]models.OutboxEvent(nil), st.outbox...)
	return c
}

func (st *state) nextID() int64 {
	st.seq++
	return st.seq
}

func (st *state) GetVariant(_ context.Context, id int64) (*models.ProductVariant, error) {
	v, ok := st.variants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (st *state) ListVariants(_ context.Context) ([]models.ProductVariant, error) {
	out := make([]models.ProductVariant, 0, len(st.variants))
	for _, v := range st.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) AdjustStock(_ context.Context, variantID int64, delta int, allowNegative bool) (int, bool, error) {
	v, ok := st.variants[variantID]
	if !ok {
		return 0, false, nil
	}
	if !allowNegative && v.StockQuantity+delta < 0 {
		return 0, false, nil
	}
	v.StockQuantity += delta
	v.UpdatedAt = time.Now().UTC()
	st.variants[variantID] = v
	return v.StockQuantity, true, nil
}

func (st *state) SetStockStatus(_ context.Context, variantID int64, status models.StockStatus) error {
	v, ok := st.variants[variantID]
	if !ok {
		return nil
	}
	v.StockStatus = status
	st.variants[variantID] = v
	return nil
}

func (st *state) GetCartLines(_ context.Context, identity models.Identity) ([]models.CartLine, error) {
	return append([]models.CartLine{}, st.carts[identity.Key()]...), nil
}

func (st *state) AddCartLine(_ context.Context, identity models.Identity, variantID int64, quantity int) (*models.CartLine, error) {
	key := identity.Key()
	lines := st.carts[key]
	for i := range lines {
		if lines[i].VariantID == variantID {
			lines[i].Quantity += quantity
			line := lines[i]
			return &line, nil
		}
	}
	line := models.CartLine{
		ID:        st.nextID(),
		VariantID: variantID,
		Quantity:  quantity,
		CreatedAt: time.Now().UTC(),
	}
	st.carts[key] = append(lines, line)
	return &line, nil
}

func (st *state) ClearCart(_ context.Context, identity models.Identity) error {
	delete(st.carts, identity.Key())
	return nil
}

func (st *state) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	c, ok := st.coupons[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (st *state) CreateCoupon(_ context.Context, coupon *models.Coupon) error {
	if _, exists := st.coupons[coupon.Code]; exists {
		return fmt.Errorf("%w: coupon code %s", store.ErrConflict, coupon.Code)
	}
	now := time.Now().UTC()
	coupon.ID = st.nextID()
	coupon.CreatedAt = now
	coupon.UpdatedAt = now
	st.coupons[coupon.Code] = *coupon
	return nil
}

func (st *state) ToggleCoupon(_ context.Context, code string) (*models.Coupon, error) {
	c, ok := st.coupons[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.IsActive = !c.IsActive
	c.UpdatedAt = time.Now().UTC()
	st.coupons[code] = c
	return &c, nil
}

func (st *state) IncrementCouponUsage(_ context.Context, couponID int64) (bool, error) {
	for code, c := range st.coupons {
		if c.ID != couponID {
			continue
		}
		if c.UsageExhausted() {
			return false, nil
		}
		c.UsedCount++
		st.coupons[code] = c
		return true, nil
	}
	return false, nil
}

func (st *state) CreateOrder(_ context.Context, order *models.Order) error {
	for _, o := range st.orders {
		if o.OrderCode == order.OrderCode {
			return fmt.Errorf("%w: order code %s", store.ErrConflict, order.OrderCode)
		}
	}
	now := time.Now().UTC()
	order.ID = st.nextID()
	order.CreatedAt = now
	order.UpdatedAt = now
	st.orders[order.ID] = *order
	return nil
}

func (st *state) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	if _, ok := st.orders[item.OrderID]; !ok {
		return fmt.Errorf("order %d does not exist", item.OrderID)
	}
	item.ID = st.nextID()
	st.items[item.OrderID] = append(st.items[item.OrderID], *item)
	return nil
}

func (st *state) CreateAddress(_ context.Context, address *models.Address) error {
	if _, ok := st.orders[address.OrderID]; !ok {
		return fmt.Errorf("order %d does not exist", address.OrderID)
	}
	address.ID = st.nextID()
	st.addresses[address.OrderID] = *address
	return nil
}

func (st *state) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

// LockOrder is a plain read: transactions already run one at a time.
func (st *state) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return st.GetOrderByID(ctx, id)
}

func (st *state) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem{}, st.items[orderID]...), nil
}

func (st *state) GetAddressByOrderID(_ context.Context, orderID int64) (*models.Address, error) {
	a, ok := st.addresses[orderID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (st *state) UpdateOrderStatus(_ context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	o, ok := st.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	st.orders[orderID] = o
	return true, nil
}

func (st *state) InsertOutboxEvent(_ context.Context, event *models.OutboxEvent) error {
	event.ID = st.nextID()
	event.CreatedAt = time.Now().UTC()
	if event.Status == "" {
		event.Status = models.OutboxStatusPending
	}
	st.outbox = append(st.outbox, *event)
	return nil
}

func (st *state) FetchPendingOutbox(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	out := []models.OutboxEvent{}
	for _, e := range st.outbox {
		if len(out) == limit {
			break
		}
		if e.Status == models.OutboxStatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (st *state) MarkOutboxPublished(_ context.Context, ids []int64) error {
	marked := make(map[int64]bool, len(ids))
	for _, id := range ids {
		marked[id] = true
	}
	now := time.Now().UTC()
	for i := range st.outbox {
		if marked[st.outbox[i].ID] {
			st.outbox[i].Status = models.OutboxStatusPublished
			st.outbox[i].PublishedAt = &now
		}
	}
	return nil
}
