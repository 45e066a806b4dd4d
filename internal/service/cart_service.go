package service

import (
	"context"
	"strconv"
	"time"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
	"phyco-order-service/internal/util"

	"go.uber.org/zap"
)

// CartService serves the storefront cart: listing, adding lines, clearing and
// previewing a coupon against the current subtotal.
type CartService struct {
	repo    store.Repository
	carts   *CartResolver
	coupons *CouponEvaluator
	now     func() time.Time
	logger  *zap.Logger
}

func NewCartService(repo store.Repository) *CartService {
	return &CartService{
		repo:    repo,
		carts:   NewCartResolver(),
		coupons: NewCouponEvaluator(),
		now:     time.Now,
		logger:  util.GetLogger(),
	}
}

// CartItemView is a cart line priced at the variant's current unit price.
type CartItemView struct {
	models.CartLine
	UnitPrice int64 `json:"unit_price"`
	LineTotal int64 `json:"line_total"`
}

// CartView is a priced cart
type CartView struct {
	Owner    string         `json:"owner"`
	Items    []CartItemView `json:"items"`
	Subtotal int64          `json:"subtotal"`
	Count    int            `json:"count"`
}

// CouponPreview is the effect a coupon would have on the current cart.
type CouponPreview struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Total    int64  `json:"total"`
}

// GetCart returns the priced cart of identity.
func (s *CartService) GetCart(ctx context.Context, identity models.Identity) (*CartView, error) {
	lines, err := s.carts.Resolve(ctx, s.repo, identity)
	if err != nil {
		return nil, err
	}

	view := &CartView{Owner: identity.Key(), Items: make([]CartItemView, 0, len(lines))}
	for _, line := range lines {
		variant, err := s.repo.GetVariant(ctx, line.VariantID)
		if err != nil {
			return nil, lookup("variant", strconv.FormatInt(line.VariantID, 10), err)
		}
		price := variant.UnitPrice()
		item := CartItemView{
			CartLine:  line,
			UnitPrice: price,
			LineTotal: price * int64(line.Quantity),
		}
		view.Items = append(view.Items, item)
		view.Subtotal += item.LineTotal
	}
	view.Count = len(view.Items)
	return view, nil
}

// AddItem adds quantity of a variant to the cart, merging with an existing line.
func (s *CartService) AddItem(ctx context.Context, identity models.Identity, variantID int64, quantity int) (*models.CartLine, error) {
	if identity.IsZero() {
		return nil, &ValidationError{Field: "identity", Message: "user_id or session_id is required"}
	}
	if quantity < 1 {
		return nil, &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}

	var line *models.CartLine
	err := s.repo.Transact(ctx, func(q store.Queries) error {
		if _, err := q.GetVariant(ctx, variantID); err != nil {
			return lookup("variant", strconv.FormatInt(variantID, 10), err)
		}
		var err error
		line, err = q.AddCartLine(ctx, identity, variantID, quantity)
		return persistence("add cart line", err)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Cart line added",
		zap.String("owner", identity.Key()),
		zap.Int64("variant_id", variantID),
		zap.Int("quantity", line.Quantity))
	return line, nil
}

// Clear removes every line from the cart.
func (s *CartService) Clear(ctx context.Context, identity models.Identity) error {
	if identity.IsZero() {
		return &ValidationError{Field: "identity", Message: "user_id or session_id is required"}
	}
	return persistence("clear cart", s.repo.ClearCart(ctx, identity))
}

// PreviewCoupon validates code against the cart subtotal and reports the
// discount. Coupon usage is not touched.
func (s *CartService) PreviewCoupon(ctx context.Context, identity models.Identity, code string) (*CouponPreview, error) {
	ctx, span := util.StartSpan(ctx, "CartService.PreviewCoupon")
	defer span.End()

	if code == "" {
		return nil, &ValidationError{Field: "code", Message: "is required"}
	}

	cart, err := s.GetCart(ctx, identity)
	if err != nil {
		return nil, err
	}
	if cart.Count == 0 {
		return nil, &ValidationError{Field: "cart", Message: "cart is empty"}
	}

	coupon, err := s.coupons.Validate(ctx, s.repo, code, s.now(), cart.Subtotal)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	discount := s.coupons.ComputeDiscount(coupon, cart.Subtotal)
	return &CouponPreview{
		Code:     coupon.Code,
		Subtotal: cart.Subtotal,
		Discount: discount,
		Total:    cart.Subtotal - discount,
	}, nil
}
