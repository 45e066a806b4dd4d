package service

import (
	"context"
	"testing"
	"time"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartServiceAddAndPrice(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	svc := NewCartService(repo)
	sale := int64(90000)
	v := repo.PutVariant(models.ProductVariant{Price: 100000, SalePrice: &sale, ManageStock: true, StockQuantity: 10})
	guest := models.GuestIdentity("sess-9")

	_, err := svc.AddItem(ctx, guest, v.ID, 1)
	require.NoError(t, err)
	line, err := svc.AddItem(ctx, guest, v.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, line.Quantity)

	cart, err := svc.GetCart(ctx, guest)
	require.NoError(t, err)
	assert.Equal(t, "session:sess-9", cart.Owner)
	assert.Equal(t, 1, cart.Count)
	assert.Equal(t, int64(270000), cart.Subtotal)

	require.NoError(t, svc.Clear(ctx, guest))
	cart, err = svc.GetCart(ctx, guest)
	require.NoError(t, err)
	assert.Zero(t, cart.Count)
}

func TestCartServiceRejectsBadInput(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	svc := NewCartService(repo)

	_, err := svc.AddItem(ctx, models.Identity{}, 1, 1)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = svc.AddItem(ctx, models.UserIdentity(1), 404, 1)
	assert.True(t, IsNotFound(err))
}

func TestPreviewCouponDoesNotConsumeUsage(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	svc := NewCartService(repo)
	svc.now = func() time.Time { return couponNow }

	v := repo.PutVariant(models.ProductVariant{Price: 400000, ManageStock: true, StockQuantity: 10})
	repo.PutCoupon(models.Coupon{
		Code:        "DISCOUNT10",
		Type:        models.CouponTypePercentage,
		Value:       decimal.NewFromInt(10),
		MaxDiscount: int64Ptr(50000),
		IsActive:    true,
		StartDate:   couponStart,
		EndDate:     couponEnd,
		UsageLimit:  intPtr(1),
	})
	user := models.UserIdentity(2)
	_, err := svc.AddItem(ctx, user, v.ID, 2)
	require.NoError(t, err)

	preview, err := svc.PreviewCoupon(ctx, user, "discount10")
	require.NoError(t, err)
	assert.Equal(t, int64(800000), preview.Subtotal)
	assert.Equal(t, int64(50000), preview.Discount)
	assert.Equal(t, int64(750000), preview.Total)

	coupon, err := repo.GetCouponByCode(ctx, "DISCOUNT10")
	require.NoError(t, err)
	assert.Zero(t, coupon.UsedCount)
}

func TestCouponServiceCreateAndToggle(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	svc := NewCouponService(repo)

	req := &CreateCouponRequest{
		Code:      "freeship",
		Type:      "fixed",
		Value:     decimal.NewFromInt(30000),
		StartDate: couponStart,
		EndDate:   couponEnd,
	}
	coupon, err := svc.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "FREESHIP", coupon.Code)
	assert.True(t, coupon.IsActive)

	_, err = svc.Create(ctx, req)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "code", validation.Field)

	toggled, err := svc.Toggle(ctx, "freeship")
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	_, err = svc.Toggle(ctx, "nope")
	assert.True(t, IsNotFound(err))
}
