package service

import (
	"context"
	"errors"
	"time"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
	"phyco-order-service/internal/util"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CouponEvaluator validates coupons and computes their discount.
type CouponEvaluator struct{}

func NewCouponEvaluator() *CouponEvaluator {
	return &CouponEvaluator{}
}

// Validate checks the coupon against now and the order subtotal. Rejections
// are reported in a fixed order: not found, inactive, not yet started,
// expired, usage limit reached, below minimum.
func (e *CouponEvaluator) Validate(ctx context.Context, q store.Queries, code string, now time.Time, subtotal int64) (*models.Coupon, error) {
	code = models.NormalizeCouponCode(code)

	coupon, err := q.GetCouponByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rejectCoupon(&CouponError{Reason: CouponNotFound, Code: code})
	}
	if err != nil {
		return nil, persistence("load coupon", err)
	}

	switch {
	case !coupon.IsActive:
		return nil, rejectCoupon(&CouponError{Reason: CouponInactive, Code: code})
	case now.Before(coupon.StartDate):
		return nil, rejectCoupon(&CouponError{Reason: CouponNotYetStarted, Code: code})
	case now.After(coupon.EndDate):
		return nil, rejectCoupon(&CouponError{Reason: CouponExpired, Code: code})
	case coupon.UsageExhausted():
		return nil, rejectCoupon(&CouponError{Reason: CouponUsageLimitReached, Code: code})
	case coupon.MinAmount != nil && *coupon.MinAmount > 0 && subtotal < *coupon.MinAmount:
		return nil, rejectCoupon(&CouponError{Reason: CouponBelowMinimum, Code: code, MinAmount: *coupon.MinAmount})
	}
	return coupon, nil
}

func rejectCoupon(err *CouponError) error {
	util.CouponRejectionsTotal.WithLabelValues(string(err.Reason)).Inc()
	return err
}

// ComputeDiscount returns the discount the coupon grants on subtotal.
// Percentage discounts are rounded to whole currency units and capped by
// MaxDiscount. Fixed discounts are the coupon value and are not capped by the
// subtotal.
func (e *CouponEvaluator) ComputeDiscount(coupon *models.Coupon, subtotal int64) int64 {
	switch coupon.Type {
	case models.CouponTypePercentage:
		discount := decimal.NewFromInt(subtotal).Mul(coupon.Value).Div(hundred).Round(0).IntPart()
		if coupon.MaxDiscount != nil && *coupon.MaxDiscount > 0 && discount > *coupon.MaxDiscount {
			discount = *coupon.MaxDiscount
		}
		return discount
	case models.CouponTypeFixed:
		return coupon.Value.Round(0).IntPart()
	default:
		return 0
	}
}

// CreateCouponRequest is the input for creating a coupon
type CreateCouponRequest struct {
	Code        string          `json:"code"`
	Type        string          `json:"type"`
	Value       decimal.Decimal `json:"value"`
	MinAmount   *int64          `json:"min_amount,omitempty"`
	MaxDiscount *int64          `json:"max_discount,omitempty"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	IsActive    *bool           `json:"is_active,omitempty"`
	UsageLimit  *int            `json:"usage_limit,omitempty"`
}

// BuildCoupon checks the request against the coupon invariants and returns
// the coupon to store.
func (e *CouponEvaluator) BuildCoupon(req *CreateCouponRequest) (*models.Coupon, error) {
	code := models.NormalizeCouponCode(req.Code)
	switch {
	case code == "":
		return nil, &ValidationError{Field: "code", Message: "is required"}
	case req.StartDate.IsZero() || req.EndDate.IsZero():
		return nil, &ValidationError{Field: "start_date", Message: "start_date and end_date are required"}
	case !req.EndDate.After(req.StartDate):
		return nil, &ValidationError{Field: "end_date", Message: "must be after start_date"}
	case req.Value.Sign() <= 0:
		return nil, &ValidationError{Field: "value", Message: "must be greater than 0"}
	}

	couponType := models.CouponType(req.Type)
	switch couponType {
	case models.CouponTypePercentage:
		if req.Value.GreaterThan(hundred) {
			return nil, &ValidationError{Field: "value", Message: "percentage must be between 0 and 100"}
		}
	case models.CouponTypeFixed:
	default:
		return nil, &ValidationError{Field: "type", Message: `must be either "percentage" or "fixed"`}
	}

	if req.UsageLimit != nil && *req.UsageLimit < 0 {
		return nil, &ValidationError{Field: "usage_limit", Message: "must not be negative"}
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	return &models.Coupon{
		Code:        code,
		Type:        couponType,
		Value:       req.Value,
		MinAmount:   req.MinAmount,
		MaxDiscount: req.MaxDiscount,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		IsActive:    active,
		UsageLimit:  req.UsageLimit,
	}, nil
}
