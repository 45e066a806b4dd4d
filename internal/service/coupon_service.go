package service

import (
	"context"
	"errors"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
	"phyco-order-service/internal/util"

	"go.uber.org/zap"
)

// CouponService manages coupon definitions
type CouponService struct {
	repo      store.Repository
	evaluator *CouponEvaluator
	logger    *zap.Logger
}

func NewCouponService(repo store.Repository) *CouponService {
	return &CouponService{
		repo:      repo,
		evaluator: NewCouponEvaluator(),
		logger:    util.GetLogger(),
	}
}

// Create validates and stores a new coupon. Codes are unique after upper-casing.
func (s *CouponService) Create(ctx context.Context, req *CreateCouponRequest) (*models.Coupon, error) {
	coupon, err := s.evaluator.BuildCoupon(req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateCoupon(ctx, coupon); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &ValidationError{Field: "code", Message: "coupon code already exists"}
		}
		return nil, persistence("create coupon", err)
	}

	s.logger.Info("Coupon created",
		zap.String("code", coupon.Code),
		zap.String("type", string(coupon.Type)))
	return coupon, nil
}

// Toggle flips whether the coupon is active.
func (s *CouponService) Toggle(ctx context.Context, code string) (*models.Coupon, error) {
	code = models.NormalizeCouponCode(code)
	coupon, err := s.repo.ToggleCoupon(ctx, code)
	if err != nil {
		return nil, lookup("coupon", code, err)
	}

	s.logger.Info("Coupon toggled",
		zap.String("code", coupon.Code),
		zap.Bool("is_active", coupon.IsActive))
	return coupon, nil
}
