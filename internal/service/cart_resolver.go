package service

import (
	"context"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
)

// CartResolver reads the lines of an identity's cart.
type CartResolver struct{}

func NewCartResolver() *CartResolver {
	return &CartResolver{}
}

// Resolve returns the cart lines in insertion order, or an empty slice when
// the identity has no cart.
func (r *CartResolver) Resolve(ctx context.Context, q store.Queries, identity models.Identity) ([]models.CartLine, error) {
	if identity.IsZero() {
		return nil, &ValidationError{Field: "identity", Message: "user_id or session_id is required"}
	}

	lines, err := q.GetCartLines(ctx, identity)
	if err != nil {
		return nil, persistence("load cart", err)
	}
	if lines == nil {
		lines = []models.CartLine{}
	}
	return lines, nil
}
