package service

import (
	"context"
	"fmt"
	"strconv"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
)

// InventoryLedger owns every stock mutation. It works on whatever Queries it
// is handed so reservations join the caller's transaction.
type InventoryLedger struct{}

func NewInventoryLedger() *InventoryLedger {
	return &InventoryLedger{}
}

// Reserve takes qty units of the variant. Unmanaged variants always succeed
// without touching stock. The returned variant carries the price snapshot.
func (l *InventoryLedger) Reserve(ctx context.Context, q store.Queries, variantID int64, qty int) (*models.ProductVariant, error) {
	if qty <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}

	variant, err := q.GetVariant(ctx, variantID)
	if err != nil {
		return nil, lookup("variant", strconv.FormatInt(variantID, 10), err)
	}
	if !variant.ManageStock {
		return variant, nil
	}

	remaining, ok, err := q.AdjustStock(ctx, variantID, -qty, variant.BackordersAllowed)
	if err != nil {
		return nil, persistence("reserve stock", err)
	}
	if !ok {
		available := variant.StockQuantity
		if current, err := q.GetVariant(ctx, variantID); err == nil {
			available = current.StockQuantity
		}
		if available < 0 {
			available = 0
		}
		return nil, &InsufficientStockError{VariantID: variantID, Requested: qty, Available: available}
	}

	status := models.DeriveStockStatus(remaining, variant.BackordersAllowed)
	if err := q.SetStockStatus(ctx, variantID, status); err != nil {
		return nil, persistence("update stock status", err)
	}

	variant.StockQuantity = remaining
	variant.StockStatus = status
	return variant, nil
}

// Release returns qty units to a managed variant and marks it in stock.
func (l *InventoryLedger) Release(ctx context.Context, q store.Queries, variantID int64, qty int) error {
	variant, err := q.GetVariant(ctx, variantID)
	if err != nil {
		return lookup("variant", strconv.FormatInt(variantID, 10), err)
	}
	if !variant.ManageStock {
		return nil
	}

	if _, ok, err := q.AdjustStock(ctx, variantID, qty, true); err != nil {
		return persistence("release stock", err)
	} else if !ok {
		return persistence("release stock", fmt.Errorf("variant %d was not updated", variantID))
	}

	if err := q.SetStockStatus(ctx, variantID, models.StockStatusInStock); err != nil {
		return persistence("update stock status", err)
	}
	return nil
}
