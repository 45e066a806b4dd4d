package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
	"phyco-order-service/internal/util"

	"go.uber.org/zap"
)

// StockCache is a read-through cache of variant stock levels
type StockCache interface {
	SetVariantStock(ctx context.Context, level models.StockLevel) error
	GetVariantStock(ctx context.Context, variantID int64) (models.StockLevel, bool, error)
	DeleteVariantStock(ctx context.Context, variantID int64) error
}

// InventoryCache keeps the storefront stock cache in line with the store.
// The store stays authoritative; the cache only serves reads.
type InventoryCache struct {
	repo   store.Queries
	cache  StockCache
	logger *zap.Logger
}

// NewInventoryCache creates the cache. A nil cache makes every read go to the store.
func NewInventoryCache(repo store.Queries, cache StockCache) *InventoryCache {
	return &InventoryCache{
		repo:   repo,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// SyncAll copies every variant's stock level into the cache
func (ic *InventoryCache) SyncAll(ctx context.Context) error {
	if ic.cache == nil {
		return nil
	}
	ic.logger.Info("Starting inventory sync to Redis")

	variants, err := ic.repo.ListVariants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list variants: %w", err)
	}

	for i := range variants {
		if err := ic.cache.SetVariantStock(ctx, variants[i].StockLevel()); err != nil {
			util.InventoryCacheRefreshes.WithLabelValues("error").Inc()
			ic.logger.Error("Failed to cache variant stock",
				zap.Int64("variant_id", variants[i].ID),
				zap.Error(err))
			continue
		}
		util.InventoryCacheRefreshes.WithLabelValues("ok").Inc()
	}

	ic.logger.Info("Inventory sync completed", zap.Int("count", len(variants)))
	return nil
}

// Refresh reloads one variant from the store into the cache. A variant gone
// from the store is evicted.
func (ic *InventoryCache) Refresh(ctx context.Context, variantID int64) error {
	if ic.cache == nil {
		return nil
	}

	variant, err := ic.repo.GetVariant(ctx, variantID)
	if errors.Is(err, store.ErrNotFound) {
		if err := ic.cache.DeleteVariantStock(ctx, variantID); err != nil {
			util.InventoryCacheRefreshes.WithLabelValues("error").Inc()
			return fmt.Errorf("failed to evict variant %d: %w", variantID, err)
		}
		util.InventoryCacheRefreshes.WithLabelValues("evicted").Inc()
		ic.logger.Info("Evicted stock for missing variant", zap.Int64("variant_id", variantID))
		return nil
	}
	if err != nil {
		util.InventoryCacheRefreshes.WithLabelValues("error").Inc()
		return lookup("variant", strconv.FormatInt(variantID, 10), err)
	}
	if err := ic.cache.SetVariantStock(ctx, variant.StockLevel()); err != nil {
		util.InventoryCacheRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to cache variant %d: %w", variantID, err)
	}
	util.InventoryCacheRefreshes.WithLabelValues("ok").Inc()
	return nil
}

// RefreshItems refreshes every variant referenced by an order event
func (ic *InventoryCache) RefreshItems(ctx context.Context, items []models.OrderItemData) error {
	for _, item := range items {
		if err := ic.Refresh(ctx, item.VariantID); err != nil {
			return err
		}
	}
	return nil
}

// GetAvailability serves a variant's stock level from the cache, falling back
// to the store on a miss or cache error and refilling the cache.
func (ic *InventoryCache) GetAvailability(ctx context.Context, variantID int64) (models.StockLevel, error) {
	if ic.cache != nil {
		level, ok, err := ic.cache.GetVariantStock(ctx, variantID)
		if err != nil {
			ic.logger.Warn("Stock cache read failed, falling back to DB",
				zap.Int64("variant_id", variantID),
				zap.Error(err))
		} else if ok {
			return level, nil
		}
	}

	variant, err := ic.repo.GetVariant(ctx, variantID)
	if err != nil {
		return models.StockLevel{}, lookup("variant", strconv.FormatInt(variantID, 10), err)
	}

	level := variant.StockLevel()
	if ic.cache != nil {
		if err := ic.cache.SetVariantStock(ctx, level); err != nil {
			ic.logger.Warn("Failed to refill stock cache",
				zap.Int64("variant_id", variantID),
				zap.Error(err))
		}
	}
	return level, nil
}
