package service

import (
	"context"
	"errors"
	"testing"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStockCache struct {
	levels  map[int64]models.StockLevel
	readErr error
}

func newFakeStockCache() *fakeStockCache {
	return &fakeStockCache{levels: map[int64]models.StockLevel{}}
}

func (c *fakeStockCache) SetVariantStock(_ context.Context, level models.StockLevel) error {
	c.levels[level.VariantID] = level
	return nil
}

func (c *fakeStockCache) GetVariantStock(_ context.Context, variantID int64) (models.StockLevel, bool, error) {
	if c.readErr != nil {
		return models.StockLevel{}, false, c.readErr
	}
	level, ok := c.levels[variantID]
	return level, ok, nil
}

func (c *fakeStockCache) DeleteVariantStock(_ context.Context, variantID int64) error {
	delete(c.levels, variantID)
	return nil
}

func TestRefreshEvictsMissingVariant(t *testing.T) {
	cache := newFakeStockCache()
	cache.levels[404] = models.StockLevel{VariantID: 404, Quantity: 2}
	ic := NewInventoryCache(memory.New(), cache)

	require.NoError(t, ic.Refresh(context.Background(), 404))
	assert.NotContains(t, cache.levels, int64(404))
}

func TestInventoryCacheSyncAndRefresh(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	cache := newFakeStockCache()
	ic := NewInventoryCache(repo, cache)

	a := repo.PutVariant(models.ProductVariant{ManageStock: true, StockQuantity: 4})
	b := repo.PutVariant(models.ProductVariant{ManageStock: true, StockQuantity: 0})

	require.NoError(t, ic.SyncAll(ctx))
	assert.Len(t, cache.levels, 2)
	assert.Equal(t, models.StockStatusOutOfStock, cache.levels[b.ID].Status)

	_, _, err := repo.AdjustStock(ctx, a.ID, -4, false)
	require.NoError(t, err)
	require.NoError(t, ic.RefreshItems(ctx, []models.OrderItemData{{VariantID: a.ID, Quantity: 4}}))
	assert.Equal(t, 0, cache.levels[a.ID].Quantity)
}

func TestGetAvailabilityFallsBackToStore(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	cache := newFakeStockCache()
	ic := NewInventoryCache(repo, cache)
	v := repo.PutVariant(models.ProductVariant{ManageStock: true, StockQuantity: 7})

	level, err := ic.GetAvailability(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, level.Quantity)
	assert.Contains(t, cache.levels, v.ID)

	cache.readErr = errors.New("redis down")
	level, err = ic.GetAvailability(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, level.Quantity)

	_, err = ic.GetAvailability(ctx, 404)
	assert.True(t, IsNotFound(err))
}

func TestInventoryCacheWithoutRedis(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	ic := NewInventoryCache(repo, nil)
	v := repo.PutVariant(models.ProductVariant{ManageStock: false})

	require.NoError(t, ic.SyncAll(ctx))
	require.NoError(t, ic.Refresh(ctx, v.ID))

	level, err := ic.GetAvailability(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StockStatusInStock, level.Status)
}
