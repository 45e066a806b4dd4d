package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"phyco-order-service/internal/models"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(variantID int64) string {
	return fmt.Sprintf("inventory:%d", variantID)
}

// SetVariantStock caches the stock level of a variant
func (c *Client) SetVariantStock(ctx context.Context, level models.StockLevel) error {
	key := stockKey(level.VariantID)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"quantity", level.Quantity,
		"status", string(level.Status),
		"manage_stock", strconv.FormatBool(level.ManageStock),
		"backorders", strconv.FormatBool(level.BackordersAllowed),
	)

	_, err := pipe.Exec(ctx)
	return err
}

// GetVariantStock returns the cached stock level. ok is false on a cache miss.
func (c *Client) GetVariantStock(ctx context.Context, variantID int64) (level models.StockLevel, ok bool, err error) {
	result, err := c.rdb.HGetAll(ctx, stockKey(variantID)).Result()
	if err != nil {
		return models.StockLevel{}, false, err
	}
	if len(result) == 0 {
		return models.StockLevel{}, false, nil
	}

	quantity, err := strconv.Atoi(result["quantity"])
	if err != nil {
		return models.StockLevel{}, false, fmt.Errorf("corrupt stock entry for variant %d: %w", variantID, err)
	}

	return models.StockLevel{
		VariantID:         variantID,
		Quantity:          quantity,
		Status:            models.StockStatus(result["status"]),
		ManageStock:       result["manage_stock"] == "true",
		BackordersAllowed: result["backorders"] == "true",
	}, true, nil
}

// DeleteVariantStock evicts a cached stock level
func (c *Client) DeleteVariantStock(ctx context.Context, variantID int64) error {
	return c.rdb.Del(ctx, stockKey(variantID)).Err()
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// SaveIdempotentOrder remembers the order created for an idempotency key
func (c *Client) SaveIdempotentOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), orderID, ttl).Err()
}

// GetIdempotentOrder returns the order created for an idempotency key, if any
func (c *Client) GetIdempotentOrder(ctx context.Context, key string) (int64, bool, error) {
	orderID, err := c.rdb.Get(ctx, idempotencyKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return orderID, true, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
