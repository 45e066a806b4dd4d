package worker

import (
	"context"
	"time"

	"phyco-order-service/internal/broker"
	"phyco-order-service/internal/models"
	"phyco-order-service/internal/service"
	"phyco-order-service/internal/store"
	"phyco-order-service/internal/util"

	"go.uber.org/zap"
)

// Publisher sends an encoded event to the broker
type Publisher interface {
	Publish(ctx context.Context, key, eventType string, payload []byte) error
}

// OutboxRelay moves committed outbox events to the broker
type OutboxRelay struct {
	repo      store.Repository
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(repo store.Repository, publisher Publisher, interval time.Duration, batchSize int) *OutboxRelay {
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start polls the outbox until ctx is cancelled
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Outbox relay failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce publishes one batch of pending events and returns how many were
// published. It stops at the first failed publish so later events of the
// same order are not sent ahead of it; the failed event stays pending.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	var published []int64
	err := r.repo.Transact(ctx, func(q store.Queries) error {
		events, err := q.FetchPendingOutbox(ctx, r.batchSize)
		if err != nil {
			return err
		}

		for _, event := range events {
			if err := r.publisher.Publish(ctx, event.AggregateKey, event.EventType, event.Payload); err != nil {
				util.OutboxFailedTotal.Inc()
				r.logger.Warn("Failed to publish outbox event",
					zap.Int64("outbox_id", event.ID),
					zap.String("event_type", event.EventType),
					zap.Error(err))
				break
			}
			published = append(published, event.ID)
		}

		return q.MarkOutboxPublished(ctx, published)
	})
	if err != nil {
		return 0, err
	}

	util.OutboxPublishedTotal.Add(float64(len(published)))
	return len(published), nil
}

// InventoryCacheWorker refreshes the stock cache from order events
type InventoryCacheWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewInventoryCacheWorker creates a new inventory cache worker
func NewInventoryCacheWorker(consumer *broker.Consumer, cache *service.InventoryCache) *InventoryCacheWorker {
	return &InventoryCacheWorker{
		consumer:     consumer,
		eventHandler: NewInventoryEventHandler(cache),
		logger:       util.GetLogger(),
	}
}

// NewInventoryEventHandler refreshes every variant touched by a placed or
// cancelled order.
func NewInventoryEventHandler(cache *service.InventoryCache) *broker.EventHandler {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderPlaced(func(ctx context.Context, e *models.OrderPlacedEvent) error {
		return cache.RefreshItems(ctx, e.Items)
	})
	eventHandler.OnOrderCancelled(func(ctx context.Context, e *models.OrderCancelledEvent) error {
		return cache.RefreshItems(ctx, e.Items)
	})
	return eventHandler
}

// Start starts the worker
func (w *InventoryCacheWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting inventory cache worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *InventoryCacheWorker) Stop() error {
	w.logger.Info("Stopping inventory cache worker")
	return w.consumer.Close()
}
