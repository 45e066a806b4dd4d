package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/service"
	"phyco-order-service/internal/store/memory"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	sent   []string
	failAt int
}

func (p *fakePublisher) Publish(_ context.Context, key, eventType string, _ []byte) error {
	if p.failAt > 0 && len(p.sent)+1 == p.failAt {
		p.failAt = 0
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, key+"/"+eventType)
	return nil
}

func seedOutbox(t *testing.T, repo *memory.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, repo.InsertOutboxEvent(context.Background(), &models.OutboxEvent{
			AggregateKey: "order-1",
			EventType:    models.EventTypeOrderStatusChanged,
			Payload:      []byte(`{}`),
		}))
	}
}

func TestRelayOncePublishesAndMarks(t *testing.T) {
	repo := memory.New()
	seedOutbox(t, repo, 3)
	pub := &fakePublisher{}
	relay := NewOutboxRelay(repo, pub, 0, 10)

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, pub.sent, 3)

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayOnceKeepsFailedEventPending(t *testing.T) {
	repo := memory.New()
	seedOutbox(t, repo, 3)
	pub := &fakePublisher{failAt: 2}
	relay := NewOutboxRelay(repo, pub, 0, 10)

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := repo.FetchPendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.sent, 3)
}

type mapCache map[int64]models.StockLevel

func (c mapCache) SetVariantStock(_ context.Context, level models.StockLevel) error {
	c[level.VariantID] = level
	return nil
}

func (c mapCache) GetVariantStock(_ context.Context, id int64) (models.StockLevel, bool, error) {
	level, ok := c[id]
	return level, ok, nil
}

func (c mapCache) DeleteVariantStock(_ context.Context, id int64) error {
	delete(c, id)
	return nil
}

func TestInventoryEventHandlerRefreshesCache(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	v := repo.PutVariant(models.ProductVariant{Price: 1000, ManageStock: true, StockQuantity: 2})
	cache := mapCache{}

	svc := service.NewOrderService(repo, "RAD")
	uid := int64(1)
	_, err := svc.PlaceOrder(ctx, &service.PlaceOrderRequest{
		UserID: &uid,
		Items:  []service.OrderItemRequest{{VariantID: v.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	pending, err := repo.FetchPendingOutbox(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	handler := NewInventoryEventHandler(service.NewInventoryCache(repo, cache))
	require.NoError(t, handler.HandleMessage(ctx, kafka.Message{Value: pending[0].Payload}))

	require.Contains(t, cache, v.ID)
	assert.Equal(t, 0, cache[v.ID].Quantity)
	assert.Equal(t, models.StockStatusOutOfStock, cache[v.ID].Status)

	var event models.OrderPlacedEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	assert.Equal(t, v.ID, event.Items[0].VariantID)
}
