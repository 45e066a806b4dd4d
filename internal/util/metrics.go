package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phyco_orders_placed_total",
		Help: "Total number of orders placed",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phyco_orders_failed_total",
		Help: "Total number of rejected order placements",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phyco_orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrderStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phyco_order_status_transitions_total",
		Help: "Order status transitions by target status",
	}, []string{"to"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "phyco_inventory_reserve_latency_seconds",
		Help:    "Latency of reserving stock for a whole order",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phyco_inventory_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	CouponRedemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phyco_coupon_redemptions_total",
		Help: "Total number of coupons redeemed by placed orders",
	})

	CouponRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phyco_coupon_rejections_total",
		Help: "Total number of rejected coupon validations",
	}, []string{"reason"})

	OutboxPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phyco_outbox_published_total",
		Help: "Total number of outbox events relayed to the broker",
	})

	OutboxFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phyco_outbox_failed_total",
		Help: "Total number of outbox events that failed to publish",
	})

	InventoryCacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phyco_inventory_cache_refreshes_total",
		Help: "Variant stock cache refreshes by result",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
