// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesRouted       *prometheus.CounterVec // by message_type
	RouterErrors         prometheus.Counter
	ConnectAttempts      prometheus.Counter
	Reconnects           prometheus.Counter
	CloudFrontRetries    prometheus.Counter
	SubscriptionsCreated prometheus.Counter
	SubscriptionsFailed  prometheus.Counter
	SubscriptionsDeleted prometheus.Counter
	EventHandlerFailures prometheus.Counter

	// Histograms (seconds)
	SubscribeDuration prometheus.Observer

	// Gauges
	ConnectionStateGauge   prometheus.Gauge // numeric ConnState value
	SubscriptionCountGauge prometheus.Gauge
	SubscriptionCostGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eventsub_messages_routed_total", Help: "Inbound EventSub messages routed, by message type"}, []string{"message_type"})
		RouterErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_router_errors_total", Help: "Inbound frames that failed to decode or route"})
		ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_connect_attempts_total", Help: "WebSocket connection attempts"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_reconnects_total", Help: "Scheduled reconnects after transport loss"})
		CloudFrontRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_cloudfront_retries_total", Help: "Immediate retries after a CloudFront upgrade 400"})
		SubscriptionsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_subscriptions_created_total", Help: "Subscriptions created upstream"})
		SubscriptionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_subscriptions_failed_total", Help: "Subscription create attempts that failed permanently"})
		SubscriptionsDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_subscriptions_deleted_total", Help: "Subscriptions deleted upstream"})
		EventHandlerFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_event_handler_failures_total", Help: "Notifications the event handler failed to process"})
		SubscribeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "eventsub_subscribe_duration_seconds", Help: "Upstream subscription create duration seconds", Buckets: prometheus.DefBuckets})
		ConnectionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "eventsub_connection_state", Help: "Connection state (0=disconnected 1=connecting 2=connected 3=ready 4=reconnecting 5=error)"})
		SubscriptionCountGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "eventsub_subscription_count", Help: "Live subscriptions tracked by the coordinator"})
		SubscriptionCostGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "eventsub_subscription_cost", Help: "Total cost of live subscriptions"})
	})
}

// RecordRouted increments the per-type routed counter if metrics are initialized.
func RecordRouted(messageType string) {
	if MessagesRouted != nil {
		MessagesRouted.WithLabelValues(messageType).Inc()
	}
}

// RecordRouterError increments the router error counter if metrics are initialized.
func RecordRouterError() {
	if RouterErrors != nil {
		RouterErrors.Inc()
	}
}

// SetConnectionState records the numeric connection state.
func SetConnectionState(state int) {
	if ConnectionStateGauge != nil {
		ConnectionStateGauge.Set(float64(state))
	}
}

// SetSubscriptionTotals records the coordinator's count and cost.
func SetSubscriptionTotals(count, cost int) {
	if SubscriptionCountGauge != nil {
		SubscriptionCountGauge.Set(float64(count))
	}
	if SubscriptionCostGauge != nil {
		SubscriptionCostGauge.Set(float64(cost))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
