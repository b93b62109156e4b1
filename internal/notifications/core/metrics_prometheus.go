package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"kickoff/internal/types"
)

// Compile-time assertion that PrometheusNotificationMetrics implements NotificationMetrics.
var _ NotificationMetrics = (*PrometheusNotificationMetrics)(nil)

// PrometheusNotificationMetrics exposes delivery metrics for scraping on
// /metrics.
type PrometheusNotificationMetrics struct {
	deliveries  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	queueLag    prometheus.Histogram
	deactivated *prometheus.CounterVec
	stale       prometheus.Counter
}

// NewPrometheusNotificationMetrics registers the notification collectors with
// reg. Pass prometheus.DefaultRegisterer in production and a fresh registry
// in tests.
func NewPrometheusNotificationMetrics(reg prometheus.Registerer) *PrometheusNotificationMetrics {
	factory := promauto.With(reg)
	return &PrometheusNotificationMetrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kickoff",
			Name:      "notification_deliveries_total",
			Help:      "Notification delivery outcomes by transport, type and result.",
		}, []string{"transport", "type", "result"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kickoff",
			Name:      "notification_delivery_seconds",
			Help:      "Provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),
		queueLag: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kickoff",
			Name:      "notification_queue_lag_seconds",
			Help:      "Delay between scheduled_for and the claim of a queue entry.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		}),
		deactivated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kickoff",
			Name:      "delivery_targets_deactivated_total",
			Help:      "Delivery targets deactivated after a permanent transport failure.",
		}, []string{"transport"}),
		stale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kickoff",
			Name:      "notification_queue_stale_updates_total",
			Help:      "Conditional queue updates that matched no row.",
		}),
	}
}

func (m *PrometheusNotificationMetrics) RecordDelivery(_ context.Context, transport types.Transport, kind types.NotificationType, result MetricResult) {
	m.deliveries.WithLabelValues(string(transport), string(kind), string(result)).Inc()
}

func (m *PrometheusNotificationMetrics) RecordLatency(_ context.Context, transport types.Transport, duration time.Duration) {
	m.latency.WithLabelValues(string(transport)).Observe(duration.Seconds())
}

func (m *PrometheusNotificationMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	m.queueLag.Observe(lag.Seconds())
}

func (m *PrometheusNotificationMetrics) RecordTargetDeactivated(_ context.Context, transport types.Transport) {
	m.deactivated.WithLabelValues(string(transport)).Inc()
}

func (m *PrometheusNotificationMetrics) RecordStaleUpdate(context.Context) {
	m.stale.Inc()
}
