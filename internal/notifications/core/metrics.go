package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"kickoff/internal/types"
)

// Metric and dimension names shared by the metrics backends.
const (
	DefaultMetricNamespace = "Kickoff/Notifications"

	MetricDeliveryAttempt   = "DeliveryAttempt"
	MetricDeliveryLatency   = "DeliveryLatency"
	MetricQueueLag          = "NotificationQueueLag"
	MetricTargetDeactivated = "TargetDeactivated"
	MetricStaleQueueUpdate  = "StaleQueueUpdate"
	DimTransport            = "Transport"
	DimResult               = "Result"
	DimNotificationType     = "Type"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchNotificationMetrics implements NotificationMetrics.
var _ NotificationMetrics = (*CloudWatchNotificationMetrics)(nil)

// CloudWatchNotificationMetrics publishes delivery metrics to CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Transport, Type, Result}
//   - DeliveryLatency: Dims {Transport}
//   - NotificationQueueLag: no dims, time between scheduled_for and claim
//   - TargetDeactivated: Dims {Transport}
//   - StaleQueueUpdate: no dims
type CloudWatchNotificationMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchNotificationMetrics creates a CloudWatchNotificationMetrics
// publishing to namespace. An empty namespace uses DefaultMetricNamespace.
func NewCloudWatchNotificationMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchNotificationMetrics {
	if namespace == "" {
		namespace = DefaultMetricNamespace
	}
	return &CloudWatchNotificationMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordDelivery emits a DeliveryAttempt count.
func (m *CloudWatchNotificationMetrics) RecordDelivery(ctx context.Context, transport types.Transport, kind types.NotificationType, result MetricResult) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimTransport), Value: aws.String(string(transport))},
			{Name: aws.String(DimNotificationType), Value: aws.String(string(kind))},
			{Name: aws.String(DimResult), Value: aws.String(string(result))},
		},
	})
}

// RecordLatency emits the duration of one provider call in milliseconds.
func (m *CloudWatchNotificationMetrics) RecordLatency(ctx context.Context, transport types.Transport, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDeliveryLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimTransport), Value: aws.String(string(transport))},
		},
	})
}

// RecordQueueLag emits how late an entry was claimed relative to its
// scheduled time.
func (m *CloudWatchNotificationMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

// RecordTargetDeactivated counts a delivery target removed after a permanent
// transport failure.
func (m *CloudWatchNotificationMetrics) RecordTargetDeactivated(ctx context.Context, transport types.Transport) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricTargetDeactivated),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimTransport), Value: aws.String(string(transport))},
		},
	})
}

// RecordStaleUpdate counts a conditional queue update that matched no row.
func (m *CloudWatchNotificationMetrics) RecordStaleUpdate(ctx context.Context) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricStaleQueueUpdate),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchNotificationMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", aws.ToString(datum.MetricName),
		)
	}
}

// NopMetrics discards every metric. It backs METRICS_BACKEND=none and tests.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, types.Transport, types.NotificationType, MetricResult) {}
func (NopMetrics) RecordLatency(context.Context, types.Transport, time.Duration)                         {}
func (NopMetrics) RecordQueueLag(context.Context, time.Duration)                                        {}
func (NopMetrics) RecordTargetDeactivated(context.Context, types.Transport)                             {}
func (NopMetrics) RecordStaleUpdate(context.Context)                                                    {}
