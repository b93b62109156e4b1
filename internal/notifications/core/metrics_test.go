package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"kickoff/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// recordingLogger counts Error calls.
type recordingLogger struct {
	mockLogger
	errors int
}

func (l *recordingLogger) Error(msg string, args ...any) { l.errors++ }

func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, value string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != value {
				t.Errorf("dimension %s: expected %q, got %q", name, value, *d.Value)
			}
			return
		}
	}
	t.Errorf("dimension %s not found", name)
}

func TestCloudWatchNotificationMetrics_RecordDelivery(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchNotificationMetrics(cw, "", &mockLogger{})

	metrics.RecordDelivery(context.Background(), types.TransportWebPush, types.NotificationMatchReminder, MetricSuccess)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != DefaultMetricNamespace {
		t.Errorf("expected namespace %q, got %q", DefaultMetricNamespace, *input.Namespace)
	}
	datum := input.MetricData[0]
	if *datum.MetricName != MetricDeliveryAttempt {
		t.Errorf("expected metric %q, got %q", MetricDeliveryAttempt, *datum.MetricName)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Errorf("expected unit Count, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, DimTransport, "webpush")
	assertDimension(t, datum.Dimensions, DimNotificationType, "match_reminder")
	assertDimension(t, datum.Dimensions, DimResult, "success")
}

func TestCloudWatchNotificationMetrics_RecordLatencyAndLag(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchNotificationMetrics(cw, "Custom/NS", &mockLogger{})

	metrics.RecordLatency(context.Background(), types.TransportFCM, 250*time.Millisecond)
	metrics.RecordQueueLag(context.Background(), 3*time.Second)

	if len(cw.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(cw.calls))
	}
	if *cw.calls[0].Namespace != "Custom/NS" {
		t.Errorf("expected custom namespace, got %q", *cw.calls[0].Namespace)
	}
	if v := *cw.calls[0].MetricData[0].Value; v != 250 {
		t.Errorf("expected latency 250ms, got %f", v)
	}
	assertDimension(t, cw.calls[0].MetricData[0].Dimensions, DimTransport, "fcm")
	lag := cw.calls[1].MetricData[0]
	if *lag.MetricName != MetricQueueLag || *lag.Value != 3000 {
		t.Errorf("unexpected lag datum %s=%f", *lag.MetricName, *lag.Value)
	}
	if len(lag.Dimensions) != 0 {
		t.Errorf("queue lag should carry no dimensions, got %d", len(lag.Dimensions))
	}
}

func TestCloudWatchNotificationMetrics_ErrorIsLoggedNotReturned(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	logger := &recordingLogger{}
	metrics := NewCloudWatchNotificationMetrics(cw, "", logger)

	metrics.RecordTargetDeactivated(context.Background(), types.TransportWebPush)
	metrics.RecordStaleUpdate(context.Background())

	if logger.errors != 2 {
		t.Errorf("expected 2 logged errors, got %d", logger.errors)
	}
}

func TestPrometheusNotificationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusNotificationMetrics(reg)
	ctx := context.Background()

	m.RecordDelivery(ctx, types.TransportWebPush, types.NotificationMatchUpdate, MetricSuccess)
	m.RecordDelivery(ctx, types.TransportWebPush, types.NotificationMatchUpdate, MetricSuccess)
	m.RecordDelivery(ctx, types.TransportWebPush, types.NotificationMatchUpdate, MetricFailed)
	m.RecordTargetDeactivated(ctx, types.TransportWebPush)
	m.RecordStaleUpdate(ctx)
	m.RecordLatency(ctx, types.TransportWebPush, time.Second)
	m.RecordQueueLag(ctx, time.Minute)

	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("webpush", "match_update", "success")); got != 2 {
		t.Errorf("expected 2 successes, got %f", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("webpush", "match_update", "failed")); got != 1 {
		t.Errorf("expected 1 failure, got %f", got)
	}
	if got := testutil.ToFloat64(m.deactivated.WithLabelValues("webpush")); got != 1 {
		t.Errorf("expected 1 deactivation, got %f", got)
	}
	if got := testutil.ToFloat64(m.stale); got != 1 {
		t.Errorf("expected 1 stale update, got %f", got)
	}
	if n := testutil.CollectAndCount(m.latency); n != 1 {
		t.Errorf("expected 1 latency series, got %d", n)
	}
}
