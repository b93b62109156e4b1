package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kickoff/internal/config"
	notifcore "kickoff/internal/notifications/core"
	"kickoff/internal/notifications/webpush"
	"kickoff/internal/types"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := newLogger(tt.level)
			assert.True(t, l.Enabled(context.Background(), tt.want))
			assert.False(t, l.Enabled(context.Background(), tt.want-1))
		})
	}
}

func TestSlogAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	a := &slogAdapter{logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	a.With("component", "provider").Warn("target deactivated", "target_id", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "provider", line["component"])
	assert.Equal(t, "t1", line["target_id"])
}

func TestNewMetrics_Prometheus(t *testing.T) {
	cfg := &config.Config{Observability: config.ObservabilityConfig{MetricsBackend: "prometheus"}}

	m, h, err := newMetrics(context.Background(), cfg, types.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, h)
	m.RecordDelivery(context.Background(), types.TransportWebPush, types.NotificationMatchReminder, notifcore.MetricSuccess)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kickoff_notification_deliveries_total")
}

func TestNewMetrics_None(t *testing.T) {
	cfg := &config.Config{Observability: config.ObservabilityConfig{MetricsBackend: "none"}}

	m, h, err := newMetrics(context.Background(), cfg, types.NopLogger{})
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.IsType(t, notifcore.NopMetrics{}, m)
}

func TestNewTransport_WebPush(t *testing.T) {
	cfg := config.PushConfig{
		Provider:        types.TransportWebPush,
		VAPIDPublicKey:  "BPublicKey",
		VAPIDPrivateKey: "private",
		VAPIDSubject:    "mailto:ops@kickoff.test",
		TTL:             time.Hour,
	}
	tr, err := newTransport(context.Background(), cfg, 5*time.Second, types.NopLogger{})
	require.NoError(t, err)
	assert.IsType(t, &webpush.Transport{}, tr)

	cfg.VAPIDPrivateKey = ""
	_, err = newTransport(context.Background(), cfg, 5*time.Second, types.NopLogger{})
	assert.Error(t, err)
}
