// Package fcm delivers notifications to native app registration tokens via
// Firebase Cloud Messaging.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"kickoff/internal/config"
	"kickoff/internal/notifications/core"
	"kickoff/internal/types"
)

// Sender is the slice of *messaging.Client the transport uses.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

var _ core.Transport = (*Transport)(nil)

// Transport implements core.Transport for FCM registration tokens.
type Transport struct {
	sender Sender
	ttl    time.Duration
	logger types.Logger

	// isGone reports whether an FCM error means the token is dead.
	isGone func(error) bool
}

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l types.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithGoneClassifier overrides the unregistered-token check, for tests.
func WithGoneClassifier(fn func(error) bool) Option {
	return func(t *Transport) { t.isGone = fn }
}

// NewClient initializes the Firebase app and returns its messaging client.
// Without a credentials file the application default credentials are used.
func NewClient(ctx context.Context, cfg config.PushConfig) (*messaging.Client, error) {
	var opts []option.ClientOption
	if cfg.FCMCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.FCMCredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FCMProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("fcm: initialize app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: messaging client: %w", err)
	}
	return client, nil
}

// New creates an FCM transport around sender.
func New(sender Sender, ttl time.Duration, opts ...Option) (*Transport, error) {
	if sender == nil {
		return nil, errors.New("fcm: sender is nil")
	}
	t := &Transport{
		sender: sender,
		ttl:    ttl,
		logger: types.NopLogger{},
		isGone: func(err error) bool {
			return messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err)
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Name returns the transport identifier.
func (t *Transport) Name() types.Transport {
	return types.TransportFCM
}

// Deliver sends n to the registration token stored as the target endpoint.
func (t *Transport) Deliver(ctx context.Context, target *types.DeliveryTarget, n *types.Notification) error {
	if target == nil || n == nil {
		return &core.TargetError{Reason: "invalid_request", Err: errors.New("fcm: nil target or notification")}
	}
	msg := t.message(target.Endpoint, n)
	id, err := t.sender.Send(ctx, msg)
	if err != nil {
		switch {
		case t.isGone(err):
			return &core.TargetError{Permanent: true, Reason: "unregistered", Err: err}
		case messaging.IsQuotaExceeded(err):
			return &core.TargetError{Reason: "rate_limited", Err: err}
		case messaging.IsInvalidArgument(err):
			return &core.TargetError{Reason: "invalid_argument", Err: err}
		default:
			return &core.TargetError{Reason: "upstream_unavailable", Err: err}
		}
	}
	t.logger.Info("fcm message sent", "target_id", target.ID, "message_id", id)
	return nil
}

func (t *Transport) message(token string, n *types.Notification) *messaging.Message {
	androidPriority, apnsPriority := "normal", "5"
	if n.Priority == types.PriorityHigh {
		androidPriority, apnsPriority = "high", "10"
	}
	ttl := t.ttl

	headers := map[string]string{
		"apns-priority":  apnsPriority,
		"apns-push-type": "alert",
	}
	if n.Tag != "" {
		headers["apns-collapse-id"] = n.Tag
	}

	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title:    n.Title,
			Body:     n.Body,
			ImageURL: n.ImageURL,
		},
		Data: stringData(n.Data),
		Android: &messaging.AndroidConfig{
			CollapseKey: n.Tag,
			Priority:    androidPriority,
			TTL:         &ttl,
			Notification: &messaging.AndroidNotification{
				Tag:   n.Tag,
				Sound: "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: headers,
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default", ThreadID: n.Tag},
			},
		},
	}
}

// stringData flattens notification data into the string map FCM requires.
func stringData(data types.NotificationData) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
