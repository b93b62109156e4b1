// Package webpush delivers notifications to browser push subscriptions using
// the Web Push protocol with VAPID authentication.
package webpush

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"kickoff/internal/config"
	"kickoff/internal/notifications/core"
	"kickoff/internal/security"
	"kickoff/internal/types"
)

// maxResponseBodyRead limits how much of a push service error body is kept.
const maxResponseBodyRead = 1024

// maxTopicLength is the Topic header limit imposed by RFC 8030.
const maxTopicLength = 32

// SendFunc matches webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

var _ core.Transport = (*Transport)(nil)

// Transport implements core.Transport for Web Push subscriptions.
type Transport struct {
	publicKey  string
	privateKey types.SecretString
	subscriber string
	ttl        time.Duration
	httpClient *http.Client
	send       SendFunc
	logger     types.Logger
}

// Option customizes a Transport.
type Option func(*Transport)

// WithSendFunc replaces the library call, for tests.
func WithSendFunc(fn SendFunc) Option {
	return func(t *Transport) { t.send = fn }
}

// WithHTTPClient overrides the SSRF-safe client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l types.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a Web Push transport from the push configuration.
func New(cfg config.PushConfig, timeout time.Duration, opts ...Option) (*Transport, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey.IsZero() {
		return nil, errors.New("webpush: VAPID key pair is required")
	}
	if cfg.VAPIDSubject == "" {
		return nil, errors.New("webpush: VAPID subject is required")
	}
	t := &Transport{
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		subscriber: cfg.VAPIDSubject,
		ttl:        cfg.TTL,
		send:       webpush.SendNotificationWithContext,
		logger:     types.NopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.httpClient == nil {
		client, err := security.NewSafeHTTPClient(timeout)
		if err != nil {
			return nil, fmt.Errorf("webpush: create http client: %w", err)
		}
		t.httpClient = client
	}
	return t, nil
}

// Name returns the transport identifier.
func (t *Transport) Name() types.Transport {
	return types.TransportWebPush
}

// payload is the JSON document the service worker receives.
type payload struct {
	Title   string                 `json:"title"`
	Body    string                 `json:"body"`
	Icon    string                 `json:"icon,omitempty"`
	Tag     string                 `json:"tag,omitempty"`
	Actions types.ActionList       `json:"actions,omitempty"`
	Data    types.NotificationData `json:"data,omitempty"`
}

// Deliver encrypts and posts n to the target's push endpoint.
//
// Response handling:
//   - 200, 201, 202: delivered
//   - 404, 410: the subscription is gone and the target is deactivated
//   - 413: payload too large, failed without touching the target
//   - 429, 5xx and network errors: transient
//   - other 4xx: transient, reason rejected_<status>
func (t *Transport) Deliver(ctx context.Context, target *types.DeliveryTarget, n *types.Notification) error {
	if target == nil || n == nil {
		return &core.TargetError{Reason: "invalid_request", Err: errors.New("webpush: nil target or notification")}
	}
	msg, err := json.Marshal(payload{
		Title:   n.Title,
		Body:    n.Body,
		Icon:    n.ImageURL,
		Tag:     n.Tag,
		Actions: n.Actions,
		Data:    n.Data,
	})
	if err != nil {
		return &core.TargetError{Reason: "encode", Err: fmt.Errorf("webpush: marshal payload: %w", err)}
	}

	sub := &webpush.Subscription{
		Endpoint: target.Endpoint,
		Keys: webpush.Keys{
			Auth:   target.Auth.Unmask(),
			P256dh: target.P256DH,
		},
	}
	resp, err := t.send(ctx, msg, sub, &webpush.Options{
		HTTPClient:      t.httpClient,
		Subscriber:      t.subscriber,
		Topic:           Topic(n.Tag),
		TTL:             int(t.ttl.Seconds()),
		Urgency:         urgency(n.Priority),
		VAPIDPublicKey:  t.publicKey,
		VAPIDPrivateKey: t.privateKey.Unmask(),
	})
	if err != nil {
		if errors.Is(err, security.ErrBlockedAddress) {
			return &core.TargetError{Permanent: true, Reason: "blocked_endpoint", Err: err}
		}
		return &core.TargetError{Reason: "network_error", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))

	return classify(resp.StatusCode, body)
}

func classify(status int, body []byte) error {
	switch {
	case status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted:
		return nil
	case status == http.StatusNotFound:
		return &core.TargetError{Permanent: true, StatusCode: status, Reason: "not_found", Err: bodyErr(body)}
	case status == http.StatusGone:
		return &core.TargetError{Permanent: true, StatusCode: status, Reason: "expired", Err: bodyErr(body)}
	case status == http.StatusRequestEntityTooLarge:
		return &core.TargetError{StatusCode: status, Reason: "payload_too_large", Err: bodyErr(body)}
	case status == http.StatusTooManyRequests:
		return &core.TargetError{StatusCode: status, Reason: "rate_limited", Err: bodyErr(body)}
	case status >= 500:
		return &core.TargetError{StatusCode: status, Reason: "upstream_unavailable", Err: bodyErr(body)}
	default:
		return &core.TargetError{StatusCode: status, Reason: fmt.Sprintf("rejected_%d", status), Err: bodyErr(body)}
	}
}

func bodyErr(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	return errors.New(string(body))
}

// Topic derives the collapse key for a tag. Push services only accept up to
// 32 URL-safe characters, so the tag is hashed.
func Topic(tag string) string {
	if tag == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(tag))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:maxTopicLength]
}

func urgency(p types.Priority) webpush.Urgency {
	switch p {
	case types.PriorityHigh:
		return webpush.UrgencyHigh
	case types.PriorityLow:
		return webpush.UrgencyLow
	default:
		return webpush.UrgencyNormal
	}
}
