package types

import (
	"fmt"
	"strings"
	"time"
)

// Notification is the channel-agnostic payload produced by the builder and
// consumed by transports.
type Notification struct {
	Type     NotificationType `json:"type"`
	Title    string           `json:"title"`
	Body     string           `json:"body"`
	ImageURL string           `json:"image,omitempty"`
	Tag      string           `json:"tag,omitempty"`
	Actions  ActionList       `json:"actions,omitempty"`
	Data     NotificationData `json:"data,omitempty"`
	Priority Priority         `json:"-"`
}

// DeliveryTarget is one push subscription of a recipient.
type DeliveryTarget struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Transport   Transport `json:"transport"`
	// Endpoint is the Web Push URL or the FCM registration token.
	Endpoint string `json:"endpoint"`
	// P256DH is the subscriber's public key; Auth is the shared auth secret.
	P256DH    string       `json:"p256dh,omitempty"`
	Auth      SecretString `json:"auth,omitempty"`
	UserAgent string       `json:"user_agent,omitempty"`

	Active             bool       `json:"active"`
	LastUsed           *time.Time `json:"last_used,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// MatchSnapshot is the read-only view of a match supplied by the match
// directory. Date and Time are facility wall-clock values.
type MatchSnapshot struct {
	ID            string
	Date          string // 2006-01-02
	Time          string // 15:04
	Location      string
	Court         string
	Capacity      int
	Headcount     int
	OrganizerID   string
	OrganizerName string
	Latitude      *float64
	Longitude     *float64
	ImageURL      string
}

// NotificationContext is assembled once per trigger and shared by every
// recipient of that trigger.
type NotificationContext struct {
	Match    MatchSnapshot
	StartsAt time.Time
	Facility *time.Location
}

// NewNotificationContext resolves the match start in the facility timezone.
func NewNotificationContext(m MatchSnapshot, facility *time.Location) (*NotificationContext, error) {
	if facility == nil {
		facility = time.UTC
	}
	clock := strings.TrimSpace(m.Time)
	layout := "2006-01-02 15:04"
	if strings.Count(clock, ":") == 2 {
		layout = "2006-01-02 15:04:05"
	}
	startsAt, err := time.ParseInLocation(layout, strings.TrimSpace(m.Date)+" "+clock, facility)
	if err != nil {
		return nil, NewAppErrorWithDetails(ErrCodeValidationMatchSchedule,
			fmt.Sprintf("match %s has an unparseable date or time", m.ID), err,
			map[string]any{"date": m.Date, "time": m.Time})
	}
	return &NotificationContext{Match: m, StartsAt: startsAt, Facility: facility}, nil
}

// SpotsLeft is the remaining capacity, never negative.
func (c *NotificationContext) SpotsLeft() int {
	if left := c.Match.Capacity - c.Match.Headcount; left > 0 {
		return left
	}
	return 0
}
