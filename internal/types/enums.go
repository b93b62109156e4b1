package types

// NotificationType identifies the business trigger behind a notification.
type NotificationType string

const (
	NotificationMatchReminder  NotificationType = "match_reminder"
	NotificationMatchUpdate    NotificationType = "match_update"
	NotificationPlayerJoined   NotificationType = "player_joined"
	NotificationPlayerLeft     NotificationType = "player_left"
	NotificationMatchCancelled NotificationType = "match_cancelled"
	NotificationNewMatch       NotificationType = "new_match"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationMatchReminder, NotificationMatchUpdate, NotificationPlayerJoined,
		NotificationPlayerLeft, NotificationMatchCancelled, NotificationNewMatch:
		return true
	}
	return false
}

// Priority orders queue entries within a poll batch.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns the numeric weight stored in the queue so that
// "ORDER BY priority DESC" sorts high before normal before low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	switch {
	case rank >= 2:
		return PriorityHigh
	case rank <= 0:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ChangeKind describes what changed about a match in an update trigger.
type ChangeKind string

const (
	ChangeTime     ChangeKind = "time"
	ChangeLocation ChangeKind = "location"
	ChangeCourt    ChangeKind = "court"
	ChangeCapacity ChangeKind = "capacity"
	ChangeGeneral  ChangeKind = "general"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeTime, ChangeLocation, ChangeCourt, ChangeCapacity, ChangeGeneral:
		return true
	}
	return false
}

// PlayerChange is the direction of a roster change.
type PlayerChange string

const (
	PlayerJoined PlayerChange = "joined"
	PlayerLeft   PlayerChange = "left"
)

// Valid reports whether c is joined or left.
func (c PlayerChange) Valid() bool {
	return c == PlayerJoined || c == PlayerLeft
}

// Transport names a delivery transport. A deployment selects exactly one.
type Transport string

const (
	TransportWebPush Transport = "webpush"
	TransportFCM     Transport = "fcm"
)

// EntryState is the derived lifecycle state of a QueueEntry.
type EntryState string

const (
	EntryPending EntryState = "pending"
	EntrySent    EntryState = "sent"
	EntryFailed  EntryState = "failed"
)

// Failure reasons persisted on queue entries.
const (
	ReasonCancelled       = "cancelled"
	ReasonRescheduled     = "rescheduled"
	ReasonOptedOut        = "opted_out"
	ReasonPlayerLeft      = "player_left"
	ReasonNoActiveTargets = "no_active_targets"
	ReasonUnsubscribed    = "unsubscribed"
)
