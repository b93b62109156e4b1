// Package builder renders channel-agnostic notification payloads from match
// events. Every function is pure: the same context, event and locale always
// produce the same payload, and nothing here performs I/O.
package builder

import (
	"fmt"
	"strings"
	"time"

	"kickoff/internal/types"
)

// Builder carries the static presentation settings shared by all payloads.
type Builder struct {
	baseURL string
	iconURL string
}

// New creates a Builder. baseURL prefixes the match deep link placed in each
// payload's data; iconURL is the fallback image when a match has none.
func New(baseURL, iconURL string) *Builder {
	return &Builder{
		baseURL: strings.TrimRight(baseURL, "/"),
		iconURL: iconURL,
	}
}

// ReminderPriority maps a reminder lead time to a queue priority: one hour or
// less is high, up to six hours normal, anything further out low.
func ReminderPriority(offsetHours float64) types.Priority {
	switch {
	case offsetHours <= 1:
		return types.PriorityHigh
	case offsetHours <= 6:
		return types.PriorityNormal
	default:
		return types.PriorityLow
	}
}

// MatchReminder renders the reminder sent offsetHours before kickoff.
func (b *Builder) MatchReminder(nc *types.NotificationContext, offsetHours float64, locale string) types.Notification {
	c := catalogFor(locale)
	title := c.reminderTitleSoon
	if offsetHours >= 1 {
		title = fmt.Sprintf(c.reminderTitle, c.leadTime(offsetHours))
	}
	n := b.base(nc, types.NotificationMatchReminder)
	n.Title = title
	n.Body = fmt.Sprintf(c.reminderBody, b.clock(nc, c), venue(nc.Match), c.spots(nc))
	n.Tag = tag(nc, "reminder")
	n.Priority = ReminderPriority(offsetHours)
	n.Actions = types.ActionList{
		{Action: "view", Title: c.actionView, URL: b.matchURL(nc)},
		{Action: "leave", Title: c.actionLeave, URL: b.matchURL(nc) + "?action=leave"},
	}
	n.Data[types.DataKeyOffsetHours] = types.FormatOffset(offsetHours)
	return n
}

// MatchUpdate renders the notice for a changed match detail.
func (b *Builder) MatchUpdate(nc *types.NotificationContext, kind types.ChangeKind, locale string) types.Notification {
	c := catalogFor(locale)
	if !kind.Valid() {
		kind = types.ChangeGeneral
	}
	n := b.base(nc, types.NotificationMatchUpdate)
	n.Title = c.updateTitle[kind]
	n.Body = fmt.Sprintf(c.updateBody[kind], b.start(nc, c), venue(nc.Match), nc.Match.Capacity)
	n.Tag = tag(nc, "update")
	n.Priority = types.PriorityNormal
	if kind == types.ChangeTime || kind == types.ChangeLocation {
		n.Priority = types.PriorityHigh
	}
	n.Actions = types.ActionList{{Action: "view", Title: c.actionView, URL: b.matchURL(nc)}}
	if kind == types.ChangeLocation {
		n.Actions = append(n.Actions, types.NotificationAction{
			Action: "directions", Title: c.actionDirections, URL: directionsURL(nc.Match),
		})
	}
	n.Data["change_kind"] = string(kind)
	return n
}

// PlayerChange renders a roster change notice.
func (b *Builder) PlayerChange(nc *types.NotificationContext, change types.PlayerChange, playerName, locale string) types.Notification {
	c := catalogFor(locale)
	kind := types.NotificationPlayerJoined
	title, body := c.joinedTitle, c.joinedBody
	if change == types.PlayerLeft {
		kind = types.NotificationPlayerLeft
		title, body = c.leftTitle, c.leftBody
	}
	n := b.base(nc, kind)
	n.Title = title
	n.Body = fmt.Sprintf(body, playerName, localStart(nc).Format(c.dateFmt), c.spots(nc))
	n.Tag = tag(nc, "roster")
	n.Priority = types.PriorityLow
	n.Actions = types.ActionList{{Action: "view", Title: c.actionView, URL: b.matchURL(nc)}}
	n.Data["player_name"] = playerName
	return n
}

// MatchCancelled renders the cancellation notice. reason may be empty.
func (b *Builder) MatchCancelled(nc *types.NotificationContext, reason, locale string) types.Notification {
	c := catalogFor(locale)
	n := b.base(nc, types.NotificationMatchCancelled)
	n.Title = c.cancelledTitle
	date := localStart(nc).Format(c.dateFmt)
	if reason = strings.TrimSpace(reason); reason != "" {
		n.Body = fmt.Sprintf(c.cancelledBodyReason, date, venue(nc.Match), reason)
		n.Data["reason"] = reason
	} else {
		n.Body = fmt.Sprintf(c.cancelledBody, date, venue(nc.Match))
	}
	// Shares the reminder tag so it replaces a reminder still on the device.
	n.Tag = tag(nc, "reminder")
	n.Priority = types.PriorityHigh
	return n
}

// NewMatch renders the announcement sent to new-match subscribers.
func (b *Builder) NewMatch(nc *types.NotificationContext, locale string) types.Notification {
	c := catalogFor(locale)
	organizer := nc.Match.OrganizerName
	if organizer == "" {
		organizer = "Kickoff"
	}
	n := b.base(nc, types.NotificationNewMatch)
	n.Title = fmt.Sprintf(c.newMatchTitle, nc.Match.Location)
	n.Body = fmt.Sprintf(c.newMatchBody, organizer, b.start(nc, c), c.spots(nc))
	n.Tag = tag(nc, "new")
	n.Priority = types.PriorityLow
	n.Actions = types.ActionList{
		{Action: "join", Title: c.actionJoin, URL: b.matchURL(nc) + "?action=join"},
		{Action: "view", Title: c.actionView, URL: b.matchURL(nc)},
	}
	return n
}

func (b *Builder) base(nc *types.NotificationContext, kind types.NotificationType) types.Notification {
	image := nc.Match.ImageURL
	if image == "" {
		image = b.iconURL
	}
	return types.Notification{
		Type:     kind,
		ImageURL: image,
		Data: types.NotificationData{
			types.DataKeyMatchID: nc.Match.ID,
			types.DataKeyType:    string(kind),
			types.DataKeyURL:     b.matchURL(nc),
		},
	}
}

func (b *Builder) matchURL(nc *types.NotificationContext) string {
	return b.baseURL + "/matches/" + nc.Match.ID
}

func (b *Builder) clock(nc *types.NotificationContext, c *catalog) string {
	return localStart(nc).Format(c.timeFmt)
}

func (b *Builder) start(nc *types.NotificationContext, c *catalog) string {
	local := localStart(nc)
	return local.Format(c.dateFmt) + " " + local.Format(c.timeFmt)
}

func localStart(nc *types.NotificationContext) time.Time {
	if nc.Facility == nil {
		return nc.StartsAt
	}
	return nc.StartsAt.In(nc.Facility)
}

func (c *catalog) spots(nc *types.NotificationContext) string {
	if left := nc.SpotsLeft(); left > 0 {
		return fmt.Sprintf(c.spotsLeft, left)
	}
	return c.matchFull
}

func venue(m types.MatchSnapshot) string {
	if m.Court == "" {
		return m.Location
	}
	return m.Location + ", " + m.Court
}

func tag(nc *types.NotificationContext, suffix string) string {
	return "match-" + nc.Match.ID + "-" + suffix
}

func directionsURL(m types.MatchSnapshot) string {
	if m.Latitude != nil && m.Longitude != nil {
		return fmt.Sprintf("https://www.google.com/maps/dir/?api=1&destination=%f,%f", *m.Latitude, *m.Longitude)
	}
	return "https://www.google.com/maps/search/?api=1&query=" + strings.ReplaceAll(m.Location, " ", "+")
}
