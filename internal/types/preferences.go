package types

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Preference defaults applied when a user has never saved settings.
const (
	DefaultQuietHoursStart = 22
	DefaultQuietHoursEnd   = 8
	DefaultLocale          = "en"
	MaxReminderOffsets     = 6
	MaxReminderOffsetHours = 168
)

// DefaultReminderOffsets are the reminder lead times in hours, largest first.
var DefaultReminderOffsets = []float64{24, 2, 0.5}

// SupportedLocales lists the locales the notification builder can render.
var SupportedLocales = []string{"en", "nl"}

var preferenceValidator = validator.New()

// NotificationPreference holds one user's notification settings.
type NotificationPreference struct {
	UserID string `json:"user_id" validate:"required"`

	MatchReminders bool `json:"match_reminders"`
	MatchUpdates   bool `json:"match_updates"`
	PlayerChanges  bool `json:"player_changes"`
	NewMatches     bool `json:"new_matches"`
	Cancellations  bool `json:"cancellations"`

	// ReminderOffsets are hours before kickoff, sorted largest first on save.
	ReminderOffsets []float64 `json:"reminder_offsets" validate:"max=6,unique,dive,gt=0,lte=168"`

	// QuietHoursStart and QuietHoursEnd bound a [start, end) hour window in
	// the user's timezone. The window wraps midnight when start > end and is
	// empty when start == end.
	QuietHoursStart int `json:"quiet_hours_start" validate:"min=0,max=23"`
	QuietHoursEnd   int `json:"quiet_hours_end" validate:"min=0,max=23"`

	// Timezone is an IANA name. Empty means the facility timezone.
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Locale   string `json:"locale" validate:"omitempty,oneof=en nl"`

	LocationRadiusKm   float64  `json:"location_radius_km" validate:"gte=0,lte=500"`
	HomeLatitude       *float64 `json:"home_latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	HomeLongitude      *float64 `json:"home_longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	PreferredLocations []string `json:"preferred_locations,omitempty" validate:"max=20,dive,required,max=200"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// DefaultNotificationPreference returns the settings used for a user with no
// stored row.
func DefaultNotificationPreference(userID string) NotificationPreference {
	offsets := make([]float64, len(DefaultReminderOffsets))
	copy(offsets, DefaultReminderOffsets)
	return NotificationPreference{
		UserID:          userID,
		MatchReminders:  true,
		MatchUpdates:    true,
		PlayerChanges:   false,
		NewMatches:      false,
		Cancellations:   true,
		ReminderOffsets: offsets,
		QuietHoursStart: DefaultQuietHoursStart,
		QuietHoursEnd:   DefaultQuietHoursEnd,
		Locale:          DefaultLocale,
	}
}

// Validate checks the preference against its field constraints and returns a
// validation AppError listing every offending field.
func (p *NotificationPreference) Validate() error {
	fields := map[string]any{}
	if err := preferenceValidator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return NewAppError(ErrCodeValidationPreferences, "invalid notification preferences", err)
		}
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}
	if (p.HomeLatitude == nil) != (p.HomeLongitude == nil) {
		fields["HomeLatitude"] = "pair"
	}
	for _, h := range p.ReminderOffsets {
		if math.IsNaN(h) || math.IsInf(h, 0) {
			fields["ReminderOffsets"] = "finite"
		}
	}
	if len(fields) > 0 {
		return NewAppErrorWithDetails(ErrCodeValidationPreferences, "invalid notification preferences", nil,
			map[string]any{"fields": fields})
	}
	return nil
}

// Normalize sorts offsets largest first and fills an empty locale.
func (p *NotificationPreference) Normalize() {
	offsets := append([]float64(nil), p.ReminderOffsets...)
	for i := 1; i < len(offsets); i++ {
		for j := i; j > 0 && offsets[j] > offsets[j-1]; j-- {
			offsets[j], offsets[j-1] = offsets[j-1], offsets[j]
		}
	}
	p.ReminderOffsets = offsets
	if p.Locale == "" {
		p.Locale = DefaultLocale
	}
}

// Allows reports whether the user has opted into notifications of type t.
func (p *NotificationPreference) Allows(t NotificationType) bool {
	switch t {
	case NotificationMatchReminder:
		return p.MatchReminders
	case NotificationMatchUpdate:
		return p.MatchUpdates
	case NotificationPlayerJoined, NotificationPlayerLeft:
		return p.PlayerChanges
	case NotificationMatchCancelled:
		return p.Cancellations
	case NotificationNewMatch:
		return p.NewMatches
	default:
		return false
	}
}

// Location resolves the user's timezone, falling back to facility.
func (p *NotificationPreference) Location(facility *time.Location) (*time.Location, error) {
	if p.Timezone == "" {
		return facility, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, NewAppError(ErrCodeValidationInvalidTZ, "unknown timezone "+p.Timezone, err)
	}
	return loc, nil
}

// WantsMatchAt applies the new-match location filter. A user with neither a
// preferred-location list nor a radius accepts every location. Otherwise the
// match passes when its location name is preferred or when it lies within
// the radius of the user's home coordinates.
func (p *NotificationPreference) WantsMatchAt(location string, lat, lon *float64) bool {
	radiusActive := p.LocationRadiusKm > 0 && p.HomeLatitude != nil && p.HomeLongitude != nil
	if len(p.PreferredLocations) == 0 && !radiusActive {
		return true
	}
	for _, preferred := range p.PreferredLocations {
		if strings.EqualFold(strings.TrimSpace(preferred), strings.TrimSpace(location)) {
			return true
		}
	}
	if radiusActive && lat != nil && lon != nil {
		return HaversineKm(*p.HomeLatitude, *p.HomeLongitude, *lat, *lon) <= p.LocationRadiusKm
	}
	return false
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
