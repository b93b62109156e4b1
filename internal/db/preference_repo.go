package db

import (
	"context"
	"time"

	"kickoff/internal/types"
)

// PreferenceRepository stores NotificationPreference rows. A user without a
// row gets types.DefaultNotificationPreference.
type PreferenceRepository struct {
	db DBTX
}

// NewPreferenceRepository creates a PreferenceRepository.
func NewPreferenceRepository(db DBTX) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

const preferenceColumns = `user_id, match_reminders, match_updates, player_changes, new_matches,
	cancellations, reminder_offsets, quiet_hours_start, quiet_hours_end, timezone, locale,
	location_radius_km, home_latitude, home_longitude, preferred_locations, updated_at`

// Get returns the user's preferences, or the defaults when none are stored.
func (r *PreferenceRepository) Get(ctx context.Context, userID string) (types.NotificationPreference, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+preferenceColumns+` FROM notification_preferences WHERE user_id = $1`,
		userID,
	)
	p, err := scanPreference(row)
	if err != nil {
		if isNoRows(err) {
			return types.DefaultNotificationPreference(userID), nil
		}
		return types.NotificationPreference{}, types.NewAppError(types.ErrCodeInternalDB, "failed to load notification preferences", err)
	}
	return p, nil
}

// GetMany returns preferences for every requested user, defaults included.
func (r *PreferenceRepository) GetMany(ctx context.Context, userIDs []string) (map[string]types.NotificationPreference, error) {
	out := make(map[string]types.NotificationPreference, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+preferenceColumns+` FROM notification_preferences WHERE user_id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load notification preferences", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification preferences", err)
		}
		out[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification preferences", err)
	}
	for _, id := range userIDs {
		if _, ok := out[id]; !ok {
			out[id] = types.DefaultNotificationPreference(id)
		}
	}
	return out, nil
}

// ListNewMatchSubscribers returns every user who opted into new-match
// announcements.
func (r *PreferenceRepository) ListNewMatchSubscribers(ctx context.Context) ([]types.NotificationPreference, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+preferenceColumns+` FROM notification_preferences WHERE new_matches ORDER BY user_id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list new-match subscribers", err)
	}
	defer rows.Close()

	var prefs []types.NotificationPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification preferences", err)
		}
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification preferences", err)
	}
	return prefs, nil
}

// Upsert stores p. Callers validate first.
func (r *PreferenceRepository) Upsert(ctx context.Context, p *types.NotificationPreference) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO notification_preferences (`+preferenceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (user_id) DO UPDATE SET
		   match_reminders = EXCLUDED.match_reminders,
		   match_updates = EXCLUDED.match_updates,
		   player_changes = EXCLUDED.player_changes,
		   new_matches = EXCLUDED.new_matches,
		   cancellations = EXCLUDED.cancellations,
		   reminder_offsets = EXCLUDED.reminder_offsets,
		   quiet_hours_start = EXCLUDED.quiet_hours_start,
		   quiet_hours_end = EXCLUDED.quiet_hours_end,
		   timezone = EXCLUDED.timezone,
		   locale = EXCLUDED.locale,
		   location_radius_km = EXCLUDED.location_radius_km,
		   home_latitude = EXCLUDED.home_latitude,
		   home_longitude = EXCLUDED.home_longitude,
		   preferred_locations = EXCLUDED.preferred_locations,
		   updated_at = EXCLUDED.updated_at`,
		p.UserID,
		p.MatchReminders,
		p.MatchUpdates,
		p.PlayerChanges,
		p.NewMatches,
		p.Cancellations,
		p.ReminderOffsets,
		p.QuietHoursStart,
		p.QuietHoursEnd,
		nilIfEmpty(p.Timezone),
		p.Locale,
		p.LocationRadiusKm,
		p.HomeLatitude,
		p.HomeLongitude,
		p.PreferredLocations,
		p.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save notification preferences", err)
	}
	return nil
}

func scanPreference(row rowScanner) (types.NotificationPreference, error) {
	var (
		p        types.NotificationPreference
		timezone *string
	)
	err := row.Scan(
		&p.UserID,
		&p.MatchReminders,
		&p.MatchUpdates,
		&p.PlayerChanges,
		&p.NewMatches,
		&p.Cancellations,
		&p.ReminderOffsets,
		&p.QuietHoursStart,
		&p.QuietHoursEnd,
		&timezone,
		&p.Locale,
		&p.LocationRadiusKm,
		&p.HomeLatitude,
		&p.HomeLongitude,
		&p.PreferredLocations,
		&p.UpdatedAt,
	)
	if err != nil {
		return types.NotificationPreference{}, err
	}
	p.Timezone = derefString(timezone)
	return p, nil
}
