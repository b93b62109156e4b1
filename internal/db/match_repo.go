package db

import (
	"context"

	"kickoff/internal/types"
)

// MatchRepository reads match facts owned by the web application. It never
// writes: matches, match_signups and users belong to another service.
type MatchRepository struct {
	db DBTX
}

// NewMatchRepository creates a MatchRepository.
func NewMatchRepository(db DBTX) *MatchRepository {
	return &MatchRepository{db: db}
}

// GetMatch returns a snapshot of the match with its current headcount.
func (r *MatchRepository) GetMatch(ctx context.Context, matchID string) (*types.MatchSnapshot, error) {
	row := r.db.QueryRow(ctx,
		`SELECT m.id,
		        to_char(m.match_date, 'YYYY-MM-DD'),
		        to_char(m.start_time, 'HH24:MI'),
		        m.location,
		        COALESCE(m.court, ''),
		        m.max_players,
		        (SELECT count(*) FROM match_signups s
		          WHERE s.match_id = m.id AND s.cancelled_at IS NULL),
		        m.organizer_id,
		        COALESCE(u.name, ''),
		        m.latitude,
		        m.longitude,
		        COALESCE(m.image_url, '')
		 FROM matches m
		 LEFT JOIN users u ON u.id = m.organizer_id
		 WHERE m.id = $1`,
		matchID,
	)

	var m types.MatchSnapshot
	err := row.Scan(&m.ID, &m.Date, &m.Time, &m.Location, &m.Court, &m.Capacity, &m.Headcount,
		&m.OrganizerID, &m.OrganizerName, &m.Latitude, &m.Longitude, &m.ImageURL)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMatch, "match not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load match", err)
	}
	return &m, nil
}

// ListRecipients returns the user IDs signed up for a match, excluding
// cancelled signups, in signup order.
func (r *MatchRepository) ListRecipients(ctx context.Context, matchID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM match_signups
		 WHERE match_id = $1 AND cancelled_at IS NULL
		 ORDER BY created_at ASC`,
		matchID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list match recipients", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan match recipient", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating match recipients", err)
	}
	return ids, nil
}
