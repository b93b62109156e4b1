package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kickoff/internal/types"
)

func preferenceRow(userID string, newMatches bool) []any {
	return []any{
		userID, true, false, true, newMatches, true,
		[]float64{12, 1}, 23, 7, "Europe/London", "nl",
		10.0, nil, nil, []string{"Sportpark Noord"}, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPreferenceRepository_Get(t *testing.T) {
	t.Run("stored row", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewPreferenceRepository(db)
		db.On("QueryRow", mock.Anything, sqlContaining("FROM notification_preferences"), mock.Anything).
			Return(&mockRow{values: preferenceRow("user_1", false)})

		p, err := repo.Get(context.Background(), "user_1")
		require.NoError(t, err)
		assert.Equal(t, []float64{12, 1}, p.ReminderOffsets)
		assert.Equal(t, 23, p.QuietHoursStart)
		assert.Equal(t, "Europe/London", p.Timezone)
		assert.Equal(t, "nl", p.Locale)
		assert.False(t, p.MatchUpdates)
	})

	t.Run("missing row yields defaults", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewPreferenceRepository(db)
		db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
			Return(&mockRow{scanErr: pgx.ErrNoRows})

		p, err := repo.Get(context.Background(), "user_2")
		require.NoError(t, err)
		assert.Equal(t, types.DefaultNotificationPreference("user_2"), p)
	})

	t.Run("db error", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewPreferenceRepository(db)
		db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
			Return(&mockRow{scanErr: errors.New("reset by peer")})

		_, err := repo.Get(context.Background(), "user_3")
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	})
}

func TestPreferenceRepository_GetMany_FillsDefaults(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)
	db.On("Query", mock.Anything, sqlContaining("user_id = ANY($1)"), mock.Anything).
		Return(newMockRows([][]any{preferenceRow("user_1", false)}), nil)

	got, err := repo.GetMany(context.Background(), []string{"user_1", "user_2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "nl", got["user_1"].Locale)
	assert.Equal(t, types.DefaultNotificationPreference("user_2"), got["user_2"])
}

func TestPreferenceRepository_GetMany_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)

	got, err := repo.GetMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}

func TestPreferenceRepository_ListNewMatchSubscribers(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)
	db.On("Query", mock.Anything, sqlContaining("WHERE new_matches"), mock.Anything).
		Return(newMockRows([][]any{preferenceRow("user_1", true), preferenceRow("user_4", true)}), nil)

	subs, err := repo.ListNewMatchSubscribers(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "user_4", subs[1].UserID)
	assert.Equal(t, []string{"Sportpark Noord"}, subs[0].PreferredLocations)
}

func TestPreferenceRepository_Upsert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)
	db.On("Exec", mock.Anything, sqlContaining("ON CONFLICT (user_id) DO UPDATE"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	p := types.DefaultNotificationPreference("user_1")
	require.NoError(t, repo.Upsert(context.Background(), &p))
	assert.False(t, p.UpdatedAt.IsZero())

	args := db.callArgs(0)
	require.Len(t, args, 16)
	assert.Equal(t, "user_1", args[0])
	assert.Nil(t, args[9].(*string), "empty timezone is stored as NULL")
}
