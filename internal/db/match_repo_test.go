package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kickoff/internal/types"
)

func TestMatchRepository_GetMatch(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMatchRepository(db)
	lat := 52.37

	db.On("QueryRow", mock.Anything, sqlContaining("FROM matches m"), mock.Anything).Return(&mockRow{values: []any{
		"match_1", "2025-07-01", "18:00", "Sportpark Noord", "Court 2", 10, 7,
		"user_9", "Sanne", lat, nil, "",
	}})

	m, err := repo.GetMatch(context.Background(), "match_1")
	require.NoError(t, err)
	assert.Equal(t, "18:00", m.Time)
	assert.Equal(t, 7, m.Headcount)
	require.NotNil(t, m.Latitude)
	assert.Equal(t, lat, *m.Latitude)
	assert.Nil(t, m.Longitude)
}

func TestMatchRepository_GetMatch_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMatchRepository(db)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetMatch(context.Background(), "missing")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundMatch, appErr.Code)
}

func TestMatchRepository_ListRecipients(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMatchRepository(db)
	rows := newMockRows([][]any{{"user_1"}, {"user_2"}})
	db.On("Query", mock.Anything, sqlContaining("cancelled_at IS NULL"), mock.Anything).Return(rows, nil)

	ids, err := repo.ListRecipients(context.Background(), "match_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_1", "user_2"}, ids)
	assert.True(t, rows.closed)
}
