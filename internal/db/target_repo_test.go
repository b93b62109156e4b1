package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kickoff/internal/types"
)

func TestTargetRepository_Subscribe_Reactivates(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTargetRepository(db)
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	deactivated := created.Add(time.Hour)

	target := &types.DeliveryTarget{
		ID:                 "new-id",
		RecipientID:        "user_1",
		Transport:          types.TransportWebPush,
		Endpoint:           "https://push.example.com/abc",
		P256DH:             "BPkey",
		Auth:               types.SecretString("secret"),
		DeactivatedAt:      &deactivated,
		DeactivationReason: "expired",
	}

	db.On("QueryRow", mock.Anything, sqlContaining("ON CONFLICT (endpoint) DO UPDATE"), mock.Anything).
		Return(&mockRow{values: []any{"old-id", created}})

	require.NoError(t, repo.Subscribe(context.Background(), target))
	assert.Equal(t, "old-id", target.ID)
	assert.Equal(t, created, target.CreatedAt)
	assert.True(t, target.Active)
	assert.Nil(t, target.DeactivatedAt)
	assert.Empty(t, target.DeactivationReason)

	args := db.callArgs(0)
	assert.Equal(t, "webpush", args[2])
	assert.Equal(t, "secret", *(args[5].(*string)), "auth secret is stored unmasked")
	assert.Nil(t, args[6].(*string))
}

func TestTargetRepository_Unsubscribe(t *testing.T) {
	t.Run("deactivates", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewTargetRepository(db)
		db.On("Exec", mock.Anything, sqlContaining("deactivation_reason = $4"), mock.Anything).
			Return(pgconn.NewCommandTag("UPDATE 1"), nil)

		assert.NoError(t, repo.Unsubscribe(context.Background(), "user_1", "https://push.example.com/abc", time.Now()))
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewTargetRepository(db)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
			Return(pgconn.NewCommandTag("UPDATE 0"), nil)

		err := repo.Unsubscribe(context.Background(), "user_1", "https://push.example.com/none", time.Now())
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeNotFoundTarget, appErr.Code)
	})
}

func TestTargetRepository_ListActiveByRecipient(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTargetRepository(db)
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	db.On("Query", mock.Anything, sqlContaining("AND active"), mock.Anything).Return(newMockRows([][]any{
		{"t1", "user_1", "webpush", "https://push.example.com/1", "key1", "auth1", nil, true, nil, created},
		{"t2", "user_1", "webpush", "https://push.example.com/2", nil, nil, "Firefox", true, created, created},
	}), nil)

	targets, err := repo.ListActiveByRecipient(context.Background(), "user_1", types.TransportWebPush)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	assert.Equal(t, types.TransportWebPush, targets[0].Transport)
	assert.Equal(t, "key1", targets[0].P256DH)
	assert.Equal(t, "auth1", targets[0].Auth.Unmask())
	assert.Nil(t, targets[0].LastUsed)
	assert.Equal(t, "Firefox", targets[1].UserAgent)
	require.NotNil(t, targets[1].LastUsed)
	assert.Equal(t, created, *targets[1].LastUsed)

	assert.Equal(t, "webpush", db.callArgs(0)[1])
}

func TestTargetRepository_ListActiveByRecipient_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTargetRepository(db)
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	_, err := repo.ListActiveByRecipient(context.Background(), "user_1", types.TransportFCM)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestTargetRepository_DeactivateAndTouch(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTargetRepository(db)
	at := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, sqlContaining("SET active = FALSE"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", mock.Anything, sqlContaining("SET last_used"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.Deactivate(context.Background(), "t1", "gone", at))
	require.NoError(t, repo.TouchLastUsed(context.Background(), "t2", at))

	assert.Equal(t, []any{"t1", "gone", at}, db.callArgs(0))
	assert.Equal(t, []any{"t2", at}, db.callArgs(1))
}
