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

	"appserver/internal/types"
)

func TestStateEventRepository_Insert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewStateEventRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Insert(ctx, types.MessageStateEvent{
		MessageType: types.MessageTypeNotification,
		ProjectID:   "radar",
		SubjectID:   "sub-1",
		MessageID:   42,
		State:       types.MessageStateDelivered,
		Info:        map[string]string{"attempted": "2"},
		Time:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestStateEventRepository_Insert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewStateEventRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("disk full"))

	err := repo.Insert(ctx, types.MessageStateEvent{
		MessageType: types.MessageTypeData,
		State:       types.MessageStateScheduled,
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
