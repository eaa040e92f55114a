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

	"subsync/internal/types"
)

func testSubscription() *types.Subscription {
	start := time.Now().UTC().Add(-24 * time.Hour)
	end := start.Add(30 * 24 * time.Hour)
	return &types.Subscription{
		CustomerMappingID:    "cm_1",
		StripeSubscriptionID: "sub_1",
		Status:               types.SubStatusActive,
		PriceID:              "price_abc",
		CurrentPeriodStart:   &start,
		CurrentPeriodEnd:     &end,
		Metadata:             types.Metadata{"user_id": "user_1"},
	}
}

func TestSubscriptionRepo_Upsert_Success(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbtx, nil)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	sub := testSubscription()
	err := repo.Upsert(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID, "upsert should assign an id to new rows")
	dbtx.AssertExpectations(t)
}

func TestSubscriptionRepo_Upsert_KeepsExistingID(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbtx, nil)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	sub := testSubscription()
	sub.ID = "existing-id"
	require.NoError(t, repo.Upsert(context.Background(), sub))
	assert.Equal(t, "existing-id", sub.ID)
}

func TestSubscriptionRepo_Upsert_DBError(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbtx, nil)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Upsert(context.Background(), testSubscription())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_MarkCanceled(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbtx, nil)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	found, err := repo.MarkCanceled(context.Background(), "sub_1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, found)
}

// TestSubscriptionRepo_MarkCanceled_Unknown verifies the zero-rows case is
// reported as found=false, not an error; the reconciler owns the gap log.
func TestSubscriptionRepo_MarkCanceled_Unknown(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbtx, nil)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	found, err := repo.MarkCanceled(context.Background(), "sub_ghost", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSubscriptionRepo_MarkPastDue(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbtx, nil)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	found, err := repo.MarkPastDue(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.True(t, found)
}

// TestSubscriptionRepo_RecoverIfPastDue_NoOp verifies the conditional
// update reports recovered=false when the subscription was not past_due.
func TestSubscriptionRepo_RecoverIfPastDue_NoOp(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbtx, nil)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	recovered, err := repo.RecoverIfPastDue(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.False(t, recovered)
}

func TestSubscriptionRepo_RecoverIfPastDue_Recovered(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewSubscriptionRepo(dbtx, nil)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	recovered, err := repo.RecoverIfPastDue(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.True(t, recovered)
}
