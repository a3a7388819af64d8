package service_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/splitops/internal/models"
	"github.com/punchamoorthee/splitops/internal/service"
	"github.com/punchamoorthee/splitops/internal/service/servicetest"
)

func newTestEngine(ms *servicetest.MemStore) *service.Engine {
	friends := servicetest.NewFriends()
	friends.Accept("alice", "bob")
	friends.Accept("alice", "charlie")
	friends.Accept("alice", "dave")

	categories := servicetest.NewCategories()
	categories.Add("alice", "cat-food")
	categories.Add("bob", "cat-bob")
	categories.Add("charlie", "cat-charlie")

	return service.NewEngine(ms, friends, categories, nil)
}

func dinnerRequest(key string) models.CreateSplitRequest {
	return models.CreateSplitRequest{
		IdempotencyKey: key,
		TotalAmount:    100,
		Description:    "dinner",
		Date:           "2026-03-14",
		CategoryID:     "cat-food",
		Splits: []models.SplitParticipant{
			{UserID: "bob", Amount: 30},
			{UserID: "charlie", Amount: 30},
		},
	}
}

func TestCreateSplitFanout(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)
	ctx := context.Background()

	resp, status, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.SplitID)
	require.Len(t, resp.PendingRecordIDs, 2)

	payer, err := ms.GetRecord(ctx, resp.PayerRecordID)
	require.NoError(t, err)
	assert.Equal(t, "alice", payer.OwnerUserID)
	assert.True(t, payer.Amount.Equal(decimal.NewFromInt(-100)), "got %s", payer.Amount)
	assert.False(t, payer.Pending)
	require.NotNil(t, payer.CategoryID)
	assert.Equal(t, "cat-food", *payer.CategoryID)
	require.NotNil(t, payer.SplitID)
	assert.Equal(t, resp.SplitID, *payer.SplitID)
	assert.Equal(t, "alice", payer.DebtorUserID)
	assert.Equal(t, "alice", payer.CreditorUserID)

	// Pending ids follow the participant input order.
	for i, owner := range []string{"bob", "charlie"} {
		rec, err := ms.GetRecord(ctx, resp.PendingRecordIDs[i])
		require.NoError(t, err)
		assert.Equal(t, owner, rec.OwnerUserID)
		assert.True(t, rec.Amount.Equal(decimal.NewFromInt(-30)), "got %s", rec.Amount)
		assert.True(t, rec.Pending)
		assert.Nil(t, rec.CategoryID)
		require.NotNil(t, rec.SplitID)
		assert.Equal(t, resp.SplitID, *rec.SplitID)
		assert.Equal(t, owner, rec.DebtorUserID)
		assert.Equal(t, "alice", rec.CreditorUserID)
	}

	coord, err := ms.GetCoordination(ctx, resp.SplitID)
	require.NoError(t, err)
	assert.Equal(t, models.SplitStatusCompleted, coord.Status)
	assert.Equal(t, int64(1), coord.FanoutAttempts)
	assert.ElementsMatch(t, []string{"alice", "bob", "charlie"}, coord.SucceededParticipantIDs)
	assert.Empty(t, coord.FailedParticipantIDs)
	assert.True(t, coord.ParticipantShares["bob"].Equal(decimal.NewFromInt(30)))
}

func TestCreateSplitIdempotentReplay(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)
	ctx := context.Background()

	first, status1, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	require.NoError(t, err)
	second, status2, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	require.NoError(t, err)

	assert.Equal(t, status1, status2)
	assert.Equal(t, first, second)
	// Exactly one record per involved user.
	assert.Equal(t, 3, ms.RecordCount())
	assert.Len(t, ms.RecordsByOwner("alice"), 1)
	assert.Len(t, ms.RecordsByOwner("bob"), 1)
	assert.Len(t, ms.RecordsByOwner("charlie"), 1)
}

func TestCreateSplitConflictOnPayloadDrift(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)
	ctx := context.Background()

	first, _, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	require.NoError(t, err)

	drifted := dinnerRequest("key-1")
	drifted.TotalAmount = 80
	_, _, err = engine.CreateSplit(ctx, "alice", drifted)
	assert.ErrorIs(t, err, service.ErrIdempotencyConflict)

	// First result untouched.
	assert.Equal(t, 3, ms.RecordCount())
	replayed, _, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	require.NoError(t, err)
	assert.Equal(t, first, replayed)
}

func TestCreateSplitRejectsNonFriend(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)

	req := dinnerRequest("key-1")
	req.Splits = append(req.Splits, models.SplitParticipant{UserID: "eve", Amount: 10})

	_, _, err := engine.CreateSplit(context.Background(), "alice", req)
	var vErr *service.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Msg, "eve is not an accepted friend")

	// Zero durable effects.
	assert.Equal(t, 0, ms.RecordCount())
	assert.Equal(t, 0, ms.IdempotencyCount())
}

func TestCreateSplitRejectsForeignCategory(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)

	req := dinnerRequest("key-1")
	req.CategoryID = "cat-bob"

	_, _, err := engine.CreateSplit(context.Background(), "alice", req)
	var vErr *service.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 0, ms.RecordCount())
	assert.Equal(t, 0, ms.IdempotencyCount())
}

func TestCreateSplitPartialFailureAndRetry(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)
	ctx := context.Background()

	ms.FailNextInsertFor("charlie")

	_, _, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	var pErr *service.PartialFanoutError
	require.ErrorAs(t, err, &pErr)
	assert.True(t, strings.HasSuffix(err.Error(), ": "+pErr.SplitID))

	// Payer and bob are durable, charlie is not, the reservation is gone.
	assert.Len(t, ms.RecordsByOwner("alice"), 1)
	assert.Len(t, ms.RecordsByOwner("bob"), 1)
	assert.Empty(t, ms.RecordsByOwner("charlie"))
	assert.Equal(t, 0, ms.IdempotencyCount())

	coord, err := ms.GetCoordination(ctx, pErr.SplitID)
	require.NoError(t, err)
	assert.Equal(t, models.SplitStatusPartialFailure, coord.Status)
	assert.Equal(t, int64(1), coord.FanoutAttempts)
	assert.ElementsMatch(t, []string{"alice", "bob"}, coord.SucceededParticipantIDs)
	assert.Equal(t, []string{"charlie"}, coord.FailedParticipantIDs)

	// Compensating retry repairs only charlie.
	retry, err := engine.RetrySplit(ctx, "alice", pErr.SplitID)
	require.NoError(t, err)
	assert.Equal(t, models.SplitStatusCompleted, retry.Status)
	assert.Empty(t, retry.MissingParticipantIDs)
	require.Len(t, retry.PendingRecordIDs, 1)

	charlie := ms.RecordsByOwner("charlie")
	require.Len(t, charlie, 1)
	assert.True(t, charlie[0].Amount.Equal(decimal.NewFromInt(-30)))
	assert.True(t, charlie[0].Pending)

	coord, err = ms.GetCoordination(ctx, pErr.SplitID)
	require.NoError(t, err)
	assert.Equal(t, models.SplitStatusCompleted, coord.Status)
	assert.Equal(t, int64(2), coord.FanoutAttempts)
	assert.Empty(t, coord.FailedParticipantIDs)
	assert.ElementsMatch(t, []string{"alice", "bob", "charlie"}, coord.SucceededParticipantIDs)

	// Bob was never written twice.
	assert.Len(t, ms.RecordsByOwner("bob"), 1)
}

func TestRetrySplitStillFailing(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)
	ctx := context.Background()

	ms.FailNextInsertFor("charlie")
	_, _, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	var pErr *service.PartialFanoutError
	require.ErrorAs(t, err, &pErr)

	// Attempts increment by exactly one per call even when nothing improves.
	ms.FailNextInsertFor("charlie")
	retry, err := engine.RetrySplit(ctx, "alice", pErr.SplitID)
	require.NoError(t, err)
	assert.Equal(t, models.SplitStatusPartialFailure, retry.Status)
	assert.Equal(t, []string{"charlie"}, retry.MissingParticipantIDs)

	coord, err := ms.GetCoordination(ctx, pErr.SplitID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), coord.FanoutAttempts)
}

func TestRetrySplitCompletedIsNoOp(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)
	ctx := context.Background()

	resp, _, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	require.NoError(t, err)

	retry, err := engine.RetrySplit(ctx, "alice", resp.SplitID)
	require.NoError(t, err)
	assert.Equal(t, models.SplitStatusCompleted, retry.Status)
	assert.Empty(t, retry.PendingRecordIDs)
	assert.Empty(t, retry.MissingParticipantIDs)

	coord, err := ms.GetCoordination(ctx, resp.SplitID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), coord.FanoutAttempts)
	assert.Equal(t, 3, ms.RecordCount())
}

func TestRetrySplitAuthorization(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)
	ctx := context.Background()

	resp, _, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	require.NoError(t, err)

	_, err = engine.RetrySplit(ctx, "bob", resp.SplitID)
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = engine.RetrySplit(ctx, "alice", "no-such-split")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestCreateSplitPurgesStaleReservation(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)

	// A null-body row is a reservation left by a crashed attempt; the
	// single-writer model guarantees nothing else is in flight, so it is
	// safe to purge and proceed.
	ms.SeedIdempotencyEntry(models.IdempotencyEntry{
		UserID:      "alice",
		Endpoint:    "/splits/create",
		Key:         "key-1",
		PayloadHash: "whatever",
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})

	resp, status, err := engine.CreateSplit(context.Background(), "alice", dinnerRequest("key-1"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, resp.SplitID)
	assert.Equal(t, 3, ms.RecordCount())
}

func TestCreateSplitIgnoresExpiredEntry(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)

	ms.SeedIdempotencyEntry(models.IdempotencyEntry{
		UserID:         "alice",
		Endpoint:       "/splits/create",
		Key:            "key-1",
		PayloadHash:    "old-hash",
		ResponseStatus: http.StatusCreated,
		ResponseBody:   []byte(`{"split_id":"ancient"}`),
		CreatedAt:      time.Now().UTC().Add(-48 * time.Hour),
		ExpiresAt:      time.Now().UTC().Add(-24 * time.Hour),
	})

	resp, _, err := engine.CreateSplit(context.Background(), "alice", dinnerRequest("key-1"))
	require.NoError(t, err)
	assert.NotEqual(t, "ancient", resp.SplitID)
}

func TestCreateSplitValidationHasZeroEffects(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)

	req := dinnerRequest("key-1")
	req.Splits = []models.SplitParticipant{
		{UserID: "bob", Amount: 70},
		{UserID: "charlie", Amount: 31},
	}

	_, _, err := engine.CreateSplit(context.Background(), "alice", req)
	var vErr *service.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "Split sum exceeds total", vErr.Msg)
	assert.Equal(t, 0, ms.RecordCount())
	assert.Equal(t, 0, ms.IdempotencyCount())
}

func TestGetSplitVisibility(t *testing.T) {
	ms := servicetest.NewMemStore()
	engine := newTestEngine(ms)
	ctx := context.Background()

	resp, _, err := engine.CreateSplit(ctx, "alice", dinnerRequest("key-1"))
	require.NoError(t, err)

	coord, err := engine.GetSplit(ctx, "alice", resp.SplitID)
	require.NoError(t, err)
	assert.Equal(t, resp.SplitID, coord.ID)

	_, err = engine.GetSplit(ctx, "bob", resp.SplitID)
	assert.ErrorIs(t, err, service.ErrNotFound)
}
