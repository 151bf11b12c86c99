package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/hammerline/auction-backend/models"
)

func TestCreateLotValidation(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()

	_, err := env.lots.CreateLot(context.Background(), CreateLotRequest{
		SellerID:           "seller-1",
		Title:              "georgian desk",
		StartingPrice:      decimal.RequireFromString("50"),
		ScheduledStartTime: now.Add(time.Hour),
		ScheduledEndTime:   now.Add(2 * time.Hour),
	})
	assert.NoError(t, err)

	// End before start.
	_, err = env.lots.CreateLot(context.Background(), CreateLotRequest{
		SellerID:           "seller-1",
		Title:              "georgian desk",
		StartingPrice:      decimal.RequireFromString("50"),
		ScheduledStartTime: now.Add(2 * time.Hour),
		ScheduledEndTime:   now.Add(time.Hour),
	})
	check.Error(t, err)

	// Non-positive starting price.
	_, err = env.lots.CreateLot(context.Background(), CreateLotRequest{
		SellerID:           "seller-1",
		Title:              "georgian desk",
		StartingPrice:      decimal.Zero,
		ScheduledStartTime: now.Add(time.Hour),
		ScheduledEndTime:   now.Add(2 * time.Hour),
	})
	check.Error(t, err)
}

func TestActivateDueLots(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()

	due, err := env.lots.CreateLot(context.Background(), CreateLotRequest{
		SellerID:           "seller-1",
		Title:              "due lot",
		StartingPrice:      decimal.RequireFromString("50"),
		ScheduledStartTime: now.Add(-time.Minute),
		ScheduledEndTime:   now.Add(time.Hour),
	})
	assert.NoError(t, err)

	notDue, err := env.lots.CreateLot(context.Background(), CreateLotRequest{
		SellerID:           "seller-1",
		Title:              "future lot",
		StartingPrice:      decimal.RequireFromString("50"),
		ScheduledStartTime: now.Add(time.Hour),
		ScheduledEndTime:   now.Add(2 * time.Hour),
	})
	assert.NoError(t, err)

	activated, err := env.lots.ActivateDueLots(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, activated)

	stored, err := env.ledger.GetLot(context.Background(), due.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotActive, stored.State)

	stored, err = env.ledger.GetLot(context.Background(), notDue.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotScheduled, stored.State)

	// Sweeping again finds nothing new.
	activated, err = env.lots.ActivateDueLots(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 0, activated)
}

func TestCloseExpiredLotWithoutBids(t *testing.T) {
	env := newTestEnv(t)
	lot := env.activeLotEnding(t, "100", time.Now().UTC().Add(-time.Second))

	closed, err := env.lots.CloseExpiredLots(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, closed)

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotClosed, stored.State)

	// No winner, nothing to settle.
	_, err = env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	check.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCloseExpiredLotWithBidsOpensSettlement(t *testing.T) {
	env := newTestEnv(t)
	lot := env.activeLot(t, "100")
	token := env.verifiedToken(t, "alice", "sess-a")

	_, err := env.bid(t, lot.ID, "alice", "sess-a", "105", token)
	assert.NoError(t, err)

	env.forceLotEnd(t, lot.ID)

	closed, err := env.lots.CloseExpiredLots(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, closed)

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotClosed, stored.State)

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPending, record.State)
	check.Equal(t, "alice", record.WinnerID)
	check.True(t, record.GrossAmount.Equal(decimal.RequireFromString("105")))

	// The close sweep is idempotent.
	closed, err = env.lots.CloseExpiredLots(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 0, closed)
}

func TestAntiSnipeExtendsEndTime(t *testing.T) {
	env := newTestEnv(t)
	endTime := time.Now().UTC().Add(30 * time.Second) // inside the 60s window
	lot := env.activeLotEnding(t, "100", endTime)
	token := env.verifiedToken(t, "alice", "sess-a")

	admitted, err := env.bid(t, lot.ID, "alice", "sess-a", "100", token)
	assert.NoError(t, err)
	check.True(t, admitted.Extended)
	check.True(t, admitted.LotEndTime.After(endTime))

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, admitted.LotEndTime, stored.CurrentEndTime)
	// Roughly bid time + 60s extension.
	remaining := time.Until(stored.CurrentEndTime)
	check.True(t, remaining > 55*time.Second)
	check.True(t, remaining <= 61*time.Second)
}

func TestAntiSnipeDoesNotExtendOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	endTime := time.Now().UTC().Add(time.Hour)
	lot := env.activeLotEnding(t, "100", endTime)
	token := env.verifiedToken(t, "alice", "sess-a")

	admitted, err := env.bid(t, lot.ID, "alice", "sess-a", "100", token)
	assert.NoError(t, err)
	check.False(t, admitted.Extended)
	check.Equal(t, endTime, admitted.LotEndTime)
}

func TestAntiSnipeClampsAtMaxExtension(t *testing.T) {
	env := newTestEnv(t)

	// Bid service with a short cap so the clamp engages on the first bid.
	increments, err := ParseIncrementSchedule("0:5,500:25,5000:100")
	assert.NoError(t, err)
	bids := NewBidService(env.ledger, env.verifications, increments, BidServiceConfig{
		LockWaitTimeout:   500 * time.Millisecond,
		AntiSnipeWindow:   60 * time.Second,
		ExtensionWindow:   60 * time.Second,
		MaxTotalExtension: 20 * time.Second,
	})

	endTime := time.Now().UTC().Add(10 * time.Second)
	lot := env.activeLotEnding(t, "100", endTime)
	limit := lot.ScheduledEndTime.Add(20 * time.Second)

	aliceToken := env.verifiedToken(t, "alice", "sess-a")
	bobToken := env.verifiedToken(t, "bob", "sess-b")

	admitted, err := bids.SubmitBid(context.Background(), SubmitBidRequest{
		LotID:             lot.ID,
		BidderID:          "alice",
		SessionScope:      "sess-a",
		VerificationToken: aliceToken,
		Amount:            decimal.RequireFromString("100"),
	})
	assert.NoError(t, err)
	check.True(t, admitted.Extended)
	check.Equal(t, limit, admitted.LotEndTime)

	// A second snipe cannot move the end past the cap.
	admitted, err = bids.SubmitBid(context.Background(), SubmitBidRequest{
		LotID:             lot.ID,
		BidderID:          "bob",
		SessionScope:      "sess-b",
		VerificationToken: bobToken,
		Amount:            decimal.RequireFromString("105"),
	})
	assert.NoError(t, err)
	check.False(t, admitted.Extended)
	check.Equal(t, limit, admitted.LotEndTime)
}

func TestCancelLot(t *testing.T) {
	env := newTestEnv(t)

	lot := env.activeLot(t, "100")
	cancelled, err := env.lots.CancelLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotCancelled, cancelled.State)

	// Terminal states cannot be cancelled.
	_, err = env.lots.CancelLot(context.Background(), lot.ID)
	check.True(t, errors.Is(err, ErrInvalidTransition))

	closedLot := env.activeLotEnding(t, "100", time.Now().UTC().Add(-time.Second))
	_, err = env.lots.CloseExpiredLots(context.Background())
	assert.NoError(t, err)
	_, err = env.lots.CancelLot(context.Background(), closedLot.ID)
	check.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCancelledLotRejectsBids(t *testing.T) {
	env := newTestEnv(t)
	lot := env.activeLot(t, "100")
	token := env.verifiedToken(t, "alice", "sess-a")

	_, err := env.lots.CancelLot(context.Background(), lot.ID)
	assert.NoError(t, err)

	_, err = env.bid(t, lot.ID, "alice", "sess-a", "100", token)
	rejection, ok := AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, models.RejectLotNotActive, rejection.Reason)
}

// A sweep interrupted after marking the lot closing but before the
// settlement record existed is finished by the next sweep.
func TestCloseSweepResumesInterruptedClose(t *testing.T) {
	env := newTestEnv(t)
	lot := env.activeLot(t, "100")
	token := env.verifiedToken(t, "alice", "sess-a")

	_, err := env.bid(t, lot.ID, "alice", "sess-a", "105", token)
	assert.NoError(t, err)

	env.forceLotEnd(t, lot.ID)

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	stored.State = models.LotClosing
	assert.NoError(t, env.ledger.UpdateLot(context.Background(), stored))

	closed, err := env.lots.CloseExpiredLots(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 1, closed)

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPending, record.State)
	check.Equal(t, "alice", record.WinnerID)

	stored, err = env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotClosed, stored.State)
}
