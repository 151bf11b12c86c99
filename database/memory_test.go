package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/hammerline/auction-backend/models"
)

func newStoredLot(t *testing.T, ledger *MemoryLedger) *models.AuctionLot {
	t.Helper()

	now := time.Now().UTC()
	lot := &models.AuctionLot{
		ID:                 uuid.New(),
		SellerID:           "seller-1",
		Title:              "oak chest",
		Currency:           "USD",
		StartingPrice:      decimal.RequireFromString("100"),
		State:              models.LotActive,
		ScheduledStartTime: now.Add(-time.Minute),
		ScheduledEndTime:   now.Add(time.Hour),
		CurrentEndTime:     now.Add(time.Hour),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	assert.NoError(t, ledger.CreateLot(context.Background(), lot))
	return lot
}

func bidFor(lot *models.AuctionLot, bidderID, amount string, sequence int64) *models.Bid {
	return &models.Bid{
		ID:             uuid.New(),
		LotID:          lot.ID,
		BidderID:       bidderID,
		Amount:         decimal.RequireFromString(amount),
		SequenceNumber: sequence,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestAdmitBidWritesBidAndLotTogether(t *testing.T) {
	ledger := NewMemoryLedger()
	lot := newStoredLot(t, ledger)

	bidder := "alice"
	bid := bidFor(lot, bidder, "100", 1)
	lot.CurrentWinningAmount = bid.Amount
	lot.CurrentWinnerID = &bidder
	lot.BidCount = 1
	lot.CurrentEndTime = lot.CurrentEndTime.Add(time.Minute)

	assert.NoError(t, ledger.AdmitBid(context.Background(), bid, lot))
	check.Equal(t, int64(1), lot.Version)

	bids, err := ledger.BidsForLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(bids))

	stored, err := ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, int64(1), stored.BidCount)
	check.True(t, stored.CurrentWinningAmount.Equal(bid.Amount))
	check.True(t, stored.CurrentEndTime.Equal(lot.CurrentEndTime))
}

func TestAdmitBidStaleLotLeavesNoBidRow(t *testing.T) {
	ledger := NewMemoryLedger()
	lot := newStoredLot(t, ledger)

	// A concurrent writer advances the stored version.
	current, err := ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	assert.NoError(t, ledger.UpdateLot(context.Background(), current))

	bidder := "alice"
	stale := *lot
	stale.CurrentWinningAmount = decimal.RequireFromString("100")
	stale.CurrentWinnerID = &bidder
	stale.BidCount = 1

	err = ledger.AdmitBid(context.Background(), bidFor(lot, bidder, "100", 1), &stale)
	check.True(t, errors.Is(err, models.ErrVersionConflict))

	// The conflict must not leave the bid behind: a half-admitted bid would
	// make every later sequence number collide.
	bids, err := ledger.BidsForLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, 0, len(bids))

	stored, err := ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, int64(0), stored.BidCount)
}

func TestAdmitBidDuplicateSequenceLeavesLotUntouched(t *testing.T) {
	ledger := NewMemoryLedger()
	lot := newStoredLot(t, ledger)

	bidder := "alice"
	first := bidFor(lot, bidder, "100", 1)
	lot.CurrentWinningAmount = first.Amount
	lot.CurrentWinnerID = &bidder
	lot.BidCount = 1
	assert.NoError(t, ledger.AdmitBid(context.Background(), first, lot))

	clash := *lot
	clash.BidCount = 2
	err := ledger.AdmitBid(context.Background(), bidFor(lot, "bob", "105", 1), &clash)
	check.True(t, errors.Is(err, models.ErrDuplicate))

	stored, err := ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, int64(1), stored.BidCount)
	check.Equal(t, lot.Version, stored.Version)
}
