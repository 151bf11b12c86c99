package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LotState is the lifecycle state of an auction lot.
type LotState string

const (
	LotScheduled        LotState = "SCHEDULED"
	LotActive           LotState = "ACTIVE"
	LotClosing          LotState = "CLOSING"
	LotClosed           LotState = "CLOSED"
	LotSettled          LotState = "SETTLED"
	LotSettlementFailed LotState = "SETTLEMENT_FAILED"
	LotCancelled        LotState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible from the state.
func (s LotState) IsTerminal() bool {
	return s == LotSettled || s == LotSettlementFailed || s == LotCancelled
}

// AuctionLot is a single listing with one seller and one closing event.
//
// CurrentEndTime starts equal to ScheduledEndTime and only ever moves forward
// (anti-snipe extension), never past ScheduledEndTime plus the configured
// maximum extension. CurrentWinningAmount, CurrentWinnerID and BidCount are
// caches maintained by the admission path; the bid ledger is authoritative.
// Version backs the optimistic conditional update on the lot row.
type AuctionLot struct {
	ID                 uuid.UUID       `json:"id"`
	SellerID           string          `json:"seller_id"`
	Title              string          `json:"title"`
	Currency           string          `json:"currency"`
	StartingPrice      decimal.Decimal `json:"starting_price"`
	State              LotState        `json:"state"`
	ScheduledStartTime time.Time       `json:"scheduled_start_time"`
	ScheduledEndTime   time.Time       `json:"scheduled_end_time"`
	CurrentEndTime     time.Time       `json:"current_end_time"`

	CurrentWinningAmount decimal.Decimal `json:"current_winning_amount"`
	CurrentWinnerID      *string         `json:"current_winner_id,omitempty"`
	BidCount             int64           `json:"bid_count"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasBids reports whether at least one bid has been admitted for the lot.
func (l *AuctionLot) HasBids() bool {
	return l.BidCount > 0
}

// CanTransitionTo validates a lifecycle transition.
func (l *AuctionLot) CanTransitionTo(next LotState) bool {
	switch l.State {
	case LotScheduled:
		return next == LotActive || next == LotCancelled
	case LotActive:
		return next == LotClosing || next == LotClosed || next == LotCancelled
	case LotClosing:
		return next == LotClosed
	case LotClosed:
		return next == LotSettled || next == LotSettlementFailed
	default:
		return false
	}
}
