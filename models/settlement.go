package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementState is the post-close payment workflow state.
type SettlementState string

const (
	SettlementPending  SettlementState = "PENDING"
	SettlementCaptured SettlementState = "CAPTURED"
	SettlementPaidOut  SettlementState = "PAID_OUT"
	SettlementFailed   SettlementState = "FAILED"
)

// SettlementRecord drives capture of the winning bidder's payment and payout
// to the seller. Exactly one record exists per lot with a winning bid. Fee
// amounts are computed once when the record is created and never recomputed
// after the record reaches CAPTURED. Records are retained forever as the
// audit trail.
//
// IdempotencyKey is derived from the lot identifier and is stable across
// retries, so repeated capture/payout attempts collapse at the processor.
type SettlementRecord struct {
	ID             uuid.UUID       `json:"id"`
	LotID          uuid.UUID       `json:"lot_id"`
	WinningBidID   uuid.UUID       `json:"winning_bid_id"`
	WinnerID       string          `json:"winner_id"`
	SellerID       string          `json:"seller_id"`
	Currency       string          `json:"currency"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	BuyerPremium   decimal.Decimal `json:"buyer_premium"`
	Commission     decimal.Decimal `json:"commission"`
	SellerNet      decimal.Decimal `json:"seller_net"`
	CaptureRef     *string         `json:"capture_ref,omitempty"`
	PayoutRef      *string         `json:"payout_ref,omitempty"`
	State          SettlementState `json:"state"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BuyerTotal is the amount captured from the winning bidder.
func (s *SettlementRecord) BuyerTotal() decimal.Decimal {
	return s.GrossAmount.Add(s.BuyerPremium)
}

// WebhookEventType enumerates the processor's asynchronous event types.
type WebhookEventType string

const (
	EventCaptureSucceeded WebhookEventType = "capture_succeeded"
	EventCaptureFailed    WebhookEventType = "capture_failed"
	EventPayoutSucceeded  WebhookEventType = "payout_succeeded"
	EventPayoutFailed     WebhookEventType = "payout_failed"
)

// WebhookEvent is a payment-processor event persisted for deduplication.
// The (ProviderEventID, Type) pair is unique; redelivery after a restart is
// still recognized as a replay. Deferred marks events that arrived before the
// settlement state they require (payout before capture) and are re-applied by
// the retry job.
type WebhookEvent struct {
	ID              uuid.UUID        `json:"id"`
	ProviderEventID string           `json:"provider_event_id"`
	Type            WebhookEventType `json:"type"`
	LotID           uuid.UUID        `json:"lot_id"`
	Payload         json.RawMessage  `json:"payload"`
	Applied         bool             `json:"applied"`
	Deferred        bool             `json:"deferred"`
	ReceivedAt      time.Time        `json:"received_at"`
	AppliedAt       *time.Time       `json:"applied_at,omitempty"`
}

// BidderFlag marks a bidder with an outstanding failed payment from a prior
// won auction. Admission rejects flagged bidders until the flag is cleared.
type BidderFlag struct {
	BidderID  string    `json:"bidder_id"`
	Reason    string    `json:"reason"`
	LotID     uuid.UUID `json:"lot_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FlagFailedPayment is the anti-abuse flag reason applied on capture decline.
const FlagFailedPayment = "failed_payment"
