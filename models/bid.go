package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bid is an admitted bid on a lot. Bids are append-only: once written they
// are never updated or deleted. SequenceNumber is assigned at admission and
// is contiguous per lot starting at 1; it defines the total order that the
// winner determination and the history projection both rely on.
type Bid struct {
	ID             uuid.UUID       `json:"id"`
	LotID          uuid.UUID       `json:"lot_id"`
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	SequenceNumber int64           `json:"sequence_number"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RejectionReason is the machine-readable reason a bid was not admitted.
type RejectionReason string

const (
	RejectLotNotActive         RejectionReason = "LOT_NOT_ACTIVE"
	RejectLotClosed            RejectionReason = "LOT_CLOSED"
	RejectAmountTooLow         RejectionReason = "AMOUNT_TOO_LOW"
	RejectVerificationRequired RejectionReason = "VERIFICATION_REQUIRED"
	RejectVerificationExpired  RejectionReason = "VERIFICATION_EXPIRED"
	RejectSelfBidNotAllowed    RejectionReason = "SELF_BID_NOT_ALLOWED"
	RejectBidderSuspended      RejectionReason = "BIDDER_SUSPENDED"
	RejectLotBusy              RejectionReason = "LOT_BUSY"
)

// AdmittedBid is the successful result of a bid submission: the durable bid
// plus the lot's possibly extended end time, observed atomically.
type AdmittedBid struct {
	Bid        Bid       `json:"bid"`
	LotEndTime time.Time `json:"lot_end_time"`
	Extended   bool      `json:"extended"`
}

// HistoryEntry is one row of the privacy-preserving bid trail. Alias is a
// stable pseudonym per bidder within a lot, derived from a deterministic
// non-reversible hash of the bidder identity.
type HistoryEntry struct {
	SequenceNumber int64           `json:"sequence_number"`
	Alias          string          `json:"alias"`
	Amount         decimal.Decimal `json:"amount"`
	CreatedAt      time.Time       `json:"created_at"`
}
