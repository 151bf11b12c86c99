package models

import (
	"time"

	"github.com/google/uuid"
)

// InstrumentVerification records that a bidder passed the card-verification
// challenge for one bidding session. It is a precondition gate for bid
// admission, not an authorization to charge. Verification never survives the
// session: logout or a new login invalidates it and a fresh challenge is
// required.
type InstrumentVerification struct {
	Token        uuid.UUID `json:"token"`
	BidderID     string    `json:"bidder_id"`
	SessionScope string    `json:"session_scope"`
	Verified     bool      `json:"verified"`
	VerifiedAt   time.Time `json:"verified_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Revoked      bool      `json:"revoked"`
}

// ValidAt reports whether the verification can gate a bid at the given time.
func (v *InstrumentVerification) ValidAt(now time.Time) bool {
	return v.Verified && !v.Revoked && now.Before(v.ExpiresAt)
}
