package services

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/hammerline/auction-backend/models"
)

// HistoryService is the read-only, privacy-preserving projection of a lot's
// bid trail. Bidder identities are replaced by deterministic per-lot aliases
// so competing bidders can be told apart without being identified. The
// alias is derived by hashing, not by lookup, so the projection needs no
// extra state and the same bidder maps to the same alias on every read.
type HistoryService struct {
	ledger Ledger
}

// NewHistoryService creates the history projection.
func NewHistoryService(ledger Ledger) *HistoryService {
	return &HistoryService{ledger: ledger}
}

// LotHistory returns the lot's admitted bids in sequence order with
// pseudonymized bidders.
func (s *HistoryService) LotHistory(ctx context.Context, lotID uuid.UUID) ([]models.HistoryEntry, error) {
	if _, err := s.ledger.GetLot(ctx, lotID); err != nil {
		return nil, err
	}

	bids, err := s.ledger.BidsForLot(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bid history: %w", err)
	}

	entries := make([]models.HistoryEntry, 0, len(bids))
	for _, bid := range bids {
		entries = append(entries, models.HistoryEntry{
			SequenceNumber: bid.SequenceNumber,
			Alias:          BidderAlias(lotID, bid.BidderID),
			Amount:         bid.Amount,
			CreatedAt:      bid.CreatedAt,
		})
	}
	return entries, nil
}

// BidderAlias derives the stable per-lot pseudonym for a bidder. Scoping the
// hash to the lot means the same bidder gets unrelated aliases on different
// lots, so aliases cannot be correlated across auctions.
func BidderAlias(lotID uuid.UUID, bidderID string) string {
	h := fnv.New32a()
	h.Write([]byte(lotID.String()))
	h.Write([]byte("|"))
	h.Write([]byte(bidderID))
	return fmt.Sprintf("Bidder %04d", h.Sum32()%10000)
}
