package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hammerline/auction-backend/models"
)

// Ledger is the persistence surface the services operate against. It is
// satisfied by both the Postgres-backed ledger and the in-memory ledger in
// the database package.
type Ledger interface {
	CreateLot(ctx context.Context, lot *models.AuctionLot) error
	GetLot(ctx context.Context, id uuid.UUID) (*models.AuctionLot, error)
	// UpdateLot performs an optimistic conditional write keyed on the lot's
	// version and returns models.ErrVersionConflict when a concurrent writer won.
	UpdateLot(ctx context.Context, lot *models.AuctionLot) error
	LotsDueForActivation(ctx context.Context, now time.Time) ([]models.AuctionLot, error)
	LotsDueForClose(ctx context.Context, now time.Time) ([]models.AuctionLot, error)

	// AdmitBid durably records the bid together with the lot's updated winner
	// cache, bid count and end time as one atomic write. It returns
	// models.ErrVersionConflict on a stale lot and models.ErrDuplicate on a
	// sequence number collision; in both cases nothing is written.
	AdmitBid(ctx context.Context, bid *models.Bid, lot *models.AuctionLot) error
	BidsForLot(ctx context.Context, lotID uuid.UUID) ([]models.Bid, error)
	GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error)

	SaveVerification(ctx context.Context, v *models.InstrumentVerification) error
	GetVerification(ctx context.Context, token uuid.UUID) (*models.InstrumentVerification, error)
	RevokeVerifications(ctx context.Context, bidderID string) error

	CreateSettlement(ctx context.Context, rec *models.SettlementRecord) error
	GetSettlementByLot(ctx context.Context, lotID uuid.UUID) (*models.SettlementRecord, error)
	GetSettlement(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error)
	UpdateSettlement(ctx context.Context, rec *models.SettlementRecord) error
	SettlementsInState(ctx context.Context, state models.SettlementState, limit int) ([]models.SettlementRecord, error)

	// RecordWebhookEvent returns false when the (provider event id, type) pair
	// was already recorded, marking the delivery as a replay.
	RecordWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error)
	UpdateWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
	DeferredWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)

	FlagBidder(ctx context.Context, flag *models.BidderFlag) error
	IsBidderFlagged(ctx context.Context, bidderID string) (bool, error)
	ClearBidderFlag(ctx context.Context, bidderID string) error
}
