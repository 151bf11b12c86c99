package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/shared"
)

// BidService runs the admission path. All admission decisions for a lot are
// serialized behind the per-lot keyed lock, so validation, sequence
// assignment, the winner cache and the anti-snipe extension are observed as
// one atomic step. Lots never contend with each other.
type BidService struct {
	ledger       Ledger
	verification *VerificationService
	increments   *IncrementSchedule
	locks        *shared.KeyedLock
	metrics      *shared.ServiceMetrics

	lockWaitTimeout   time.Duration
	antiSnipeWindow   time.Duration
	extensionWindow   time.Duration
	maxTotalExtension time.Duration
}

// BidServiceConfig carries the admission tuning knobs.
type BidServiceConfig struct {
	LockWaitTimeout   time.Duration
	AntiSnipeWindow   time.Duration
	ExtensionWindow   time.Duration
	MaxTotalExtension time.Duration
}

// NewBidService creates the admission service.
func NewBidService(ledger Ledger, verification *VerificationService, increments *IncrementSchedule, cfg BidServiceConfig) *BidService {
	return &BidService{
		ledger:            ledger,
		verification:      verification,
		increments:        increments,
		locks:             shared.NewKeyedLock(),
		metrics:           shared.NewServiceMetrics("bid-service"),
		lockWaitTimeout:   cfg.LockWaitTimeout,
		antiSnipeWindow:   cfg.AntiSnipeWindow,
		extensionWindow:   cfg.ExtensionWindow,
		maxTotalExtension: cfg.MaxTotalExtension,
	}
}

// SubmitBidRequest is one bid attempt.
type SubmitBidRequest struct {
	LotID             uuid.UUID
	BidderID          string
	SessionScope      string
	VerificationToken uuid.UUID
	Amount            decimal.Decimal
}

// SubmitBid admits or rejects a bid. On admission it returns the durable bid
// together with the lot's end time as extended by this bid, observed under
// the same lock that wrote them. Rejections come back as *Rejection errors;
// an unknown lot is models.ErrNotFound.
func (s *BidService) SubmitBid(ctx context.Context, req SubmitBidRequest) (*models.AdmittedBid, error) {
	start := time.Now()

	release, err := s.locks.Acquire(ctx, req.LotID.String(), s.lockWaitTimeout)
	if err != nil {
		if errors.Is(err, shared.ErrLockTimeout) {
			s.metrics.IncrementCounter("rejected_" + string(models.RejectLotBusy))
			return nil, reject(models.RejectLotBusy, "lot %s is receiving too many concurrent bids", req.LotID)
		}
		return nil, err
	}
	defer release()

	admitted, err := s.admitLocked(ctx, req)
	s.metrics.RecordRequest(err == nil, time.Since(start))
	if err != nil {
		if rejection, ok := AsRejection(err); ok {
			s.metrics.IncrementCounter("rejected_" + string(rejection.Reason))
			logrus.WithFields(logrus.Fields{
				"service":   "BidService",
				"lot_id":    req.LotID,
				"bidder_id": req.BidderID,
				"reason":    rejection.Reason,
			}).Info("Bid rejected")
		}
		return nil, err
	}

	s.metrics.IncrementCounter("admitted")
	logrus.WithFields(logrus.Fields{
		"service":  "BidService",
		"lot_id":   req.LotID,
		"sequence": admitted.Bid.SequenceNumber,
		"amount":   admitted.Bid.Amount,
		"extended": admitted.Extended,
	}).Info("Bid admitted")
	return admitted, nil
}

func (s *BidService) admitLocked(ctx context.Context, req SubmitBidRequest) (*models.AdmittedBid, error) {
	lot, err := s.ledger.GetLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if r := s.validate(ctx, lot, req, now); r != nil {
		return nil, r
	}

	bid := models.Bid{
		ID:             uuid.New(),
		LotID:          lot.ID,
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		SequenceNumber: lot.BidCount + 1,
		CreatedAt:      now,
	}

	extended := s.applyAntiSnipe(lot, now)

	lot.CurrentWinningAmount = req.Amount
	lot.CurrentWinnerID = &req.BidderID
	lot.BidCount = bid.SequenceNumber

	if err := s.ledger.AdmitBid(ctx, &bid, lot); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			// The lock guarantees sequence numbers are unique per lot. A
			// duplicate means the cache and the ledger disagree.
			return nil, shared.NewServiceError(shared.ErrorCategoryCorruption, "SEQUENCE_COLLISION",
				fmt.Sprintf("duplicate sequence %d on lot %s", bid.SequenceNumber, lot.ID),
				"bid-service", "SubmitBid", false, err)
		}
		return nil, fmt.Errorf("failed to persist admission: %w", err)
	}

	return &models.AdmittedBid{
		Bid:        bid,
		LotEndTime: lot.CurrentEndTime,
		Extended:   extended,
	}, nil
}

func (s *BidService) validate(ctx context.Context, lot *models.AuctionLot, req SubmitBidRequest, now time.Time) *Rejection {
	switch lot.State {
	case models.LotActive:
		// The close sweep may not have run yet; the deadline still binds.
		if !now.Before(lot.CurrentEndTime) {
			return reject(models.RejectLotClosed, "lot %s closed at %s", lot.ID, lot.CurrentEndTime.Format(time.RFC3339))
		}
	case models.LotClosing, models.LotClosed, models.LotSettled, models.LotSettlementFailed:
		return reject(models.RejectLotClosed, "lot %s is no longer accepting bids", lot.ID)
	default:
		return reject(models.RejectLotNotActive, "lot %s is in state %s", lot.ID, lot.State)
	}

	if req.BidderID == lot.SellerID {
		return reject(models.RejectSelfBidNotAllowed, "seller cannot bid on own lot")
	}

	flagged, err := s.ledger.IsBidderFlagged(ctx, req.BidderID)
	if err != nil {
		logrus.WithError(err).Warn("Bidder flag lookup failed, rejecting conservatively")
		return reject(models.RejectBidderSuspended, "bidder status could not be confirmed")
	}
	if flagged {
		return reject(models.RejectBidderSuspended, "bidder has an outstanding failed payment")
	}

	if reason := s.verification.Check(ctx, req.VerificationToken, req.BidderID, req.SessionScope, now); reason != nil {
		return reject(*reason, "card verification is required before bidding")
	}

	minimum := s.increments.MinimumNextBid(lot.CurrentWinningAmount, lot.StartingPrice, lot.HasBids())
	if req.Amount.LessThan(minimum) {
		return reject(models.RejectAmountTooLow, "bid must be at least %s %s", minimum, lot.Currency)
	}

	return nil
}

// applyAntiSnipe extends the lot's end time when the bid lands inside the
// anti-snipe window. The end time only ever moves forward and never past
// the scheduled end plus the maximum total extension.
func (s *BidService) applyAntiSnipe(lot *models.AuctionLot, bidTime time.Time) bool {
	if lot.CurrentEndTime.Sub(bidTime) > s.antiSnipeWindow {
		return false
	}

	proposed := bidTime.Add(s.extensionWindow)
	limit := lot.ScheduledEndTime.Add(s.maxTotalExtension)
	if proposed.After(limit) {
		proposed = limit
	}
	if !proposed.After(lot.CurrentEndTime) {
		return false
	}

	lot.CurrentEndTime = proposed
	return true
}

// Metrics exposes the admission counters.
func (s *BidService) Metrics() *shared.ServiceMetrics {
	return s.metrics
}

// LockedLots reports how many lots currently hold or await admission locks.
func (s *BidService) LockedLots() int {
	return s.locks.ActiveKeys()
}

// AdmissionLock exposes the per-lot lock so lifecycle transitions (cancel,
// close) can exclude in-flight bids on the same lot.
func (s *BidService) AdmissionLock() *shared.KeyedLock {
	return s.locks
}
