package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/events"
	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/shared"
)

// ErrInvalidTransition is returned when a lifecycle operation is requested
// from a state that does not permit it.
var ErrInvalidTransition = errors.New("invalid lot state transition")

// LotService owns the auction lifecycle: creation, activation, closing and
// cancellation. Transitions that can race a bid take the same admission lock
// the bid path holds.
type LotService struct {
	ledger      Ledger
	settlements *SettlementService
	publisher   *events.Publisher
	admission   *shared.KeyedLock

	lockWaitTimeout time.Duration
}

// NewLotService creates the lifecycle service. The admission lock must be
// the same instance the bid service uses.
func NewLotService(ledger Ledger, settlements *SettlementService, publisher *events.Publisher, admission *shared.KeyedLock, lockWaitTimeout time.Duration) *LotService {
	return &LotService{
		ledger:          ledger,
		settlements:     settlements,
		publisher:       publisher,
		admission:       admission,
		lockWaitTimeout: lockWaitTimeout,
	}
}

// CreateLotRequest is the listing input.
type CreateLotRequest struct {
	SellerID           string
	Title              string
	Currency           string
	StartingPrice      decimal.Decimal
	ScheduledStartTime time.Time
	ScheduledEndTime   time.Time
}

// CreateLot registers a new scheduled lot.
func (s *LotService) CreateLot(ctx context.Context, req CreateLotRequest) (*models.AuctionLot, error) {
	if req.SellerID == "" || req.Title == "" {
		return nil, fmt.Errorf("seller and title are required")
	}
	if !req.StartingPrice.IsPositive() {
		return nil, fmt.Errorf("starting price must be positive")
	}
	if !req.ScheduledEndTime.After(req.ScheduledStartTime) {
		return nil, fmt.Errorf("scheduled end must be after scheduled start")
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	now := time.Now().UTC()
	lot := &models.AuctionLot{
		ID:                 uuid.New(),
		SellerID:           req.SellerID,
		Title:              req.Title,
		Currency:           req.Currency,
		StartingPrice:      req.StartingPrice,
		State:              models.LotScheduled,
		ScheduledStartTime: req.ScheduledStartTime.UTC(),
		ScheduledEndTime:   req.ScheduledEndTime.UTC(),
		CurrentEndTime:     req.ScheduledEndTime.UTC(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.ledger.CreateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("failed to create lot: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"service":  "LotService",
		"lot_id":   lot.ID,
		"start_at": lot.ScheduledStartTime,
		"end_at":   lot.ScheduledEndTime,
	}).Info("Lot created")
	return lot, nil
}

// GetLot looks up a lot by id.
func (s *LotService) GetLot(ctx context.Context, id uuid.UUID) (*models.AuctionLot, error) {
	return s.ledger.GetLot(ctx, id)
}

// ActivateDueLots moves scheduled lots whose start time has passed into
// active. Idempotent; a conflict means another sweep got there first.
func (s *LotService) ActivateDueLots(ctx context.Context) (int, error) {
	due, err := s.ledger.LotsDueForActivation(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list lots due for activation: %w", err)
	}

	activated := 0
	for i := range due {
		lot := &due[i]
		if !lot.CanTransitionTo(models.LotActive) {
			continue
		}
		lot.State = models.LotActive
		if err := s.ledger.UpdateLot(ctx, lot); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				continue
			}
			return activated, fmt.Errorf("failed to activate lot %s: %w", lot.ID, err)
		}
		activated++
		logrus.WithFields(logrus.Fields{
			"service": "LotService",
			"lot_id":  lot.ID,
		}).Info("Lot activated")
	}
	return activated, nil
}

// CloseExpiredLots closes active lots whose end time has passed. Each close
// takes the lot's admission lock so it cannot interleave with a bid that is
// mid-flight; a lot whose lock is busy is skipped and picked up by the next
// sweep. Lots with bids move through closing while the settlement record is
// created and then to closed; lots without bids go straight to closed with
// nothing to settle. The sweep also picks up lots left in closing by an
// interrupted run and finishes them.
func (s *LotService) CloseExpiredLots(ctx context.Context) (int, error) {
	due, err := s.ledger.LotsDueForClose(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list lots due for close: %w", err)
	}

	closed := 0
	for i := range due {
		if err := s.closeLot(ctx, due[i].ID); err != nil {
			if errors.Is(err, shared.ErrLockTimeout) {
				continue
			}
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (s *LotService) closeLot(ctx context.Context, lotID uuid.UUID) error {
	release, err := s.admission.Acquire(ctx, lotID.String(), s.lockWaitTimeout)
	if err != nil {
		return err
	}
	defer release()

	// Reload under the lock: a bid admitted while we waited may have
	// extended the end time past now.
	lot, err := s.ledger.GetLot(ctx, lotID)
	if err != nil {
		return fmt.Errorf("failed to reload lot %s for close: %w", lotID, err)
	}

	switch lot.State {
	case models.LotActive:
		if time.Now().UTC().Before(lot.CurrentEndTime) {
			return nil
		}
		if !lot.HasBids() {
			lot.State = models.LotClosed
			if err := s.ledger.UpdateLot(ctx, lot); err != nil {
				if errors.Is(err, models.ErrVersionConflict) {
					return nil
				}
				return fmt.Errorf("failed to close lot %s: %w", lotID, err)
			}
			logrus.WithFields(logrus.Fields{
				"service": "LotService",
				"lot_id":  lot.ID,
			}).Info("Lot closed with no bids")
			s.publisher.Publish(ctx, events.RouteLotClosed, lotEvent(lot))
			return nil
		}
		// A lot with a winner passes through closing first, so an
		// interruption before the settlement record exists leaves the lot
		// where the next sweep will resume it.
		lot.State = models.LotClosing
		if err := s.ledger.UpdateLot(ctx, lot); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				return nil
			}
			return fmt.Errorf("failed to mark lot %s closing: %w", lotID, err)
		}
	case models.LotClosing:
		// Resuming a close that was interrupted before the settlement
		// record was created. Begin is duplicate-safe.
	default:
		return nil
	}

	if _, err := s.settlements.Begin(ctx, lot); err != nil {
		return fmt.Errorf("failed to open settlement for lot %s: %w", lot.ID, err)
	}

	lot.State = models.LotClosed
	if err := s.ledger.UpdateLot(ctx, lot); err != nil {
		if !errors.Is(err, models.ErrVersionConflict) {
			return fmt.Errorf("failed to close lot %s: %w", lotID, err)
		}
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"service":   "LotService",
		"lot_id":    lot.ID,
		"bid_count": lot.BidCount,
	}).Info("Lot closed")

	s.publisher.Publish(ctx, events.RouteLotClosed, lotEvent(lot))
	return nil
}

// CancelLot withdraws a lot before or during bidding. Taking the admission
// lock guarantees no bid is admitted concurrently with the cancellation.
func (s *LotService) CancelLot(ctx context.Context, lotID uuid.UUID) (*models.AuctionLot, error) {
	release, err := s.admission.Acquire(ctx, lotID.String(), s.lockWaitTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	lot, err := s.ledger.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if !lot.CanTransitionTo(models.LotCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel lot in state %s", ErrInvalidTransition, lot.State)
	}

	lot.State = models.LotCancelled
	if err := s.ledger.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("failed to cancel lot %s: %w", lotID, err)
	}

	logrus.WithFields(logrus.Fields{
		"service": "LotService",
		"lot_id":  lot.ID,
	}).Info("Lot cancelled")

	s.publisher.Publish(ctx, events.RouteLotCancelled, lotEvent(lot))
	return lot, nil
}

func lotEvent(lot *models.AuctionLot) map[string]interface{} {
	event := map[string]interface{}{
		"lot_id":    lot.ID.String(),
		"state":     lot.State,
		"bid_count": lot.BidCount,
		"currency":  lot.Currency,
	}
	if lot.CurrentWinnerID != nil {
		event["winner_id"] = *lot.CurrentWinnerID
		event["winning_amount"] = lot.CurrentWinningAmount.String()
	}
	return event
}
