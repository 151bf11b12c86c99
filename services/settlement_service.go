package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/events"
	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/payments"
	"github.com/hammerline/auction-backend/shared"
)

// SettlementService drives the post-close payment workflow: capture the
// winning bidder's payment, then pay out the seller's net proceeds. Each
// lot settles at most once; a separate keyed lock (independent of the
// admission lock) plus idempotent state checks make Settle safe to call
// from the close path, the retry job, the admin endpoint and after a
// restart, in any combination.
type SettlementService struct {
	ledger    Ledger
	processor payments.Processor
	publisher *events.Publisher
	locks     *shared.KeyedLock
	metrics   *shared.ServiceMetrics

	buyerPremiumRate decimal.Decimal
	commissionRate   decimal.Decimal
	lockWaitTimeout  time.Duration
	maxAttempts      int
}

// NewSettlementService creates the settlement orchestrator.
func NewSettlementService(ledger Ledger, processor payments.Processor, publisher *events.Publisher, buyerPremiumRate, commissionRate decimal.Decimal, lockWaitTimeout time.Duration, maxAttempts int) *SettlementService {
	return &SettlementService{
		ledger:           ledger,
		processor:        processor,
		publisher:        publisher,
		locks:            shared.NewKeyedLock(),
		metrics:          shared.NewServiceMetrics("settlement-service"),
		buyerPremiumRate: buyerPremiumRate,
		commissionRate:   commissionRate,
		lockWaitTimeout:  lockWaitTimeout,
		maxAttempts:      maxAttempts,
	}
}

// Begin opens the settlement record for a closed lot with a winning bid.
// Fee amounts are computed here, once, from the configured rates; the record
// is the authority for all later capture and payout amounts. Calling Begin
// again for the same lot returns the existing record.
func (s *SettlementService) Begin(ctx context.Context, lot *models.AuctionLot) (*models.SettlementRecord, error) {
	if lot.CurrentWinnerID == nil {
		return nil, fmt.Errorf("lot %s has no winner to settle", lot.ID)
	}

	bids, err := s.ledger.BidsForLot(ctx, lot.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bids for settlement: %w", err)
	}
	if len(bids) == 0 {
		return nil, fmt.Errorf("lot %s has no bids to settle", lot.ID)
	}
	winningBid := bids[len(bids)-1]

	gross := winningBid.Amount
	premium := gross.Mul(s.buyerPremiumRate)
	commission := gross.Mul(s.commissionRate)

	now := time.Now().UTC()
	record := &models.SettlementRecord{
		ID:             uuid.New(),
		LotID:          lot.ID,
		WinningBidID:   winningBid.ID,
		WinnerID:       winningBid.BidderID,
		SellerID:       lot.SellerID,
		Currency:       lot.Currency,
		GrossAmount:    gross,
		BuyerPremium:   premium,
		Commission:     commission,
		SellerNet:      gross.Sub(commission),
		State:          models.SettlementPending,
		IdempotencyKey: "settle-" + lot.ID.String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.ledger.CreateSettlement(ctx, record); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return s.ledger.GetSettlementByLot(ctx, lot.ID)
		}
		return nil, fmt.Errorf("failed to create settlement record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"service":    "SettlementService",
		"lot_id":     lot.ID,
		"gross":      gross,
		"premium":    premium,
		"commission": commission,
		"seller_net": record.SellerNet,
	}).Info("Settlement opened")
	return record, nil
}

// Settle advances the lot's settlement as far as the processor allows:
// pending → captured → paid_out. It is idempotent; states already passed
// are skipped, and both processor calls carry lot-stable idempotency keys
// so even a crash between the call and the state write cannot double-charge.
func (s *SettlementService) Settle(ctx context.Context, lotID uuid.UUID) error {
	release, err := s.locks.Acquire(ctx, lotID.String(), s.lockWaitTimeout)
	if err != nil {
		return err
	}
	defer release()

	record, err := s.ledger.GetSettlementByLot(ctx, lotID)
	if err != nil {
		return fmt.Errorf("failed to load settlement for lot %s: %w", lotID, err)
	}

	switch record.State {
	case models.SettlementPaidOut, models.SettlementFailed:
		return nil
	case models.SettlementPending:
		if err := s.capture(ctx, record); err != nil {
			return err
		}
		if record.State != models.SettlementCaptured {
			return nil
		}
		fallthrough
	case models.SettlementCaptured:
		return s.payout(ctx, record)
	default:
		return fmt.Errorf("settlement %s in unknown state %s", record.ID, record.State)
	}
}

func (s *SettlementService) capture(ctx context.Context, record *models.SettlementRecord) error {
	logger := logrus.WithFields(logrus.Fields{
		"service": "SettlementService",
		"lot_id":  record.LotID,
		"amount":  record.BuyerTotal(),
	})

	result, err := s.processor.Capture(ctx, payments.CaptureRequest{
		LotID:          record.LotID.String(),
		BidderID:       record.WinnerID,
		Amount:         record.BuyerTotal(),
		Currency:       record.Currency,
		IdempotencyKey: "capture-" + record.LotID.String(),
	})
	if err != nil {
		var decline *payments.DeclineError
		if errors.As(err, &decline) {
			return s.handleDecline(ctx, record, decline)
		}
		return s.handleTransientFailure(ctx, record, "capture", err)
	}

	record.CaptureRef = &result.Reference
	record.State = models.SettlementCaptured
	record.LastError = nil
	if err := s.ledger.UpdateSettlement(ctx, record); err != nil {
		return fmt.Errorf("failed to persist capture result: %w", err)
	}

	s.metrics.IncrementCounter("captured")
	logger.WithField("capture_ref", result.Reference).Info("Payment captured")
	return nil
}

func (s *SettlementService) payout(ctx context.Context, record *models.SettlementRecord) error {
	result, err := s.processor.Payout(ctx, payments.PayoutRequest{
		LotID:          record.LotID.String(),
		SellerID:       record.SellerID,
		Amount:         record.SellerNet,
		Currency:       record.Currency,
		IdempotencyKey: "payout-" + record.LotID.String(),
	})
	if err != nil {
		return s.handleTransientFailure(ctx, record, "payout", err)
	}

	record.PayoutRef = &result.Reference
	return s.markPaidOut(ctx, record, result.Reference)
}

func (s *SettlementService) markPaidOut(ctx context.Context, record *models.SettlementRecord, payoutRef string) error {
	record.PayoutRef = &payoutRef
	record.State = models.SettlementPaidOut
	record.LastError = nil
	if err := s.ledger.UpdateSettlement(ctx, record); err != nil {
		return fmt.Errorf("failed to persist payout result: %w", err)
	}

	if err := s.transitionLot(ctx, record.LotID, models.LotSettled); err != nil {
		return err
	}

	s.metrics.IncrementCounter("settled")
	logrus.WithFields(logrus.Fields{
		"service":    "SettlementService",
		"lot_id":     record.LotID,
		"payout_ref": payoutRef,
		"seller_net": record.SellerNet,
	}).Info("Settlement complete")

	s.publisher.Publish(ctx, events.RouteSettlementDone, map[string]interface{}{
		"lot_id":     record.LotID.String(),
		"winner_id":  record.WinnerID,
		"seller_id":  record.SellerID,
		"gross":      record.GrossAmount.String(),
		"seller_net": record.SellerNet.String(),
	})
	return nil
}

// handleDecline finalizes a permanent processor refusal: the settlement is
// failed immediately, the winner is flagged for the anti-abuse admission
// check, and the decline is published for notification.
func (s *SettlementService) handleDecline(ctx context.Context, record *models.SettlementRecord, decline *payments.DeclineError) error {
	reason := decline.Reason
	record.State = models.SettlementFailed
	record.LastError = &reason
	record.Attempts++
	if err := s.ledger.UpdateSettlement(ctx, record); err != nil {
		return fmt.Errorf("failed to persist decline: %w", err)
	}

	if err := s.transitionLot(ctx, record.LotID, models.LotSettlementFailed); err != nil {
		return err
	}

	flag := &models.BidderFlag{
		BidderID:  record.WinnerID,
		Reason:    models.FlagFailedPayment,
		LotID:     record.LotID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ledger.FlagBidder(ctx, flag); err != nil {
		return fmt.Errorf("failed to flag bidder after decline: %w", err)
	}

	s.metrics.IncrementCounter("declined")
	logrus.WithFields(logrus.Fields{
		"service":   "SettlementService",
		"lot_id":    record.LotID,
		"winner_id": record.WinnerID,
		"reason":    reason,
	}).Warn("Payment declined, settlement failed and bidder flagged")

	s.publisher.Publish(ctx, events.RoutePaymentDeclined, map[string]interface{}{
		"lot_id":    record.LotID.String(),
		"bidder_id": record.WinnerID,
		"reason":    reason,
	})
	return nil
}

// handleTransientFailure counts the attempt and leaves the record in place
// for the retry job, until attempts are exhausted and the settlement is
// failed with an operator alert.
func (s *SettlementService) handleTransientFailure(ctx context.Context, record *models.SettlementRecord, step string, cause error) error {
	message := cause.Error()
	record.Attempts++
	record.LastError = &message

	exhausted := record.Attempts >= s.maxAttempts
	if exhausted {
		record.State = models.SettlementFailed
	}
	if err := s.ledger.UpdateSettlement(ctx, record); err != nil {
		return fmt.Errorf("failed to persist settlement attempt: %w", err)
	}

	if !exhausted {
		logrus.WithFields(logrus.Fields{
			"service":  "SettlementService",
			"lot_id":   record.LotID,
			"step":     step,
			"attempts": record.Attempts,
		}).Warn("Settlement step failed, will retry")
		return fmt.Errorf("settlement %s step failed for lot %s: %w", step, record.LotID, cause)
	}

	if err := s.transitionLot(ctx, record.LotID, models.LotSettlementFailed); err != nil {
		return err
	}

	s.metrics.IncrementCounter("exhausted")
	logrus.WithFields(logrus.Fields{
		"service":  "SettlementService",
		"lot_id":   record.LotID,
		"step":     step,
		"attempts": record.Attempts,
		"error":    message,
	}).Error("Settlement attempts exhausted, operator intervention required")

	s.publisher.Publish(ctx, events.RouteSettlementFailed, map[string]interface{}{
		"lot_id":   record.LotID.String(),
		"step":     step,
		"attempts": record.Attempts,
		"error":    message,
	})
	return fmt.Errorf("settlement exhausted after %d attempts for lot %s: %w", record.Attempts, record.LotID, cause)
}

func (s *SettlementService) transitionLot(ctx context.Context, lotID uuid.UUID, next models.LotState) error {
	lot, err := s.ledger.GetLot(ctx, lotID)
	if err != nil {
		return fmt.Errorf("failed to load lot %s: %w", lotID, err)
	}
	if lot.State == next {
		return nil
	}
	if !lot.CanTransitionTo(next) {
		return fmt.Errorf("%w: lot %s cannot move %s -> %s", ErrInvalidTransition, lotID, lot.State, next)
	}
	lot.State = next
	if err := s.ledger.UpdateLot(ctx, lot); err != nil {
		return fmt.Errorf("failed to transition lot %s to %s: %w", lotID, next, err)
	}
	return nil
}

// WebhookDelivery is one raw processor delivery after signature verification.
type WebhookDelivery struct {
	ProviderEventID string                  `json:"event_id"`
	Type            models.WebhookEventType `json:"type"`
	LotID           uuid.UUID               `json:"lot_id"`
	Reference       string                  `json:"reference"`
	Reason          string                  `json:"reason"`
	Payload         []byte                  `json:"-"`
}

// HandleWebhook applies one processor event. Deliveries are deduplicated on
// (provider event id, type) against the persisted event table, so replays
// are acknowledged without side effects even across restarts. A payout
// confirmation arriving before its capture confirmation is deferred and
// re-applied by the retry job once the capture lands; a delivery whose apply
// fails outright (settlement lock busy, transient storage error) is parked
// the same way instead of being lost behind the dedup set.
func (s *SettlementService) HandleWebhook(ctx context.Context, delivery WebhookDelivery) error {
	event := &models.WebhookEvent{
		ID:              uuid.New(),
		ProviderEventID: delivery.ProviderEventID,
		Type:            delivery.Type,
		LotID:           delivery.LotID,
		Payload:         delivery.Payload,
		ReceivedAt:      time.Now().UTC(),
	}

	inserted, err := s.ledger.RecordWebhookEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !inserted {
		s.metrics.IncrementCounter("webhook_replay")
		logrus.WithFields(logrus.Fields{
			"service":  "SettlementService",
			"event_id": delivery.ProviderEventID,
			"type":     delivery.Type,
		}).Info("Webhook replay ignored")
		return nil
	}

	if err := s.applyWebhookEvent(ctx, event, delivery.Reference, delivery.Reason); err != nil {
		// The processor's redelivery will dedup as a replay, so this row is
		// the only path back: park it for the retry job.
		event.Applied = false
		event.Deferred = true
		if markErr := s.ledger.UpdateWebhookEvent(ctx, event); markErr != nil {
			return fmt.Errorf("failed to defer webhook event after apply failure: %w", markErr)
		}
		s.metrics.IncrementCounter("webhook_deferred")
		logrus.WithError(err).WithFields(logrus.Fields{
			"service":  "SettlementService",
			"event_id": delivery.ProviderEventID,
			"type":     delivery.Type,
			"lot_id":   delivery.LotID,
		}).Warn("Webhook apply failed, deferred for retry")
	}
	return nil
}

func (s *SettlementService) applyWebhookEvent(ctx context.Context, event *models.WebhookEvent, reference, reason string) error {
	release, err := s.locks.Acquire(ctx, event.LotID.String(), s.lockWaitTimeout)
	if err != nil {
		return err
	}
	defer release()

	record, err := s.ledger.GetSettlementByLot(ctx, event.LotID)
	if err != nil {
		return fmt.Errorf("failed to load settlement for webhook: %w", err)
	}

	applied := true
	switch event.Type {
	case models.EventCaptureSucceeded:
		if record.State == models.SettlementPending {
			record.CaptureRef = &reference
			record.State = models.SettlementCaptured
			record.LastError = nil
			if err := s.ledger.UpdateSettlement(ctx, record); err != nil {
				return fmt.Errorf("failed to apply capture webhook: %w", err)
			}
		}

	case models.EventCaptureFailed:
		if record.State == models.SettlementPending {
			if err := s.handleDecline(ctx, record, &payments.DeclineError{Reason: reason}); err != nil {
				return err
			}
		}

	case models.EventPayoutSucceeded:
		if record.State == models.SettlementPending {
			// Out of order: the capture confirmation has not landed yet.
			applied = false
		} else if record.State == models.SettlementCaptured {
			if err := s.markPaidOut(ctx, record, reference); err != nil {
				return err
			}
		}

	case models.EventPayoutFailed:
		if record.State == models.SettlementCaptured {
			if err := s.handleTransientFailure(ctx, record, "payout", fmt.Errorf("processor reported payout failure: %s", reason)); err != nil && record.State != models.SettlementFailed {
				logrus.WithError(err).Debug("Payout failure recorded for retry")
			}
		}

	default:
		logrus.WithFields(logrus.Fields{
			"service":  "SettlementService",
			"event_id": event.ProviderEventID,
			"type":     event.Type,
		}).Warn("Unknown webhook event type ignored")
	}

	now := time.Now().UTC()
	event.Applied = applied
	event.Deferred = !applied
	if applied {
		event.AppliedAt = &now
	}
	if err := s.ledger.UpdateWebhookEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to mark webhook event: %w", err)
	}
	if !applied {
		s.metrics.IncrementCounter("webhook_deferred")
		logrus.WithFields(logrus.Fields{
			"service":  "SettlementService",
			"event_id": event.ProviderEventID,
			"type":     event.Type,
			"lot_id":   event.LotID,
		}).Info("Webhook deferred until settlement catches up")
	}
	return nil
}

// RetryPending re-drives settlements awaiting capture or payout and
// re-applies deferred webhook events. Invoked by the settlement retry job.
func (s *SettlementService) RetryPending(ctx context.Context) {
	for _, state := range []models.SettlementState{models.SettlementPending, models.SettlementCaptured} {
		records, err := s.ledger.SettlementsInState(ctx, state, 50)
		if err != nil {
			logrus.WithError(err).Error("Failed to list settlements for retry")
			return
		}
		for i := range records {
			if err := s.Settle(ctx, records[i].LotID); err != nil {
				logrus.WithError(err).WithField("lot_id", records[i].LotID).Warn("Settlement retry failed")
			}
		}
	}

	deferred, err := s.ledger.DeferredWebhookEvents(ctx, 50)
	if err != nil {
		logrus.WithError(err).Error("Failed to list deferred webhook events")
		return
	}
	for i := range deferred {
		event := deferred[i]
		var body struct {
			Reference string `json:"reference"`
			Reason    string `json:"reason"`
		}
		if len(event.Payload) > 0 {
			_ = json.Unmarshal(event.Payload, &body)
		}
		if err := s.applyWebhookEvent(ctx, &event, body.Reference, body.Reason); err != nil {
			logrus.WithError(err).WithField("event_id", event.ProviderEventID).Warn("Deferred webhook re-apply failed")
		}
	}
}

// Metrics exposes the settlement counters.
func (s *SettlementService) Metrics() *shared.ServiceMetrics {
	return s.metrics
}
