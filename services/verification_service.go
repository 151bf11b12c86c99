package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/payments"
)

// VerificationService runs the session-scoped card verification gate. A
// bidder must hold a live verification to bid; the verification proves the
// instrument exists and responds, it authorizes nothing.
type VerificationService struct {
	ledger    Ledger
	processor payments.Processor
	ttl       time.Duration
}

// NewVerificationService creates the verification service.
func NewVerificationService(ledger Ledger, processor payments.Processor, ttl time.Duration) *VerificationService {
	return &VerificationService{
		ledger:    ledger,
		processor: processor,
		ttl:       ttl,
	}
}

// Verify runs the processor challenge for the bidder's instrument and, on
// success, stores a verification bound to the given session scope. Starting
// a new session first revokes anything left over from earlier sessions.
func (s *VerificationService) Verify(ctx context.Context, bidderID, sessionScope, instrumentToken string) (*models.InstrumentVerification, error) {
	logger := logrus.WithFields(logrus.Fields{
		"service":   "VerificationService",
		"bidder_id": bidderID,
	})

	if err := s.ledger.RevokeVerifications(ctx, bidderID); err != nil {
		return nil, fmt.Errorf("failed to revoke prior verifications: %w", err)
	}

	result, err := s.processor.VerifyInstrument(ctx, payments.VerifyRequest{
		BidderID:        bidderID,
		SessionScope:    sessionScope,
		InstrumentToken: instrumentToken,
	})
	if err != nil {
		return nil, fmt.Errorf("instrument verification failed: %w", err)
	}
	if !result.Verified {
		logger.WithField("reason", result.Reason).Info("Instrument verification declined")
		return nil, fmt.Errorf("instrument not verified: %s", result.Reason)
	}

	now := time.Now().UTC()
	verification := &models.InstrumentVerification{
		Token:        uuid.New(),
		BidderID:     bidderID,
		SessionScope: sessionScope,
		Verified:     true,
		VerifiedAt:   now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if err := s.ledger.SaveVerification(ctx, verification); err != nil {
		return nil, fmt.Errorf("failed to store verification: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"token":      verification.Token,
		"expires_at": verification.ExpiresAt,
	}).Info("Instrument verified for session")
	return verification, nil
}

// Check validates the verification token for a bid at the given time. It
// distinguishes a missing or foreign token from one that existed but lapsed,
// because admission reports the two differently.
func (s *VerificationService) Check(ctx context.Context, token uuid.UUID, bidderID, sessionScope string, now time.Time) *models.RejectionReason {
	verification, err := s.ledger.GetVerification(ctx, token)
	if errors.Is(err, models.ErrNotFound) {
		return rejectionOf(models.RejectVerificationRequired)
	}
	if err != nil {
		logrus.WithError(err).Warn("Verification lookup failed, treating as unverified")
		return rejectionOf(models.RejectVerificationRequired)
	}

	if verification.BidderID != bidderID || verification.SessionScope != sessionScope {
		return rejectionOf(models.RejectVerificationRequired)
	}
	if !verification.ValidAt(now) {
		return rejectionOf(models.RejectVerificationExpired)
	}
	return nil
}

// Invalidate revokes every verification for the bidder. Called on logout and
// before issuing a verification for a new session.
func (s *VerificationService) Invalidate(ctx context.Context, bidderID string) error {
	if err := s.ledger.RevokeVerifications(ctx, bidderID); err != nil {
		return fmt.Errorf("failed to invalidate verifications: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"service":   "VerificationService",
		"bidder_id": bidderID,
	}).Info("Verifications invalidated")
	return nil
}

func rejectionOf(reason models.RejectionReason) *models.RejectionReason {
	return &reason
}
