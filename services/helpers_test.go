package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hammerline/auction-backend/database"
	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/payments"
)

// fakeProcessor is an in-memory payments.Processor. It records every call
// and fails according to the configured errors, which makes decline and
// transient-failure paths deterministic.
type fakeProcessor struct {
	mu sync.Mutex

	verifyOK   bool
	captureErr error
	payoutErr  error

	captures []payments.CaptureRequest
	payouts  []payments.PayoutRequest
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{verifyOK: true}
}

func (p *fakeProcessor) VerifyInstrument(_ context.Context, req payments.VerifyRequest) (*payments.VerifyResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.verifyOK {
		return &payments.VerifyResult{Verified: false, Reason: "challenge_failed"}, nil
	}
	return &payments.VerifyResult{Verified: true}, nil
}

func (p *fakeProcessor) Capture(_ context.Context, req payments.CaptureRequest) (*payments.CaptureResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captureErr != nil {
		return nil, p.captureErr
	}
	p.captures = append(p.captures, req)
	return &payments.CaptureResult{Reference: "cap-" + req.IdempotencyKey}, nil
}

func (p *fakeProcessor) Payout(_ context.Context, req payments.PayoutRequest) (*payments.PayoutResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payoutErr != nil {
		return nil, p.payoutErr
	}
	p.payouts = append(p.payouts, req)
	return &payments.PayoutResult{Reference: "pay-" + req.IdempotencyKey}, nil
}

func (p *fakeProcessor) captureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.captures)
}

func (p *fakeProcessor) payoutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payouts)
}

func (p *fakeProcessor) setCaptureErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captureErr = err
}

func (p *fakeProcessor) setPayoutErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payoutErr = err
}

func (p *fakeProcessor) lastCapture() payments.CaptureRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captures[len(p.captures)-1]
}

func (p *fakeProcessor) lastPayout() payments.PayoutRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payouts[len(p.payouts)-1]
}

// testEnv wires the full service graph over the in-memory ledger.
type testEnv struct {
	ledger        *database.MemoryLedger
	processor     *fakeProcessor
	verifications *VerificationService
	bids          *BidService
	settlements   *SettlementService
	lots          *LotService
	history       *HistoryService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ledger := database.NewMemoryLedger()
	processor := newFakeProcessor()

	increments, err := ParseIncrementSchedule("0:5,500:25,5000:100")
	if err != nil {
		t.Fatalf("failed to parse increment schedule: %v", err)
	}

	verifications := NewVerificationService(ledger, processor, time.Hour)
	bids := NewBidService(ledger, verifications, increments, BidServiceConfig{
		LockWaitTimeout:   500 * time.Millisecond,
		AntiSnipeWindow:   60 * time.Second,
		ExtensionWindow:   60 * time.Second,
		MaxTotalExtension: 10 * time.Minute,
	})
	settlements := NewSettlementService(ledger, processor, nil,
		decimal.RequireFromString("0.10"), decimal.RequireFromString("0.08"),
		500*time.Millisecond, 5)
	lots := NewLotService(ledger, settlements, nil, bids.AdmissionLock(), 500*time.Millisecond)
	history := NewHistoryService(ledger)

	return &testEnv{
		ledger:        ledger,
		processor:     processor,
		verifications: verifications,
		bids:          bids,
		settlements:   settlements,
		lots:          lots,
		history:       history,
	}
}

// activeLot creates a lot already in the active state with a one hour
// bidding window.
func (env *testEnv) activeLot(t *testing.T, startingPrice string) *models.AuctionLot {
	t.Helper()
	return env.activeLotEnding(t, startingPrice, time.Now().UTC().Add(time.Hour))
}

func (env *testEnv) activeLotEnding(t *testing.T, startingPrice string, endTime time.Time) *models.AuctionLot {
	t.Helper()

	now := time.Now().UTC()
	lot := &models.AuctionLot{
		ID:                 uuid.New(),
		SellerID:           "seller-1",
		Title:              "walnut sideboard",
		Currency:           "USD",
		StartingPrice:      decimal.RequireFromString(startingPrice),
		State:              models.LotActive,
		ScheduledStartTime: now.Add(-time.Minute),
		ScheduledEndTime:   endTime,
		CurrentEndTime:     endTime,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := env.ledger.CreateLot(context.Background(), lot); err != nil {
		t.Fatalf("failed to create lot: %v", err)
	}
	return lot
}

// verifiedToken runs the verification flow for the bidder and returns the
// session token the bid path expects.
func (env *testEnv) verifiedToken(t *testing.T, bidderID, session string) uuid.UUID {
	t.Helper()

	verification, err := env.verifications.Verify(context.Background(), bidderID, session, "instr-"+bidderID)
	if err != nil {
		t.Fatalf("verification failed for %s: %v", bidderID, err)
	}
	return verification.Token
}

// bid submits one bid through the admission path.
func (env *testEnv) bid(t *testing.T, lotID uuid.UUID, bidderID, session, amount string, token uuid.UUID) (*models.AdmittedBid, error) {
	t.Helper()

	return env.bids.SubmitBid(context.Background(), SubmitBidRequest{
		LotID:             lotID,
		BidderID:          bidderID,
		SessionScope:      session,
		VerificationToken: token,
		Amount:            decimal.RequireFromString(amount),
	})
}

// forceLotEnd rewinds the lot's deadline so the close sweep picks it up.
func (env *testEnv) forceLotEnd(t *testing.T, lotID uuid.UUID) {
	t.Helper()

	lot, err := env.ledger.GetLot(context.Background(), lotID)
	if err != nil {
		t.Fatalf("failed to load lot: %v", err)
	}
	lot.CurrentEndTime = time.Now().UTC().Add(-time.Second)
	lot.ScheduledEndTime = lot.CurrentEndTime
	if err := env.ledger.UpdateLot(context.Background(), lot); err != nil {
		t.Fatalf("failed to rewind lot end: %v", err)
	}
}
