package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/payments"
)

// settleableLot runs a full auction to the point where a pending settlement
// exists: active lot, one winning bid of 105, deadline passed, close sweep.
func settleableLot(t *testing.T, env *testEnv) *models.AuctionLot {
	t.Helper()

	lot := env.activeLot(t, "100")
	token := env.verifiedToken(t, "winner", "sess-w")
	_, err := env.bid(t, lot.ID, "winner", "sess-w", "105", token)
	assert.NoError(t, err)

	env.forceLotEnd(t, lot.ID)
	_, err = env.lots.CloseExpiredLots(context.Background())
	assert.NoError(t, err)
	return lot
}

func TestSettleComputesFeesOnceAndPaysOut(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)

	assert.NoError(t, env.settlements.Settle(context.Background(), lot.ID))

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPaidOut, record.State)

	// Rates 10% premium, 8% commission on gross 105.
	check.True(t, record.GrossAmount.Equal(decimal.RequireFromString("105")))
	check.True(t, record.BuyerPremium.Equal(decimal.RequireFromString("10.5")))
	check.True(t, record.Commission.Equal(decimal.RequireFromString("8.4")))
	check.True(t, record.SellerNet.Equal(decimal.RequireFromString("96.6")))

	// Buyer is charged gross plus premium; seller receives gross minus commission.
	check.Equal(t, 1, env.processor.captureCount())
	check.True(t, env.processor.lastCapture().Amount.Equal(decimal.RequireFromString("115.5")))
	check.Equal(t, "capture-"+lot.ID.String(), env.processor.lastCapture().IdempotencyKey)

	check.Equal(t, 1, env.processor.payoutCount())
	check.True(t, env.processor.lastPayout().Amount.Equal(decimal.RequireFromString("96.6")))
	check.Equal(t, "payout-"+lot.ID.String(), env.processor.lastPayout().IdempotencyKey)

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotSettled, stored.State)
}

func TestSettleIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)

	assert.NoError(t, env.settlements.Settle(context.Background(), lot.ID))
	assert.NoError(t, env.settlements.Settle(context.Background(), lot.ID))
	assert.NoError(t, env.settlements.Settle(context.Background(), lot.ID))

	check.Equal(t, 1, env.processor.captureCount())
	check.Equal(t, 1, env.processor.payoutCount())
}

func TestSettleDeclineFlagsWinner(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)
	env.processor.setCaptureErr(&payments.DeclineError{Reason: "insufficient_funds"})

	assert.NoError(t, env.settlements.Settle(context.Background(), lot.ID))

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementFailed, record.State)
	assert.True(t, record.LastError != nil)
	check.Equal(t, "insufficient_funds", *record.LastError)

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotSettlementFailed, stored.State)

	flagged, err := env.ledger.IsBidderFlagged(context.Background(), "winner")
	assert.NoError(t, err)
	check.True(t, flagged)

	// The flag blocks the winner's next admission anywhere.
	other := env.activeLot(t, "50")
	token := env.verifiedToken(t, "winner", "sess-w2")
	_, err = env.bid(t, other.ID, "winner", "sess-w2", "50", token)
	rejection, ok := AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, models.RejectBidderSuspended, rejection.Reason)

	// A declined settlement stays failed.
	assert.NoError(t, env.settlements.Settle(context.Background(), lot.ID))
	check.Equal(t, 0, env.processor.captureCount())
}

func TestSettleTransientFailuresExhaustAttempts(t *testing.T) {
	env := newTestEnv(t)

	settlements := NewSettlementService(env.ledger, env.processor, nil,
		decimal.RequireFromString("0.10"), decimal.RequireFromString("0.08"),
		env.settlements.lockWaitTimeout, 2)

	lot := settleableLot(t, env)
	env.processor.setCaptureErr(fmt.Errorf("connection refused"))

	// First attempt fails but leaves the settlement retryable.
	check.Error(t, settlements.Settle(context.Background(), lot.ID))
	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPending, record.State)
	check.Equal(t, 1, record.Attempts)

	// Second attempt exhausts the retry allowance.
	check.Error(t, settlements.Settle(context.Background(), lot.ID))
	record, err = env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementFailed, record.State)
	check.Equal(t, 2, record.Attempts)

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotSettlementFailed, stored.State)
}

func TestSettleRecoversAfterTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)

	env.processor.setCaptureErr(fmt.Errorf("connection refused"))
	check.Error(t, env.settlements.Settle(context.Background(), lot.ID))

	env.processor.setCaptureErr(nil)
	assert.NoError(t, env.settlements.Settle(context.Background(), lot.ID))

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPaidOut, record.State)
}

func webhookPayload(t *testing.T, eventID string, eventType models.WebhookEventType, lotID uuid.UUID, reference, reason string) WebhookDelivery {
	t.Helper()

	body, err := json.Marshal(map[string]string{
		"event_id":  eventID,
		"type":      string(eventType),
		"lot_id":    lotID.String(),
		"reference": reference,
		"reason":    reason,
	})
	assert.NoError(t, err)

	return WebhookDelivery{
		ProviderEventID: eventID,
		Type:            eventType,
		LotID:           lotID,
		Reference:       reference,
		Reason:          reason,
		Payload:         body,
	}
}

func TestWebhookCaptureThenPayoutSettles(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)

	err := env.settlements.HandleWebhook(context.Background(),
		webhookPayload(t, "evt-1", models.EventCaptureSucceeded, lot.ID, "cap-ref", ""))
	assert.NoError(t, err)

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementCaptured, record.State)
	assert.True(t, record.CaptureRef != nil)
	check.Equal(t, "cap-ref", *record.CaptureRef)

	err = env.settlements.HandleWebhook(context.Background(),
		webhookPayload(t, "evt-2", models.EventPayoutSucceeded, lot.ID, "pay-ref", ""))
	assert.NoError(t, err)

	record, err = env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPaidOut, record.State)

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotSettled, stored.State)
}

func TestWebhookReplayIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)

	delivery := webhookPayload(t, "evt-1", models.EventCaptureSucceeded, lot.ID, "cap-ref", "")
	assert.NoError(t, env.settlements.HandleWebhook(context.Background(), delivery))

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	firstUpdate := record.UpdatedAt

	// The processor redelivers the same event.
	assert.NoError(t, env.settlements.HandleWebhook(context.Background(), delivery))

	record, err = env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementCaptured, record.State)
	check.Equal(t, firstUpdate, record.UpdatedAt)
}

func TestWebhookPayoutBeforeCaptureIsDeferred(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)

	// Payout confirmation arrives first.
	err := env.settlements.HandleWebhook(context.Background(),
		webhookPayload(t, "evt-payout", models.EventPayoutSucceeded, lot.ID, "pay-ref", ""))
	assert.NoError(t, err)

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPending, record.State)

	deferred, err := env.ledger.DeferredWebhookEvents(context.Background(), 10)
	assert.NoError(t, err)
	check.Equal(t, 1, len(deferred))

	// Capture lands, then the retry job re-applies the deferred payout.
	err = env.settlements.HandleWebhook(context.Background(),
		webhookPayload(t, "evt-capture", models.EventCaptureSucceeded, lot.ID, "cap-ref", ""))
	assert.NoError(t, err)

	env.settlements.RetryPending(context.Background())

	record, err = env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPaidOut, record.State)

	deferred, err = env.ledger.DeferredWebhookEvents(context.Background(), 10)
	assert.NoError(t, err)
	check.Equal(t, 0, len(deferred))

	stored, err := env.ledger.GetLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.LotSettled, stored.State)
}

func TestWebhookCaptureFailedFailsSettlement(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)

	err := env.settlements.HandleWebhook(context.Background(),
		webhookPayload(t, "evt-1", models.EventCaptureFailed, lot.ID, "", "card_blocked"))
	assert.NoError(t, err)

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementFailed, record.State)

	flagged, err := env.ledger.IsBidderFlagged(context.Background(), "winner")
	assert.NoError(t, err)
	check.True(t, flagged)
}

func TestRetryPendingDrivesStuckSettlements(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)

	// Nothing has driven the settlement yet; the retry job picks it up.
	env.settlements.RetryPending(context.Background())

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementPaidOut, record.State)
}

func TestSettleUnknownLot(t *testing.T) {
	env := newTestEnv(t)

	err := env.settlements.Settle(context.Background(), uuid.New())
	check.True(t, errors.Is(err, models.ErrNotFound))
}

// A delivery that cannot be applied immediately (the settlement lock is held
// by an in-flight Settle) must be parked as deferred: the processor's
// redelivery dedups as a replay, so the stored event is the only recovery
// path.
func TestWebhookApplyFailureIsDeferredNotLost(t *testing.T) {
	env := newTestEnv(t)
	lot := settleableLot(t, env)
	env.processor.setCaptureErr(fmt.Errorf("connection refused"))

	release, err := env.settlements.locks.Acquire(context.Background(), lot.ID.String(), time.Second)
	assert.NoError(t, err)

	delivery := webhookPayload(t, "evt-cap", models.EventCaptureSucceeded, lot.ID, "cap-ext", "")
	assert.NoError(t, env.settlements.HandleWebhook(context.Background(), delivery))

	deferred, err := env.ledger.DeferredWebhookEvents(context.Background(), 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(deferred))

	// The redelivery is still just a replay.
	assert.NoError(t, env.settlements.HandleWebhook(context.Background(), delivery))
	deferred, err = env.ledger.DeferredWebhookEvents(context.Background(), 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(deferred))

	release()

	// The retry job re-applies the parked event. The synchronous capture
	// path keeps failing, so the stored webhook is the only way forward.
	env.settlements.RetryPending(context.Background())

	record, err := env.ledger.GetSettlementByLot(context.Background(), lot.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementCaptured, record.State)
	assert.True(t, record.CaptureRef != nil)
	check.Equal(t, "cap-ext", *record.CaptureRef)

	deferred, err = env.ledger.DeferredWebhookEvents(context.Background(), 10)
	assert.NoError(t, err)
	check.Equal(t, 0, len(deferred))
}
