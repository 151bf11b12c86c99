package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hammerline/auction-backend/models"
	"github.com/lib/pq"
)

// PostgresLedger is the durable, transactional source of truth for lots,
// bids, verifications and settlement records. All writes are scoped to a
// single lot (or a single settlement); there are no multi-lot transactions.
type PostgresLedger struct {
	DB *sql.DB
}

// NewPostgresLedger creates a ledger backed by the given connection pool.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{DB: db}
}

const lotColumns = `id, seller_id, title, currency, starting_price, state,
	scheduled_start_time, scheduled_end_time, current_end_time,
	current_winning_amount, current_winner_id, bid_count, version,
	created_at, updated_at`

func scanLot(row interface{ Scan(...interface{}) error }) (*models.AuctionLot, error) {
	var lot models.AuctionLot
	err := row.Scan(
		&lot.ID, &lot.SellerID, &lot.Title, &lot.Currency, &lot.StartingPrice, &lot.State,
		&lot.ScheduledStartTime, &lot.ScheduledEndTime, &lot.CurrentEndTime,
		&lot.CurrentWinningAmount, &lot.CurrentWinnerID, &lot.BidCount, &lot.Version,
		&lot.CreatedAt, &lot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (l *PostgresLedger) CreateLot(ctx context.Context, lot *models.AuctionLot) error {
	query := `INSERT INTO lots (` + lotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := l.DB.ExecContext(ctx, query,
		lot.ID, lot.SellerID, lot.Title, lot.Currency, lot.StartingPrice, lot.State,
		lot.ScheduledStartTime, lot.ScheduledEndTime, lot.CurrentEndTime,
		lot.CurrentWinningAmount, lot.CurrentWinnerID, lot.BidCount, lot.Version,
		lot.CreatedAt, lot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (l *PostgresLedger) GetLot(ctx context.Context, id uuid.UUID) (*models.AuctionLot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE id = $1`

	lot, err := scanLot(l.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lot: %w", err)
	}
	return lot, nil
}

// UpdateLot writes the lot back conditionally on its version column. On
// success the in-memory Version is advanced to match the stored row. A zero
// rows-affected result means a concurrent writer won.
func (l *PostgresLedger) UpdateLot(ctx context.Context, lot *models.AuctionLot) error {
	query := `UPDATE lots SET
			state = $1, current_end_time = $2, current_winning_amount = $3,
			current_winner_id = $4, bid_count = $5, version = version + 1,
			updated_at = $6
		WHERE id = $7 AND version = $8`

	result, err := l.DB.ExecContext(ctx, query,
		lot.State, lot.CurrentEndTime, lot.CurrentWinningAmount,
		lot.CurrentWinnerID, lot.BidCount, time.Now().UTC(),
		lot.ID, lot.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return models.ErrVersionConflict
	}

	lot.Version++
	return nil
}

// LotsDueForActivation returns scheduled lots whose start time has passed.
func (l *PostgresLedger) LotsDueForActivation(ctx context.Context, now time.Time) ([]models.AuctionLot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots
		WHERE state = $1 AND scheduled_start_time <= $2 ORDER BY scheduled_start_time LIMIT 100`
	return l.queryLots(ctx, query, models.LotScheduled, now)
}

// LotsDueForClose returns active lots whose current end time has passed,
// plus lots stuck in closing from an interrupted sweep.
func (l *PostgresLedger) LotsDueForClose(ctx context.Context, now time.Time) ([]models.AuctionLot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots
		WHERE (state = $1 AND current_end_time <= $2) OR state = $3
		ORDER BY current_end_time LIMIT 100`
	return l.queryLots(ctx, query, models.LotActive, now, models.LotClosing)
}

func (l *PostgresLedger) queryLots(ctx context.Context, query string, args ...interface{}) ([]models.AuctionLot, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []models.AuctionLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot row: %w", err)
		}
		lots = append(lots, *lot)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lot rows: %w", err)
	}
	return lots, nil
}

// AdmitBid inserts the bid row and writes the lot's winner cache, bid count
// and (possibly extended) end time in one transaction, so a reader never
// observes one without the other and an interruption leaves neither. The lot
// write is conditional on the version column; on success the in-memory
// Version is advanced to match.
func (l *PostgresLedger) AdmitBid(ctx context.Context, bid *models.Bid, lot *models.AuctionLot) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin admission transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `INSERT INTO bids (id, lot_id, bidder_id, amount, sequence_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = tx.ExecContext(ctx, insertQuery,
		bid.ID, bid.LotID, bid.BidderID, bid.Amount, bid.SequenceNumber, bid.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return models.ErrDuplicate
		}
		return fmt.Errorf("failed to insert bid: %w", err)
	}

	updateQuery := `UPDATE lots SET
			current_end_time = $1, current_winning_amount = $2,
			current_winner_id = $3, bid_count = $4, version = version + 1,
			updated_at = $5
		WHERE id = $6 AND version = $7`

	result, err := tx.ExecContext(ctx, updateQuery,
		lot.CurrentEndTime, lot.CurrentWinningAmount,
		lot.CurrentWinnerID, lot.BidCount, time.Now().UTC(),
		lot.ID, lot.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update lot for admission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read admission update result: %w", err)
	}
	if affected == 0 {
		return models.ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit admission: %w", err)
	}

	lot.Version++
	return nil
}

func (l *PostgresLedger) BidsForLot(ctx context.Context, lotID uuid.UUID) ([]models.Bid, error) {
	query := `SELECT id, lot_id, bidder_id, amount, sequence_number, created_at
		FROM bids WHERE lot_id = $1 ORDER BY sequence_number`

	rows, err := l.DB.QueryContext(ctx, query, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var bid models.Bid
		if err := rows.Scan(&bid.ID, &bid.LotID, &bid.BidderID, &bid.Amount, &bid.SequenceNumber, &bid.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid row: %w", err)
		}
		bids = append(bids, bid)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bid rows: %w", err)
	}
	return bids, nil
}

func (l *PostgresLedger) GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	query := `SELECT id, lot_id, bidder_id, amount, sequence_number, created_at
		FROM bids WHERE id = $1`

	var bid models.Bid
	err := l.DB.QueryRowContext(ctx, query, id).Scan(
		&bid.ID, &bid.LotID, &bid.BidderID, &bid.Amount, &bid.SequenceNumber, &bid.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bid: %w", err)
	}
	return &bid, nil
}

func (l *PostgresLedger) SaveVerification(ctx context.Context, v *models.InstrumentVerification) error {
	query := `INSERT INTO instrument_verifications
			(token, bidder_id, session_scope, verified, verified_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := l.DB.ExecContext(ctx, query,
		v.Token, v.BidderID, v.SessionScope, v.Verified, v.VerifiedAt, v.ExpiresAt, v.Revoked)
	if err != nil {
		return fmt.Errorf("failed to insert verification: %w", err)
	}
	return nil
}

func (l *PostgresLedger) GetVerification(ctx context.Context, token uuid.UUID) (*models.InstrumentVerification, error) {
	query := `SELECT token, bidder_id, session_scope, verified, verified_at, expires_at, revoked
		FROM instrument_verifications WHERE token = $1`

	var v models.InstrumentVerification
	err := l.DB.QueryRowContext(ctx, query, token).Scan(
		&v.Token, &v.BidderID, &v.SessionScope, &v.Verified, &v.VerifiedAt, &v.ExpiresAt, &v.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query verification: %w", err)
	}
	return &v, nil
}

// RevokeVerifications invalidates every verification held by the bidder.
// Called on logout and on new login so verification never crosses sessions.
func (l *PostgresLedger) RevokeVerifications(ctx context.Context, bidderID string) error {
	query := `UPDATE instrument_verifications SET revoked = TRUE WHERE bidder_id = $1 AND revoked = FALSE`

	if _, err := l.DB.ExecContext(ctx, query, bidderID); err != nil {
		return fmt.Errorf("failed to revoke verifications: %w", err)
	}
	return nil
}

const settlementColumns = `id, lot_id, winning_bid_id, winner_id, seller_id, currency,
	gross_amount, buyer_premium, commission, seller_net, capture_ref, payout_ref,
	state, idempotency_key, attempts, last_error, created_at, updated_at`

func scanSettlement(row interface{ Scan(...interface{}) error }) (*models.SettlementRecord, error) {
	var rec models.SettlementRecord
	err := row.Scan(
		&rec.ID, &rec.LotID, &rec.WinningBidID, &rec.WinnerID, &rec.SellerID, &rec.Currency,
		&rec.GrossAmount, &rec.BuyerPremium, &rec.Commission, &rec.SellerNet,
		&rec.CaptureRef, &rec.PayoutRef, &rec.State, &rec.IdempotencyKey,
		&rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *PostgresLedger) CreateSettlement(ctx context.Context, rec *models.SettlementRecord) error {
	query := `INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := l.DB.ExecContext(ctx, query,
		rec.ID, rec.LotID, rec.WinningBidID, rec.WinnerID, rec.SellerID, rec.Currency,
		rec.GrossAmount, rec.BuyerPremium, rec.Commission, rec.SellerNet,
		rec.CaptureRef, rec.PayoutRef, rec.State, rec.IdempotencyKey,
		rec.Attempts, rec.LastError, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return models.ErrDuplicate
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (l *PostgresLedger) GetSettlementByLot(ctx context.Context, lotID uuid.UUID) (*models.SettlementRecord, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE lot_id = $1`

	rec, err := scanSettlement(l.DB.QueryRowContext(ctx, query, lotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement: %w", err)
	}
	return rec, nil
}

func (l *PostgresLedger) GetSettlement(ctx context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`

	rec, err := scanSettlement(l.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement: %w", err)
	}
	return rec, nil
}

func (l *PostgresLedger) UpdateSettlement(ctx context.Context, rec *models.SettlementRecord) error {
	query := `UPDATE settlements SET
			capture_ref = $1, payout_ref = $2, state = $3, attempts = $4,
			last_error = $5, updated_at = $6
		WHERE id = $7`

	rec.UpdatedAt = time.Now().UTC()
	_, err := l.DB.ExecContext(ctx, query,
		rec.CaptureRef, rec.PayoutRef, rec.State, rec.Attempts,
		rec.LastError, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	return nil
}

// SettlementsInState lists settlements awaiting progress, oldest first.
func (l *PostgresLedger) SettlementsInState(ctx context.Context, state models.SettlementState, limit int) ([]models.SettlementRecord, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements
		WHERE state = $1 ORDER BY created_at LIMIT $2`

	rows, err := l.DB.QueryContext(ctx, query, state, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var records []models.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement row: %w", err)
		}
		records = append(records, *rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settlement rows: %w", err)
	}
	return records, nil
}

// RecordWebhookEvent persists a processor event for deduplication. It returns
// false when the (provider event id, type) pair was already recorded, which
// marks the delivery as a replay.
func (l *PostgresLedger) RecordWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	query := `INSERT INTO webhook_events
			(id, provider_event_id, event_type, lot_id, payload, applied, deferred, received_at, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider_event_id, event_type) DO NOTHING`

	result, err := l.DB.ExecContext(ctx, query,
		ev.ID, ev.ProviderEventID, ev.Type, ev.LotID, ev.Payload,
		ev.Applied, ev.Deferred, ev.ReceivedAt, ev.AppliedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read webhook insert result: %w", err)
	}
	return affected == 1, nil
}

func (l *PostgresLedger) UpdateWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	query := `UPDATE webhook_events SET applied = $1, deferred = $2, applied_at = $3 WHERE id = $4`

	if _, err := l.DB.ExecContext(ctx, query, ev.Applied, ev.Deferred, ev.AppliedAt, ev.ID); err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	return nil
}

// DeferredWebhookEvents returns events that arrived before the settlement
// state they require and are waiting to be re-applied.
func (l *PostgresLedger) DeferredWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	query := `SELECT id, provider_event_id, event_type, lot_id, payload, applied, deferred, received_at, applied_at
		FROM webhook_events WHERE deferred = TRUE AND applied = FALSE ORDER BY received_at LIMIT $1`

	rows, err := l.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deferred webhook events: %w", err)
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		var ev models.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.ProviderEventID, &ev.Type, &ev.LotID, &ev.Payload,
			&ev.Applied, &ev.Deferred, &ev.ReceivedAt, &ev.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event row: %w", err)
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook event rows: %w", err)
	}
	return events, nil
}

func (l *PostgresLedger) FlagBidder(ctx context.Context, flag *models.BidderFlag) error {
	query := `INSERT INTO bidder_flags (bidder_id, reason, lot_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bidder_id) DO UPDATE SET reason = EXCLUDED.reason, lot_id = EXCLUDED.lot_id`

	if _, err := l.DB.ExecContext(ctx, query, flag.BidderID, flag.Reason, flag.LotID, flag.CreatedAt); err != nil {
		return fmt.Errorf("failed to flag bidder: %w", err)
	}
	return nil
}

func (l *PostgresLedger) IsBidderFlagged(ctx context.Context, bidderID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM bidder_flags WHERE bidder_id = $1)`

	var flagged bool
	if err := l.DB.QueryRowContext(ctx, query, bidderID).Scan(&flagged); err != nil {
		return false, fmt.Errorf("failed to query bidder flag: %w", err)
	}
	return flagged, nil
}

func (l *PostgresLedger) ClearBidderFlag(ctx context.Context, bidderID string) error {
	if _, err := l.DB.ExecContext(ctx, `DELETE FROM bidder_flags WHERE bidder_id = $1`, bidderID); err != nil {
		return fmt.Errorf("failed to clear bidder flag: %w", err)
	}
	return nil
}
