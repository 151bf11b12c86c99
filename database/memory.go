package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hammerline/auction-backend/models"
)

// MemoryLedger is an in-process ledger with the same semantics as
// PostgresLedger, including the optimistic version check on lot updates and
// webhook deduplication. It backs the test suite and local development
// without a database.
type MemoryLedger struct {
	mu sync.Mutex

	lots          map[uuid.UUID]*models.AuctionLot
	bids          map[uuid.UUID][]models.Bid
	verifications map[uuid.UUID]*models.InstrumentVerification
	settlements   map[uuid.UUID]*models.SettlementRecord
	webhookEvents map[uuid.UUID]*models.WebhookEvent
	webhookSeen   map[string]bool
	bidderFlags   map[string]*models.BidderFlag
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		lots:          make(map[uuid.UUID]*models.AuctionLot),
		bids:          make(map[uuid.UUID][]models.Bid),
		verifications: make(map[uuid.UUID]*models.InstrumentVerification),
		settlements:   make(map[uuid.UUID]*models.SettlementRecord),
		webhookEvents: make(map[uuid.UUID]*models.WebhookEvent),
		webhookSeen:   make(map[string]bool),
		bidderFlags:   make(map[string]*models.BidderFlag),
	}
}

func copyLot(lot *models.AuctionLot) *models.AuctionLot {
	clone := *lot
	if lot.CurrentWinnerID != nil {
		winner := *lot.CurrentWinnerID
		clone.CurrentWinnerID = &winner
	}
	return &clone
}

func (l *MemoryLedger) CreateLot(_ context.Context, lot *models.AuctionLot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.lots[lot.ID]; exists {
		return models.ErrDuplicate
	}
	l.lots[lot.ID] = copyLot(lot)
	return nil
}

func (l *MemoryLedger) GetLot(_ context.Context, id uuid.UUID) (*models.AuctionLot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lot, ok := l.lots[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyLot(lot), nil
}

func (l *MemoryLedger) UpdateLot(_ context.Context, lot *models.AuctionLot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.lots[lot.ID]
	if !ok {
		return models.ErrNotFound
	}
	if stored.Version != lot.Version {
		return models.ErrVersionConflict
	}

	lot.Version++
	lot.UpdatedAt = time.Now().UTC()
	l.lots[lot.ID] = copyLot(lot)
	return nil
}

func (l *MemoryLedger) LotsDueForActivation(_ context.Context, now time.Time) ([]models.AuctionLot, error) {
	return l.lotsWhere(func(lot *models.AuctionLot) bool {
		return lot.State == models.LotScheduled && !lot.ScheduledStartTime.After(now)
	}), nil
}

func (l *MemoryLedger) LotsDueForClose(_ context.Context, now time.Time) ([]models.AuctionLot, error) {
	return l.lotsWhere(func(lot *models.AuctionLot) bool {
		if lot.State == models.LotClosing {
			return true
		}
		return lot.State == models.LotActive && !lot.CurrentEndTime.After(now)
	}), nil
}

func (l *MemoryLedger) lotsWhere(match func(*models.AuctionLot) bool) []models.AuctionLot {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lots []models.AuctionLot
	for _, lot := range l.lots {
		if match(lot) {
			lots = append(lots, *copyLot(lot))
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].CreatedAt.Before(lots[j].CreatedAt) })
	return lots
}

// AdmitBid writes the bid and the lot under one mutex hold, mirroring the
// single-transaction semantics of the Postgres ledger: both land or neither
// does, and no reader can interleave between them.
func (l *MemoryLedger) AdmitBid(_ context.Context, bid *models.Bid, lot *models.AuctionLot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.lots[lot.ID]
	if !ok {
		return models.ErrNotFound
	}
	if stored.Version != lot.Version {
		return models.ErrVersionConflict
	}
	for _, existing := range l.bids[bid.LotID] {
		if existing.SequenceNumber == bid.SequenceNumber {
			return models.ErrDuplicate
		}
	}

	l.bids[bid.LotID] = append(l.bids[bid.LotID], *bid)
	lot.Version++
	lot.UpdatedAt = time.Now().UTC()
	l.lots[lot.ID] = copyLot(lot)
	return nil
}

func (l *MemoryLedger) BidsForLot(_ context.Context, lotID uuid.UUID) ([]models.Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bids := make([]models.Bid, len(l.bids[lotID]))
	copy(bids, l.bids[lotID])
	sort.Slice(bids, func(i, j int) bool { return bids[i].SequenceNumber < bids[j].SequenceNumber })
	return bids, nil
}

func (l *MemoryLedger) GetBid(_ context.Context, id uuid.UUID) (*models.Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, bids := range l.bids {
		for _, bid := range bids {
			if bid.ID == id {
				found := bid
				return &found, nil
			}
		}
	}
	return nil, models.ErrNotFound
}

func (l *MemoryLedger) SaveVerification(_ context.Context, v *models.InstrumentVerification) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	clone := *v
	l.verifications[v.Token] = &clone
	return nil
}

func (l *MemoryLedger) GetVerification(_ context.Context, token uuid.UUID) (*models.InstrumentVerification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.verifications[token]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *v
	return &clone, nil
}

func (l *MemoryLedger) RevokeVerifications(_ context.Context, bidderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, v := range l.verifications {
		if v.BidderID == bidderID {
			v.Revoked = true
		}
	}
	return nil
}

func (l *MemoryLedger) CreateSettlement(_ context.Context, rec *models.SettlementRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.settlements {
		if existing.LotID == rec.LotID {
			return models.ErrDuplicate
		}
	}
	clone := *rec
	l.settlements[rec.ID] = &clone
	return nil
}

func (l *MemoryLedger) GetSettlementByLot(_ context.Context, lotID uuid.UUID) (*models.SettlementRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.settlements {
		if rec.LotID == lotID {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, models.ErrNotFound
}

func (l *MemoryLedger) GetSettlement(_ context.Context, id uuid.UUID) (*models.SettlementRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.settlements[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (l *MemoryLedger) UpdateSettlement(_ context.Context, rec *models.SettlementRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.settlements[rec.ID]; !ok {
		return models.ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	clone := *rec
	l.settlements[rec.ID] = &clone
	return nil
}

func (l *MemoryLedger) SettlementsInState(_ context.Context, state models.SettlementState, limit int) ([]models.SettlementRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var records []models.SettlementRecord
	for _, rec := range l.settlements {
		if rec.State == state {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func webhookKey(providerEventID string, eventType models.WebhookEventType) string {
	return providerEventID + "|" + string(eventType)
}

func (l *MemoryLedger) RecordWebhookEvent(_ context.Context, ev *models.WebhookEvent) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := webhookKey(ev.ProviderEventID, ev.Type)
	if l.webhookSeen[key] {
		return false, nil
	}
	l.webhookSeen[key] = true
	clone := *ev
	l.webhookEvents[ev.ID] = &clone
	return true, nil
}

func (l *MemoryLedger) UpdateWebhookEvent(_ context.Context, ev *models.WebhookEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.webhookEvents[ev.ID]
	if !ok {
		return models.ErrNotFound
	}
	stored.Applied = ev.Applied
	stored.Deferred = ev.Deferred
	stored.AppliedAt = ev.AppliedAt
	return nil
}

func (l *MemoryLedger) DeferredWebhookEvents(_ context.Context, limit int) ([]models.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []models.WebhookEvent
	for _, ev := range l.webhookEvents {
		if ev.Deferred && !ev.Applied {
			events = append(events, *ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ReceivedAt.Before(events[j].ReceivedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (l *MemoryLedger) FlagBidder(_ context.Context, flag *models.BidderFlag) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	clone := *flag
	l.bidderFlags[flag.BidderID] = &clone
	return nil
}

func (l *MemoryLedger) IsBidderFlagged(_ context.Context, bidderID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, flagged := l.bidderFlags[bidderID]
	return flagged, nil
}

func (l *MemoryLedger) ClearBidderFlag(_ context.Context, bidderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.bidderFlags, bidderID)
	return nil
}
