package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/services"
)

// SettlementRetryJob periodically re-drives settlements stuck in pending or
// captured and re-applies webhook events that arrived out of order. Settle
// is idempotent with stable idempotency keys, so a retry can never
// double-charge or double-pay.
type SettlementRetryJob struct {
	Settlements *services.SettlementService
	Interval    time.Duration
}

func NewSettlementRetryJob(settlements *services.SettlementService, interval time.Duration) *SettlementRetryJob {
	return &SettlementRetryJob{
		Settlements: settlements,
		Interval:    interval,
	}
}

func (j *SettlementRetryJob) Start(ctx context.Context) {
	logrus.Infof("Starting settlement retry job (runs every %v)...", j.Interval)
	ticker := time.NewTicker(j.Interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.Run(ctx)
			case <-ctx.Done():
				logrus.Info("Settlement retry job stopped")
				return
			}
		}
	}()
}

func (j *SettlementRetryJob) Run(ctx context.Context) {
	j.Settlements.RetryPending(ctx)
}
