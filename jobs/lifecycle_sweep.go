package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/services"
)

// LifecycleSweepJob periodically activates lots whose start time has passed
// and closes lots whose end time has passed. Both operations are idempotent,
// so overlapping sweeps (or a sweep racing the admin endpoints) are safe.
type LifecycleSweepJob struct {
	Lots     *services.LotService
	Interval time.Duration
}

func NewLifecycleSweepJob(lots *services.LotService, interval time.Duration) *LifecycleSweepJob {
	return &LifecycleSweepJob{
		Lots:     lots,
		Interval: interval,
	}
}

func (j *LifecycleSweepJob) Start(ctx context.Context) {
	logrus.Infof("Starting lifecycle sweep job (runs every %v)...", j.Interval)
	ticker := time.NewTicker(j.Interval)

	go func() {
		defer ticker.Stop()

		j.Run(ctx)

		for {
			select {
			case <-ticker.C:
				j.Run(ctx)
			case <-ctx.Done():
				logrus.Info("Lifecycle sweep job stopped")
				return
			}
		}
	}()
}

func (j *LifecycleSweepJob) Run(ctx context.Context) {
	startTime := time.Now()

	activated, err := j.Lots.ActivateDueLots(ctx)
	if err != nil {
		logrus.Errorf("Lifecycle sweep failed during activation: %v", err)
	}

	closed, err := j.Lots.CloseExpiredLots(ctx)
	if err != nil {
		logrus.Errorf("Lifecycle sweep failed during close: %v", err)
	}

	if activated > 0 || closed > 0 {
		logrus.Infof("Lifecycle sweep completed: activated %d, closed %d lots (took %v)",
			activated, closed, time.Since(startTime))
	}
}
