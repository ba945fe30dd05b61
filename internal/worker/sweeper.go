package worker

import (
	"context"
	"time"

	"surplus-service/internal/util"

	"go.uber.org/zap"
)

// ExpiredSweeper expires pending reservations whose payment deadline passed
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// SweepWorker runs the payment-timeout sweep on a fixed interval
type SweepWorker struct {
	sweeper   ExpiredSweeper
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(sweeper ExpiredSweeper, interval time.Duration, batchSize int) *SweepWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &SweepWorker{
		sweeper:   sweeper,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start sweeps until ctx is cancelled
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting expiry sweeper...", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping expiry sweeper...")
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce drains every due reservation, one batch at a time
func (w *SweepWorker) RunOnce(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := w.sweeper.SweepExpired(ctx, w.batchSize)
		total += n
		if err != nil {
			util.JobRunsTotal.WithLabelValues("sweep_expired", "error").Inc()
			w.logger.Error("Expiry sweep failed", zap.Error(err))
			return total
		}
		if n < w.batchSize {
			break
		}
	}
	util.JobRunsTotal.WithLabelValues("sweep_expired", "success").Inc()
	return total
}
