package task

import (
	"context"
	"time"

	"jam3a-engine/pkg/config"
	"jam3a-engine/services/deal"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var SweepModule = fx.Module("deal.sweep",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)

// Scheduler is the expiry sweep: a periodic backstop that catches deals
// whose deadline passed without any read or join observing it.
type Scheduler struct {
	deals     *deal.Service
	interval  time.Duration
	batchSize int
}

func NewScheduler(cfg *config.Config, deals *deal.Service) *Scheduler {
	return &Scheduler{
		deals:     deals,
		interval:  cfg.Sweep.Interval,
		batchSize: cfg.Sweep.BatchSize,
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run(context.Background())
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started deal expiry sweep",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	start := time.Now()

	expired, err := s.deals.ExpireDue(ctx, s.batchSize)
	if err != nil {
		zap.L().Error("[Scheduler] expiry sweep failed", zap.Error(err))
		return
	}

	if expired > 0 {
		zap.L().Info("[Scheduler] expiry sweep finished",
			zap.Int("expired", expired),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
