package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"jam3a-engine/pkg/config"
	"jam3a-engine/pkg/db"
	"jam3a-engine/pkg/event"
	"jam3a-engine/pkg/gen"
	"jam3a-engine/pkg/logger"
	"jam3a-engine/pkg/redis"
	"jam3a-engine/pkg/sequence"
	"jam3a-engine/pkg/task"
	"jam3a-engine/services/deal"
	dealtask "jam3a-engine/services/deal/task"
	"jam3a-engine/services/payment"
	"jam3a-engine/services/pricing"
)

// The sweeper is deployed as a single replica so expiry sweeps do not
// contend; correctness does not depend on that, every transition is a CAS.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.Client,
		event.Module,
		pricing.Module,
		payment.Module,
		deal.Module,
		dealtask.SweepModule,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
