package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jam3a-engine/internal/httpapi"
	"jam3a-engine/pkg/config"
	"jam3a-engine/pkg/db"
	"jam3a-engine/pkg/event"
	"jam3a-engine/pkg/gen"
	"jam3a-engine/pkg/health"
	"jam3a-engine/pkg/logger"
	"jam3a-engine/pkg/otelcol"
	"jam3a-engine/pkg/redis"
	"jam3a-engine/pkg/sequence"
	"jam3a-engine/pkg/server"
	"jam3a-engine/pkg/task"
	"jam3a-engine/services/deal"
	dealtask "jam3a-engine/services/deal/task"
	"jam3a-engine/services/payment"
	"jam3a-engine/services/pricing"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.Client,
		task.Server,
		event.Module,
		health.Module,
		pricing.Module,
		payment.Module,
		deal.Module,
		dealtask.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fx.Invoke(migrate),
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

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&pricing.Product{},
		&pricing.ProductTier{},
		&deal.Deal{},
		&deal.Participant{},
		&payment.Authorization{},
	)
}
