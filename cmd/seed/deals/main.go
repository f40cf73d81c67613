package main

import (
	"context"
	"log"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jam3a-engine/pkg/config"
	"jam3a-engine/pkg/db"
	"jam3a-engine/pkg/gen"
	"jam3a-engine/pkg/logger"
	"jam3a-engine/services/deal"
	"jam3a-engine/services/payment"
	"jam3a-engine/services/pricing"
)

// Seeds a demo product with a tier table and one open deal, for local
// development against the storefront.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		fx.Invoke(seed),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func seed(lc fx.Lifecycle, shutdowner fx.Shutdowner, gdb *gorm.DB, node *snowflake.Node) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := run(ctx, gdb, node); err != nil {
				return err
			}
			return shutdowner.Shutdown()
		},
	})
}

func run(ctx context.Context, gdb *gorm.DB, node *snowflake.Node) error {
	if err := gdb.AutoMigrate(
		&pricing.Product{},
		&pricing.ProductTier{},
		&deal.Deal{},
		&deal.Participant{},
		&payment.Authorization{},
	); err != nil {
		return err
	}

	product := &pricing.Product{
		ID:        node.Generate().String(),
		Name:      "Wireless Earbuds Pro",
		BasePrice: 4999,
		Currency:  "SAR",
	}
	if err := gdb.WithContext(ctx).Create(product).Error; err != nil {
		return err
	}

	tiers := []*pricing.ProductTier{
		{ID: node.Generate().String(), ProductID: product.ID, MinParticipants: 2, UnitPrice: 4799},
		{ID: node.Generate().String(), ProductID: product.ID, MinParticipants: 3, UnitPrice: 4599},
		{ID: node.Generate().String(), ProductID: product.ID, MinParticipants: 5, UnitPrice: 4199},
	}
	if err := gdb.WithContext(ctx).Create(tiers).Error; err != nil {
		return err
	}

	demo := &deal.Deal{
		ID:        node.Generate().String(),
		DealCode:  "JAM-DEMO-001",
		ProductID: product.ID,
		Capacity:  5,
		Status:    deal.StatusOpen,
		Deadline:  time.Now().Add(24 * time.Hour),
	}
	if err := gdb.WithContext(ctx).Create(demo).Error; err != nil {
		return err
	}

	zap.L().Info("seeded demo deal",
		zap.String("product_id", product.ID),
		zap.String("deal_id", demo.ID),
		zap.String("deal_code", demo.DealCode),
	)
	return nil
}
