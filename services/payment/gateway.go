package payment

import (
	"context"
	"fmt"

	"jam3a-engine/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// AuthorizeRequest asks the gateway to place a hold. Method is an opaque
// tag (card, wallet, mobile-wallet, ...); the engine never branches on it.
type AuthorizeRequest struct {
	UserID    string
	DealID    string
	Method    string
	Amount    int64
	Currency  string
	Reference string
}

// Gateway is the external payment collaborator. Capture and Void own their
// retry/timeout policy; callers treat a returned error as a recorded
// failure, not something to retry inline.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (string, error)
	Capture(ctx context.Context, gatewayRef string, amount int64) error
	Void(ctx context.Context, gatewayRef string) error
}

// sandboxGateway approves everything and logs. Used in development and as
// the default until a real provider is configured.
type sandboxGateway struct {
	node *snowflake.Node
}

func NewGateway(cfg *config.Config, node *snowflake.Node) Gateway {
	switch cfg.Gateway.Provider {
	case "", "sandbox":
		return &sandboxGateway{node: node}
	default:
		zap.L().Warn("unknown payment gateway provider, falling back to sandbox",
			zap.String("provider", cfg.Gateway.Provider))
		return &sandboxGateway{node: node}
	}
}

func (g *sandboxGateway) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	ref := fmt.Sprintf("sbx_%s", g.node.Generate().String())
	zap.L().Info("sandbox gateway authorize",
		zap.String("gateway_ref", ref),
		zap.String("deal_id", req.DealID),
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
	)
	return ref, nil
}

func (g *sandboxGateway) Capture(ctx context.Context, gatewayRef string, amount int64) error {
	zap.L().Info("sandbox gateway capture",
		zap.String("gateway_ref", gatewayRef),
		zap.Int64("amount", amount),
	)
	return nil
}

func (g *sandboxGateway) Void(ctx context.Context, gatewayRef string) error {
	zap.L().Info("sandbox gateway void", zap.String("gateway_ref", gatewayRef))
	return nil
}
