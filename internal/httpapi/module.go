package httpapi

import (
	"jam3a-engine/pkg/config"
	"jam3a-engine/pkg/health"
	"jam3a-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine, NewHandler),
	fx.Invoke(RegisterRoutes),
)

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestLog(),
		middleware.Error(),
	)
	return engine
}

func RegisterRoutes(engine *gin.Engine, h *Handler, hc health.HealthService) {
	engine.GET("/healthz", hc.Liveness)
	engine.GET("/readyz", hc.Readiness)

	v1 := engine.Group("/v1")
	{
		v1.POST("/deals", h.CreateDeal)
		v1.POST("/deals/:id/join", h.Join)
		v1.GET("/deals/:id", h.Status)
		v1.GET("/deals/:id/participants", h.Participants)
	}
}
