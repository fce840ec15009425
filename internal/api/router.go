package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/payout-reconciler/config"
	_ "github.com/d60-Lab/payout-reconciler/docs"
	"github.com/d60-Lab/payout-reconciler/internal/api/handler"
	"github.com/d60-Lab/payout-reconciler/internal/api/middleware"
)

// NewRouter 组装路由与中间件
func NewRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	r.Use(otelgin.Middleware("payout-reconciler"))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// 网关回调端点，独立限流
	callbacks := r.Group("/b2c", middleware.RateLimit(50, 100))
	{
		callbacks.POST("/queue", h.QueueTimeout)
		callbacks.POST("/result", h.Result)
	}

	v1 := r.Group("/api/v1", middleware.JWTAuth(cfg.JWT.Secret))
	{
		v1.POST("/payouts", h.Submit)
		v1.GET("/payouts/:id", h.Status)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	return r
}
