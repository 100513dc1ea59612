// Package server exposes the engine over HTTP. Handlers map 1:1 onto service
// methods and never block on on-chain confirmation.
package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/telepay/stargate/internal/config"
	"github.com/telepay/stargate/internal/conversion"
	"github.com/telepay/stargate/internal/fees"
	"github.com/telepay/stargate/internal/p2p"
	"github.com/telepay/stargate/internal/reconciliation"
	"github.com/telepay/stargate/internal/webhook"
)

const userIDKey = "userID"

// Server represents the HTTP server.
type Server struct {
	logger        *zap.Logger
	cfg           config.ServerConfig
	conversionSvc *conversion.Service
	p2pSvc        *p2p.Service
	reconSvc      *reconciliation.Service
	webhookSvc    *webhook.Service
	feeSvc        *fees.Service
}

// NewServer creates a new HTTP server.
func NewServer(
	logger *zap.Logger,
	cfg config.ServerConfig,
	conversionSvc *conversion.Service,
	p2pSvc *p2p.Service,
	reconSvc *reconciliation.Service,
	webhookSvc *webhook.Service,
	feeSvc *fees.Service,
) *Server {
	return &Server{
		logger:        logger,
		cfg:           cfg,
		conversionSvc: conversionSvc,
		p2pSvc:        p2pSvc,
		reconSvc:      reconSvc,
		webhookSvc:    webhookSvc,
		feeSvc:        feeSvc,
	}
}

// Router creates the HTTP router.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-User-Id")
	router.Use(cors.New(corsCfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1", s.authMiddleware())
		{
			conversions := v1.Group("/conversions")
			{
				conversions.POST("/quote", s.handleGetQuote)
				conversions.POST("/lock-rate", s.handleLockRate)
				conversions.POST("", s.handleCreateConversion)
				conversions.GET("", s.handleListConversions)
				conversions.GET("/:id", s.handleGetConversion)
				conversions.GET("/:id/progress", s.handleGetConversionProgress)
			}

			orders := v1.Group("/orders")
			{
				orders.POST("/sell", s.handleCreateSellOrder)
				orders.POST("/buy", s.handleCreateBuyOrder)
				orders.GET("", s.handleListOrders)
				orders.GET("/:id", s.handleGetOrder)
				orders.DELETE("/:id", s.handleCancelOrder)
			}

			webhooks := v1.Group("/webhooks")
			{
				webhooks.GET("/events", s.handleListWebhookEvents)
				webhooks.GET("/stats", s.handleWebhookStats)
			}

			recon := v1.Group("/reconciliation")
			{
				recon.GET("/report", s.handleReconciliationReport)
				recon.POST("/payments/:id", s.handleReconcilePayment)
				recon.POST("/conversions/:id", s.handleReconcileConversion)
			}

			feesGroup := v1.Group("/fees")
			{
				feesGroup.GET("/summary", s.handleFeeSummary)
				feesGroup.GET("/revenue", s.handleFeeRevenue)
			}
		}
	}

	return router
}

// authMiddleware resolves the calling user from the X-User-Id header. The
// deployment sits behind an API gateway that authenticates the caller.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-Id")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-Id header"})
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-User-Id header"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) uuid.UUID {
	return c.MustGet(userIDKey).(uuid.UUID)
}
