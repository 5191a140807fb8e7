package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"numbers-betting-backend/internal/middleware"
	"numbers-betting-backend/internal/models"
	"numbers-betting-backend/internal/observability"
	"numbers-betting-backend/internal/services"
)

type RouterConfig struct {
	JWT      *services.JWTService
	WS       *WebSocketHandler
	Sessions *SessionHandler
	Users    *UserHandler
	Metrics  http.Handler
	Health   *observability.HealthChecker
	Log      zerolog.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(cfg.Log))

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/healthz", gin.WrapF(cfg.Health.LivenessHandler))
	router.GET("/readyz", gin.WrapF(cfg.Health.ReadinessHandler))
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(cfg.JWT))
	{
		protected.GET("/ws", cfg.WS.HandleWebSocket)

		sessions := protected.Group("/sessions")
		{
			sessions.GET("/active", cfg.Sessions.GetActiveSessions)
			sessions.GET("/:id/bets", cfg.Users.GetSessionBets)
		}

		admin := protected.Group("/admin")
		admin.Use(middleware.RequireRole(models.RoleAdmin))
		{
			admin.POST("/sessions/:id/end", cfg.Sessions.EndSession)
		}
	}

	return router
}
