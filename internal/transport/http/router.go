// Package httptransport serves the staff dashboard API: thread inspection,
// replies and closes, gate management, and the live event websocket.
package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"modmail/backend/internal/config"
	"modmail/backend/internal/gate"
	"modmail/backend/internal/health"
	"modmail/backend/internal/monitoring"
	"modmail/backend/internal/storage"
	"modmail/backend/internal/thread"
	"modmail/backend/internal/websocket"
)

// RouterDependencies collects everything the staff API serves from.
type RouterDependencies struct {
	Config       *config.Config
	Threads      *thread.Manager
	Store        storage.Store
	Gate         *gate.Gate
	WebSocketHub *websocket.Hub
	Health       *health.Checker
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
}

// NewRouter builds the Gin engine with all routes and middleware attached.
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(Recovery(deps.Logger, deps.Metrics))
	router.Use(RequestLogger(deps.Logger))
	if deps.Metrics != nil {
		router.Use(HTTPMetrics(deps.Metrics))
	}

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := NewHandler(deps.Threads, deps.Store, deps.Gate, deps.Logger)
	authHandler := NewAuthHandler(deps.Config.JWT, deps.Logger)

	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			Success(c, deps.Health.Status())
		})
		probes := deps.Health.Handler()
		router.GET("/live", gin.WrapH(probes))
		router.GET("/ready", gin.WrapH(probes))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/auth/login", authHandler.Login)

		// The hub authenticates the websocket itself; browsers cannot set
		// headers on the upgrade request, so the token rides the query string.
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.Handle(deps.WebSocketHub))
		}

		authed := v1.Group("")
		authed.Use(StaffAuth(deps.Config.JWT.Secret, deps.Logger))
		{
			authed.GET("/threads", handler.ListThreads)
			authed.GET("/threads/:channel", handler.GetThreadLog)
			authed.POST("/threads/:channel/reply", handler.Reply)
			authed.POST("/threads/:channel/close", handler.Close)
			authed.DELETE("/threads/:channel/close", handler.CancelClose)

			authed.GET("/users/:id/log", handler.GetUserLog)

			authed.GET("/blocks", handler.ListBlocks)
			authed.POST("/blocks", handler.CreateBlock)
			authed.DELETE("/blocks/:kind/:id", handler.DeleteBlock)

			authed.POST("/whitelist/:id", handler.AddWhitelist)
			authed.DELETE("/whitelist/:id", handler.RemoveWhitelist)

			authed.GET("/macros", handler.ListMacros)
		}
	}

	return router
}
