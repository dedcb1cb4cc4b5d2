package routes

import (
	"duet/internal/config"
	"duet/internal/handlers"
	"duet/internal/middleware"
	"duet/internal/websocket"

	"github.com/gin-gonic/gin"
)

// Dependencies are the long-lived objects the routes hand to handlers
type Dependencies struct {
	Config      *config.Config
	Hub         *websocket.Hub
	Tokens      handlers.ResumeVerifier
	RateLimiter *middleware.RateLimiter
	Checks      map[string]handlers.HealthChecker
	History     handlers.StatsHistory
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	systemHandler := handlers.NewSystemHandler(deps.Hub, deps.Config.App, deps.Checks, deps.History)
	roomHandler := handlers.NewRoomHandler(deps.Hub)
	iceHandler := handlers.NewICEHandler(deps.Config.WebRTC)

	// Global middleware
	router.Use(middleware.CORS(deps.Config.Server.CORS))
	router.Use(middleware.Logger())

	// Health check
	router.GET("/health", systemHandler.Health)

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimit(deps.RateLimiter))
	{
		v1.GET("/info", systemHandler.Info)
		v1.GET("/stats", systemHandler.Stats)
		v1.GET("/ice-servers", iceHandler.GetICEServers)

		rooms := v1.Group("/rooms")
		{
			rooms.GET("", roomHandler.ListRooms)
			rooms.POST("", roomHandler.CreateRoom)
		}
	}

	SetupWebSocketRoutes(router, deps)
}
