package routes

import (
	"duet/internal/handlers"

	"github.com/gin-gonic/gin"
)

func SetupWebSocketRoutes(router *gin.Engine, deps Dependencies) {
	wsHandler := handlers.NewWebSocketHandler(deps.Hub, deps.Tokens, deps.Config)

	// Relay endpoint; the connection-level limiter applies per event after upgrade
	router.GET("/ws", wsHandler.HandleRelay)
}
