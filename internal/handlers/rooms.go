package handlers

import (
	"errors"
	"net/http"

	"duet/internal/models"
	"duet/internal/services"
	"duet/internal/utils"
	"duet/internal/websocket"
	"duet/pkg/logger"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	hub *websocket.Hub
}

func NewRoomHandler(hub *websocket.Hub) *RoomHandler {
	return &RoomHandler{hub: hub}
}

// ListRooms returns the joinable group rooms
func (h *RoomHandler) ListRooms(c *gin.Context) {
	utils.SuccessResponse(c, gin.H{"rooms": h.hub.ListRooms()})
}

// CreateRoom registers a group room. Members join it over the websocket.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var meta models.RoomMeta
	if err := c.ShouldBindJSON(&meta); err != nil {
		utils.ErrorResponseWithDetails(c, http.StatusBadRequest, "Invalid room request", map[string]string{
			"body": err.Error(),
		})
		return
	}

	summary, err := h.hub.CreateRoom(c.Request.Context(), meta)
	switch {
	case errors.Is(err, services.ErrInvalidRoom):
		utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, websocket.ErrHubStopped):
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Relay is shutting down")
		return
	case err != nil:
		logger.LogError(err, "Failed to create room", map[string]interface{}{"name": meta.Name})
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to create room")
		return
	}

	utils.CreatedResponse(c, summary)
}
