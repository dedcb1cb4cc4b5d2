package handlers

import (
	"time"

	"duet/internal/config"
	"duet/internal/models"
	"duet/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ICEHandler struct {
	cfg config.WebRTCConfig
}

func NewICEHandler(cfg config.WebRTCConfig) *ICEHandler {
	return &ICEHandler{cfg: cfg}
}

// GetICEServers returns the STUN servers plus TURN servers with fresh
// time-limited credentials
func (h *ICEHandler) GetICEServers(c *gin.Context) {
	servers := h.Servers(c.Query("session"))
	utils.SuccessResponse(c, gin.H{
		"iceServers":  servers,
		"ttl":         int(h.cfg.TURNTTL.Seconds()),
		"generatedAt": time.Now().UTC(),
	})
}

// Servers builds the ICE server list for user
func (h *ICEHandler) Servers(user string) []models.ICEServer {
	servers := make([]models.ICEServer, 0, 2)
	if len(h.cfg.STUNServers) > 0 {
		servers = append(servers, models.ICEServer{URLs: h.cfg.STUNServers})
	}
	if len(h.cfg.TURNServers) > 0 {
		if user == "" {
			user = uuid.NewString()
		}
		username, credential := utils.GenerateTurnCredentials(user, h.cfg.TURNSecret, h.cfg.TURNTTL)
		servers = append(servers, models.ICEServer{
			URLs:       h.cfg.TURNServers,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}
