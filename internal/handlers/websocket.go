package handlers

import (
	"net/http"
	"strings"

	"duet/internal/config"
	"duet/internal/middleware"
	"duet/internal/protocol"
	"duet/internal/utils"
	"duet/internal/websocket"
	"duet/pkg/logger"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ResumeVerifier maps a resume token back to the session id it was issued for
type ResumeVerifier interface {
	Verify(token string) (string, error)
}

type WebSocketHandler struct {
	hub      *websocket.Hub
	tokens   ResumeVerifier
	upgrader gorilla.Upgrader
	opts     websocket.ClientOptions
}

func NewWebSocketHandler(hub *websocket.Hub, tokens ResumeVerifier, cfg *config.Config) *WebSocketHandler {
	ws := cfg.Server.WebSocket
	return &WebSocketHandler{
		hub:    hub,
		tokens: tokens,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  ws.ReadBufferSize,
			WriteBufferSize: ws.WriteBufferSize,
			CheckOrigin:     middleware.OriginChecker(ws.CheckOrigin, cfg.Server.CORS.AllowedOrigins),
		},
		opts: websocket.ClientOptions{
			WriteWait:      ws.WriteWait,
			PongWait:       ws.PongWait,
			PingPeriod:     ws.PingPeriod(),
			MaxMessageSize: ws.MaxMessageSize,
			SendBuffer:     ws.SendBuffer,
			EventRate:      rate.Limit(cfg.Security.RateLimit.EventsPerSecond),
			EventBurst:     cfg.Security.RateLimit.EventBurst,
		},
	}
}

// HandleRelay upgrades GET /ws. Query parameters: codec=json|msgpack,
// resume=<token from a previous welcome>.
func (h *WebSocketHandler) HandleRelay(c *gin.Context) {
	codec, err := protocol.CodecByName(c.Query("codec"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := h.resumedSession(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn, codec, sessionID, h.opts)
	client.IP = c.ClientIP()
	client.UserAgent = c.Request.UserAgent()

	if !h.hub.Register(c.Request.Context(), client) {
		conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseGoingAway, "relay shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *WebSocketHandler) resumedSession(c *gin.Context) string {
	token := c.Query("resume")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" || h.tokens == nil {
		return ""
	}
	sessionID, err := h.tokens.Verify(token)
	if err != nil {
		logger.LogSecurityEvent("resume_token_rejected", "", c.ClientIP(), map[string]interface{}{"error": err.Error()})
		return ""
	}
	return sessionID
}
