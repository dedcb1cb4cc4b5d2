package utils

import (
	"net/http"
	"time"

	"duet/internal/protocol"

	"github.com/gin-gonic/gin"
)

// APIResponse is the JSON envelope of every HTTP reply. Errors carry the
// same code/message pair the relay puts in websocket error events.
type APIResponse struct {
	Success   bool                `json:"success"`
	Data      interface{}         `json:"data,omitempty"`
	Error     *protocol.ErrorInfo `json:"error,omitempty"`
	Details   map[string]string   `json:"details,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

func reply(c *gin.Context, status int, resp APIResponse) {
	resp.Timestamp = time.Now().UTC()
	c.JSON(status, resp)
}

// SuccessResponse replies 200 with data
func SuccessResponse(c *gin.Context, data interface{}) {
	reply(c, http.StatusOK, APIResponse{Success: true, Data: data})
}

// CreatedResponse replies 201 with the created resource
func CreatedResponse(c *gin.Context, data interface{}) {
	reply(c, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// ErrorResponse replies with status and an error coded like relay errors
func ErrorResponse(c *gin.Context, status int, message string) {
	ErrorResponseWithDetails(c, status, message, nil)
}

// ErrorResponseWithDetails is ErrorResponse with per-field details
func ErrorResponseWithDetails(c *gin.Context, status int, message string, details map[string]string) {
	if message == "" {
		message = http.StatusText(status)
	}
	reply(c, status, APIResponse{
		Error:   &protocol.ErrorInfo{Code: ErrorCode(status), Message: message},
		Details: details,
	})
}

// ErrorCode maps an HTTP status onto the relay error codes
func ErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return protocol.CodeBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return protocol.CodeAuth
	case http.StatusNotFound:
		return protocol.CodeNotFound
	case http.StatusConflict:
		return protocol.CodeRoomFull
	case http.StatusTooManyRequests:
		return protocol.CodeRateLimited
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "internal_error"
}
