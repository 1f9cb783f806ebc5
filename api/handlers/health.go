package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roomrelay/relay/internal/mailbox"
	"github.com/roomrelay/relay/internal/ws"
)

const pingTimeout = 2 * time.Second

// HealthHandler reports whether the relay can reach its mailbox.
type HealthHandler struct {
	mailbox mailbox.Mailbox
	service *ws.Service
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(mb mailbox.Mailbox, service *ws.Service) *HealthHandler {
	return &HealthHandler{
		mailbox: mb,
		service: service,
	}
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Check)
}

// Check handles GET /health.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	hubs := h.service.Hubs()
	if err := h.mailbox.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"rooms":    hubs.RoomCount(),
		"sessions": hubs.SessionCount(),
	})
}
