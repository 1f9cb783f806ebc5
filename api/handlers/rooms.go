package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/internal/model"
	"github.com/roomrelay/relay/internal/room"
	"github.com/roomrelay/relay/internal/ws"
)

// NotUpgradingBody is the reply to a room request without an upgrade.
const NotUpgradingBody = "request isn't trying to upgrade to websocket."

// RoomHandler routes /rooms/<id> requests into relay sessions.
type RoomHandler struct {
	service *ws.Service
	log     zerolog.Logger
}

// NewRoomHandler creates a new RoomHandler.
func NewRoomHandler(service *ws.Service, log zerolog.Logger) *RoomHandler {
	return &RoomHandler{
		service: service,
		log:     log,
	}
}

// RegisterRoutes registers the room route. Every unmatched path is also
// handed to Attach, which answers "not found" for anything that is not a
// room path. That keeps the empty room id (/rooms/) reachable.
func (h *RoomHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/rooms/:id", h.Attach)
	r.NoRoute(h.Attach)
}

// Attach handles GET /rooms/:id.
func (h *RoomHandler) Attach(c *gin.Context) {
	rm, err := room.ParsePath(c.Request.URL.Path)
	if err != nil {
		sendRejection(c, err)
		return
	}

	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusOK, NotUpgradingBody)
		return
	}

	if err := h.service.Serve(c.Writer, c.Request, rm); err != nil {
		h.log.Debug().Err(err).Str("room", rm.String()).Msg("upgrade failed")
	}
}

// sendRejection writes one of the two plain-text rejections.
func sendRejection(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidRoomID):
		c.String(http.StatusBadRequest, model.ErrInvalidRoomID.Error())
	default:
		c.String(http.StatusNotFound, model.ErrRouteNotFound.Error())
	}
}
