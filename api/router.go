// Package api assembles the relay's HTTP surface.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/api/handlers"
	"github.com/roomrelay/relay/api/middleware"
	"github.com/roomrelay/relay/internal/mailbox"
	"github.com/roomrelay/relay/internal/ws"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, mb mailbox.Mailbox, service *ws.Service) *gin.Engine {
	r := gin.New()

	// Room paths are matched exactly; /rooms/<id>/ must be "not found",
	// not a redirect.
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(logger))
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())

	// Metrics endpoint (for Prometheus scraping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.NewHealthHandler(mb, service).RegisterRoutes(r)
	handlers.NewRoomHandler(service, logger).RegisterRoutes(r)

	return r
}
