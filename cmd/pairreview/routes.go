package main

import (
	"github.com/gin-gonic/gin"

	"github.com/in-the-loop-labs/pairreview/internal/agent/provider"
	"github.com/in-the-loop-labs/pairreview/internal/common/config"
	"github.com/in-the-loop-labs/pairreview/internal/common/httpmw"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
	gatewayhttp "github.com/in-the-loop-labs/pairreview/internal/gateway/http"
	"github.com/in-the-loop-labs/pairreview/internal/gateway/websocket"
	"github.com/in-the-loop-labs/pairreview/internal/session"
)

// setupRouter wires middleware, the REST facade and the WebSocket upgrade
// onto one gin engine.
func setupRouter(
	cfg *config.Config,
	log *logger.Logger,
	manager *session.Manager,
	registry *provider.Registry,
	prober *provider.Prober,
	gateway *websocket.Gateway,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.OtelTracing("pairreview"))
	router.Use(httpmw.RequestLogger(log, "pairreview"))

	handlers := gatewayhttp.NewHandlers(manager, registry, prober, gateway.Notifier, log)
	handlers.RegisterRoutes(router)

	// The gateway registers last: it owns NoRoute, which destroys upgrade
	// attempts on any path other than /ws.
	gateway.SetupRoutes(router)

	return router
}
