package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// Gateway bundles the hub, its HTTP handler and the session notifier.
type Gateway struct {
	Hub      *Hub
	Handler  *Handler
	Notifier *Notifier
	logger   *logger.Logger
}

// NewGateway creates a WebSocket gateway with all components initialized.
func NewGateway(log *logger.Logger) *Gateway {
	hub := NewHub(log)
	return &Gateway{
		Hub:      hub,
		Handler:  NewHandler(hub, log),
		Notifier: NewNotifier(hub, log),
		logger:   log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// SetupRoutes adds the WebSocket endpoint to the Gin engine. /ws is the
// only path that upgrades; an upgrade attempt anywhere else gets its TCP
// socket destroyed so misconfigured clients fail fast instead of waiting
// on an HTTP error they will not parse.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
	router.NoRoute(g.handleNoRoute)
}

func (g *Gateway) handleNoRoute(c *gin.Context) {
	if !isUpgradeRequest(c.Request) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	g.logger.Warn("websocket upgrade on unsupported path",
		zap.String("path", c.Request.URL.Path))
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	conn.Close()
	c.Abort()
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
