// Package http exposes the session manager as a small REST surface for the
// workstation UI. Streaming output does not flow through here; clients get
// it over the WebSocket gateway.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/agent/provider"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
	"github.com/in-the-loop-labs/pairreview/internal/gateway/websocket"
	"github.com/in-the-loop-labs/pairreview/internal/session"
)

// Handlers bundles the REST facade's dependencies.
type Handlers struct {
	manager  *session.Manager
	registry *provider.Registry
	prober   *provider.Prober
	notifier *websocket.Notifier
	logger   *logger.Logger
}

// NewHandlers creates the facade over the session manager.
func NewHandlers(
	mgr *session.Manager,
	reg *provider.Registry,
	prober *provider.Prober,
	notifier *websocket.Notifier,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		manager:  mgr,
		registry: reg,
		prober:   prober,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "http-gateway")),
	}
}

// RegisterRoutes attaches every REST route to the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	api.GET("/providers", h.listProviders)
	api.POST("/providers/check", h.checkProviders)

	sessions := api.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("", h.listSessions)
	sessions.GET("/:id", h.getSession)
	sessions.DELETE("/:id", h.closeSession)
	sessions.GET("/:id/messages", h.listMessages)
	sessions.POST("/:id/messages", h.sendMessage)
	sessions.POST("/:id/abort", h.abortSession)
	sessions.POST("/:id/resume", h.resumeSession)
	sessions.POST("/:id/context", h.saveContext)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
