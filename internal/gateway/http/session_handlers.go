package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/gateway/websocket"
	"github.com/in-the-loop-labs/pairreview/internal/session"
	"github.com/in-the-loop-labs/pairreview/internal/session/store"
)

type createSessionRequest struct {
	ReviewID       int64  `json:"review_id"`
	ProviderID     string `json:"provider_id"`
	ModelID        string `json:"model_id,omitempty"`
	ContextItemID  *int64 `json:"context_item_id,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	InitialContext string `json:"initial_context,omitempty"`
}

type sendMessageRequest struct {
	Text              string                 `json:"text"`
	PerMessageContext string                 `json:"per_message_context,omitempty"`
	StructuredContext []string               `json:"structured_context,omitempty"`
	Action            *session.ActionContext `json:"action,omitempty"`
}

type resumeSessionRequest struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	Cwd          string `json:"cwd,omitempty"`
}

type saveContextRequest struct {
	Content string `json:"content"`
}

// sessionResponse is a session row plus whether a bridge is currently live
// for it in this process.
type sessionResponse struct {
	*store.Session
	Live bool `json:"live"`
}

type listSessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

type listMessagesResponse struct {
	Messages []*store.Message `json:"messages"`
	Total    int              `json:"total"`
}

// sessionID parses the :id path parameter. On failure it writes the 400 and
// the caller just returns.
func (h *Handlers) sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

func (h *Handlers) createSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	id, err := h.manager.Create(c.Request.Context(), session.CreateParams{
		ReviewID:       body.ReviewID,
		ProviderID:     body.ProviderID,
		ModelID:        body.ModelID,
		ContextItemID:  body.ContextItemID,
		SystemPrompt:   body.SystemPrompt,
		Cwd:            body.Cwd,
		InitialContext: body.InitialContext,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.attachNotifier(id)

	h.respondSession(c, id)
}

func (h *Handlers) getSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	h.respondSession(c, id)
}

func (h *Handlers) listSessions(c *gin.Context) {
	reviewID, err := strconv.ParseInt(c.Query("review_id"), 10, 64)
	if err != nil || reviewID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "review_id query parameter is required"})
		return
	}

	rows, err := h.manager.ListSessions(c.Request.Context(), reviewID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	sessions := make([]sessionResponse, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, sessionResponse{Session: row, Live: h.manager.IsLive(row.ID)})
	}
	c.JSON(http.StatusOK, listSessionsResponse{Sessions: sessions, Total: len(sessions)})
}

func (h *Handlers) listMessages(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	messages, err := h.manager.ListMessages(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, listMessagesResponse{Messages: messages, Total: len(messages)})
}

func (h *Handlers) sendMessage(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	messageID, err := h.manager.Send(c.Request.Context(), id, session.SendParams{
		Text:              body.Text,
		PerMessageContext: body.PerMessageContext,
		StructuredContext: body.StructuredContext,
		ActionContext:     body.Action,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": messageID})
}

func (h *Handlers) abortSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	if _, err := h.manager.GetSession(c.Request.Context(), id); err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.manager.Abort(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) resumeSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	// The body is optional; resume works with stored state alone.
	var body resumeSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	resumedID, err := h.manager.Resume(c.Request.Context(), id, body.SystemPrompt, body.Cwd)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.attachNotifier(resumedID)

	h.respondSession(c, resumedID)
}

func (h *Handlers) saveContext(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	var body saveContextRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	messageID, err := h.manager.SaveContext(c.Request.Context(), id, body.Content)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": messageID})
}

func (h *Handlers) closeSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	if err := h.manager.Close(c.Request.Context(), id); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// respondSession writes the current row for a session with its live flag.
func (h *Handlers) respondSession(c *gin.Context, id int64) {
	row, err := h.manager.GetSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: row, Live: h.manager.IsLive(id)})
}

// attachNotifier forwards the session's event stream onto its WebSocket
// topic. Attach failure is not fatal to the request; the session runs, the
// UI just gets no live stream.
func (h *Handlers) attachNotifier(id int64) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Attach(h.manager, id); err != nil {
		h.logger.Warn("failed to attach stream notifier",
			zap.Int64("session_id", id), zap.Error(err))
	}
}

var _ websocket.SessionEvents = (*session.Manager)(nil)
