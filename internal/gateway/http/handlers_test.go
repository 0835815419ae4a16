package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/in-the-loop-labs/pairreview/internal/agent/bridge"
	"github.com/in-the-loop-labs/pairreview/internal/agent/provider"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
	"github.com/in-the-loop-labs/pairreview/internal/db"
	"github.com/in-the-loop-labs/pairreview/internal/gateway/websocket"
	"github.com/in-the-loop-labs/pairreview/internal/session"
	"github.com/in-the-loop-labs/pairreview/internal/session/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeBridge records sends and lets tests drive the event flow.
type fakeBridge struct {
	opts   bridge.Options
	events *bridge.EventStream

	mu     sync.Mutex
	ready  bool
	busy   bool
	aborts int
	sends  []string
}

func (f *fakeBridge) Start(ctx context.Context) error {
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBridge) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return bridge.ErrNotReady
	}
	if f.busy {
		return bridge.ErrBusy
	}
	f.busy = true
	f.sends = append(f.sends, text)
	return nil
}

func (f *fakeBridge) Abort() {
	f.mu.Lock()
	f.aborts++
	f.mu.Unlock()
}

func (f *fakeBridge) Close() {
	f.mu.Lock()
	f.ready = false
	f.mu.Unlock()
	f.events.Emit(&bridge.Event{Kind: bridge.KindClose})
}

func (f *fakeBridge) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeBridge) IsBusy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeBridge) Events() *bridge.EventStream { return f.events }

func (f *fakeBridge) completeTurn(fullText string) {
	f.mu.Lock()
	f.busy = false
	f.mu.Unlock()
	f.events.Emit(&bridge.Event{Kind: bridge.KindComplete, FullText: fullText})
}

func (f *fakeBridge) emitHandle(handle string) {
	f.events.Emit(&bridge.Event{Kind: bridge.KindSession, Handle: handle})
}

func (f *fakeBridge) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

type fakeFactory struct {
	mu      sync.Mutex
	bridges []*fakeBridge
}

func (ff *fakeFactory) make(kind string, opts bridge.Options) (bridge.Bridge, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	fb := &fakeBridge{opts: opts, events: bridge.NewEventStream(opts.Logger)}
	ff.bridges = append(ff.bridges, fb)
	return fb, nil
}

func (ff *fakeFactory) bridge(i int) *fakeBridge {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.bridges[i]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.bridges)
}

type fixture struct {
	router  *gin.Engine
	factory *fakeFactory
	manager *session.Manager
}

// newFixture builds the whole stack: sqlite store, registry, manager with
// fake bridges, running websocket hub, and the REST routes.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger(t)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	repo, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	registry, err := provider.NewRegistry(log)
	require.NoError(t, err)

	mgr, err := session.NewManager(context.Background(), repo, registry, nil, log)
	require.NoError(t, err)
	ff := &fakeFactory{}
	mgr.SetBridgeFactory(ff.make)
	t.Cleanup(func() { _ = mgr.CloseAll(context.Background()) })

	gw := websocket.NewGateway(log)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Hub.Run(ctx)
	t.Cleanup(cancel)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewHandlers(mgr, registry, provider.NewProber(registry, log), gw.Notifier, log)
	h.RegisterRoutes(router)

	return &fixture{router: router, factory: ff, manager: mgr}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(buf).Encode(body))
		reader = buf
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "body: %s", w.Body.String())
}

type sessionBody struct {
	ID          int64  `json:"id"`
	ReviewID    int64  `json:"review_id"`
	ProviderID  string `json:"provider_id"`
	Status      string `json:"status"`
	AgentHandle string `json:"agent_handle"`
	Live        bool   `json:"live"`
}

func (f *fixture) createSession(t *testing.T, reviewID int64) int64 {
	t.Helper()
	w := f.do(t, "POST", "/api/v1/sessions", map[string]interface{}{
		"review_id":   reviewID,
		"provider_id": "claude-code",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp sessionBody
	decode(t, w, &resp)
	require.NotZero(t, resp.ID)
	require.True(t, resp.Live)
	return resp.ID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateSendAndListMessages(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, 1)

	w := f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/messages", id), map[string]interface{}{
		"text": "Hi",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sendResp struct {
		MessageID int64 `json:"message_id"`
	}
	decode(t, w, &sendResp)
	assert.NotZero(t, sendResp.MessageID)
	assert.Equal(t, []string{"Hi"}, f.factory.bridge(0).sends)

	f.factory.bridge(0).completeTurn("Hello!")

	w = f.do(t, "GET", fmt.Sprintf("/api/v1/sessions/%d/messages", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Messages []struct {
			Role    string `json:"role"`
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"messages"`
		Total int `json:"total"`
	}
	decode(t, w, &listResp)
	require.Equal(t, 2, listResp.Total)
	assert.Equal(t, "user", listResp.Messages[0].Role)
	assert.Equal(t, "Hi", listResp.Messages[0].Content)
	assert.Equal(t, "assistant", listResp.Messages[1].Role)
	assert.Equal(t, "Hello!", listResp.Messages[1].Content)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/v1/sessions", map[string]interface{}{"review_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing provider_id")

	w = f.do(t, "POST", "/api/v1/sessions", map[string]interface{}{
		"review_id":   1,
		"provider_id": "no-such-agent",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown provider")

	req := httptest.NewRequest("POST", "/api/v1/sessions", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code, "malformed body")
}

func TestSendErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/v1/sessions/424242/messages", map[string]interface{}{"text": "Hi"})
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown session")

	w = f.do(t, "POST", "/api/v1/sessions/abc/messages", map[string]interface{}{"text": "Hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "non-numeric id")

	id := f.createSession(t, 1)

	w = f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/messages", id), map[string]interface{}{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code, "blank text")

	// First send occupies the turn; the second conflicts.
	w = f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/messages", id), map[string]interface{}{"text": "one"})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/messages", id), map[string]interface{}{"text": "two"})
	assert.Equal(t, http.StatusConflict, w.Code, "busy session")
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "review_id required")

	f.createSession(t, 7)
	f.createSession(t, 7)
	f.createSession(t, 8)

	w = f.do(t, "GET", "/api/v1/sessions?review_id=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Sessions []sessionBody `json:"sessions"`
		Total    int           `json:"total"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.Total)
	for _, s := range resp.Sessions {
		assert.Equal(t, int64(7), s.ReviewID)
		assert.True(t, s.Live)
	}
}

func TestGetSession(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, 3)

	w := f.do(t, "GET", fmt.Sprintf("/api/v1/sessions/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp sessionBody
	decode(t, w, &resp)
	assert.Equal(t, id, resp.ID)
	assert.Equal(t, "active", resp.Status)
	assert.True(t, resp.Live)

	w = f.do(t, "GET", "/api/v1/sessions/424242", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAbortSession(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, 1)

	w := f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/abort", id), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.factory.bridge(0).abortCount())

	w = f.do(t, "POST", "/api/v1/sessions/424242/abort", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaveContext(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, 1)

	w := f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/context", id), map[string]interface{}{
		"content": "reviewed diff of auth.go",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	decode(t, w, &resp)
	assert.NotZero(t, resp.MessageID)

	w = f.do(t, "GET", fmt.Sprintf("/api/v1/sessions/%d/messages", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Messages []struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	decode(t, w, &listResp)
	require.Len(t, listResp.Messages, 1)
	assert.Equal(t, "context", listResp.Messages[0].Type)

	w = f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/context", id), map[string]interface{}{
		"content": "",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "blank context")
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, 1)

	w := f.do(t, "DELETE", fmt.Sprintf("/api/v1/sessions/%d", id), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "GET", fmt.Sprintf("/api/v1/sessions/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp sessionBody
	decode(t, w, &resp)
	assert.Equal(t, "closed", resp.Status)
	assert.False(t, resp.Live)

	w = f.do(t, "DELETE", fmt.Sprintf("/api/v1/sessions/%d", id), nil)
	assert.Equal(t, http.StatusOK, w.Code, "second close")
}

func TestResumeSession(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, 1)

	f.factory.bridge(0).emitHandle("thread-42")

	w := f.do(t, "DELETE", fmt.Sprintf("/api/v1/sessions/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Resume without a body: stored state is enough.
	w = f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/resume", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp sessionBody
	decode(t, w, &resp)
	assert.Equal(t, "active", resp.Status)
	assert.True(t, resp.Live)

	require.Equal(t, 2, f.factory.count())
	assert.Equal(t, "thread-42", f.factory.bridge(1).opts.ResumeHandle)
}

func TestResumeErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/v1/sessions/424242/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown session")

	// A session that never reported a handle cannot be resumed.
	id := f.createSession(t, 1)
	w = f.do(t, "DELETE", fmt.Sprintf("/api/v1/sessions/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, "POST", fmt.Sprintf("/api/v1/sessions/%d/resume", id), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no agent handle")
}

func TestListProviders(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Providers []struct {
			ID           string                 `json:"id"`
			Kind         string                 `json:"kind"`
			Availability *provider.Availability `json:"availability"`
		} `json:"providers"`
		Total int `json:"total"`
	}
	decode(t, w, &resp)
	require.Equal(t, 3, resp.Total)
	assert.Equal(t, "amp", resp.Providers[0].ID)
	assert.Equal(t, "claude-code", resp.Providers[1].ID)
	assert.Equal(t, "codex", resp.Providers[2].ID)
	for _, p := range resp.Providers {
		assert.Nil(t, p.Availability, "no probe has run yet")
	}
}

func TestCheckProviders(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/v1/providers/check", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Providers []struct {
			ID           string                 `json:"id"`
			Availability *provider.Availability `json:"availability"`
		} `json:"providers"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Providers, 3)
	for _, p := range resp.Providers {
		require.NotNil(t, p.Availability, "probe result for %s", p.ID)
		assert.Equal(t, p.ID, p.Availability.ProviderID)
		assert.False(t, p.Availability.CheckedAt.IsZero())
	}

	// The cache now serves the plain listing too.
	w = f.do(t, "GET", "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	for _, p := range resp.Providers {
		assert.NotNil(t, p.Availability)
	}
}
