// Package session hosts persistent agent chat sessions. The Manager is the
// single entry point for external callers: it owns the live-session map,
// the persistence store handle and the provider registry, and it wires
// bridge events into persistence and subscriber fan-out.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/in-the-loop-labs/pairreview/internal/agent/bridge"
	"github.com/in-the-loop-labs/pairreview/internal/agent/provider"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
	"github.com/in-the-loop-labs/pairreview/internal/common/tracing"
	"github.com/in-the-loop-labs/pairreview/internal/events"
	"github.com/in-the-loop-labs/pairreview/internal/events/bus"
	"github.com/in-the-loop-labs/pairreview/internal/session/store"
)

// BridgeFactory builds a bridge for a protocol kind. Swapped out in tests.
type BridgeFactory func(kind string, opts bridge.Options) (bridge.Bridge, error)

// Manager owns every live session. All mutation of the live map happens
// here; sessions themselves are passive.
type Manager struct {
	store      *store.Repository
	registry   *provider.Registry
	bus        bus.EventBus
	logger     *logger.Logger
	tracer     trace.Tracer
	newBridge  BridgeFactory
	defaultCwd string

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewManager builds the manager and recovers persisted state: any session
// still marked active belongs to a previous process and is transitioned to
// closed before the manager accepts calls.
func NewManager(ctx context.Context, repo *store.Repository, registry *provider.Registry, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		store:     repo,
		registry:  registry,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		tracer:    tracing.Tracer("pairreview-session"),
		newBridge: bridge.New,
		sessions:  make(map[int64]*Session),
	}

	n, err := repo.CloseOrphanedActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover orphaned sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info("closed orphaned sessions from previous run", zap.Int64("count", n))
	}
	return m, nil
}

// SetBridgeFactory replaces how bridges are spawned. Call before the first
// Create; tests use it to substitute in-process fakes.
func (m *Manager) SetBridgeFactory(f BridgeFactory) {
	m.newBridge = f
}

// SetDefaultCwd sets the working directory given to spawned agents when a
// session does not name one.
func (m *Manager) SetDefaultCwd(dir string) {
	m.defaultCwd = dir
}

// cwdOrDefault falls back to the configured default working directory.
func (m *Manager) cwdOrDefault(cwd string) string {
	if cwd == "" {
		return m.defaultCwd
	}
	return cwd
}

// CreateParams are the inputs to Create. ReviewID and ProviderID are
// required; everything else is optional.
type CreateParams struct {
	ReviewID       int64
	ProviderID     string
	ModelID        string
	ContextItemID  *int64
	SystemPrompt   string
	Cwd            string
	InitialContext string
}

// Create persists a new active session, spawns its bridge and returns the
// session id. A start failure transitions the row to error and leaves no
// live session behind.
func (m *Manager) Create(ctx context.Context, p CreateParams) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "session.create")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("review_id", p.ReviewID),
		attribute.String("provider_id", p.ProviderID),
	)

	if p.ReviewID == 0 || p.ProviderID == "" {
		return 0, fmt.Errorf("%w: review_id and provider_id are required", ErrBadRequest)
	}
	prov := m.registry.Get(p.ProviderID)
	if prov == nil {
		return 0, fmt.Errorf("%w: unknown provider %q", ErrBadRequest, p.ProviderID)
	}

	row := &store.Session{
		ReviewID:      p.ReviewID,
		ContextItemID: p.ContextItemID,
		ProviderID:    p.ProviderID,
		ModelID:       p.ModelID,
		Status:        store.StatusActive,
	}
	if err := m.store.CreateSession(ctx, row); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	b, err := m.newBridge(prov.Kind, bridge.Options{
		Command:      prov.Command,
		Args:         append([]string{}, prov.Args...),
		Env:          prov.Env,
		Cwd:          m.cwdOrDefault(p.Cwd),
		SystemPrompt: p.SystemPrompt,
		Logger:       m.logger,
	})
	if err != nil {
		m.failSession(ctx, row.ID, err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	s := newSession(row.ID, p.ReviewID, p.ProviderID, p.ModelID, b, p.InitialContext, m.logger)
	m.installHandlers(s)

	m.mu.Lock()
	m.sessions[row.ID] = s
	m.mu.Unlock()

	if err := b.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, row.ID)
		m.mu.Unlock()
		m.failSession(ctx, row.ID, err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	m.publish(ctx, events.SessionCreated, map[string]interface{}{
		"session_id":  row.ID,
		"review_id":   p.ReviewID,
		"provider_id": p.ProviderID,
	})
	m.logger.Info("session created",
		zap.Int64("session_id", row.ID),
		zap.Int64("review_id", p.ReviewID),
		zap.String("provider_id", p.ProviderID))
	return row.ID, nil
}

// SendParams are the inputs to Send. Text is required. StructuredContext
// items are persisted as context rows; PerMessageContext rides along in the
// outgoing frame only.
type SendParams struct {
	Text              string
	PerMessageContext string
	StructuredContext []string
	ActionContext     *ActionContext
}

// Send starts one turn: it validates the session is live, ready and idle,
// persists the context rows and the user message in one transaction, and
// hands the composed text to the bridge. It returns the persisted user
// message id; the turn itself completes later through the event stream.
func (m *Manager) Send(ctx context.Context, sessionID int64, p SendParams) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "session.send")
	defer span.End()
	span.SetAttributes(attribute.Int64("session_id", sessionID))

	if strings.TrimSpace(p.Text) == "" {
		return 0, fmt.Errorf("%w: message text is required", ErrBadRequest)
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.Bridge.IsReady() {
		return 0, fmt.Errorf("%w: session %d", ErrNotReady, sessionID)
	}
	if s.Bridge.IsBusy() {
		return 0, fmt.Errorf("%w: session %d", ErrBusy, sessionID)
	}

	composed := composeOutgoing(s.peekInitialContext(), p.PerMessageContext, p.Text, p.ActionContext)

	userMsg, err := m.store.CreateUserTurn(ctx, sessionID, p.StructuredContext, p.Text)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if err := s.Bridge.Send(composed); err != nil {
		// The user message is already durable; the turn never started and
		// the bridge stays idle.
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	s.clearInitialContext()

	m.logger.Debug("turn started",
		zap.Int64("session_id", sessionID),
		zap.Int64("message_id", userMsg.ID))
	return userMsg.ID, nil
}

// Abort cancels the active turn best-effort. Absent sessions are a no-op;
// turn completion is still signalled through the normal event stream.
func (m *Manager) Abort(sessionID int64) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Bridge.Abort()
	m.logger.Debug("abort requested", zap.Int64("session_id", sessionID))
}

// Close removes the session from the live map first, then terminates the
// bridge, then marks the row closed. Idempotent: closing an absent session
// returns nil.
func (m *Manager) Close(ctx context.Context, sessionID int64) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.Bridge.Close()

	if err := m.store.UpdateSessionStatus(ctx, sessionID, store.StatusClosed); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	m.publish(ctx, events.SessionClosed, map[string]interface{}{
		"session_id": sessionID,
		"reason":     "closed",
	})
	m.logger.Info("session closed", zap.Int64("session_id", sessionID))
	return nil
}

// Resume rehydrates a persisted session by spawning a bridge configured to
// adopt the stored agent handle. Resuming an already-live session is a
// no-op that returns its id.
func (m *Manager) Resume(ctx context.Context, sessionID int64, systemPrompt, cwd string) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "session.resume")
	defer span.End()
	span.SetAttributes(attribute.Int64("session_id", sessionID))

	m.mu.Lock()
	_, live := m.sessions[sessionID]
	m.mu.Unlock()
	if live {
		return sessionID, nil
	}

	row, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
		}
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if row.AgentHandle == "" {
		return 0, fmt.Errorf("%w: session %d has no agent handle to resume", ErrBadRequest, sessionID)
	}
	prov := m.registry.Get(row.ProviderID)
	if prov == nil {
		return 0, fmt.Errorf("%w: unknown provider %q", ErrBadRequest, row.ProviderID)
	}

	b, err := m.newBridge(prov.Kind, bridge.Options{
		Command:      prov.Command,
		Args:         append([]string{}, prov.Args...),
		Env:          prov.Env,
		Cwd:          m.cwdOrDefault(cwd),
		SystemPrompt: systemPrompt,
		ResumeHandle: row.AgentHandle,
		Logger:       m.logger,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	s := newSession(sessionID, row.ReviewID, row.ProviderID, row.ModelID, b, "", m.logger)
	m.installHandlers(s)

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		// Lost a resume race; the winner's bridge is live.
		m.mu.Unlock()
		b.Close()
		return sessionID, nil
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if err := b.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	if err := m.store.UpdateSessionStatus(ctx, sessionID, store.StatusActive); err != nil {
		m.logger.Warn("failed to mark resumed session active",
			zap.Int64("session_id", sessionID), zap.Error(err))
	}
	m.publish(ctx, events.SessionResumed, map[string]interface{}{
		"session_id":  sessionID,
		"provider_id": row.ProviderID,
	})
	m.logger.Info("session resumed",
		zap.Int64("session_id", sessionID),
		zap.String("provider_id", row.ProviderID))
	return sessionID, nil
}

// SaveContext persists a context row without a user message, for context
// the UI attaches outside a turn. Returns the new message id.
func (m *Manager) SaveContext(ctx context.Context, sessionID int64, contextData string) (int64, error) {
	if strings.TrimSpace(contextData) == "" {
		return 0, fmt.Errorf("%w: context data is required", ErrBadRequest)
	}
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
		}
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	msg := &store.Message{
		SessionID: sessionID,
		Role:      store.RoleUser,
		Type:      store.TypeContext,
		Content:   contextData,
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return msg.ID, nil
}

// GetSession returns the persisted session row.
func (m *Manager) GetSession(ctx context.Context, sessionID int64) (*store.Session, error) {
	row, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return row, nil
}

// ListSessions returns the persisted sessions of a review.
func (m *Manager) ListSessions(ctx context.Context, reviewID int64) ([]*store.Session, error) {
	sessions, err := m.store.ListSessions(ctx, reviewID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return sessions, nil
}

// ListMessages returns a session's full history in conversation order.
func (m *Manager) ListMessages(ctx context.Context, sessionID int64) ([]*store.Message, error) {
	if _, err := m.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	messages, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return messages, nil
}

// IsLive reports whether the session currently has an in-memory bridge.
func (m *Manager) IsLive(sessionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// CloseAll closes every live session concurrently. Used at shutdown; the
// bridges' kill grace bounds how long this can take.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Close(ctx, id)
		})
	}
	return g.Wait()
}

// OnDelta subscribes to streamed text fragments for a live session.
func (m *Manager) OnDelta(sessionID int64, fn func(text string)) (func(), error) {
	s, err := m.live(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Bridge.Events().Subscribe(bridge.KindDelta, func(e *bridge.Event) {
		fn(e.Text)
	}), nil
}

// OnComplete subscribes to turn completions. Callbacks receive the full
// turn text and the persisted assistant message id.
func (m *Manager) OnComplete(sessionID int64, fn func(fullText string, messageID int64)) (func(), error) {
	s, err := m.live(sessionID)
	if err != nil {
		return nil, err
	}
	return s.subscribeComplete(fn), nil
}

// OnTool subscribes to tool execution events for a live session.
func (m *Manager) OnTool(sessionID int64, fn func(tool *bridge.ToolInfo)) (func(), error) {
	s, err := m.live(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Bridge.Events().Subscribe(bridge.KindTool, func(e *bridge.Event) {
		fn(e.Tool)
	}), nil
}

// OnStatus subscribes to agent status changes for a live session.
func (m *Manager) OnStatus(sessionID int64, fn func(status string)) (func(), error) {
	s, err := m.live(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Bridge.Events().Subscribe(bridge.KindStatus, func(e *bridge.Event) {
		fn(e.Status)
	}), nil
}

// OnError subscribes to turn-level and process-level errors for a live
// session.
func (m *Manager) OnError(sessionID int64, fn func(err error)) (func(), error) {
	s, err := m.live(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Bridge.Events().Subscribe(bridge.KindError, func(e *bridge.Event) {
		fn(e.Err)
	}), nil
}

func (m *Manager) live(sessionID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
	}
	return s, nil
}

// installHandlers wires bridge events into persistence and fan-out. The
// handlers run on the bridge's reader goroutine.
func (m *Manager) installHandlers(s *Session) {
	ev := s.Bridge.Events()

	ev.Subscribe(bridge.KindComplete, func(e *bridge.Event) {
		m.handleComplete(s, e.FullText)
	})
	ev.Subscribe(bridge.KindClose, func(e *bridge.Event) {
		m.handleBridgeClosed(s)
	})
	ev.Subscribe(bridge.KindSession, func(e *bridge.Event) {
		m.handleAgentHandle(s, e.Handle)
	})
}

func (m *Manager) handleComplete(s *Session, fullText string) {
	ctx := context.Background()
	msg := &store.Message{
		SessionID: s.ID,
		Role:      store.RoleAssistant,
		Type:      store.TypeMessage,
		Content:   fullText,
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		// Subscribers still get the streamed text; the row is gone but the
		// turn is not.
		m.logger.Error("failed to persist assistant message",
			zap.Int64("session_id", s.ID), zap.Error(err))
	}

	s.notifyComplete(fullText, msg.ID)

	m.publish(ctx, events.TurnCompleted, map[string]interface{}{
		"session_id": s.ID,
		"message_id": msg.ID,
	})
}

// handleBridgeClosed reacts to the bridge's final close event. A graceful
// Close already removed the session from the live map, so reaching a live
// entry here means the agent process ended on its own.
func (m *Manager) handleBridgeClosed(s *Session) {
	m.mu.Lock()
	// Pointer identity guards against a resumed session under the same id:
	// the old bridge's close must not evict the new one.
	live := m.sessions[s.ID] == s
	if live {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
	if !live {
		return
	}

	ctx := context.Background()
	if err := m.store.UpdateSessionStatus(ctx, s.ID, store.StatusClosed); err != nil {
		m.logger.Warn("failed to mark session closed",
			zap.Int64("session_id", s.ID), zap.Error(err))
	}

	m.logger.Warn("agent process ended unexpectedly", zap.Int64("session_id", s.ID))
	s.Bridge.Events().Emit(&bridge.Event{
		Kind: bridge.KindError,
		Err:  errors.New("Agent process ended unexpectedly"),
	})

	m.publish(ctx, events.SessionClosed, map[string]interface{}{
		"session_id": s.ID,
		"reason":     "agent exited",
	})
}

func (m *Manager) handleAgentHandle(s *Session, handle string) {
	if handle == "" {
		return
	}
	if err := m.store.UpdateSessionAgentHandle(context.Background(), s.ID, handle); err != nil {
		m.logger.Warn("failed to persist agent handle",
			zap.Int64("session_id", s.ID), zap.Error(err))
	}
}

func (m *Manager) failSession(ctx context.Context, id int64, cause error) {
	if err := m.store.UpdateSessionStatus(ctx, id, store.StatusError); err != nil {
		m.logger.Warn("failed to mark session errored",
			zap.Int64("session_id", id), zap.Error(err))
	}
	m.publish(ctx, events.SessionErrored, map[string]interface{}{
		"session_id": id,
		"reason":     cause.Error(),
	})
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, eventType, bus.NewEvent(eventType, events.Source, data))
}
