package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/agent/bridge"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// Session pairs a persisted session row with its live bridge. It is a
// passive state holder operated on by the manager and by bridge callbacks;
// it runs no goroutine of its own.
type Session struct {
	ID         int64
	ReviewID   int64
	ProviderID string
	ModelID    string
	Bridge     bridge.Bridge
	CreatedAt  time.Time

	logger *logger.Logger

	// sendMu serializes Send for this session so the busy check, the
	// persist and the bridge write act as one step.
	sendMu sync.Mutex

	mu             sync.Mutex
	initialContext string // consumed by the first successful send
	completeSubs   []*completeSub
}

// completeSub mirrors the bridge stream's snapshot semantics: removal marks
// the entry so an emission in flight skips it.
type completeSub struct {
	fn      func(fullText string, messageID int64)
	removed bool
}

func newSession(id, reviewID int64, providerID, modelID string, b bridge.Bridge, initialContext string, log *logger.Logger) *Session {
	return &Session{
		ID:             id,
		ReviewID:       reviewID,
		ProviderID:     providerID,
		ModelID:        modelID,
		Bridge:         b,
		CreatedAt:      time.Now().UTC(),
		logger:         log,
		initialContext: initialContext,
	}
}

// peekInitialContext returns the pending initial context without consuming
// it. clearInitialContext commits the consumption once the bridge accepted
// the send.
func (s *Session) peekInitialContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialContext
}

func (s *Session) clearInitialContext() {
	s.mu.Lock()
	s.initialContext = ""
	s.mu.Unlock()
}

// subscribeComplete registers a completion callback. Complete subscribers
// get the persisted assistant message id alongside the full text, which the
// raw bridge event does not carry.
func (s *Session) subscribeComplete(fn func(fullText string, messageID int64)) func() {
	sub := &completeSub{fn: fn}
	s.mu.Lock()
	s.completeSubs = append(s.completeSubs, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub.removed {
			return
		}
		sub.removed = true
		for i, cur := range s.completeSubs {
			if cur == sub {
				s.completeSubs = append(s.completeSubs[:i], s.completeSubs[i+1:]...)
				break
			}
		}
	}
}

func (s *Session) notifyComplete(fullText string, messageID int64) {
	s.mu.Lock()
	snapshot := make([]*completeSub, len(s.completeSubs))
	copy(snapshot, s.completeSubs)
	s.mu.Unlock()

	for _, sub := range snapshot {
		s.mu.Lock()
		skip := sub.removed
		s.mu.Unlock()
		if skip {
			continue
		}
		s.invokeComplete(sub, fullText, messageID)
	}
}

func (s *Session) invokeComplete(sub *completeSub, fullText string, messageID int64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("complete subscriber panicked",
				zap.Int64("session_id", s.ID),
				zap.Any("panic", r))
		}
	}()
	sub.fn(fullText, messageID)
}
