package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// EventStream is the per-bridge observer set. Callbacks registered for a
// kind run in registration order on the goroutine that produced the event,
// so subscribers see deltas in exactly the order the agent wrote them.
type EventStream struct {
	logger *logger.Logger

	mu   sync.Mutex
	subs map[Kind][]*subscriber
}

type subscriber struct {
	fn      func(*Event)
	removed bool // guarded by the stream mutex
}

// NewEventStream creates an empty event stream.
func NewEventStream(log *logger.Logger) *EventStream {
	return &EventStream{
		logger: log,
		subs:   make(map[Kind][]*subscriber),
	}
}

// Subscribe registers fn for events of the given kind and returns an
// unsubscribe closure. Unsubscribing is safe from inside any callback,
// including fn itself; a subscriber removed mid-emission is skipped for
// the event being dispatched.
func (s *EventStream) Subscribe(kind Kind, fn func(*Event)) func() {
	sub := &subscriber{fn: fn}
	s.mu.Lock()
	s.subs[kind] = append(s.subs[kind], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub.removed {
			return
		}
		sub.removed = true
		list := s.subs[kind]
		for i, cur := range list {
			if cur == sub {
				s.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Emit invokes every subscriber registered for ev.Kind on the calling
// goroutine. A panicking callback is logged and does not stop delivery to
// the remaining subscribers.
func (s *EventStream) Emit(ev *Event) {
	s.mu.Lock()
	list := s.subs[ev.Kind]
	snapshot := make([]*subscriber, len(list))
	copy(snapshot, list)
	s.mu.Unlock()

	for _, sub := range snapshot {
		s.mu.Lock()
		skip := sub.removed
		s.mu.Unlock()
		if skip {
			continue
		}
		s.invoke(sub, ev)
	}
}

func (s *EventStream) invoke(sub *subscriber, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event subscriber panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()
	sub.fn(ev)
}
