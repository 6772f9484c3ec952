package observability

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ControllerEvent is an event on the controller bus: an agent notification
// re-labeled with the agent it came from, or a controller-local change.
// AgentID is empty for controller-local events.
type ControllerEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	AgentID   string          `json:"compute_id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Event     json.RawMessage `json:"event"`
}

// EventBus fans controller events out to subscribers (UI sessions, tests).
// A bounded backlog is kept so a late subscriber can inspect recent history.
type EventBus struct {
	logger  *zap.Logger
	maxSize int

	mu       sync.RWMutex
	backlog  []ControllerEvent
	watchers map[chan ControllerEvent]struct{}
}

// NewEventBus creates an event bus keeping at most maxSize past events.
func NewEventBus(maxSize int, logger *zap.Logger) *EventBus {
	if maxSize == 0 {
		maxSize = 10000
	}
	return &EventBus{
		logger:   logger,
		maxSize:  maxSize,
		backlog:  make([]ControllerEvent, 0, 64),
		watchers: make(map[chan ControllerEvent]struct{}),
	}
}

// Publish records an event and notifies subscribers. Slow subscribers are
// skipped rather than allowed to block the publisher.
func (b *EventBus) Publish(event ControllerEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.backlog = append(b.backlog, event)
	if len(b.backlog) > b.maxSize {
		b.backlog = b.backlog[len(b.backlog)-b.maxSize:]
	}

	b.logger.Debug("Event published",
		zap.String("action", event.Action),
		zap.String("agent_id", event.AgentID),
		zap.String("project_id", event.ProjectID),
	)

	for ch := range b.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Watch creates a channel that receives subsequent events.
func (b *EventBus) Watch() chan ControllerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ControllerEvent, 128)
	b.watchers[ch] = struct{}{}
	return ch
}

// Unwatch removes a watcher channel.
func (b *EventBus) Unwatch(ch chan ControllerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watchers[ch]; ok {
		delete(b.watchers, ch)
		close(ch)
	}
}

// Recent returns up to n most recent events, newest last.
func (b *EventBus) Recent(n int) []ControllerEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.backlog) {
		n = len(b.backlog)
	}
	out := make([]ControllerEvent, n)
	copy(out, b.backlog[len(b.backlog)-n:])
	return out
}
