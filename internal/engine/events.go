package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType — события жизненного цикла, на которые можно подписаться через Kernel.On
type EventType string

const (
	EventPolicyCheck     EventType = "POLICY_CHECK"
	EventPolicyViolation EventType = "POLICY_VIOLATION"
	EventToolCallBlocked EventType = "TOOL_CALL_BLOCKED"
	EventCheckpoint      EventType = "CHECKPOINT_CREATED"
	EventDriftDetected   EventType = "DRIFT_DETECTED"
	EventSignalDelivered EventType = "SIGNAL_DELIVERED"
)

type Event struct {
	Type    EventType      `json:"type"`
	AgentID string         `json:"agent_id"`
	Tool    string         `json:"tool,omitempty"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

// eventBus — синхронная доставка после снятия всех блокировок ядра
type eventBus struct {
	mu     sync.RWMutex
	hooks  map[EventType][]func(Event)
	logger *zap.Logger
}

func newEventBus(logger *zap.Logger) *eventBus {
	return &eventBus{hooks: make(map[EventType][]func(Event)), logger: logger}
}

func (b *eventBus) on(t EventType, fn func(Event)) {
	b.mu.Lock()
	b.hooks[t] = append(b.hooks[t], fn)
	b.mu.Unlock()
}

func (b *eventBus) emit(e Event) {
	b.mu.RLock()
	hs := slices.Clone(b.hooks[e.Type])
	b.mu.RUnlock()
	for _, fn := range hs {
		b.call(fn, e)
	}
}

func (b *eventBus) call(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event hook panicked",
				zap.String("event", string(e.Type)),
				zap.String("agent_id", e.AgentID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(e)
}
