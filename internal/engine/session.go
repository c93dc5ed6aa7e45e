package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/risk"
)

// defaultHistoryLimit — сколько последних вызовов держим в контексте агента
const defaultHistoryLimit = 1000

// Invocation — разрешенный вызов в истории сессии
type Invocation struct {
	Sequence int       `json:"sequence"`
	Tool     string    `json:"tool"`
	At       time.Time `json:"at"`
}

// ExecutionContext — состояние сессии агента. Все поля под mu.
type ExecutionContext struct {
	mu sync.Mutex

	agentID     string
	startedAt   time.Time
	callCount   int
	checkpoints []domain.Checkpoint
	history     []Invocation
	drift       risk.DriftTracker

	historyLimit int
}

// SessionSnapshot — копия контекста для API и тестов
type SessionSnapshot struct {
	AgentID     string              `json:"agent_id"`
	StartedAt   time.Time           `json:"started_at"`
	CallCount   int                 `json:"call_count"`
	Checkpoints []domain.Checkpoint `json:"checkpoints"`
	History     []Invocation        `json:"history"`
	DriftScores []float64           `json:"drift_scores,omitempty"`
	EndedAt     *time.Time          `json:"ended_at,omitempty"`
}

func newExecutionContext(agentID string, now time.Time, historyLimit int) *ExecutionContext {
	return &ExecutionContext{agentID: agentID, startedAt: now, historyLimit: historyLimit}
}

// commit фиксирует разрешенный вызов. Вызывается под mu.
// Чекпоинт выпускается только на кратных частоте значениях счетчика, 0 отключает их.
func (c *ExecutionContext) commit(tool string, frequency int, now time.Time) *domain.Checkpoint {
	c.callCount++
	c.history = append(c.history, Invocation{Sequence: c.callCount, Tool: tool, At: now})
	if c.historyLimit > 0 && len(c.history) > c.historyLimit {
		c.history = slices.Delete(c.history, 0, len(c.history)-c.historyLimit)
	}
	if frequency <= 0 || c.callCount%frequency != 0 {
		return nil
	}
	cp := domain.Checkpoint{
		Sequence:  len(c.checkpoints) + 1,
		CallCount: c.callCount,
		Tool:      tool,
		CreatedAt: now,
	}
	c.checkpoints = append(c.checkpoints, cp)
	return &cp
}

func (c *ExecutionContext) Snapshot() SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionSnapshot{
		AgentID:     c.agentID,
		StartedAt:   c.startedAt,
		CallCount:   c.callCount,
		Checkpoints: slices.Clone(c.checkpoints),
		History:     slices.Clone(c.history),
		DriftScores: c.drift.Scores(),
	}
}

// SessionStore — реестр контекстов исполнения, принадлежит экземпляру Kernel
type SessionStore struct {
	mu       sync.RWMutex
	active   map[string]*ExecutionContext
	archived map[string]SessionSnapshot

	historyLimit int
	now          func() time.Time
}

func NewSessionStore(historyLimit int, now func() time.Time) *SessionStore {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if now == nil {
		now = time.Now
	}
	return &SessionStore{
		active:       make(map[string]*ExecutionContext),
		archived:     make(map[string]SessionSnapshot),
		historyLimit: historyLimit,
		now:          now,
	}
}

// GetOrCreate лениво открывает сессию при первом вызове агента
func (s *SessionStore) GetOrCreate(agentID string) (*ExecutionContext, bool) {
	s.mu.RLock()
	c, ok := s.active[agentID]
	s.mu.RUnlock()
	if ok {
		return c, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.active[agentID]; ok {
		return c, false
	}
	c = newExecutionContext(agentID, s.now().UTC(), s.historyLimit)
	s.active[agentID] = c
	return c, true
}

func (s *SessionStore) Get(agentID string) (*ExecutionContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.active[agentID]
	return c, ok
}

// End переносит снимок сессии в архив. Повторный End возвращает false.
func (s *SessionStore) End(agentID string) (SessionSnapshot, bool) {
	s.mu.Lock()
	c, ok := s.active[agentID]
	if ok {
		delete(s.active, agentID)
	}
	s.mu.Unlock()
	if !ok {
		return SessionSnapshot{}, false
	}

	snap := c.Snapshot()
	ended := s.now().UTC()
	snap.EndedAt = &ended

	s.mu.Lock()
	s.archived[agentID] = snap
	s.mu.Unlock()
	return snap, true
}

// Archived — последняя завершенная сессия агента
func (s *SessionStore) Archived(agentID string) (SessionSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.archived[agentID]
	return snap, ok
}

// CallCounts — счетчики активных сессий для Agents()
func (s *SessionStore) CallCounts() map[string]int {
	s.mu.RLock()
	ctxs := make([]*ExecutionContext, 0, len(s.active))
	for _, c := range s.active {
		ctxs = append(ctxs, c)
	}
	s.mu.RUnlock()

	out := make(map[string]int, len(ctxs))
	for _, c := range ctxs {
		c.mu.Lock()
		out[c.agentID] = c.callCount
		c.mu.Unlock()
	}
	return out
}
