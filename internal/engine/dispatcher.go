package engine

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

// SignalHandler вызывается для перехватываемых сигналов. true подавляет встроенное действие.
type SignalHandler func(agentID string, sig domain.Signal) (suppress bool)

// Transition — смена состояния агента. Remote=true, если сигнал пришел с другого узла.
// Пустой Signal означает регистрацию нового агента.
type Transition struct {
	AgentID string            `json:"agent_id"`
	Signal  domain.Signal     `json:"signal"`
	From    domain.AgentState `json:"from"`
	To      domain.AgentState `json:"to"`
	At      time.Time         `json:"at"`
	Remote  bool              `json:"-"`
}

type agentSlot struct {
	// Коммит ALLOW держит RLock, SIGKILL берет Lock:
	// разрешение после завершения агента невозможно
	mu      sync.RWMutex
	state   domain.AgentState
	updated time.Time
}

// SignalDispatcher — таблица состояний агентов и доставка сигналов.
// Вырос из KillSwitchManager: вместо множества заблокированных агентов хранится полный автомат.
type SignalDispatcher struct {
	mu     sync.RWMutex
	agents map[string]*agentSlot

	hmu       sync.RWMutex
	handlers  map[domain.Signal][]SignalHandler
	observers []func(Transition)

	now    func() time.Time
	logger *zap.Logger
}

func NewSignalDispatcher(logger *zap.Logger) *SignalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalDispatcher{
		agents:   make(map[string]*agentSlot),
		handlers: make(map[domain.Signal][]SignalHandler),
		now:      time.Now,
		logger:   logger.Named("dispatcher"),
	}
}

// Register добавляет агента в состоянии RUNNING. Для известного агента ничего не меняет.
func (d *SignalDispatcher) Register(agentID string) domain.AgentState {
	return d.slot(agentID, true).read()
}

// Restore выставляет состояние, загруженное из хранилища (прогрев после рестарта).
// TERMINATED не откатывается.
func (d *SignalDispatcher) Restore(agentID string, state domain.AgentState) {
	s := d.slot(agentID, true)
	s.mu.Lock()
	from := s.state
	if from == domain.StateTerminated || from == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.updated = d.now().UTC()
	at := s.updated
	s.mu.Unlock()

	d.notify(Transition{AgentID: agentID, From: from, To: state, At: at, Remote: true})
}

// slot возвращает ячейку агента. Создание нового агента уходит наблюдателям
// как переход без сигнала ("" -> RUNNING).
func (d *SignalDispatcher) slot(agentID string, create bool) *agentSlot {
	d.mu.RLock()
	s, ok := d.agents[agentID]
	d.mu.RUnlock()
	if ok || !create {
		return s
	}

	d.mu.Lock()
	if s, ok := d.agents[agentID]; ok {
		d.mu.Unlock()
		return s
	}
	s = &agentSlot{state: domain.StateRunning, updated: d.now().UTC()}
	d.agents[agentID] = s
	d.mu.Unlock()

	d.notify(Transition{AgentID: agentID, To: domain.StateRunning, At: s.updated})
	return s
}

func (s *agentSlot) read() domain.AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// GetState — чистое чтение, агент не создается
func (d *SignalDispatcher) GetState(agentID string) (domain.AgentState, bool) {
	s := d.slot(agentID, false)
	if s == nil {
		return "", false
	}
	return s.read(), true
}

// Hold выполняет fn под read-блокировкой агента. Используется для коммита ALLOW.
func (d *SignalDispatcher) Hold(agentID string, fn func(state domain.AgentState)) {
	s := d.slot(agentID, true)
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
}

// RegisterHandler: для неперехватываемых и неизвестных сигналов возвращает false
func (d *SignalDispatcher) RegisterHandler(sig domain.Signal, h SignalHandler) bool {
	spec, ok := domain.SignalTable[sig]
	if !ok || !spec.Catchable || h == nil {
		return false
	}
	d.hmu.Lock()
	d.handlers[sig] = append(d.handlers[sig], h)
	d.hmu.Unlock()
	return true
}

// OnTransition подписывает наблюдателя на фактические смены состояния
func (d *SignalDispatcher) OnTransition(fn func(Transition)) {
	d.hmu.Lock()
	d.observers = append(d.observers, fn)
	d.hmu.Unlock()
}

// SendSignal доставляет сигнал. false — агент неизвестен или уже завершен.
func (d *SignalDispatcher) SendSignal(agentID string, sig domain.Signal) bool {
	return d.deliver(agentID, sig, false)
}

// ApplyRemote применяет сигнал, пришедший с другого узла.
// Неизвестный агент регистрируется, чтобы состояние дождалось его первого вызова.
func (d *SignalDispatcher) ApplyRemote(agentID string, sig domain.Signal) bool {
	d.Register(agentID)
	return d.deliver(agentID, sig, true)
}

func (d *SignalDispatcher) deliver(agentID string, sig domain.Signal, remote bool) bool {
	spec, ok := domain.SignalTable[sig]
	if !ok {
		return false
	}
	s := d.slot(agentID, false)
	if s == nil || s.read() == domain.StateTerminated {
		return false
	}

	// Обработчики работают без блокировок агента: им разрешено читать GetState
	suppressed := false
	if spec.Catchable {
		suppressed = d.runHandlers(agentID, sig)
	}
	if spec.Target == "" || suppressed {
		d.logger.Debug("signal delivered without state change",
			zap.String("agent_id", agentID),
			zap.String("signal", string(sig)),
			zap.Bool("suppressed", suppressed))
		return true
	}

	s.mu.Lock()
	from := s.state
	to := from
	switch {
	case from == domain.StateTerminated:
		// Успел завершиться, пока работали обработчики
	case sig == domain.SIGCONT:
		if from == domain.StateStopped {
			to = domain.StateRunning
		}
	default:
		to = spec.Target
	}
	if to != from {
		s.state = to
		s.updated = d.now().UTC()
	}
	at := s.updated
	s.mu.Unlock()

	if from == domain.StateTerminated {
		return false
	}
	if to != from {
		d.logger.Info("agent state changed",
			zap.String("agent_id", agentID),
			zap.String("signal", string(sig)),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Bool("remote", remote))
		d.notify(Transition{AgentID: agentID, Signal: sig, From: from, To: to, At: at, Remote: remote})
	}
	return true
}

func (d *SignalDispatcher) runHandlers(agentID string, sig domain.Signal) bool {
	d.hmu.RLock()
	hs := slices.Clone(d.handlers[sig])
	d.hmu.RUnlock()

	suppressed := false
	for _, h := range hs {
		if d.callHandler(h, agentID, sig) {
			suppressed = true
		}
	}
	return suppressed
}

// callHandler: паника обработчика считается как "не подавлено"
func (d *SignalDispatcher) callHandler(h SignalHandler, agentID string, sig domain.Signal) (suppress bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("signal handler panicked",
				zap.String("agent_id", agentID),
				zap.String("signal", string(sig)),
				zap.String("panic", fmt.Sprint(r)))
			suppress = false
		}
	}()
	return h(agentID, sig)
}

func (d *SignalDispatcher) notify(t Transition) {
	d.hmu.RLock()
	obs := slices.Clone(d.observers)
	d.hmu.RUnlock()
	for _, fn := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("transition observer panicked", zap.String("panic", fmt.Sprint(r)))
				}
			}()
			fn(t)
		}()
	}
}

// Agents — снимок всех известных агентов, отсортированный по ID
func (d *SignalDispatcher) Agents() []domain.Agent {
	d.mu.RLock()
	out := make([]domain.Agent, 0, len(d.agents))
	for id, s := range d.agents {
		s.mu.RLock()
		out = append(out, domain.Agent{ID: id, State: s.state, UpdatedAt: s.updated})
		s.mu.RUnlock()
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Agent) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
