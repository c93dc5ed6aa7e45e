package service

import (
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/engine"
	"go.uber.org/zap"
)

var (
	ErrUnknownSignal  = errors.New("unknown signal")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrSignalRejected = errors.New("signal not delivered")
)

// AgentService — управление жизненным циклом агентов через диспетчер сигналов.
// Сохранение состояния в Postgres и рассылка по инстансам подписаны на переходы диспетчера.
type AgentService struct {
	kernel *engine.Kernel
	logger *zap.Logger
}

func NewAgentService(k *engine.Kernel, logger *zap.Logger) *AgentService {
	return &AgentService{kernel: k, logger: logger.Named("agent-service")}
}

// ListAgents возвращает всех известных агентов; пустой список, а не nil
func (s *AgentService) ListAgents() []domain.Agent {
	agents := s.kernel.Agents()
	if agents == nil {
		return []domain.Agent{}
	}
	return agents
}

func (s *AgentService) GetState(agentID string) (domain.AgentState, error) {
	state, ok := s.kernel.GetState(agentID)
	if !ok {
		return "", ErrAgentNotFound
	}
	return state, nil
}

// Signal доставляет сигнал от имени оператора и возвращает итоговое состояние
func (s *AgentService) Signal(initiatorID, agentID, name string) (domain.AgentState, error) {
	sig, ok := domain.ParseSignal(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	if _, ok := s.kernel.GetState(agentID); !ok {
		return "", ErrAgentNotFound
	}
	if !s.kernel.SendSignalAs(initiatorID, agentID, sig) {
		return "", ErrSignalRejected
	}
	state, _ := s.kernel.GetState(agentID)

	s.logger.Info("operator signal delivered",
		zap.String("agent_id", agentID),
		zap.String("signal", string(sig)),
		zap.String("initiator_id", initiatorID),
		zap.String("state", string(state)))
	return state, nil
}

func (s *AgentService) Session(agentID string) (engine.SessionSnapshot, error) {
	snap, ok := s.kernel.Session(agentID)
	if !ok {
		return engine.SessionSnapshot{}, ErrAgentNotFound
	}
	return snap, nil
}

// EndSession архивирует сессию и сбрасывает лимит агента
func (s *AgentService) EndSession(agentID string) (engine.SessionSnapshot, error) {
	snap, ok := s.kernel.EndSession(agentID)
	if !ok {
		return engine.SessionSnapshot{}, ErrAgentNotFound
	}
	return snap, nil
}
