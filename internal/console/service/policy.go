package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrPolicyNotFound  = errors.New("no policy bound")
	ErrPublishDisabled = errors.New("policy publishing requires the postgres policy source")
)

// PolicyCache — реестр эффективных политик (policy.Registry)
type PolicyCache interface {
	Effective(agentID string) (domain.Policy, bool)
	Refresh(ctx context.Context) error
}

// PolicyPublisher сохраняет новую версию документа (postgres.PolicyRepo)
type PolicyPublisher interface {
	Publish(ctx context.Context, body, author string) (int64, error)
}

// UpdateNotifier оповещает остальные инстансы (engine.SignalBridge)
type UpdateNotifier interface {
	PublishPolicyUpdate(ctx context.Context, version int64) error
}

type PolicyService struct {
	cache     PolicyCache
	publisher PolicyPublisher
	notifier  UpdateNotifier
	logger    *zap.Logger
}

// NewPolicyService: publisher и notifier могут быть nil
func NewPolicyService(cache PolicyCache, publisher PolicyPublisher, notifier UpdateNotifier, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		cache:     cache,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger.Named("policy-service"),
	}
}

func (s *PolicyService) Effective(agentID string) (domain.Policy, error) {
	p, ok := s.cache.Effective(agentID)
	if !ok {
		return domain.Policy{}, ErrPolicyNotFound
	}
	return p, nil
}

// Publish сохраняет документ, обновляет свой кэш и рассылает уведомление остальным
func (s *PolicyService) Publish(ctx context.Context, body, author string) (int64, error) {
	if s.publisher == nil {
		return 0, ErrPublishDisabled
	}
	version, err := s.publisher.Publish(ctx, body, author)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Refresh(ctx); err != nil {
		return version, fmt.Errorf("service: refresh after publish: %w", err)
	}
	s.notifyUpdate(ctx, version)

	s.logger.Info("policy document published",
		zap.Int64("version", version),
		zap.String("author", author))
	return version, nil
}

// Reload перечитывает источник политик без публикации
func (s *PolicyService) Reload(ctx context.Context) error {
	if err := s.cache.Refresh(ctx); err != nil {
		return fmt.Errorf("service: refresh policies: %w", err)
	}
	return nil
}

func (s *PolicyService) notifyUpdate(ctx context.Context, version int64) {
	if s.notifier == nil {
		return
	}
	// Ошибка Redis не откатывает публикацию: версия уже сохранена в БД
	if err := s.notifier.PublishPolicyUpdate(ctx, version); err != nil {
		s.logger.Warn("policy update notification failed", zap.Int64("version", version), zap.Error(err))
	}
}
