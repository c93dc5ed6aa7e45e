package service

import (
	"context"
	"strings"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/engine"
	"go.uber.org/zap"
)

// ReviewService — операторская сторона очереди HITL
type ReviewService struct {
	kernel *engine.Kernel
	logger *zap.Logger
}

func NewReviewService(k *engine.Kernel, logger *zap.Logger) *ReviewService {
	return &ReviewService{kernel: k, logger: logger.Named("review-service")}
}

// List принимает статус в любом регистре; пустой — все запросы
func (s *ReviewService) List(status string) []domain.ApprovalRequest {
	return s.kernel.Reviews().List(domain.ApprovalStatus(strings.ToUpper(status)))
}

func (s *ReviewService) Get(id string) (domain.ApprovalRequest, error) {
	r, ok := s.kernel.Reviews().Get(id)
	if !ok {
		return domain.ApprovalRequest{}, engine.ErrReviewNotFound
	}
	return r, nil
}

// Decide фиксирует решение оператора. reviewerID берется из токена, а не из тела запроса.
func (s *ReviewService) Decide(id string, approve bool, reviewerID, comment string) (domain.ApprovalRequest, error) {
	return s.kernel.Reviews().Decide(id, approve, reviewerID, comment)
}

// Replay повторно прогоняет одобренный запрос через ядро
func (s *ReviewService) Replay(ctx context.Context, id string) (domain.Decision, error) {
	d, err := s.kernel.Replay(ctx, id)
	if err != nil {
		return domain.Decision{}, err
	}
	s.logger.Info("review replayed",
		zap.String("review_id", id),
		zap.String("verdict", string(d.Verdict)),
		zap.String("rule", d.Rule))
	return d, nil
}
