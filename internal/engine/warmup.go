package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// TerminatedLoader отдает завершенных агентов из долговременного хранилища
// (postgres.AgentRepo.TerminatedAgents)
type TerminatedLoader func(ctx context.Context) ([]string, error)

// Warmup восстанавливает TERMINATED в диспетчере до приема трафика.
// Источники объединяются: БД этого инстанса и общее множество в Redis.
// Ошибка возвращается только при сбое загрузки из БД, сбои Redis пишутся в лог.
func (b *SignalBridge) Warmup(ctx context.Context, load TerminatedLoader) error {
	var ids []string
	if load != nil {
		var err error
		if ids, err = load(ctx); err != nil {
			return fmt.Errorf("bridge: load terminated agents: %w", err)
		}
	}
	b.restoreTerminated(ids)
	if b.rdb == nil {
		return nil
	}

	// Другие инстансы могли завершить агентов, которых нет в нашей БД
	if err := b.Sync(ctx); err != nil {
		b.logger.Warn("terminated set unavailable, using database only", zap.Error(err))
		return nil
	}
	if len(ids) == 0 {
		return nil
	}

	// Зеркалирует в Redis только один инстанс
	ok, err := b.rdb.SetNX(ctx, b.keys.WarmupLock, b.origin, warmupLockTTL).Result()
	if err != nil || !ok {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	// SAdd только дописывает: живые сигналы в множестве не теряются
	added, err := b.rdb.SAdd(ctx, b.keys.TerminatedSet, members...).Result()
	if err != nil {
		b.logger.Error("failed to mirror terminated agents to Redis",
			zap.String("key", b.keys.TerminatedSet), zap.Error(err))
		return nil
	}
	b.logger.Info("terminated agents mirrored to Redis",
		zap.Int("from_db", len(ids)), zap.Int64("added", added))
	return nil
}

func (b *SignalBridge) restoreTerminated(ids []string) {
	for _, id := range ids {
		b.dispatcher.Restore(id, domain.StateTerminated)
	}
}
