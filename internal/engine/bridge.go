package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

// BridgeKeys — ключи и каналы Redis, общие для всех инстансов
type BridgeKeys struct {
	SignalChannel string
	PolicyChannel string
	TerminatedSet string
	WarmupLock    string
}

// SignalMessage — сообщение о сигнале между инстансами
type SignalMessage struct {
	AgentID string        `json:"agent_id"`
	Signal  domain.Signal `json:"signal"`
	Origin  string        `json:"origin"`
	At      time.Time     `json:"at"`
}

// DecodeSignalMessage принимает JSON и короткий формат "agent_id:SIGNAL",
// который удобно публиковать руками из redis-cli
func DecodeSignalMessage(payload string) (SignalMessage, error) {
	var msg SignalMessage
	if strings.HasPrefix(strings.TrimSpace(payload), "{") {
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return SignalMessage{}, fmt.Errorf("bridge: decode signal: %w", err)
		}
	} else {
		i := strings.LastIndex(payload, ":")
		if i <= 0 || i == len(payload)-1 {
			return SignalMessage{}, fmt.Errorf("bridge: invalid signal format %q", payload)
		}
		msg.AgentID = payload[:i]
		msg.Signal = domain.Signal(payload[i+1:])
	}

	sig, ok := domain.ParseSignal(string(msg.Signal))
	if !ok || msg.AgentID == "" {
		return SignalMessage{}, fmt.Errorf("bridge: invalid signal message %q", payload)
	}
	msg.Signal = sig
	return msg, nil
}

// SignalBridge распространяет сигналы между инстансами через Redis Pub/Sub.
// Локальные переходы публикуются, чужие применяются к своему диспетчеру.
type SignalBridge struct {
	rdb        *redis.Client
	dispatcher *SignalDispatcher
	keys       BridgeKeys
	origin     string
	timeout    time.Duration
	logger     *zap.Logger
}

func NewSignalBridge(rdb *redis.Client, dispatcher *SignalDispatcher, keys BridgeKeys, logger *zap.Logger) *SignalBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &SignalBridge{
		rdb:        rdb,
		dispatcher: dispatcher,
		keys:       keys,
		origin:     uuid.NewString(),
		timeout:    2 * time.Second,
		logger:     logger.Named("signal-bridge"),
	}
	dispatcher.OnTransition(b.publish)
	return b
}

func (b *SignalBridge) publish(t Transition) {
	// Регистрации и пришедшие извне переходы не публикуем, иначе получим эхо
	if t.Remote || t.Signal == "" || b.rdb == nil {
		return
	}
	body, err := json.Marshal(SignalMessage{AgentID: t.AgentID, Signal: t.Signal, Origin: b.origin, At: t.At})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if t.To == domain.StateTerminated {
		if err := b.rdb.SAdd(ctx, b.keys.TerminatedSet, t.AgentID).Err(); err != nil {
			b.logger.Error("failed to persist terminated agent", zap.String("agent_id", t.AgentID), zap.Error(err))
		}
	}
	if err := b.rdb.Publish(ctx, b.keys.SignalChannel, body).Err(); err != nil {
		b.logger.Error("failed to publish signal",
			zap.String("agent_id", t.AgentID),
			zap.String("signal", string(t.Signal)),
			zap.Error(err))
	}
}

// apply обрабатывает сообщение из канала
func (b *SignalBridge) apply(payload string) {
	msg, err := DecodeSignalMessage(payload)
	if err != nil {
		b.logger.Error("invalid signal message", zap.String("payload", payload), zap.Error(err))
		return
	}
	if msg.Origin == b.origin {
		return
	}
	delivered := b.dispatcher.ApplyRemote(msg.AgentID, msg.Signal)
	b.logger.Info("remote signal applied",
		zap.String("agent_id", msg.AgentID),
		zap.String("signal", string(msg.Signal)),
		zap.Bool("delivered", delivered))
}

// Sync подтягивает множество завершенных агентов; вызывается при каждом переподключении
func (b *SignalBridge) Sync(ctx context.Context) error {
	ids, err := b.rdb.SMembers(ctx, b.keys.TerminatedSet).Result()
	if err != nil {
		return fmt.Errorf("bridge: load terminated agents: %w", err)
	}
	b.restoreTerminated(ids)
	return nil
}

// Run блокируется до отмены контекста
func (b *SignalBridge) Run(ctx context.Context) {
	ListenResilient(ctx, b.rdb, b.logger, b.keys.SignalChannel, b.Sync, b.apply)
}

// RunPolicyUpdates перечитывает политики по сообщению в канале обновлений
func (b *SignalBridge) RunPolicyUpdates(ctx context.Context, refresh func(ctx context.Context) error) {
	ListenResilient(ctx, b.rdb, b.logger, b.keys.PolicyChannel, nil, func(payload string) {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := refresh(rctx); err != nil {
			b.logger.Error("policy refresh failed", zap.String("version", payload), zap.Error(err))
			return
		}
		b.logger.Info("policies refreshed", zap.String("version", payload))
	})
}

// PublishPolicyUpdate оповещает остальные инстансы о новой версии документа политик
func (b *SignalBridge) PublishPolicyUpdate(ctx context.Context, version int64) error {
	return b.rdb.Publish(ctx, b.keys.PolicyChannel, fmt.Sprint(version)).Err()
}
