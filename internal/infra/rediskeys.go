package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "govkernel"
)

// Ключи для Sets (состояние)
const (
	RedisKeyTerminatedAgents = RedisNamespace + ":agents:terminated_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanSignals — сигналы агентам между инстансами ядра
	RedisChanSignals      = RedisNamespace + ":agents:signals"
	RedisChanPolicyUpdate = RedisNamespace + ":policies:update"
)

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
