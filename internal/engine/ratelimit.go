package engine

import (
	"sync"
	"time"
)

// globalBucket — ключ общего окна, когда лимит считается на всех агентов сразу
const globalBucket = "*"

// RateLimitConfig — параметры фиксированного окна
type RateLimitConfig struct {
	MaxCalls int
	Window   time.Duration
	PerAgent bool
}

// RateResult — ответ лимитера. Remaining уже учитывает текущий вызов.
type RateResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	used        int
}

// RateLimiter — фиксированное окно, выровненное по первому вызову агента.
// Никогда не блокирует: отказ возвращается сразу.
type RateLimiter struct {
	cfg     RateLimitConfig
	buckets sync.Map // key -> *bucket
	now     func() time.Time
}

type RateLimiterOption func(*RateLimiter)

// WithRateClock подменяет часы (тесты)
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

func NewRateLimiter(cfg RateLimitConfig, opts ...RateLimiterOption) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxCalls < 0 {
		cfg.MaxCalls = 0
	}
	rl := &RateLimiter{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

func (rl *RateLimiter) key(agentID string) string {
	if rl.cfg.PerAgent {
		return agentID
	}
	return globalBucket
}

// Check списывает один вызов, если в текущем окне есть запас
func (rl *RateLimiter) Check(agentID string) RateResult {
	v, _ := rl.buckets.LoadOrStore(rl.key(agentID), &bucket{})
	b := v.(*bucket)

	now := rl.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.windowStart.IsZero():
		b.windowStart = now
	case !now.Before(b.windowStart.Add(rl.cfg.Window)):
		// Окна сдвигаются целыми шагами от первого вызова
		elapsed := now.Sub(b.windowStart) / rl.cfg.Window
		b.windowStart = b.windowStart.Add(elapsed * rl.cfg.Window)
		b.used = 0
	}

	res := RateResult{ResetAt: b.windowStart.Add(rl.cfg.Window)}
	if b.used >= rl.cfg.MaxCalls {
		return res
	}
	b.used++
	res.Allowed = true
	res.Remaining = rl.cfg.MaxCalls - b.used
	return res
}

// Reset сбрасывает окно агента (конец сессии). Для общего окна не делает ничего.
func (rl *RateLimiter) Reset(agentID string) {
	if !rl.cfg.PerAgent {
		return
	}
	rl.buckets.Delete(agentID)
}

func (rl *RateLimiter) Config() RateLimitConfig { return rl.cfg }
