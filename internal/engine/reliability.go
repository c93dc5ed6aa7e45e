package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-governance-kernel/internal/connectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityConfig — параметры защиты вызовов к целевым системам
type ReliabilityConfig struct {
	Name        string
	RatePerSec  float64
	Burst       int
	Attempts    uint
	CallTimeout time.Duration
	// Сколько ошибок подряд открывают предохранитель
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.Name == "" {
		c.Name = "uag-connector"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 100
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

type ReliabilityWrapper struct {
	next    ExecutionProvider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliabilityWrapper(next ExecutionProvider, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	gauge := metrics.CircuitBreakerState.WithLabelValues(cfg.Name)
	gauge.Set(0)

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     cfg.OpenTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.MaxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("connector", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateClosed {
				gauge.Set(0)
			} else {
				gauge.Set(1)
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:     cfg,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, tool string, payload []byte) ([]byte, error) {
	// 1. Пропускная способность целевой системы
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("executor rate limit: %w", err)
	}

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		var finalData []byte
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Коннектор сам знает, сколько ждать (Retry-After)
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			finalData, callErr = w.next.Call(tCtx, tool, payload)
			return callErr
		})
		return finalData, retryErr
	})
	if err != nil {
		return nil, err
	}
	return cbResult.([]byte), nil
}

// State — текущее состояние предохранителя (для /health)
func (w *ReliabilityWrapper) State() string {
	return w.cb.State().String()
}
