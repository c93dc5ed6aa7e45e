package audit

/*
Файл agentfs.go реализует Agent File System — асинхронную персистентность журнала.

- Non-blocking: Log никогда не ждет БД. Переполнение буфера — ошибка, и ядро
  закрывает решение (DENY), а не теряет запись молча.
- Batching: пакетная запись по таймеру или при достижении размера пачки.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
- Retry: сбой записи пачки повторяется с экспоненциальной задержкой.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
)

// Writer — куда физически сохраняются записи
type Writer interface {
	WriteBatch(ctx context.Context, entries []AuditEntry) error
}

// Store — хранилище с чтением: нужно операторскому API для истории за пределами памяти
type Store interface {
	Writer
	FetchLogs(ctx context.Context, f Filter) ([]AuditEntry, error)
	// Tail — последний порядковый номер и хэш, для продолжения цепочки после рестарта
	Tail(ctx context.Context) (int64, string, error)
}

type AgentFSConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Attempts      uint
}

func (c AgentFSConfig) withDefaults() AgentFSConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	return c
}

type AgentFS struct {
	ch     chan AuditEntry
	repo   Writer
	cfg    AgentFSConfig
	logger *zap.Logger
	wg     sync.WaitGroup

	// mu защищает закрытие канала от одновременной отправки
	mu     sync.RWMutex
	closed bool
}

func NewAgentFS(repo Writer, cfg AgentFSConfig, logger *zap.Logger) *AgentFS {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &AgentFS{
		ch:     make(chan AuditEntry, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

// Log реализует Sink
func (fs *AgentFS) Log(entry AuditEntry) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.closed {
		fs.logger.Warn("audit entry dropped: auditor is stopping", zap.String("id", entry.ID))
		return ErrAuditClosed
	}

	// Load Shedding: не ждем, сообщаем ядру
	select {
	case fs.ch <- entry:
		return nil
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", entry.AgentID),
			zap.String("trace_id", entry.TraceID),
		)
		return ErrAuditOverflow
	}
}

// Len — текущая заполненность буфера (для метрик)
func (fs *AgentFS) Len() int { return len(fs.ch) }

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEntry, 0, fs.cfg.BatchSize)
	ticker := time.NewTicker(fs.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть отменен
		err := retry.New(
			retry.Context(context.Background()),
			retry.Attempts(fs.cfg.Attempts),
			retry.DelayType(retry.BackOffDelay),
		).Do(func() error {
			return fs.repo.WriteBatch(context.Background(), batch)
		})
		if err != nil {
			fs.logger.Error("audit flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-fs.ch:
			if !ok {
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= fs.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
