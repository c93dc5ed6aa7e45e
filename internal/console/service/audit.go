package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

// LogFetcher — постоянное хранилище журнала (postgres.AuditRepo, sqlite.Store)
type LogFetcher interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEntry, error)
}

// StatsProvider — агрегаты, посчитанные на стороне БД
type StatsProvider interface {
	Stats(ctx context.Context, since time.Time) (domain.GlobalStats, error)
}

// StoreVerifier проверяет цепочку хэшей целиком в хранилище
type StoreVerifier interface {
	Verify(ctx context.Context) error
}

type AuditService struct {
	ledger   *audit.Ledger
	store    LogFetcher
	stats    StatsProvider
	verifier StoreVerifier
}

type AuditOption func(*AuditService)

func WithLogStore(store LogFetcher) AuditOption {
	return func(s *AuditService) { s.store = store }
}

func WithStatsProvider(p StatsProvider) AuditOption {
	return func(s *AuditService) { s.stats = p }
}

func WithStoreVerifier(v StoreVerifier) AuditOption {
	return func(s *AuditService) { s.verifier = v }
}

func NewAuditService(ledger *audit.Ledger, opts ...AuditOption) *AuditService {
	s := &AuditService{ledger: ledger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetLogs читает из хранилища, если оно подключено: в памяти только окно последних записей
func (s *AuditService) GetLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEntry, error) {
	if s.store == nil {
		return nonNil(s.ledger.Query(f)), nil
	}
	logs, err := s.store.FetchLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("service: fetch audit logs: %w", err)
	}
	return nonNil(logs), nil
}

// VerifyReport — результат проверки целостности журнала
type VerifyReport struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	Sequence int64  `json:"sequence"`
	Head     string `json:"head"`
	Store    string `json:"store,omitempty"` // "ok" или текст ошибки; пусто без хранилища
	Error    string `json:"error,omitempty"`
}

func (s *AuditService) Verify(ctx context.Context) VerifyReport {
	seq, head := s.ledger.Head()
	rep := VerifyReport{Valid: true, Entries: s.ledger.Len(), Sequence: seq, Head: head}
	if err := s.ledger.Verify(); err != nil {
		rep.Valid = false
		rep.Error = err.Error()
	}
	if s.verifier != nil {
		rep.Store = "ok"
		if err := s.verifier.Verify(ctx); err != nil {
			rep.Valid = false
			rep.Store = err.Error()
		}
	}
	return rep
}

// GetStats — агрегаты за период. Без провайдера считаются по окну в памяти.
func (s *AuditService) GetStats(ctx context.Context, since time.Time) (domain.GlobalStats, error) {
	if s.stats != nil {
		return s.stats.Stats(ctx, since)
	}
	if since.IsZero() {
		return s.ledger.Stats(), nil
	}
	return audit.Summarize(s.ledger.Query(audit.Filter{From: since}), 5), nil
}

func nonNil(in []audit.AuditEntry) []audit.AuditEntry {
	if in == nil {
		return []audit.AuditEntry{}
	}
	return in
}
