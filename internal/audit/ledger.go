package audit

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrAuditClosed   = errors.New("audit: ledger is closed")
	ErrAuditOverflow = errors.New("audit: persistence buffer is full")
	ErrChainBroken   = errors.New("audit: hash chain broken")
)

// Sink — асинхронная персистентность. Log не должен блокироваться:
// ошибка означает, что запись не принята, и решение будет закрыто (DENY).
type Sink interface {
	Log(entry AuditEntry) error
}

// Ledger — журнал только на добавление с цепочкой хэшей.
// API изменения или удаления записей отсутствует.
type Ledger struct {
	mu       sync.RWMutex
	entries  []AuditEntry
	seq      int64
	lastHash string
	// anchor — PrevHash первой удержанной записи, нужен Verify после вытеснения
	anchor string

	retention int
	sink      Sink
	now       func() time.Time
	logger    *zap.Logger
}

type LedgerOption func(*Ledger)

func WithSink(s Sink) LedgerOption { return func(l *Ledger) { l.sink = s } }

func WithClock(now func() time.Time) LedgerOption { return func(l *Ledger) { l.now = now } }

func WithLogger(logger *zap.Logger) LedgerOption { return func(l *Ledger) { l.logger = logger } }

// WithRetention ограничивает число записей в памяти; старые остаются только в Sink.
// Без Sink ограничение не действует: вытеснение было бы удалением записей.
func WithRetention(n int) LedgerOption { return func(l *Ledger) { l.retention = n } }

func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{now: time.Now, logger: zap.NewNop()}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.Named("ledger")
	if l.sink == nil && l.retention > 0 {
		l.logger.Warn("retention ignored without a persistent sink", zap.Int("retention", l.retention))
		l.retention = 0
	}
	return l
}

// Resume продолжает цепочку после рестарта (последний seq и hash берутся из хранилища)
func (l *Ledger) Resume(seq int64, lastHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq, l.lastHash, l.anchor = seq, lastHash, lastHash
}

// Append проставляет ID, порядковый номер, время и хэши, затем фиксирует запись.
// Если Sink не принял запись, в журнал она тоже не попадает.
func (l *Ledger) Append(e AuditEntry) (AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	// Точность Postgres — микросекунды, иначе хэш не сойдется после чтения из БД
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.Sequence = l.seq + 1
	e.PrevHash = l.lastHash
	e.Subjects = slices.Clone(e.Subjects)
	e.Payload = clonePayload(e.Payload)

	hash, err := computeHash(e)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	e.Hash = hash

	if l.sink != nil {
		if err := l.sink.Log(e); err != nil {
			l.logger.Error("audit entry rejected by sink",
				zap.String("agent_id", e.AgentID),
				zap.String("action", e.Action),
				zap.Error(err))
			return AuditEntry{}, err
		}
	}

	l.seq = e.Sequence
	l.lastHash = e.Hash
	l.entries = append(l.entries, e)
	if l.retention > 0 && len(l.entries) > l.retention {
		drop := len(l.entries) - l.retention
		l.anchor = l.entries[drop-1].Hash
		l.entries = slices.Delete(l.entries, 0, drop)
	}
	return e, nil
}

// Record — Append с учетом log_all_calls: при false разрешенные вызовы не пишутся.
// recorded=false без ошибки означает намеренный пропуск.
func (l *Ledger) Record(e AuditEntry, logAllCalls bool) (AuditEntry, bool, error) {
	if !logAllCalls && e.Decision == domain.VerdictAllow {
		return AuditEntry{}, false, nil
	}
	out, err := l.Append(e)
	if err != nil {
		return AuditEntry{}, false, err
	}
	return out, true, nil
}

// Query возвращает копии записей в порядке добавления
func (l *Ledger) Query(f Filter) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []AuditEntry
	for _, e := range l.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	out = slices.Clone(out)
	for i := range out {
		out[i].Subjects = slices.Clone(out[i].Subjects)
		out[i].Payload = clonePayload(out[i].Payload)
	}
	return out
}

// clonePayload — глубокая копия; nil остается nil, иначе хэш записи изменится
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	return domain.CloneArguments(p)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head — последний порядковый номер и хэш цепочки
func (l *Ledger) Head() (int64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq, l.lastHash
}

// Verify пересчитывает хэши удержанных записей и проверяет связность цепочки
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyChain(l.anchor, l.entries)
}

// VerifyChain проверяет произвольный срез записей (например, прочитанный из хранилища)
func VerifyChain(prev string, entries []AuditEntry) error {
	for _, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %.12s, want %.12s", ErrChainBroken, e.Sequence, e.PrevHash, prev)
		}
		want, err := computeHash(e)
		if err != nil {
			return fmt.Errorf("audit: hash entry %d: %w", e.Sequence, err)
		}
		if want != e.Hash {
			return fmt.Errorf("%w: entry %d content was modified", ErrChainBroken, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

// Stats — агрегаты по удержанным записям
func (l *Ledger) Stats() domain.GlobalStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Summarize(l.entries, 5)
}

// Summarize считает статистику по срезу записей; topN ограничивает TopTools
func Summarize(entries []AuditEntry, topN int) domain.GlobalStats {
	st := domain.GlobalStats{
		ByVerdict: make(map[domain.Verdict]int64),
		TopTools:  make(map[string]int64),
	}
	agents := make(map[string]bool)
	tools := make(map[string]int64)
	hours := make(map[string]int64)
	for _, e := range entries {
		st.TotalDecisions++
		st.ByVerdict[e.Decision]++
		agents[e.AgentID] = true
		tools[e.Action]++
		hours[e.Timestamp.UTC().Format("2006-01-02T15:00Z")]++
	}
	st.UniqueAgents = len(agents)
	if st.TotalDecisions > 0 {
		st.DenyRatio = float64(st.ByVerdict[domain.VerdictDeny]) / float64(st.TotalDecisions)
	}

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if tools[names[i]] != tools[names[j]] {
			return tools[names[i]] > tools[names[j]]
		}
		return names[i] < names[j]
	})
	for i, name := range names {
		if topN > 0 && i >= topN {
			break
		}
		st.TopTools[name] = tools[name]
	}

	for h, c := range hours {
		st.HourlyActivity = append(st.HourlyActivity, domain.ActivityPoint{Hour: h, Count: c})
	}
	sort.Slice(st.HourlyActivity, func(i, j int) bool {
		return st.HourlyActivity[i].Hour < st.HourlyActivity[j].Hour
	})
	return st
}
