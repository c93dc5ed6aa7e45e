package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/masking"
	"github.com/xela07ax/spaceai-governance-kernel/internal/policy"
	"github.com/xela07ax/spaceai-governance-kernel/internal/risk"
	"go.uber.org/zap"
)

var ErrInvalidRequest = errors.New("engine: agent_id and tool are required")

// PolicyProvider — источник эффективных политик (policy.Registry)
type PolicyProvider interface {
	Lookup(agentID string) (*policy.Compiled, bool)
}

// Config — параметры ядра, которые не являются частью политики
type Config struct {
	RateWindow           time.Duration
	PerAgentRate         bool
	ConfidenceComparator risk.Comparator
	DriftComparator      risk.Comparator
	HistoryLimit         int
}

func DefaultConfig() Config {
	return Config{
		RateWindow:           time.Minute,
		PerAgentRate:         true,
		ConfidenceComparator: risk.LessThan,
		DriftComparator:      risk.GreaterThan,
		HistoryLimit:         defaultHistoryLimit,
	}
}

// Kernel — точка перехвата вызовов инструментов.
// Все реестры принадлежат экземпляру, глобального состояния нет.
type Kernel struct {
	policies   PolicyProvider
	ledger     *audit.Ledger
	graph      *masking.Graph
	dispatcher *SignalDispatcher
	sessions   *SessionStore
	reviews    *ReviewQueue
	analyzer   *risk.Analyzer
	hasher     *audit.IdentifierHasher
	metrics    *Metrics
	events     *eventBus

	// "policy/capacity" -> *RateLimiter
	limiters sync.Map

	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Kernel)

func WithConfig(cfg Config) Option { return func(k *Kernel) { k.cfg = cfg } }

func WithGraph(g *masking.Graph) Option { return func(k *Kernel) { k.graph = g } }

func WithDispatcher(d *SignalDispatcher) Option { return func(k *Kernel) { k.dispatcher = d } }

func WithReviews(q *ReviewQueue) Option { return func(k *Kernel) { k.reviews = q } }

func WithMetrics(m *Metrics) Option { return func(k *Kernel) { k.metrics = m } }

func WithHasher(h *audit.IdentifierHasher) Option { return func(k *Kernel) { k.hasher = h } }

func WithLogger(l *zap.Logger) Option { return func(k *Kernel) { k.logger = l } }

func WithClock(now func() time.Time) Option { return func(k *Kernel) { k.now = now } }

func NewKernel(policies PolicyProvider, ledger *audit.Ledger, opts ...Option) *Kernel {
	k := &Kernel{
		policies: policies,
		ledger:   ledger,
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(k)
	}
	if k.logger == nil {
		k.logger = zap.NewNop()
	}
	k.logger = k.logger.Named("kernel")
	if k.ledger == nil {
		k.ledger = audit.NewLedger(audit.WithLogger(k.logger))
	}
	if k.graph == nil {
		k.graph = masking.NewGraph()
	}
	if k.dispatcher == nil {
		k.dispatcher = NewSignalDispatcher(k.logger)
	}
	if k.reviews == nil {
		k.reviews = NewReviewQueue(k.logger)
	}
	if k.metrics == nil {
		k.metrics = NewMetrics(nil)
	}
	if k.hasher == nil {
		k.hasher = ephemeralHasher()
	}
	if k.cfg.RateWindow <= 0 {
		k.cfg.RateWindow = time.Minute
	}
	k.analyzer = risk.NewAnalyzer(k.cfg.ConfidenceComparator, k.cfg.DriftComparator, k.logger)
	k.sessions = NewSessionStore(k.cfg.HistoryLimit, k.now)
	k.events = newEventBus(k.logger)
	k.dispatcher.OnTransition(k.metrics.ObserveTransition)
	return k
}

// ephemeralHasher — ключ на время жизни процесса, если конфигурация его не задала
func ephemeralHasher() *audit.IdentifierHasher {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	h, _ := audit.NewIdentifierHasher(key)
	return h
}

// interception — состояние одного прохода через ядро
type interception struct {
	req      domain.ToolCallRequest
	masked   map[string]any
	compiled *policy.Compiled
	subjects []string
	traceID  string
	start    time.Time
}

// Intercept проводит вызов через все проверки по порядку.
// DENY, ESCALATE и DEFER — значения, ошибка означает только некорректный запрос.
func (k *Kernel) Intercept(ctx context.Context, req domain.ToolCallRequest) (domain.Decision, error) {
	if req.AgentID == "" || req.Tool == "" {
		return domain.Decision{}, ErrInvalidRequest
	}
	return k.intercept(ctx, req, false), nil
}

func (k *Kernel) intercept(ctx context.Context, req domain.ToolCallRequest, granted bool) domain.Decision {
	call := &interception{
		req:     req,
		masked:  k.graph.Apply(req.Arguments, req.Capabilities),
		traceID: TraceIDFrom(ctx),
		start:   k.now(),
	}
	if ctx.Err() != nil {
		return k.finish(call, domain.Deny(domain.RuleCancelled, "request cancelled"))
	}

	compiled, ok := k.policies.Lookup(req.AgentID)
	if !ok {
		return k.finish(call, domain.Deny(domain.RuleNoPolicy, "no policy bound"))
	}
	call.compiled = compiled

	sess, _ := k.sessions.GetOrCreate(req.AgentID)
	k.dispatcher.Register(req.AgentID)
	k.emit(EventPolicyCheck, req, map[string]any{"policy": compiled.Name()})

	// Терминальные проверки
	if rr := k.limiter(compiled).Check(req.AgentID); !rr.Allowed {
		return k.finish(call, domain.Deny(domain.RuleRateLimit, "rate limit exceeded"))
	}
	if !compiled.AllowsTool(req.Tool) {
		return k.finish(call, domain.Deny(domain.RuleAllowList, "tool not permitted"))
	}
	if m, hit := compiled.Scan(req.Tool, call.masked); hit {
		call.subjects = k.hasher.Subjects(m.Value)
		// В аудит совпавшие значения попадают только хэшем, даже если граф их не скрывает
		call.masked = compiled.Redact(call.masked, k.hasher.Hash)
		d := domain.Deny(domain.RuleBlocked, "blocked pattern matched: "+m.Pattern.Pattern)
		k.logger.Warn("blocked pattern matched",
			zap.String("agent_id", req.AgentID),
			zap.String("tool", req.Tool),
			zap.String("pattern", m.Pattern.String()),
			zap.String("field", m.Field))
		return k.finish(call, d)
	}

	// Нетерминальные: одобренный токен снимает и риск, и обязательное подтверждение
	if !granted && !k.reviews.Authorize(req.ApprovalToken, req) {
		th := risk.Thresholds{Confidence: compiled.ConfidenceThreshold(), Drift: compiled.DriftThreshold()}
		if f, hit := k.analyzer.Evaluate(req.AgentID, req.Confidence, req.Drift, th); hit {
			return k.finish(call, domain.Escalate(f.Rule, f.Reason))
		}
		if compiled.RequireHumanApproval() {
			return k.finish(call, domain.Defer(domain.RuleHumanApproval, "awaiting human approval"))
		}
	}

	if d, blocked := stateDecision(k.dispatcher.Register(req.AgentID)); blocked {
		return k.finish(call, d)
	}
	return k.commit(call, sess)
}

// stateDecision — решение по состоянию агента, если оно запрещает вызов
func stateDecision(state domain.AgentState) (domain.Decision, bool) {
	switch state {
	case domain.StateStopped:
		return domain.Defer(domain.RuleAgentPaused, "agent paused"), true
	case domain.StateTerminated:
		return domain.Deny(domain.RuleTerminated, "agent terminated"), true
	}
	return domain.Decision{}, false
}

// commit фиксирует ALLOW под блокировкой контекста и read-блокировкой агента.
// Порядок блокировок: контекст -> агент в диспетчере -> журнал.
func (k *Kernel) commit(call *interception, sess *ExecutionContext) domain.Decision {
	var d domain.Decision
	sess.mu.Lock()
	k.dispatcher.Hold(call.req.AgentID, func(state domain.AgentState) {
		if sd, blocked := stateDecision(state); blocked {
			d = k.record(call, sd)
			return
		}
		d = k.record(call, domain.Allow(call.compiled.Name()))
		if d.Allowed() {
			d.Checkpoint = sess.commit(call.req.Tool, call.compiled.CheckpointFrequency(), k.now().UTC())
		}
	})
	sess.mu.Unlock()

	k.observe(call, d)
	return d
}

// finish завершает проход без коммита: аудит, очередь ревью, метрики
func (k *Kernel) finish(call *interception, d domain.Decision) domain.Decision {
	d = k.record(call, d)
	if reviewable(d) {
		id := uuid.NewString()
		k.reviews.Enqueue(id, call.req, d)
		d.ReviewID = id
	}
	k.observe(call, d)
	return d
}

func reviewable(d domain.Decision) bool {
	switch d.Rule {
	case domain.RuleConfidence, domain.RuleDrift, domain.RuleHumanApproval:
		return d.Verdict == domain.VerdictEscalate || d.Verdict == domain.VerdictDefer
	}
	return false
}

// record пишет ровно одну запись на исход. Ошибка журнала превращает решение в DENY.
func (k *Kernel) record(call *interception, d domain.Decision) domain.Decision {
	logAll := true
	if call.compiled != nil {
		logAll = call.compiled.LogAllCalls()
		d.Policy = call.compiled.Name()
	}
	entry := audit.AuditEntry{
		TraceID:     call.traceID,
		AgentID:     call.req.AgentID,
		Action:      call.req.Tool,
		Decision:    d.Verdict,
		Rule:        d.Rule,
		Reason:      d.Reason,
		Policy:      d.Policy,
		InitiatorID: call.req.InitiatorID,
		Subjects:    call.subjects,
		Payload:     call.masked,
	}
	rec, recorded, err := k.ledger.Record(entry, logAll)
	if err != nil {
		k.logger.Error("audit unavailable, failing closed",
			zap.String("agent_id", call.req.AgentID),
			zap.String("tool", call.req.Tool),
			zap.String("verdict", string(d.Verdict)),
			zap.Error(err))
		k.metrics.ErrorTotal.WithLabelValues("audit_unavailable").Inc()
		out := domain.Deny(domain.RuleAudit, "audit unavailable")
		out.Policy = d.Policy
		return out
	}
	if recorded {
		d.AuditID = rec.ID
	}
	return d
}

// observe вызывается после снятия всех блокировок
func (k *Kernel) observe(call *interception, d domain.Decision) {
	k.metrics.ObserveDecision(d, k.now().Sub(call.start).Seconds())

	data := map[string]any{
		"verdict": string(d.Verdict),
		"rule":    d.Rule,
		"reason":  d.Reason,
		"policy":  d.Policy,
	}
	switch d.Verdict {
	case domain.VerdictAllow:
		k.logger.Debug("tool call allowed",
			zap.String("agent_id", call.req.AgentID),
			zap.String("tool", call.req.Tool),
			zap.String("trace_id", call.traceID))
		if cp := d.Checkpoint; cp != nil {
			k.metrics.Checkpoints.Inc()
			k.emit(EventCheckpoint, call.req, map[string]any{
				"sequence":   cp.Sequence,
				"call_count": cp.CallCount,
			})
		}
	case domain.VerdictDeny:
		k.logger.Warn("tool call denied",
			zap.String("agent_id", call.req.AgentID),
			zap.String("tool", call.req.Tool),
			zap.String("rule", d.Rule),
			zap.String("reason", d.Reason),
			zap.String("trace_id", call.traceID))
		switch d.Rule {
		case domain.RuleRateLimit, domain.RuleAllowList, domain.RuleBlocked:
			k.emit(EventPolicyViolation, call.req, data)
		}
		k.emit(EventToolCallBlocked, call.req, data)
	default:
		k.logger.Info("tool call held",
			zap.String("agent_id", call.req.AgentID),
			zap.String("tool", call.req.Tool),
			zap.String("verdict", string(d.Verdict)),
			zap.String("rule", d.Rule),
			zap.String("review_id", d.ReviewID))
	}
}

func (k *Kernel) emit(t EventType, req domain.ToolCallRequest, data map[string]any) {
	k.events.emit(Event{Type: t, AgentID: req.AgentID, Tool: req.Tool, At: k.now().UTC(), Data: data})
}

func (k *Kernel) limiter(c *policy.Compiled) *RateLimiter {
	key := fmt.Sprintf("%s/%d", c.Name(), c.MaxToolCalls())
	if v, ok := k.limiters.Load(key); ok {
		return v.(*RateLimiter)
	}
	v, _ := k.limiters.LoadOrStore(key, NewRateLimiter(RateLimitConfig{
		MaxCalls: c.MaxToolCalls(),
		Window:   k.cfg.RateWindow,
		PerAgent: k.cfg.PerAgentRate,
	}, WithRateClock(k.now)))
	return v.(*RateLimiter)
}

// Replay повторно прогоняет одобренный запрос через весь путь перехвата.
// Одобрение снимает только шаги риска и подтверждения, остальные проверки выполняются заново.
func (k *Kernel) Replay(ctx context.Context, reviewID string) (domain.Decision, error) {
	r, err := k.reviews.approved(reviewID)
	if err != nil {
		return domain.Decision{}, err
	}
	return k.intercept(ctx, r.Request, true), nil
}

// SendSignal доставляет сигнал и пишет запись "signal:<NAME>" в журнал
func (k *Kernel) SendSignal(agentID string, sig domain.Signal) bool {
	return k.SendSignalAs("", agentID, sig)
}

// SendSignalAs — то же, с указанием инициатора (оператор из JWT)
func (k *Kernel) SendSignalAs(initiatorID, agentID string, sig domain.Signal) bool {
	from, _ := k.dispatcher.GetState(agentID)
	if !k.dispatcher.SendSignal(agentID, sig) {
		return false
	}
	to, _ := k.dispatcher.GetState(agentID)

	k.metrics.Signals.WithLabelValues(string(sig)).Inc()
	_, err := k.ledger.Append(audit.AuditEntry{
		AgentID:     agentID,
		Action:      audit.SignalAction(sig),
		Decision:    domain.VerdictAllow,
		Reason:      fmt.Sprintf("%s -> %s", from, to),
		InitiatorID: initiatorID,
		Payload:     map[string]any{"from": string(from), "to": string(to)},
	})
	if err != nil {
		// Сигнал уже применен: отказ журнала не откатывает остановку агента
		k.metrics.ErrorTotal.WithLabelValues("audit_unavailable").Inc()
		k.logger.Error("failed to audit signal delivery",
			zap.String("agent_id", agentID),
			zap.String("signal", string(sig)),
			zap.Error(err))
	}
	k.events.emit(Event{
		Type:    EventSignalDelivered,
		AgentID: agentID,
		At:      k.now().UTC(),
		Data:    map[string]any{"signal": string(sig), "from": string(from), "to": string(to)},
	})
	return true
}

func (k *Kernel) GetState(agentID string) (domain.AgentState, bool) {
	return k.dispatcher.GetState(agentID)
}

func (k *Kernel) RegisterHandler(sig domain.Signal, h SignalHandler) bool {
	return k.dispatcher.RegisterHandler(sig, h)
}

// On подписывает хук на событие ядра. Хуки вызываются синхронно, паника перехватывается.
func (k *Kernel) On(t EventType, fn func(Event)) {
	k.events.on(t, fn)
}

// PostExecute сравнивает ответ инструмента с базовым ответом сессии.
// Превышение порога не блокирует, а выпускает DRIFT_DETECTED.
func (k *Kernel) PostExecute(agentID, output string) (risk.DriftResult, bool) {
	sess, ok := k.sessions.Get(agentID)
	if !ok {
		return risk.DriftResult{}, false
	}
	threshold := 0.0
	if c, ok := k.policies.Lookup(agentID); ok {
		threshold = c.DriftThreshold()
	}

	sess.mu.Lock()
	res, scored := sess.drift.Observe(output, threshold, k.analyzer.DriftComparator())
	sess.mu.Unlock()

	if scored && res.Exceeded {
		k.metrics.DriftEvents.Inc()
		k.logger.Warn("drift detected",
			zap.String("agent_id", agentID),
			zap.Float64("drift_score", res.Score),
			zap.Float64("threshold", res.Threshold))
		k.events.emit(Event{
			Type:    EventDriftDetected,
			AgentID: agentID,
			At:      k.now().UTC(),
			Data: map[string]any{
				"agent_id":      agentID,
				"drift_score":   res.Score,
				"threshold":     res.Threshold,
				"baseline_hash": res.BaselineHash,
				"current_hash":  res.CurrentHash,
			},
		})
	}
	return res, scored
}

// StartSession явно открывает сессию; Intercept делает это лениво
func (k *Kernel) StartSession(agentID string) domain.AgentState {
	k.sessions.GetOrCreate(agentID)
	return k.dispatcher.Register(agentID)
}

// EndSession архивирует контекст и сбрасывает окно лимита агента.
// Состояние в диспетчере сохраняется: завершенный агент остается завершенным.
func (k *Kernel) EndSession(agentID string) (SessionSnapshot, bool) {
	snap, ok := k.sessions.End(agentID)
	if ok {
		k.limiters.Range(func(_, v any) bool {
			v.(*RateLimiter).Reset(agentID)
			return true
		})
	}
	return snap, ok
}

// Session — снимок активной сессии, иначе последней архивной
func (k *Kernel) Session(agentID string) (SessionSnapshot, bool) {
	if c, ok := k.sessions.Get(agentID); ok {
		return c.Snapshot(), true
	}
	return k.sessions.Archived(agentID)
}

// Agents — все известные агенты с числом разрешенных вызовов в текущей сессии
func (k *Kernel) Agents() []domain.Agent {
	agents := k.dispatcher.Agents()
	counts := k.sessions.CallCounts()
	for i := range agents {
		agents[i].CallCount = counts[agents[i].ID]
	}
	return agents
}

func (k *Kernel) Audit() *audit.Ledger { return k.ledger }

func (k *Kernel) Reviews() *ReviewQueue { return k.reviews }

func (k *Kernel) Dispatcher() *SignalDispatcher { return k.dispatcher }

func (k *Kernel) Graph() *masking.Graph { return k.graph }

func (k *Kernel) Metrics() *Metrics { return k.metrics }
