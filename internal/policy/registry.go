package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

// Source поставляет набор политик. Используется только в Refresh(), не на горячем пути.
type Source interface {
	LoadPolicies(ctx context.Context) (*Set, error)
}

// FileSource читает YAML-документ с диска при каждом Refresh
type FileSource struct {
	Path string
}

func (s FileSource) LoadPolicies(_ context.Context) (*Set, error) {
	return LoadFile(s.Path)
}

// Compiled — эффективная политика агента вместе со скомпилированными шаблонами.
// Разделяется между горутинами только на чтение.
type Compiled struct {
	policy  domain.Policy
	matcher *Matcher
}

// CompilePolicy проверяет шаблоны и замораживает копию политики
func CompilePolicy(p domain.Policy) (*Compiled, error) {
	m, err := NewMatcher(p.BlockedPatterns)
	if err != nil {
		return nil, err
	}
	return &Compiled{policy: p.Clone(), matcher: m}, nil
}

// Policy возвращает копию, исходный экземпляр остается неизменным
func (c *Compiled) Policy() domain.Policy { return c.policy.Clone() }

func (c *Compiled) Name() string { return c.policy.Name }

func (c *Compiled) AllowsTool(tool string) bool { return c.policy.AllowsTool(tool) }

func (c *Compiled) Scan(tool string, args map[string]any) (MatchResult, bool) {
	return c.matcher.Scan(tool, args)
}

// Redact — копия аргументов, где совпавшие с шаблонами строки заменены на replace(value)
func (c *Compiled) Redact(args map[string]any, replace func(string) string) map[string]any {
	return c.matcher.Redact(args, replace)
}

// Поля, которые читаются на каждом вызове, отдаем без копирования
func (c *Compiled) MaxToolCalls() int { return c.policy.MaxToolCalls }
func (c *Compiled) ConfidenceThreshold() float64 { return c.policy.ConfidenceThreshold }
func (c *Compiled) DriftThreshold() float64 { return c.policy.DriftThreshold }
func (c *Compiled) RequireHumanApproval() bool { return c.policy.RequireHumanApproval }
func (c *Compiled) LogAllCalls() bool { return c.policy.LogAllCalls }
func (c *Compiled) CheckpointFrequency() int { return c.policy.CheckpointFrequency }

// Registry — In-memory кэш эффективных политик. Композиция выполняется один раз при загрузке,
// в рантайме ядро обращается только к памяти.
type Registry struct {
	mu sync.RWMutex
	// Кэш: "agent_id" или "*" -> эффективная политика
	bindings map[string]*Compiled
	set      *Set

	source Source // Используется только для Refresh()
	logger *zap.Logger
}

func NewRegistry(source Source, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		bindings: make(map[string]*Compiled),
		source:   source,
		logger:   logger.Named("policy-registry"),
	}
}

// NewStaticRegistry — реестр без источника, сразу из готового набора (тесты, встраивание)
func NewStaticRegistry(set *Set, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(nil, logger)
	if err := r.Apply(set); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup — горячий путь.
// 1. Сначала персональная привязка агента, 2. затем глобальная ("*").
// Если ничего нет — false, ядро трактует это как Default Deny.
func (r *Registry) Lookup(agentID string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.bindings[agentID]; ok {
		return c, true
	}
	if c, ok := r.bindings["*"]; ok {
		return c, true
	}
	return nil, false
}

// Bind привязывает агента к композиции уже загруженных политик
func (r *Registry) Bind(agentID string, names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set == nil {
		return configErr("", "bindings."+agentID, ErrUnknownPolicy)
	}
	c, err := composeNamed(r.set, names)
	if err != nil {
		return err
	}
	r.bindings[agentID] = c
	return nil
}

// Apply атомарно заменяет весь набор. Ошибка в любой привязке — старый набор остается.
func (r *Registry) Apply(set *Set) error {
	next := make(map[string]*Compiled, len(set.Bindings))
	for agent, names := range set.Bindings {
		c, err := composeNamed(set, names)
		if err != nil {
			return fmt.Errorf("binding %q: %w", agent, err)
		}
		next[agent] = c
	}

	r.mu.Lock()
	r.bindings = next
	r.set = set
	r.mu.Unlock()

	r.logger.Info("policy cache refreshed",
		zap.Int("policies", len(set.Policies)),
		zap.Int("bindings", len(next)))
	return nil
}

// Refresh выполняет «холодную загрузку» из источника
func (r *Registry) Refresh(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	set, err := r.source.LoadPolicies(ctx)
	if err != nil {
		return err
	}
	return r.Apply(set)
}

// Effective возвращает копию эффективной политики для агента (операторский API)
func (r *Registry) Effective(agentID string) (domain.Policy, bool) {
	c, ok := r.Lookup(agentID)
	if !ok {
		return domain.Policy{}, false
	}
	return c.Policy(), true
}

func composeNamed(set *Set, names []string) (*Compiled, error) {
	ps := make([]domain.Policy, 0, len(names))
	for _, n := range names {
		p, ok := set.Get(n)
		if !ok {
			return nil, configErr(n, "", ErrUnknownPolicy)
		}
		ps = append(ps, p)
	}
	composed, err := Compose(ps...)
	if err != nil {
		return nil, err
	}
	return CompilePolicy(composed)
}
