package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

// Compose сворачивает политики попарно слева направо по правилу most-restrictive-wins.
// Результат никогда не ослабляет ни одну из входных политик.
func Compose(policies ...domain.Policy) (domain.Policy, error) {
	if len(policies) == 0 {
		return domain.Policy{}, configErr("", "", ErrEmptyCompose)
	}
	acc := policies[0].Clone()
	for _, p := range policies[1:] {
		acc = merge(acc, p)
	}
	return acc, nil
}

// merge коммутативен и ассоциативен по всем полям, кроме имени
func merge(a, b domain.Policy) domain.Policy {
	out := domain.Policy{
		Name:                  joinNames(a.Name, b.Name),
		MaxTokens:             min(a.MaxTokens, b.MaxTokens),
		MaxToolCalls:          min(a.MaxToolCalls, b.MaxToolCalls),
		MaxConcurrent:         min(a.MaxConcurrent, b.MaxConcurrent),
		BackpressureThreshold: min(a.BackpressureThreshold, b.BackpressureThreshold),
		ConfidenceThreshold:   max(a.ConfidenceThreshold, b.ConfidenceThreshold),
		DriftThreshold:        min(a.DriftThreshold, b.DriftThreshold),
		RequireHumanApproval:  a.RequireHumanApproval || b.RequireHumanApproval,
		LogAllCalls:           a.LogAllCalls || b.LogAllCalls,
		CheckpointFrequency:   minPositive(a.CheckpointFrequency, b.CheckpointFrequency),
		BlockedPatterns:       unionPatterns(a.BlockedPatterns, b.BlockedPatterns),
	}
	out.AllowedTools, out.AllowNone = intersectTools(a, b)
	return out
}

func joinNames(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "+" + b
	}
}

// minPositive: чаще — строже, 0 (выключено) только если выключено у обоих
func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return max(b, 0)
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

func unionPatterns(a, b []domain.BlockedPattern) []domain.BlockedPattern {
	out := make([]domain.BlockedPattern, 0, len(a)+len(b))
	for _, list := range [][]domain.BlockedPattern{a, b} {
		for _, bp := range list {
			if !slices.Contains(out, bp) {
				out = append(out, bp)
			}
		}
	}
	return out
}

// intersectTools: пустой список — нейтральный элемент (без ограничений).
// Пересечение двух непустых непересекающихся списков дает AllowNone.
func intersectTools(a, b domain.Policy) ([]string, bool) {
	if a.AllowNone || b.AllowNone {
		return nil, true
	}
	switch {
	case len(a.AllowedTools) == 0:
		return sortedUnique(b.AllowedTools), false
	case len(b.AllowedTools) == 0:
		return sortedUnique(a.AllowedTools), false
	}
	var out []string
	for _, t := range a.AllowedTools {
		if slices.Contains(b.AllowedTools, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, true
	}
	slices.Sort(out)
	return out, false
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// Delta — именованное изменение одного поля при наследовании политики
type Delta struct {
	Field string
	apply func(*domain.Policy)
}

func SetMaxTokens(n int) Delta {
	return Delta{"max_tokens", func(p *domain.Policy) { p.MaxTokens = n }}
}

func SetMaxToolCalls(n int) Delta {
	return Delta{"max_tool_calls", func(p *domain.Policy) { p.MaxToolCalls = n }}
}

func SetMaxConcurrent(n int) Delta {
	return Delta{"max_concurrent", func(p *domain.Policy) { p.MaxConcurrent = n }}
}

func SetBackpressureThreshold(n int) Delta {
	return Delta{"backpressure_threshold", func(p *domain.Policy) { p.BackpressureThreshold = n }}
}

func SetAllowedTools(tools ...string) Delta {
	return Delta{"allowed_tools", func(p *domain.Policy) { p.AllowedTools = sortedUnique(tools) }}
}

// AddBlockedPatterns дописывает шаблоны к унаследованным
func AddBlockedPatterns(patterns ...domain.BlockedPattern) Delta {
	return Delta{"blocked_patterns", func(p *domain.Policy) {
		p.BlockedPatterns = unionPatterns(p.BlockedPatterns, patterns)
	}}
}

// SetBlockedPatterns заменяет список целиком; пропажа унаследованного шаблона будет отклонена
func SetBlockedPatterns(patterns ...domain.BlockedPattern) Delta {
	return Delta{"blocked_patterns", func(p *domain.Policy) { p.BlockedPatterns = slices.Clone(patterns) }}
}

func SetConfidenceThreshold(v float64) Delta {
	return Delta{"confidence_threshold", func(p *domain.Policy) { p.ConfidenceThreshold = v }}
}

func SetDriftThreshold(v float64) Delta {
	return Delta{"drift_threshold", func(p *domain.Policy) { p.DriftThreshold = v }}
}

func SetRequireHumanApproval(v bool) Delta {
	return Delta{"require_human_approval", func(p *domain.Policy) { p.RequireHumanApproval = v }}
}

func SetLogAllCalls(v bool) Delta {
	return Delta{"log_all_calls", func(p *domain.Policy) { p.LogAllCalls = v }}
}

func SetCheckpointFrequency(n int) Delta {
	return Delta{"checkpoint_frequency", func(p *domain.Policy) { p.CheckpointFrequency = n }}
}

// Override строит производную политику: все как у base, кроме явно указанных полей.
// Разрешены только ужесточения, иначе ConfigurationError.
func Override(base domain.Policy, name string, deltas ...Delta) (domain.Policy, error) {
	derived := base.Clone()
	derived.Name = name
	for _, d := range deltas {
		d.apply(&derived)
	}
	if err := derived.Validate(); err != nil {
		return domain.Policy{}, configErr(name, "", err)
	}
	if err := CheckTightening(base, derived); err != nil {
		return domain.Policy{}, err
	}
	return derived, nil
}

// CheckTightening проверяет, что derived не ослабляет ни одно ограничение base
func CheckTightening(base, derived domain.Policy) error {
	var errs []error
	loosened := func(field, format string, args ...any) {
		errs = append(errs, configErr(derived.Name, field, fmt.Errorf("%w: "+format, append([]any{ErrLoosening}, args...)...)))
	}

	for _, l := range []struct {
		field      string
		base, next int
	}{
		{"max_tokens", base.MaxTokens, derived.MaxTokens},
		{"max_tool_calls", base.MaxToolCalls, derived.MaxToolCalls},
		{"max_concurrent", base.MaxConcurrent, derived.MaxConcurrent},
		{"backpressure_threshold", base.BackpressureThreshold, derived.BackpressureThreshold},
	} {
		if l.next > l.base {
			loosened(l.field, "%d > %d", l.next, l.base)
		}
	}

	for _, bp := range base.BlockedPatterns {
		if !derived.HasPattern(bp) {
			loosened("blocked_patterns", "removes %s", bp)
		}
	}

	switch {
	case base.AllowNone && !derived.AllowNone:
		loosened("allowed_tools", "re-enables tools on a policy that allows none")
	case len(base.AllowedTools) > 0 && !derived.AllowNone:
		if len(derived.AllowedTools) == 0 {
			loosened("allowed_tools", "clears a restricted allow-list")
		}
		for _, t := range derived.AllowedTools {
			if !slices.Contains(base.AllowedTools, t) {
				loosened("allowed_tools", "adds %q", t)
			}
		}
	}

	if derived.ConfidenceThreshold < base.ConfidenceThreshold {
		loosened("confidence_threshold", "%.3f < %.3f", derived.ConfidenceThreshold, base.ConfidenceThreshold)
	}
	if derived.DriftThreshold > base.DriftThreshold {
		loosened("drift_threshold", "%.3f > %.3f", derived.DriftThreshold, base.DriftThreshold)
	}
	if base.RequireHumanApproval && !derived.RequireHumanApproval {
		loosened("require_human_approval", "cleared")
	}
	if base.LogAllCalls && !derived.LogAllCalls {
		loosened("log_all_calls", "cleared")
	}
	if base.CheckpointFrequency > 0 &&
		(derived.CheckpointFrequency <= 0 || derived.CheckpointFrequency > base.CheckpointFrequency) {
		loosened("checkpoint_frequency", "%d is less frequent than %d", derived.CheckpointFrequency, base.CheckpointFrequency)
	}

	return errors.Join(errs...)
}

// Describe — короткое описание эффективной политики для логов
func Describe(p domain.Policy) string {
	tools := "*"
	switch {
	case p.AllowNone:
		tools = "none"
	case len(p.AllowedTools) > 0:
		tools = strings.Join(p.AllowedTools, ",")
	}
	return fmt.Sprintf("%s[tools=%s patterns=%d calls=%d approval=%t]",
		p.Name, tools, len(p.BlockedPatterns), p.MaxToolCalls, p.RequireHumanApproval)
}
