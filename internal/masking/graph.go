// Package masking отсекает поля полезной нагрузки, к которым у актора нет доступа.
package masking

import (
	"fmt"
	"slices"
	"strings"
)

// Placeholder подставляется вместо недоступного поля в режиме WithPlaceholder
const Placeholder = "[REDACTED]"

type edge struct {
	segs []string
	caps []string
}

type reveal struct {
	segs []string
	keep int
	caps []string
}

// Graph — граф полей: ребро "поле требует одну из способностей".
// Настраивается до начала использования, Apply безопасен для конкурентного чтения.
type Graph struct {
	edges       []edge
	reveals     []reveal
	placeholder bool
}

type Option func(*Graph)

// WithPlaceholder: недоступные поля заменяются на [REDACTED], а не удаляются
func WithPlaceholder() Option {
	return func(g *Graph) { g.placeholder = true }
}

func NewGraph(opts ...Option) *Graph {
	g := &Graph{}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Rule — декларативная форма ребра для конфигурации
type Rule struct {
	Path         string   `mapstructure:"path" yaml:"path"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
	RevealLast   int      `mapstructure:"reveal_last" yaml:"reveal_last"`
}

// FromRules строит граф из конфигурации. RevealLast > 0 делает поле частично раскрываемым.
func FromRules(rules []Rule, opts ...Option) (*Graph, error) {
	g := NewGraph(opts...)
	for i, r := range rules {
		if strings.TrimSpace(r.Path) == "" {
			return nil, fmt.Errorf("masking: rules[%d]: empty path", i)
		}
		if r.RevealLast < 0 {
			return nil, fmt.Errorf("masking: rules[%d]: reveal_last must be >= 0", i)
		}
		if r.RevealLast > 0 {
			g.PartialReveal(r.Path, r.RevealLast, r.Capabilities...)
			continue
		}
		if len(r.Capabilities) == 0 {
			return nil, fmt.Errorf("masking: rules[%d]: %s requires at least one capability", i, r.Path)
		}
		g.Require(r.Path, r.Capabilities...)
	}
	return g, nil
}

// Require добавляет ребро: пройти в path можно с любой из caps.
// Несколько ребер на одном пути должны быть удовлетворены все.
func (g *Graph) Require(path string, caps ...string) *Graph {
	g.edges = append(g.edges, edge{segs: split(path), caps: slices.Clone(caps)})
	return g
}

// PartialReveal помечает поле как частично раскрываемое: без caps
// (или без доступа к полю) показываются только последние keep символов.
func (g *Graph) PartialReveal(path string, keep int, caps ...string) *Graph {
	g.reveals = append(g.reveals, reveal{segs: split(path), keep: keep, caps: slices.Clone(caps)})
	return g
}

// Empty — граф без правил, Apply вернет копию как есть
func (g *Graph) Empty() bool {
	return g == nil || (len(g.edges) == 0 && len(g.reveals) == 0)
}

// Apply возвращает новую нагрузку, исходная не изменяется.
// Результат зависит только от (payload, caps, граф), повторное применение ничего не меняет.
func (g *Graph) Apply(payload map[string]any, caps []string) map[string]any {
	if payload == nil {
		return nil
	}
	if g == nil {
		g = &Graph{}
	}
	granted := make(map[string]bool, len(caps))
	for _, c := range caps {
		granted[c] = true
	}
	return g.walkMap(nil, payload, granted)
}

func (g *Graph) walkMap(segs []string, m map[string]any, granted map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		child := append(slices.Clip(segs), k)
		r, partial := g.revealFor(child)
		if !g.reachable(child, granted) {
			switch {
			case partial && isScalar(v):
				out[k] = maskValue(v, r.keep)
			case g.placeholder:
				out[k] = Placeholder
			}
			continue
		}
		if partial && isScalar(v) && !satisfied(r.caps, granted) {
			out[k] = maskValue(v, r.keep)
			continue
		}
		out[k] = g.walkValue(child, v, granted)
	}
	return out
}

func (g *Graph) walkValue(segs []string, v any, granted map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return g.walkMap(segs, t, granted)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return g.walkMap(segs, m, granted)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = g.walkValue(segs, item, granted)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

func (g *Graph) reachable(segs []string, granted map[string]bool) bool {
	for _, e := range g.edges {
		if matches(e.segs, segs) && !satisfied(e.caps, granted) {
			return false
		}
	}
	return true
}

func (g *Graph) revealFor(segs []string) (reveal, bool) {
	for _, r := range g.reveals {
		if matches(r.segs, segs) {
			return r, true
		}
	}
	return reveal{}, false
}

func satisfied(caps []string, granted map[string]bool) bool {
	for _, c := range caps {
		if granted[c] {
			return true
		}
	}
	return false
}

func split(path string) []string {
	return strings.Split(strings.Trim(path, "."), ".")
}

// matches: '*' совпадает с любым одним сегментом
func matches(pattern, segs []string) bool {
	if len(pattern) != len(segs) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return true
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, map[string]string, []any, []string, nil:
		return false
	}
	return true
}

// maskValue оставляет последние keep рун; короткие значения скрываются целиком
func maskValue(v any, keep int) string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if s == Placeholder {
		return s
	}
	r := []rune(s)
	if len(r) <= keep {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-keep) + string(r[len(r)-keep:])
}
