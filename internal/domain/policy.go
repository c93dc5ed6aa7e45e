package domain

import (
	"fmt"
	"slices"
	"strings"
)

// PatternKind определяет способ сравнения заблокированного шаблона
type PatternKind string

const (
	PatternSubstring PatternKind = "substring" // Вхождение подстроки, с учетом регистра
	PatternGlob      PatternKind = "glob"      // Shell-style: *, ?, [...]
	PatternRegex     PatternKind = "regex"     // RE2, поиск в любом месте строки
)

// Valid проверяет, что тип шаблона известен ядру
func (k PatternKind) Valid() bool {
	switch k {
	case PatternSubstring, PatternGlob, PatternRegex:
		return true
	}
	return false
}

// BlockedPattern — пара (шаблон, тип). Уникальность в политике определяется парой целиком.
type BlockedPattern struct {
	Pattern string      `yaml:"pattern" json:"pattern"`
	Kind    PatternKind `yaml:"kind" json:"kind"`
}

func (b BlockedPattern) String() string {
	return fmt.Sprintf("%s(%s)", b.Kind, b.Pattern)
}

// Policy — именованный неизменяемый набор правил управления агентом.
// Экземпляры создаются при загрузке конфигурации и дальше только читаются:
// все операции (Compose, Override) возвращают новые значения.
type Policy struct {
	Name string `yaml:"name" json:"name"`

	// Числовые лимиты. Композиция берет минимум.
	MaxTokens             int `yaml:"max_tokens" json:"max_tokens"`
	MaxToolCalls          int `yaml:"max_tool_calls" json:"max_tool_calls"`
	MaxConcurrent         int `yaml:"max_concurrent" json:"max_concurrent"`
	BackpressureThreshold int `yaml:"backpressure_threshold" json:"backpressure_threshold"`

	// Пустой список = разрешены все инструменты, кроме заблокированных шаблонами
	AllowedTools    []string         `yaml:"allowed_tools" json:"allowed_tools"`
	// AllowNone появляется только при композиции непересекающихся allow-list:
	// пустое пересечение означает "ничего нельзя", а не "все можно"
	AllowNone       bool             `yaml:"-" json:"allow_none,omitempty"`
	BlockedPatterns []BlockedPattern `yaml:"blocked_patterns" json:"blocked_patterns"`

	// Пороги в диапазоне [0,1]; оператор сравнения задается конфигурацией ядра
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	DriftThreshold      float64 `yaml:"drift_threshold" json:"drift_threshold"`

	RequireHumanApproval bool `yaml:"require_human_approval" json:"require_human_approval"`
	LogAllCalls          bool `yaml:"log_all_calls" json:"log_all_calls"`

	// 0 — чекпоинты отключены
	CheckpointFrequency int `yaml:"checkpoint_frequency" json:"checkpoint_frequency"`
}

// DefaultPolicy возвращает базовые значения, которыми заполняются отсутствующие поля документа
func DefaultPolicy() Policy {
	return Policy{
		MaxTokens:             4096,
		MaxToolCalls:          10,
		MaxConcurrent:         10,
		BackpressureThreshold: 8,
		ConfidenceThreshold:   0.8,
		DriftThreshold:        0.15,
		LogAllCalls:           true,
		CheckpointFrequency:   5,
	}
}

// Clone делает глубокую копию, чтобы вызывающий код не мог изменить разделяемый экземпляр
func (p Policy) Clone() Policy {
	c := p
	c.AllowedTools = slices.Clone(p.AllowedTools)
	c.BlockedPatterns = slices.Clone(p.BlockedPatterns)
	return c
}

// AllowsTool: пустой allow-list означает отсутствие ограничения
func (p Policy) AllowsTool(tool string) bool {
	if p.AllowNone {
		return false
	}
	if len(p.AllowedTools) == 0 {
		return true
	}
	return slices.Contains(p.AllowedTools, tool)
}

// HasPattern проверяет наличие пары (pattern, kind)
func (p Policy) HasPattern(bp BlockedPattern) bool {
	return slices.Contains(p.BlockedPatterns, bp)
}

// Validate проверяет диапазоны значений. Шаблоны компилируются отдельно в пакете policy.
func (p Policy) Validate() error {
	var problems []string
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	for field, v := range map[string]int{
		"max_tokens":             p.MaxTokens,
		"max_tool_calls":         p.MaxToolCalls,
		"max_concurrent":         p.MaxConcurrent,
		"backpressure_threshold": p.BackpressureThreshold,
		"checkpoint_frequency":   p.CheckpointFrequency,
	} {
		if v < 0 {
			problems = append(problems, field+" must be >= 0")
		}
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		problems = append(problems, "confidence_threshold must be within [0,1]")
	}
	if p.DriftThreshold < 0 || p.DriftThreshold > 1 {
		problems = append(problems, "drift_threshold must be within [0,1]")
	}
	for i, bp := range p.BlockedPatterns {
		if bp.Pattern == "" {
			problems = append(problems, fmt.Sprintf("blocked_patterns[%d]: pattern is required", i))
		}
		if !bp.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("blocked_patterns[%d]: unknown kind %q", i, bp.Kind))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return fmt.Errorf("policy %q: %s", p.Name, strings.Join(problems, "; "))
}
