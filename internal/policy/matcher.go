package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

// CompiledPattern — заблокированный шаблон, проверенный и скомпилированный при загрузке.
// Для SUBSTRING регулярка не нужна, GLOB транслируется в якорную регулярку.
type CompiledPattern struct {
	domain.BlockedPattern
	re *regexp.Regexp
}

// Compile проверяет шаблон. Любая ошибка здесь — ConfigurationError.
func Compile(bp domain.BlockedPattern) (CompiledPattern, error) {
	if bp.Pattern == "" {
		return CompiledPattern{}, configErr("", "blocked_patterns", fmt.Errorf("empty pattern"))
	}
	switch bp.Kind {
	case domain.PatternSubstring:
		return CompiledPattern{BlockedPattern: bp}, nil
	case domain.PatternRegex:
		re, err := regexp.Compile(bp.Pattern)
		if err != nil {
			return CompiledPattern{}, configErr("", "blocked_patterns", fmt.Errorf("invalid regex %q: %w", bp.Pattern, err))
		}
		return CompiledPattern{BlockedPattern: bp, re: re}, nil
	case domain.PatternGlob:
		re, err := regexp.Compile(globToRegex(bp.Pattern))
		if err != nil {
			return CompiledPattern{}, configErr("", "blocked_patterns", fmt.Errorf("invalid glob %q: %w", bp.Pattern, err))
		}
		return CompiledPattern{BlockedPattern: bp, re: re}, nil
	default:
		return CompiledPattern{}, configErr("", "blocked_patterns", fmt.Errorf("unknown pattern kind %q", bp.Kind))
	}
}

// MatchString — горячий путь, ошибок здесь быть не может
func (c CompiledPattern) MatchString(text string) bool {
	if c.Kind == domain.PatternSubstring {
		return strings.Contains(text, c.Pattern)
	}
	return c.re.MatchString(text)
}

// Match — разовая проверка без предварительной компиляции (утилиты, тесты, CLI)
func Match(text, pattern string, kind domain.PatternKind) (bool, error) {
	cp, err := Compile(domain.BlockedPattern{Pattern: pattern, Kind: kind})
	if err != nil {
		return false, err
	}
	return cp.MatchString(text), nil
}

// globToRegex переводит shell-шаблон в регулярку с полным совпадением.
// '*' пересекает '/', т.к. сравниваются аргументы, а не пути файловой системы.
func globToRegex(glob string) string {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i + 1
			if j < len(runes) && (runes[j] == '!' || runes[j] == '^') {
				j++
			}
			if j < len(runes) && runes[j] == ']' {
				j++
			}
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				// Незакрытая скобка трактуется буквально
				b.WriteString(`\[`)
				continue
			}
			class := string(runes[i+1 : j])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`$`)
	return b.String()
}

// MatchResult сообщает, какой шаблон сработал и где. Уходит в аудит
type MatchResult struct {
	Pattern domain.BlockedPattern
	Field   string // "tool" или путь аргумента, например "customer.ssn" или "items[2]"
	Value   string // Сработавшее значение; в аудит попадает только его хэш
}

// Matcher проверяет запрос против упорядоченного списка шаблонов политики
type Matcher struct {
	patterns []CompiledPattern
}

func NewMatcher(patterns []domain.BlockedPattern) (*Matcher, error) {
	m := &Matcher{patterns: make([]CompiledPattern, 0, len(patterns))}
	for _, bp := range patterns {
		cp, err := Compile(bp)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, cp)
	}
	return m, nil
}

// Scan — first-match-wins по списку шаблонов. Каждый шаблон проверяется сначала
// по имени инструмента, затем по всем строковым полям аргументов (рекурсивно,
// ключи в отсортированном порядке для детерминизма).
func (m *Matcher) Scan(tool string, args map[string]any) (MatchResult, bool) {
	if m == nil || len(m.patterns) == 0 {
		return MatchResult{}, false
	}
	fields := flattenStrings(args)
	for _, p := range m.patterns {
		if p.MatchString(tool) {
			return MatchResult{Pattern: p.BlockedPattern, Field: "tool", Value: tool}, true
		}
		for _, f := range fields {
			if p.MatchString(f.value) {
				return MatchResult{Pattern: p.BlockedPattern, Field: f.path, Value: f.value}, true
			}
		}
	}
	return MatchResult{}, false
}

// Redact возвращает глубокую копию аргументов, в которой каждая строка, совпавшая
// хотя бы с одним шаблоном, заменена на replace(value). Исходная карта не меняется.
func (m *Matcher) Redact(args map[string]any, replace func(string) string) map[string]any {
	out := domain.CloneArguments(args)
	if m == nil || len(m.patterns) == 0 {
		return out
	}
	for k, v := range out {
		out[k] = m.redactValue(v, replace)
	}
	return out
}

func (m *Matcher) hit(s string) bool {
	for _, p := range m.patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// redactValue работает по уже скопированному значению, поэтому меняет его на месте
func (m *Matcher) redactValue(v any, replace func(string) string) any {
	switch t := v.(type) {
	case string:
		if m.hit(t) {
			return replace(t)
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = m.redactValue(item, replace)
		}
	case map[string]string:
		for k, item := range t {
			if m.hit(item) {
				t[k] = replace(item)
			}
		}
	case []any:
		for i, item := range t {
			t[i] = m.redactValue(item, replace)
		}
	case []string:
		for i, item := range t {
			if m.hit(item) {
				t[i] = replace(item)
			}
		}
	}
	return v
}

type stringField struct {
	path  string
	value string
}

func flattenStrings(args map[string]any) []stringField {
	var out []stringField
	walk("", args, &out)
	return out
}

func walk(path string, v any, out *[]stringField) {
	switch t := v.(type) {
	case string:
		*out = append(*out, stringField{path: path, value: t})
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(joinPath(path, k), t[k], out)
		}
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(joinPath(path, k), t[k], out)
		}
	case []any:
		for i, item := range t {
			walk(path+"["+strconv.Itoa(i)+"]", item, out)
		}
	case []string:
		for i, item := range t {
			walk(path+"["+strconv.Itoa(i)+"]", item, out)
		}
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
