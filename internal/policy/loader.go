package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"gopkg.in/yaml.v3"
)

// Document — формат файла политик. Неизвестные поля отклоняются (fail closed).
//
//	policies:
//	  - name: enterprise
//	    max_tokens: 8192
//	    blocked_patterns:
//	      - {pattern: '\b\d{3}-\d{2}-\d{4}\b', kind: regex}
//	  - name: enterprise-finance
//	    extends: enterprise        # производная политика, только ужесточения
//	    max_tool_calls: 3
//	bindings:
//	  "*": [enterprise]
//	  billing-agent: [enterprise-finance, soc2]
type Document struct {
	Policies []policyDoc         `yaml:"policies"`
	Bindings map[string][]string `yaml:"bindings"`
}

// policyDoc хранит указатели, чтобы отличать "поле не указано" от нулевого значения
type policyDoc struct {
	Name    string `yaml:"name"`
	Extends string `yaml:"extends"`

	MaxTokens             *int                     `yaml:"max_tokens"`
	MaxToolCalls          *int                     `yaml:"max_tool_calls"`
	MaxConcurrent         *int                     `yaml:"max_concurrent"`
	BackpressureThreshold *int                     `yaml:"backpressure_threshold"`
	AllowedTools          *[]string                `yaml:"allowed_tools"`
	BlockedPatterns       *[]domain.BlockedPattern `yaml:"blocked_patterns"`
	ConfidenceThreshold   *float64                 `yaml:"confidence_threshold"`
	DriftThreshold        *float64                 `yaml:"drift_threshold"`
	RequireHumanApproval  *bool                    `yaml:"require_human_approval"`
	LogAllCalls           *bool                    `yaml:"log_all_calls"`
	CheckpointFrequency   *int                     `yaml:"checkpoint_frequency"`
}

// deltas переводит явно указанные поля в изменения. Для наследников шаблоны
// дописываются к унаследованным: убрать шаблон предка все равно нельзя.
func (d policyDoc) deltas() []Delta {
	var out []Delta
	if d.MaxTokens != nil {
		out = append(out, SetMaxTokens(*d.MaxTokens))
	}
	if d.MaxToolCalls != nil {
		out = append(out, SetMaxToolCalls(*d.MaxToolCalls))
	}
	if d.MaxConcurrent != nil {
		out = append(out, SetMaxConcurrent(*d.MaxConcurrent))
	}
	if d.BackpressureThreshold != nil {
		out = append(out, SetBackpressureThreshold(*d.BackpressureThreshold))
	}
	if d.AllowedTools != nil {
		out = append(out, SetAllowedTools(*d.AllowedTools...))
	}
	if d.BlockedPatterns != nil {
		if d.Extends != "" {
			out = append(out, AddBlockedPatterns(*d.BlockedPatterns...))
		} else {
			out = append(out, SetBlockedPatterns(*d.BlockedPatterns...))
		}
	}
	if d.ConfidenceThreshold != nil {
		out = append(out, SetConfidenceThreshold(*d.ConfidenceThreshold))
	}
	if d.DriftThreshold != nil {
		out = append(out, SetDriftThreshold(*d.DriftThreshold))
	}
	if d.RequireHumanApproval != nil {
		out = append(out, SetRequireHumanApproval(*d.RequireHumanApproval))
	}
	if d.LogAllCalls != nil {
		out = append(out, SetLogAllCalls(*d.LogAllCalls))
	}
	if d.CheckpointFrequency != nil {
		out = append(out, SetCheckpointFrequency(*d.CheckpointFrequency))
	}
	return out
}

// Set — результат загрузки: именованные политики и привязки агентов
type Set struct {
	Policies map[string]domain.Policy
	Order    []string
	Bindings map[string][]string
}

// Get возвращает копию политики
func (s *Set) Get(name string) (domain.Policy, bool) {
	p, ok := s.Policies[name]
	if !ok {
		return domain.Policy{}, false
	}
	return p.Clone(), true
}

// LoadFile читает документ политик с диска
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErr("", "", fmt.Errorf("read %s: %w", path, err))
	}
	return Load(bytes.NewReader(data))
}

// Load разбирает документ строго: неизвестные поля, битые шаблоны, ослабляющие
// наследования и ссылки на несуществующие политики — ConfigurationError.
func Load(r io.Reader) (*Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, configErr("", "", errors.New("empty policy document"))
		}
		return nil, configErr("", "", fmt.Errorf("decode: %w", err))
	}
	return Build(doc)
}

// Build собирает Set из уже разобранного документа
func Build(doc Document) (*Set, error) {
	raw := make(map[string]policyDoc, len(doc.Policies))
	set := &Set{
		Policies: make(map[string]domain.Policy, len(doc.Policies)),
		Bindings: make(map[string][]string, len(doc.Bindings)),
	}
	for i, pd := range doc.Policies {
		if pd.Name == "" {
			return nil, configErr("", fmt.Sprintf("policies[%d].name", i), errors.New("name is required"))
		}
		if _, dup := raw[pd.Name]; dup {
			return nil, configErr(pd.Name, "name", ErrDuplicateName)
		}
		raw[pd.Name] = pd
		set.Order = append(set.Order, pd.Name)
	}

	resolving := make(map[string]bool)
	var resolve func(name string) (domain.Policy, error)
	resolve = func(name string) (domain.Policy, error) {
		if p, ok := set.Policies[name]; ok {
			return p, nil
		}
		pd, ok := raw[name]
		if !ok {
			return domain.Policy{}, configErr(name, "", ErrUnknownPolicy)
		}
		if resolving[name] {
			return domain.Policy{}, configErr(name, "extends", errors.New("inheritance cycle"))
		}
		resolving[name] = true
		defer delete(resolving, name)

		var (
			p   domain.Policy
			err error
		)
		if pd.Extends != "" {
			base, berr := resolve(pd.Extends)
			if berr != nil {
				return domain.Policy{}, berr
			}
			p, err = Override(base, name, pd.deltas()...)
		} else {
			p, err = fromDefaults(name, pd.deltas())
		}
		if err != nil {
			return domain.Policy{}, err
		}
		if _, err := NewMatcher(p.BlockedPatterns); err != nil {
			var ce *ConfigurationError
			if errors.As(err, &ce) {
				ce.Policy = name
			}
			return domain.Policy{}, err
		}
		set.Policies[name] = p
		return p, nil
	}

	for _, name := range set.Order {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}

	for agent, names := range doc.Bindings {
		if len(names) == 0 {
			return nil, configErr("", "bindings."+agent, ErrEmptyCompose)
		}
		for _, n := range names {
			if _, ok := set.Policies[n]; !ok {
				return nil, configErr(n, "bindings."+agent, ErrUnknownPolicy)
			}
		}
		set.Bindings[agent] = slices.Clone(names)
	}
	return set, nil
}

func fromDefaults(name string, deltas []Delta) (domain.Policy, error) {
	p := domain.DefaultPolicy()
	p.Name = name
	for _, d := range deltas {
		d.apply(&p)
	}
	if err := p.Validate(); err != nil {
		return domain.Policy{}, configErr(name, "", err)
	}
	return p, nil
}
