package policy

import (
	"errors"
	"fmt"
)

// ConfigurationError — ошибка загрузки или построения политики.
// Возникает только на этапе конфигурации, никогда на горячем пути перехвата.
type ConfigurationError struct {
	Policy string
	Field  string
	Err    error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Policy != "" && e.Field != "":
		return fmt.Sprintf("policy config: %s.%s: %v", e.Policy, e.Field, e.Err)
	case e.Policy != "":
		return fmt.Sprintf("policy config: %s: %v", e.Policy, e.Err)
	default:
		return fmt.Sprintf("policy config: %v", e.Err)
	}
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

var (
	ErrLoosening     = errors.New("override would loosen an inherited constraint")
	ErrEmptyCompose  = errors.New("compose requires at least one policy")
	ErrUnknownPolicy = errors.New("unknown policy")
	ErrDuplicateName = errors.New("duplicate policy name")
)

func configErr(policy, field string, err error) error {
	return &ConfigurationError{Policy: policy, Field: field, Err: err}
}

// IsConfigurationError — удобный хелпер для вызывающего кода
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
