package risk

import (
	"fmt"
	"strings"
)

// Comparator — оператор сравнения значения с порогом.
// Для уверенности срабатывание — "ниже порога", для дрейфа — "выше порога".
type Comparator string

const (
	LessThan       Comparator = "lt"
	LessOrEqual    Comparator = "lte"
	GreaterThan    Comparator = "gt"
	GreaterOrEqual Comparator = "gte"
)

// ParseComparator принимает как мнемонику ("lt"), так и символ ("<")
func ParseComparator(s string) (Comparator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lt", "<":
		return LessThan, nil
	case "lte", "<=":
		return LessOrEqual, nil
	case "gt", ">":
		return GreaterThan, nil
	case "gte", ">=":
		return GreaterOrEqual, nil
	}
	return "", fmt.Errorf("risk: unknown comparator %q", s)
}

// Trips возвращает true, если значение нарушает порог
func (c Comparator) Trips(value, threshold float64) bool {
	switch c {
	case LessThan:
		return value < threshold
	case LessOrEqual:
		return value <= threshold
	case GreaterThan:
		return value > threshold
	case GreaterOrEqual:
		return value >= threshold
	}
	return false
}

func (c Comparator) Symbol() string {
	switch c {
	case LessThan:
		return "<"
	case LessOrEqual:
		return "<="
	case GreaterThan:
		return ">"
	case GreaterOrEqual:
		return ">="
	}
	return string(c)
}
