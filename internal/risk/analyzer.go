package risk

import (
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

// Thresholds — пороги эффективной политики агента
type Thresholds struct {
	Confidence float64
	Drift      float64
}

// Причины ESCALATE фиксированы; числа уходят в лог и в Finding
const (
	ReasonLowConfidence = "below confidence threshold"
	ReasonDrift         = "drift beyond threshold"
)

// Finding — нарушение порога, которое ядро превращает в ESCALATE
type Finding struct {
	Rule      string
	Reason    string
	Value     float64
	Threshold float64
}

type Analyzer struct {
	confidence Comparator
	drift      Comparator
	logger     *zap.Logger
}

// NewAnalyzer: пустые компараторы заменяются на значения по умолчанию (lt / gt)
func NewAnalyzer(confidence, drift Comparator, logger *zap.Logger) *Analyzer {
	if confidence == "" {
		confidence = LessThan
	}
	if drift == "" {
		drift = GreaterThan
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{confidence: confidence, drift: drift, logger: logger.Named("analyzer")}
}

// Evaluate проверяет сигналы риска, которые прислал вызывающий.
// Отсутствующее значение не проверяется. Уверенность проверяется первой.
func (a *Analyzer) Evaluate(agentID string, confidence, drift *float64, th Thresholds) (Finding, bool) {
	if confidence != nil && a.confidence.Trips(*confidence, th.Confidence) {
		f := Finding{
			Rule:      domain.RuleConfidence,
			Reason:    ReasonLowConfidence,
			Value:     *confidence,
			Threshold: th.Confidence,
		}
		a.logger.Warn("ESCALATION TRIGGERED",
			zap.String("agent_id", agentID),
			zap.String("rule", f.Rule),
			zap.Float64("value", f.Value),
			zap.Float64("threshold", f.Threshold),
			zap.String("comparator", a.confidence.Symbol()),
		)
		return f, true
	}
	if drift != nil && a.drift.Trips(*drift, th.Drift) {
		f := Finding{
			Rule:      domain.RuleDrift,
			Reason:    ReasonDrift,
			Value:     *drift,
			Threshold: th.Drift,
		}
		a.logger.Warn("ESCALATION TRIGGERED",
			zap.String("agent_id", agentID),
			zap.String("rule", f.Rule),
			zap.Float64("value", f.Value),
			zap.Float64("threshold", f.Threshold),
			zap.String("comparator", a.drift.Symbol()),
		)
		return f, true
	}
	return Finding{}, false
}

// DriftComparator нужен трекеру дрейфа после выполнения
func (a *Analyzer) DriftComparator() Comparator { return a.drift }
