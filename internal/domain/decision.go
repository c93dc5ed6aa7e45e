package domain

import "time"

// Verdict — итог перехвата
type Verdict string

const (
	VerdictAllow    Verdict = "ALLOW"
	VerdictDeny     Verdict = "DENY"
	VerdictEscalate Verdict = "ESCALATE" // Требуется ревью человеком, можно отправить повторно
	VerdictDefer    Verdict = "DEFER"    // Ожидание подтверждения или снятия паузы
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllow, VerdictDeny, VerdictEscalate, VerdictDefer:
		return true
	}
	return false
}

// Правила, которые могут породить решение. Попадают в аудит как есть.
const (
	RuleRateLimit     = "rate_limit"
	RuleAllowList     = "allowed_tools"
	RuleBlocked       = "blocked_pattern"
	RuleConfidence    = "confidence_threshold"
	RuleDrift         = "drift_threshold"
	RuleHumanApproval = "require_human_approval"
	RuleAgentPaused   = "agent_paused"
	RuleTerminated    = "agent_terminated"
	RuleNoPolicy      = "no_policy"
	RuleAudit         = "audit_unavailable"
	RuleCancelled     = "cancelled"
)

// Checkpoint — маркер прогресса агента, выпускается каждые N разрешенных вызовов
type Checkpoint struct {
	Sequence  int       `json:"sequence"`
	CallCount int       `json:"call_count"`
	Tool      string    `json:"tool"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision — результат прохождения запроса через ядро
type Decision struct {
	Verdict  Verdict `json:"verdict"`
	Reason   string  `json:"reason"`
	Rule     string  `json:"rule,omitempty"`
	Terminal bool    `json:"terminal"`

	Policy     string      `json:"policy,omitempty"`
	AuditID    string      `json:"audit_id,omitempty"`
	ReviewID   string      `json:"review_id,omitempty"` // Для ESCALATE/DEFER
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow
}

func Allow(policy string) Decision {
	return Decision{Verdict: VerdictAllow, Reason: "allowed", Policy: policy}
}

func Deny(rule, reason string) Decision {
	return Decision{Verdict: VerdictDeny, Rule: rule, Reason: reason, Terminal: true}
}

func Escalate(rule, reason string) Decision {
	return Decision{Verdict: VerdictEscalate, Rule: rule, Reason: reason}
}

func Defer(rule, reason string) Decision {
	return Decision{Verdict: VerdictDefer, Rule: rule, Reason: reason}
}
