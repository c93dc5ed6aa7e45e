package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

// AuditEntry — неизменяемая запись журнала. После Append ни одно поле не меняется.
type AuditEntry struct {
	ID          string         `json:"id"`       // UUID записи
	Sequence    int64          `json:"sequence"` // Порядок добавления, начиная с 1
	TraceID     string         `json:"trace_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	AgentID     string         `json:"agent_id"`
	Action      string         `json:"action"` // Имя инструмента или "signal:<NAME>"
	Decision    domain.Verdict `json:"decision"`
	Rule        string         `json:"rule,omitempty"`
	Reason      string         `json:"reason"`
	Policy      string         `json:"policy,omitempty"`
	InitiatorID string         `json:"initiator_id,omitempty"`

	// Subjects — только ключевые хэши чувствительных идентификаторов, никогда сырые значения
	Subjects []string       `json:"subjects,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"` // Уже замаскированная нагрузка

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// SignalAction — значение Action для записей о доставке сигналов
func SignalAction(sig domain.Signal) string {
	return "signal:" + string(sig)
}

// computeHash — SHA-256 от канонического JSON записи без поля Hash.
// encoding/json сортирует ключи map, поэтому результат детерминирован.
func computeHash(e AuditEntry) (string, error) {
	e.Hash = ""
	e.Timestamp = e.Timestamp.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Filter — параметры выборки. Нулевые поля не ограничивают результат.
type Filter struct {
	AgentID  string
	Action   string
	Decision domain.Verdict
	From     time.Time // Включительно
	To       time.Time // Не включительно
	Limit    int       // Последние N подходящих записей
}

func (f Filter) Match(e AuditEntry) bool {
	switch {
	case f.AgentID != "" && e.AgentID != f.AgentID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Decision != "" && e.Decision != f.Decision:
		return false
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !e.Timestamp.Before(f.To):
		return false
	}
	return true
}
