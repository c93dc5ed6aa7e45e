package audit

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// IdentifierHasher превращает чувствительные идентификаторы (SSN, номер карты,
// e-mail) в ключевой BLAKE2b-256. Без ключа хэш нельзя перебрать по словарю.
type IdentifierHasher struct {
	key []byte
}

func NewIdentifierHasher(key []byte) (*IdentifierHasher, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("audit: hash key must be 1..%d bytes, got %d", blake2b.Size, len(key))
	}
	return &IdentifierHasher{key: append([]byte(nil), key...)}, nil
}

func (h *IdentifierHasher) Hash(id string) string {
	mac, _ := blake2b.New256(h.key) // ключ уже проверен в конструкторе
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Subjects хэширует непустые идентификаторы, сохраняя порядок и убирая дубли
func (h *IdentifierHasher) Subjects(ids ...string) []string {
	if h == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		s := h.Hash(id)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
