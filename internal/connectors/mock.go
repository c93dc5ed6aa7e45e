package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// MockSystemsConnector имитирует корпоративные системы для локального запуска и демо.
// Latency по умолчанию 50-300мс; в тестах задается нулевой.
type MockSystemsConnector struct {
	Latency func() time.Duration
}

func (c *MockSystemsConnector) delay() time.Duration {
	if c.Latency != nil {
		return c.Latency()
	}
	return time.Duration(50+rand.IntN(250)) * time.Millisecond
}

func (c *MockSystemsConnector) Call(ctx context.Context, tool string, payload []byte) ([]byte, error) {
	select {
	case <-time.After(c.delay()):
		// Имитация работы
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var args map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, fmt.Errorf("connector: decode payload: %w", err)
		}
	}

	switch tool {
	case "unstable.service":
		return nil, fmt.Errorf("service internal error")
	case "throttled.service":
		return nil, &ThrottleError{RetryAfter: 10 * time.Millisecond, Cause: fmt.Errorf("429 too many requests")}

	// CRM: ответ содержит чувствительные поля, их маскирует шлюз
	case "lookup_customer":
		return json.Marshal(map[string]any{
			"customer": map[string]any{
				"id":    args["customer_id"],
				"name":  "Jane Roe",
				"email": "jane.roe@example.com",
				"ssn":   "123-45-6789",
			},
		})
	case "search_web":
		return json.Marshal(map[string]any{"status": "success", "query": args["query"], "results": []any{"https://example.com"}})
	case "send_email":
		return []byte(`{"status": "sent", "integration": "smtp"}`), nil
	case "db.query.execute":
		return []byte(`{"status": "success", "rows_affected": 0, "data": [{"id": 1, "balance": 5000}]}`), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTool, tool)
	}
}
