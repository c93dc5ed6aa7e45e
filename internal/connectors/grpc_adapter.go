package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultExecuteMethod — метод удаленного коннектора. Запрос и ответ — google.protobuf.Struct,
// поэтому сгенерированные стабы не нужны.
const DefaultExecuteMethod = "/connector.v1.ConnectorService/Execute"

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	method  string
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера; пустой method заменяется на DefaultExecuteMethod
func NewGRPCAdapter(conn grpc.ClientConnInterface, method string) *GRPCAdapter {
	if method == "" {
		method = DefaultExecuteMethod
	}
	return &GRPCAdapter{conn: conn, method: method, timeout: 15 * time.Second}
}

// Call реализует ExecutionProvider
func (a *GRPCAdapter) Call(ctx context.Context, tool string, payload []byte) ([]byte, error) {
	// 1. JSON -> Protobuf Struct
	args := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	in, err := structpb.NewStruct(map[string]any{
		"tool":      tool,
		"arguments": args,
		"metadata":  map[string]any{"source": "governance-kernel"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Собственный предел адаптера, даже если ReliabilityWrapper задал свой
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, a.method, in, out); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return nil, fmt.Errorf("connector call failed: %w", err)
	}

	// 3. Ошибка уровня приложения приходит полем "error"
	result := out.AsMap()
	if msg, ok := result["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("connector returned error: %s", msg)
	}
	if r, ok := result["result"]; ok {
		return json.Marshal(r)
	}
	return json.Marshal(result)
}
