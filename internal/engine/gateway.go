package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

// ExecutionProvider — исполнитель разрешенных вызовов (коннектор целевой системы)
type ExecutionProvider interface {
	Call(ctx context.Context, tool string, payload []byte) ([]byte, error)
}

// Result — решение ядра и, для ALLOW, уже замаскированный ответ инструмента
type Result struct {
	Decision domain.Decision   `json:"decision"`
	Response map[string]any    `json:"response,omitempty"`
	Drift    *DriftObservation `json:"drift,omitempty"`
}

type DriftObservation struct {
	Score    float64 `json:"score"`
	Exceeded bool    `json:"exceeded"`
}

// Gateway — полный цикл вызова: перехват, исполнение через коннектор,
// маскирование ответа и учет дрейфа.
type Gateway struct {
	kernel   *Kernel
	executor ExecutionProvider
	logger   *zap.Logger
}

func NewGateway(kernel *Kernel, executor ExecutionProvider, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{kernel: kernel, executor: executor, logger: logger.Named("gateway")}
}

// ProcessAction исполняет вызов только при ALLOW. Остальные вердикты возвращаются без ошибки.
func (g *Gateway) ProcessAction(ctx context.Context, req domain.ToolCallRequest) (Result, error) {
	d, err := g.kernel.Intercept(ctx, req)
	if err != nil {
		return Result{}, err
	}
	res := Result{Decision: d}
	if !d.Allowed() {
		return res, nil
	}

	// Исполнителю уходят исходные аргументы: маскирование защищает агента и аудит, а не целевую систему
	payload, err := json.Marshal(req.Arguments)
	if err != nil {
		return res, fmt.Errorf("gateway: encode arguments: %w", err)
	}
	raw, err := g.executor.Call(ctx, req.Tool, payload)
	if err != nil {
		g.kernel.metrics.ErrorTotal.WithLabelValues("exec_failed").Inc()
		g.logger.Error("tool execution failed",
			zap.String("agent_id", req.AgentID),
			zap.String("tool", req.Tool),
			zap.String("trace_id", TraceIDFrom(ctx)),
			zap.Error(err))
		return res, fmt.Errorf("gateway: execute %s: %w", req.Tool, err)
	}

	var body map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			// Не-JSON ответ заворачиваем, чтобы граф мог его скрыть целиком по пути "result"
			body = map[string]any{"result": string(raw)}
		}
	}
	res.Response = g.kernel.graph.Apply(body, req.Capabilities)

	// Дрейф считается по тому, что реально увидит агент
	masked, _ := json.Marshal(res.Response)
	if dr, scored := g.kernel.PostExecute(req.AgentID, string(masked)); scored {
		res.Drift = &DriftObservation{Score: dr.Score, Exceeded: dr.Exceeded}
	}
	return res, nil
}
