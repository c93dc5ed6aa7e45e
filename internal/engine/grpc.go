package engine

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Заголовки, которые адаптер фреймворка передает в метаданных gRPC (нижний регистр)
const (
	MDAgentID       = "x-agent-id"
	MDApprovalToken = "x-approval-token"
	MDConfidence    = "x-confidence"
	MDDrift         = "x-drift"
	MDCapabilities  = "x-capabilities"
	MDInitiator     = "x-initiator-id"
	MDTraceID       = "x-trace-id"
	MDReviewID      = "x-review-id"
)

type grpcOptions struct {
	toolName func(fullMethod string) string
}

type GRPCOption func(*grpcOptions)

// WithToolNamer задает имя инструмента по полному имени метода.
// По умолчанию берется последний сегмент: "/crm.v1.CRM/LookupCustomer" -> "LookupCustomer".
func WithToolNamer(fn func(fullMethod string) string) GRPCOption {
	return func(o *grpcOptions) { o.toolName = fn }
}

func methodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// UnaryGovernanceInterceptor ставит ядро перед любым gRPC-сервисом инструментов.
// Обработчик вызывается только при ALLOW; ответ google.protobuf.Struct маскируется графом.
func UnaryGovernanceInterceptor(k *Kernel, opts ...GRPCOption) grpc.UnaryServerInterceptor {
	o := grpcOptions{toolName: methodName}
	for _, opt := range opts {
		opt(&o)
	}

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		agentID := first(md, MDAgentID)
		if agentID == "" {
			return nil, status.Errorf(codes.Unauthenticated, "missing %s", MDAgentID)
		}
		if traceID := first(md, MDTraceID); traceID != "" {
			ctx = WithTraceID(ctx, traceID)
		}

		args, err := messageArguments(req)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}

		// 2. Собираем запрос так же, как HTTP-граница
		call := requestFromMetadata(md, agentID, o.toolName(info.FullMethod), args)

		// 3. Решение ядра
		d, err := k.Intercept(ctx, call)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		switch d.Verdict {
		case domain.VerdictDeny:
			return nil, status.Errorf(codes.PermissionDenied, "%s: %s", d.Rule, d.Reason)
		case domain.VerdictEscalate, domain.VerdictDefer:
			return nil, heldError(ctx, d)
		}

		// 4. Исполнение и маскирование ответа
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}
		if s, ok := resp.(*structpb.Struct); ok && s != nil {
			masked := k.graph.Apply(s.AsMap(), call.Capabilities)
			out, err := structpb.NewStruct(masked)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "mask response: %v", err)
			}
			if raw, err := json.Marshal(masked); err == nil {
				k.PostExecute(agentID, string(raw))
			}
			return out, nil
		}
		return resp, nil
	}
}

// requestFromMetadata переносит необязательные поля запроса из метаданных
func requestFromMetadata(md metadata.MD, agentID, tool string, args map[string]any) domain.ToolCallRequest {
	opts := []domain.RequestOption{
		domain.WithApprovalToken(first(md, MDApprovalToken)),
		domain.WithInitiator(first(md, MDInitiator)),
	}
	if v, ok := parseScore(first(md, MDConfidence)); ok {
		opts = append(opts, domain.WithConfidence(v))
	}
	if v, ok := parseScore(first(md, MDDrift)); ok {
		opts = append(opts, domain.WithDrift(v))
	}
	if caps := first(md, MDCapabilities); caps != "" {
		opts = append(opts, domain.WithCapabilities(splitList(caps)...))
	}
	return domain.NewToolCallRequest(agentID, tool, args, opts...)
}

// heldError — статус для ESCALATE/DEFER; ID ревью уходит в заголовке
func heldError(ctx context.Context, d domain.Decision) error {
	if d.ReviewID != "" {
		// Вне реального сервера транспорта нет, заголовок просто не уйдет
		_ = grpc.SetHeader(ctx, metadata.Pairs(MDReviewID, d.ReviewID))
	}
	return status.Errorf(codes.Aborted, "%s: %s (review %s)", d.Verdict, d.Reason, d.ReviewID)
}

// messageArguments превращает protobuf-сообщение в map аргументов
func messageArguments(req interface{}) (map[string]any, error) {
	switch m := req.(type) {
	case nil:
		return map[string]any{}, nil
	case *structpb.Struct:
		return m.AsMap(), nil
	case proto.Message:
		raw, err := protojson.Marshal(m)
		if err != nil {
			return nil, err
		}
		args := map[string]any{}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return args, nil
	}
	return map[string]any{}, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func parseScore(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
