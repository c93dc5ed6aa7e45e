package engine

import (
	"context"
	"errors"

	"github.com/xela07ax/spaceai-governance-kernel/internal/connectors"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ConnectorServer — тот же контракт, что у удаленных коннекторов:
// запрос {tool, arguments, metadata}, ответ {result} или {error}.
// Агент может ходить в шлюз так же, как шлюз ходит в коннектор.
type ConnectorServer interface {
	Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ConnectorServiceDesc описан вручную: сообщения — google.protobuf.Struct
var ConnectorServiceDesc = grpc.ServiceDesc{
	ServiceName: "connector.v1.ConnectorService",
	HandlerType: (*ConnectorServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Execute",
		Handler:    executeHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "connector/v1/connector.proto",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConnectorServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: connectors.DefaultExecuteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ConnectorServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCGatewayServer — gRPC-вход в тот же пайплайн, что и POST /v1/execute
type GRPCGatewayServer struct {
	gateway *Gateway
}

func NewGRPCGatewayServer(g *Gateway) *GRPCGatewayServer {
	return &GRPCGatewayServer{gateway: g}
}

// Register подключает сервис к gRPC серверу
func (s *GRPCGatewayServer) Register(srv *grpc.Server) {
	srv.RegisterService(&ConnectorServiceDesc, s)
}

func (s *GRPCGatewayServer) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	body := in.AsMap()
	md, _ := metadata.FromIncomingContext(ctx)

	// AgentID берем из метаданных вызова, иначе из поля metadata самого запроса
	agentID := first(md, MDAgentID)
	if agentID == "" {
		if m, ok := body["metadata"].(map[string]any); ok {
			agentID, _ = m["agent_id"].(string)
		}
	}
	if agentID == "" {
		return nil, status.Errorf(codes.Unauthenticated, "missing %s", MDAgentID)
	}
	if traceID := first(md, MDTraceID); traceID != "" {
		ctx = WithTraceID(ctx, traceID)
	}
	tool, _ := body["tool"].(string)
	args, _ := body["arguments"].(map[string]any)

	res, err := s.gateway.ProcessAction(ctx, requestFromMetadata(md, agentID, tool, args))
	var throttle *connectors.ThrottleError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &throttle):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case err != nil:
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	d := res.Decision
	switch d.Verdict {
	case domain.VerdictDeny:
		return nil, status.Errorf(codes.PermissionDenied, "%s: %s", d.Rule, d.Reason)
	case domain.VerdictEscalate, domain.VerdictDefer:
		return nil, heldError(ctx, d)
	}

	out := map[string]any{"result": res.Response}
	if res.Response == nil {
		out["result"] = map[string]any{}
	}
	if d.AuditID != "" {
		out["audit_id"] = d.AuditID
	}
	if res.Drift != nil {
		out["drift_score"] = res.Drift.Score
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}
