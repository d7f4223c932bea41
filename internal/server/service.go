package server

// ============================================================================
// gRPC 服務描述
// 服務: beaver.orchestrator.v1.Orchestrator
// 訊息: 全部使用 google.protobuf.Struct，不需要產生程式碼
//
//   Register  {session, id, action, args, priority, pre_delay, post_delay, timeout}
//             → {session, id, pending}
//   Cancel    {session, id}  → {session, id, pending}
//   Execute   {session}      → {session, results, pending}
//   Status    {session?}     → {sessions: [...]}
// ============================================================================

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 完整服務名稱
const ServiceName = "beaver.orchestrator.v1.Orchestrator"

// RPC 方法完整路徑
const (
	MethodRegister = "/" + ServiceName + "/Register"
	MethodCancel   = "/" + ServiceName + "/Cancel"
	MethodExecute  = "/" + ServiceName + "/Execute"
	MethodStatus   = "/" + ServiceName + "/Status"
)

// OrchestratorServer 服務端介面
type OrchestratorServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(OrchestratorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrchestratorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrchestratorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc 手寫的服務描述（等同 protoc-gen-go-grpc 產生的內容）
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrchestratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(MethodRegister, OrchestratorServer.Register)},
		{MethodName: "Cancel", Handler: unaryHandler(MethodCancel, OrchestratorServer.Cancel)},
		{MethodName: "Execute", Handler: unaryHandler(MethodExecute, OrchestratorServer.Execute)},
		{MethodName: "Status", Handler: unaryHandler(MethodStatus, OrchestratorServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/orchestrator/v1/orchestrator.proto",
}

// RegisterOrchestratorServer 把實作註冊到 gRPC server
func RegisterOrchestratorServer(s grpc.ServiceRegistrar, srv OrchestratorServer) {
	s.RegisterService(&ServiceDesc, srv)
}
