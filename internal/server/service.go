package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "beaver.dispatch.v1.Dispatcher"

// Method names of the Dispatcher service.
const (
	MethodSubmit      = "Submit"
	MethodSubmitGroup = "SubmitGroup"
	MethodGet         = "Get"
	MethodFind        = "Find"
	MethodCancel      = "Cancel"
	MethodCancelGroup = "CancelGroup"
	MethodStatus      = "Status"
)

// DispatcherServer is the server API of the Dispatcher service. Every
// message is a google.protobuf.Struct holding the JSON form of the
// request or response types in this package.
type DispatcherServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Find(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Dispatcher service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodSubmit, Handler: unaryHandler(MethodSubmit, DispatcherServer.Submit)},
		{MethodName: MethodSubmitGroup, Handler: unaryHandler(MethodSubmitGroup, DispatcherServer.SubmitGroup)},
		{MethodName: MethodGet, Handler: unaryHandler(MethodGet, DispatcherServer.Get)},
		{MethodName: MethodFind, Handler: unaryHandler(MethodFind, DispatcherServer.Find)},
		{MethodName: MethodCancel, Handler: unaryHandler(MethodCancel, DispatcherServer.Cancel)},
		{MethodName: MethodCancelGroup, Handler: unaryHandler(MethodCancelGroup, DispatcherServer.CancelGroup)},
		{MethodName: MethodStatus, Handler: unaryHandler(MethodStatus, DispatcherServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/dispatch/v1/dispatcher.proto",
}

// RegisterDispatcherServer registers srv on s.
func RegisterDispatcherServer(s grpc.ServiceRegistrar, srv DispatcherServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns "/beaver.dispatch.v1.Dispatcher/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryMethod func(DispatcherServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, fn unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(DispatcherServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(DispatcherServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
