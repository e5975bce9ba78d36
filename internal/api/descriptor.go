package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Engine"

// EngineServer is the daemon API consumed by UIs. Requests and responses
// are JSON-shaped google.protobuf.Struct values.
type EngineServer interface {
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestMoreHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetActive(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetDraft(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	TogglePin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TogglePinnedMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// unary builds the method descriptor for one unary call.
func unary[Req any, Resp any](name string, call func(EngineServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the Engine service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Snapshot", EngineServer.Snapshot),
		unary("Status", EngineServer.Status),
		unary("Login", EngineServer.Login),
		unary("Logout", EngineServer.Logout),
		unary("SendText", EngineServer.SendText),
		unary("RequestHistory", EngineServer.RequestHistory),
		unary("RequestMoreHistory", EngineServer.RequestMoreHistory),
		unary("SetActive", EngineServer.SetActive),
		unary("SetDraft", EngineServer.SetDraft),
		unary("TogglePin", EngineServer.TogglePin),
		unary("TogglePinnedMessage", EngineServer.TogglePinnedMessage),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchEvents",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(EngineServer).WatchEvents(in, &eventStream{stream})
			},
			ServerStreams: true,
		},
	},
}

// RegisterEngineServer registers srv on s.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}
