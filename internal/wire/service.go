package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the collector.
const ServiceName = "palisade.session.v1.SessionCollector"

// Full method names.
const (
	CreateSessionMethod   = "/" + ServiceName + "/CreateSession"
	AddEventsMethod       = "/" + ServiceName + "/AddEvents"
	CompleteSessionMethod = "/" + ServiceName + "/CompleteSession"
)

// CollectorServer is implemented by the session collector.
type CollectorServer interface {
	CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AddEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CompleteSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterCollectorServer registers srv on s.
func RegisterCollectorServer(s grpc.ServiceRegistrar, srv CollectorServer) {
	s.RegisterService(&collectorServiceDesc, srv)
}

type unaryCall func(srv CollectorServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CollectorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CollectorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var collectorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateSession",
			Handler: unaryHandler(CreateSessionMethod, func(srv CollectorServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				return srv.CreateSession(ctx, req)
			}),
		},
		{
			MethodName: "AddEvents",
			Handler: unaryHandler(AddEventsMethod, func(srv CollectorServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				return srv.AddEvents(ctx, req)
			}),
		},
		{
			MethodName: "CompleteSession",
			Handler: unaryHandler(CompleteSessionMethod, func(srv CollectorServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				return srv.CompleteSession(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "palisade/session/v1/collector.proto",
}

// Invoke encodes req, calls method on cc and decodes the reply into resp.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return Decode(out, resp)
}
