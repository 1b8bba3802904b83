package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tendrl.v1.Collector"

// Full method names.
const (
	MethodPublishBatch  = "/" + ServiceName + "/PublishBatch"
	MethodCheckMessages = "/" + ServiceName + "/CheckMessages"
	MethodPing          = "/" + ServiceName + "/Ping"
)

// CollectorServer is implemented by collectors.
type CollectorServer interface {
	PublishBatch(ctx context.Context, in *Batch) (*Ack, error)
	CheckMessages(ctx context.Context, in *CheckRequest) (*CheckResponse, error)
	Ping(ctx context.Context, in *PingRequest) (*PingResponse, error)
}

// RegisterCollectorServer registers srv on s.
func RegisterCollectorServer(s grpc.ServiceRegistrar, srv CollectorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the collector service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PublishBatch", Handler: publishBatchHandler},
		{MethodName: "CheckMessages", Handler: checkMessagesHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Metadata: "tendrl/v1/collector.proto",
}

func publishBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Batch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).PublishBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPublishBatch}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).PublishBatch(ctx, req.(*Batch))
	}
	return interceptor(ctx, in, info, handler)
}

func checkMessagesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).CheckMessages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCheckMessages}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).CheckMessages(ctx, req.(*CheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPing}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}
