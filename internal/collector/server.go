package collector

import (
	"google.golang.org/grpc"

	"github.com/tendrl-inc-labs/go-sdk/internal/wire"
)

// NewGRPCServer returns a grpc.Server with r registered behind interceptor.
func NewGRPCServer(r *Receiver, interceptor grpc.UnaryServerInterceptor, opts ...grpc.ServerOption) *grpc.Server {
	if interceptor != nil {
		opts = append(opts, grpc.UnaryInterceptor(interceptor))
	}
	srv := grpc.NewServer(opts...)
	wire.RegisterCollectorServer(srv, r)
	return srv
}
