package collector

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tendrl-inc-labs/go-sdk/internal/config"
)

// APIKeyInterceptor returns a gRPC UnaryServerInterceptor that enforces
// bearer API key authentication on every incoming call.
//
// If mode is not "apikey" or key is empty, all calls are allowed. Otherwise
// the "authorization" metadata must carry "Bearer <key>"; anything else
// returns codes.Unauthenticated.
func APIKeyInterceptor(mode, key string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if mode != config.AuthAPIKey || key == "" {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		vals := md.Get("authorization")
		if len(vals) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing api key")
		}
		got, found := strings.CutPrefix(vals[0], "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}

		return handler(ctx, req)
	}
}
