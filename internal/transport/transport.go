package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/internal/config"
	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// SDKVersion is reported in the User-Agent of every call.
const SDKVersion = "0.4.0"

// UserAgent identifies the SDK version and platform.
var UserAgent = fmt.Sprintf("tendrl-go-sdk/%s (%s; %s)", SDKVersion, runtime.GOOS, runtime.GOARCH)

// Transport sends one batch and reports the collector's acknowledgement.
// Implementations are safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, batch []*types.Message) (*types.Ack, error)
	Name() string
	Close() error
}

// HealthChecker is implemented by transports that can probe the collector
// without sending data.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// MessageChecker is implemented by transports that can fetch pending
// server-to-client messages.
type MessageChecker interface {
	CheckMessages(ctx context.Context, limit int) ([]json.RawMessage, error)
}

type attemptTimeoutKey struct{}

// WithAttemptTimeout returns a context whose sends give each attempt d
// instead of the configured AttemptTimeout. Retries still run; ctx's own
// deadline, if any, bounds them all.
func WithAttemptTimeout(ctx context.Context, d time.Duration) context.Context {
	if d <= 0 {
		return ctx
	}
	return context.WithValue(ctx, attemptTimeoutKey{}, d)
}

func attemptTimeout(ctx context.Context, def time.Duration) time.Duration {
	if d, ok := ctx.Value(attemptTimeoutKey{}).(time.Duration); ok {
		return d
	}
	return def
}

// New builds the transport selected by cfg.Mode.
func New(cfg config.ClientConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Mode {
	case config.ModeAPI, config.ModeDirect:
		return NewDirect(cfg, logger)
	case config.ModeAgent:
		return NewAgent(cfg, logger), nil
	default:
		return nil, fmt.Errorf("transport: %w: unknown mode %q", config.ErrInvalid, cfg.Mode)
	}
}
