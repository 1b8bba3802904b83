package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/tendrl-inc-labs/go-sdk/internal/config"
	"github.com/tendrl-inc-labs/go-sdk/internal/wire"
	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// dialFunc is the function signature used to open a gRPC connection.
// Abstracted so tests can dial an in-process server.
type dialFunc func(ctx context.Context, endpoint string, cfg config.ClientConfig) (*grpc.ClientConn, error)

// Direct sends batches straight to the collector over gRPC.
// The connection is opened on first use and reused across calls.
type Direct struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	dialFn dialFunc
	sleep  func(context.Context, time.Duration) error

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewDirect validates the auth settings and returns a Direct transport.
// No connection is made until the first call.
func NewDirect(cfg config.ClientConfig, logger *slog.Logger) (*Direct, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Mode == config.AuthMTLS {
		// Fail at construction instead of on every send.
		if _, err := buildMTLSCreds(cfg.Auth); err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		if cs, err := InspectClientCert(cfg.Auth, time.Now()); err == nil && cs.Status != CertValid {
			logger.Warn("transport: client certificate "+cs.Status,
				"subject", cs.Subject, "not_after", cs.NotAfter, "days_left", cs.DaysLeft)
		}
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = config.DefaultAttemptTimeout
	}
	return &Direct{
		cfg:    cfg,
		logger: logger,
		dialFn: defaultDial,
		sleep:  sleepCtx,
	}, nil
}

// Name implements Transport.
func (d *Direct) Name() string { return "direct" }

// Send publishes batch, retrying transient failures up to MaxAttempts times.
// Each attempt gets a fresh AttemptTimeout budget, or the one set on ctx by
// WithAttemptTimeout.
func (d *Direct) Send(ctx context.Context, batch []*types.Message) (*types.Ack, error) {
	if len(batch) == 0 {
		return &types.Ack{}, nil
	}
	req := wire.FromBatch(batch)

	d.mu.Lock()
	defer d.mu.Unlock()

	attempts := d.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := newBackoff(d.cfg.BackoffInitial, d.cfg.BackoffMax)

	var lastErr *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp := new(wire.Ack)
		err := d.invokeLocked(ctx, wire.MethodPublishBatch, &req, resp)
		if err == nil {
			return wire.AckFrom(resp), nil
		}

		lastErr = classify("publish", err)
		if lastErr.Kind == Rejected {
			d.logger.Error("transport: collector rejected batch",
				"batch", len(batch), "err", err)
			return nil, lastErr
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}

		wait := bo.next()
		d.logger.Warn("transport: send failed, will retry",
			"endpoint", d.cfg.Endpoint,
			"attempt", attempt,
			"err", err,
			"retry_in", wait)
		if err := d.sleep(ctx, wait); err != nil {
			break
		}
	}
	return nil, lastErr
}

// Healthy pings the collector.
func (d *Direct) Healthy(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := new(wire.PingResponse)
	if err := d.invokeLocked(ctx, wire.MethodPing, &wire.PingRequest{}, resp); err != nil {
		d.logger.Debug("transport: ping failed", "endpoint", d.cfg.Endpoint, "err", err)
		return false
	}
	return resp.OK
}

// CheckMessages fetches up to limit pending server-to-client messages.
func (d *Direct) CheckMessages(ctx context.Context, limit int) ([]json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := new(wire.CheckResponse)
	if err := d.invokeLocked(ctx, wire.MethodCheckMessages, &wire.CheckRequest{Limit: limit}, resp); err != nil {
		return nil, classify("check messages", err)
	}
	return resp.Messages, nil
}

// Close releases the pooled connection.
func (d *Direct) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *Direct) invokeLocked(ctx context.Context, method string, in, out any) error {
	conn, err := d.connLocked(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, attemptTimeout(ctx, d.cfg.AttemptTimeout))
	defer cancel()

	if d.cfg.Auth.Mode == config.AuthAPIKey {
		if key := d.cfg.Auth.Key(); key != "" {
			callCtx = metadata.AppendToOutgoingContext(callCtx, "authorization", "Bearer "+key)
		}
	}
	return conn.Invoke(callCtx, method, in, out, grpc.ForceCodec(wire.Codec{}))
}

func (d *Direct) connLocked(ctx context.Context) (*grpc.ClientConn, error) {
	if d.conn != nil {
		return d.conn, nil
	}
	conn, err := d.dialFn(ctx, d.cfg.Endpoint, d.cfg)
	if err != nil {
		return nil, err
	}
	d.logger.Info("transport: connected", "endpoint", d.cfg.Endpoint)
	d.conn = conn
	return conn, nil
}

// defaultDial opens a gRPC connection to endpoint with auth configured from cfg.
func defaultDial(ctx context.Context, endpoint string, cfg config.ClientConfig) (*grpc.ClientConn, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.DialContext(ctx, endpoint, opts...) //nolint:staticcheck // deprecated in 1.63 but DialContext is used for compat
}

// dialOptions builds grpc.DialOption slice based on the auth config.
func dialOptions(cfg config.ClientConfig) ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{grpc.WithUserAgent(UserAgent)}
	switch cfg.Auth.Mode {
	case config.AuthMTLS:
		creds, err := buildMTLSCreds(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("transport: build mtls creds: %w", err)
		}
		return append(opts, grpc.WithTransportCredentials(creds)), nil

	default: // "apikey" injects the key per call; "none" is for local dev
		return append(opts, grpc.WithTransportCredentials(insecure.NewCredentials())), nil
	}
}

// buildMTLSCreds loads client certificate and optional CA from the auth config.
func buildMTLSCreds(auth config.AuthConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   auth.ServerName,
		MinVersion:   tls.VersionTLS12,
	}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}
