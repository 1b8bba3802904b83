package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/internal/config"
	"github.com/tendrl-inc-labs/go-sdk/internal/wire"
	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// Agent forwards batches to a co-located agent over a Unix socket.
type Agent struct {
	socket   string
	subBatch int
	timeout  time.Duration
	attempts int
	boInit   time.Duration
	boMax    time.Duration
	logger   *slog.Logger
	dial     func(ctx context.Context, path string) (net.Conn, error)
	sleep    func(context.Context, time.Duration) error

	mu   sync.Mutex
	conn net.Conn
}

// NewAgent returns an agent transport for cfg.AgentSocket. The socket is
// dialed on first use.
func NewAgent(cfg config.ClientConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	sub := cfg.AgentSubBatch
	if sub < 1 {
		sub = config.DefaultAgentSubBatch
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = config.DefaultAttemptTimeout
	}
	var d net.Dialer
	return &Agent{
		socket:   cfg.AgentSocket,
		subBatch: sub,
		timeout:  timeout,
		attempts: max(cfg.MaxAttempts, 1),
		boInit:   cfg.BackoffInitial,
		boMax:    cfg.BackoffMax,
		logger:   logger,
		dial: func(ctx context.Context, path string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", path)
		},
		sleep: sleepCtx,
	}
}

// Name implements Transport.
func (a *Agent) Name() string { return "agent" }

// Send forwards batch in sub-batches. Each sub-batch is retried on timeout
// or connection failure up to MaxAttempts times. On failure the returned
// *Error reports how many leading messages the agent acknowledged.
func (a *Agent) Send(ctx context.Context, batch []*types.Message) (*types.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bo := newBackoff(a.boInit, a.boMax)
	ack := &types.Ack{}
	for start := 0; start < len(batch); start += a.subBatch {
		end := min(start+a.subBatch, len(batch))
		req := &wire.Frame{MsgType: wire.FramePublish, Messages: wire.FromBatch(batch[start:end]).Messages}

		resp, err := a.publishLocked(ctx, req, bo)
		if err != nil {
			err.Delivered = ack.Accepted
			return nil, err
		}
		bo.reset()
		ack.Accepted += end - start
		ack.IDs = append(ack.IDs, resp.IDs...)
	}
	return ack, nil
}

func (a *Agent) publishLocked(ctx context.Context, req *wire.Frame, bo *backoff) (*wire.Frame, *Error) {
	var lastErr *Error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		resp, err := a.roundTripLocked(ctx, "publish", req)
		if err == nil {
			switch resp.Status {
			case wire.StatusOK, "":
				return resp, nil
			case wire.StatusRejected:
				return nil, &Error{Kind: Rejected, Op: "publish", Err: errors.New(resp.Error)}
			}
			err = &Error{Kind: Unreachable, Op: "publish",
				Err: fmt.Errorf("agent status %q: %s", resp.Status, resp.Error)}
		}
		lastErr = err
		if attempt == a.attempts || ctx.Err() != nil {
			break
		}

		wait := bo.next()
		a.logger.Warn("transport: agent send failed, will retry",
			"socket", a.socket,
			"attempt", attempt,
			"err", err,
			"retry_in", wait)
		if a.sleep(ctx, wait) != nil {
			break
		}
	}
	return nil, lastErr
}

// Healthy reports whether the agent answers a ping.
func (a *Agent) Healthy(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.roundTripLocked(ctx, "ping", &wire.Frame{MsgType: wire.FramePing})
	if err != nil {
		a.logger.Debug("transport: agent ping failed", "socket", a.socket, "err", err)
		return false
	}
	return resp.Status == wire.StatusOK
}

// CheckMessages asks the agent for pending server-to-client messages.
func (a *Agent) CheckMessages(ctx context.Context, limit int) ([]json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.roundTripLocked(ctx, "check messages", &wire.Frame{MsgType: wire.FrameMsgCheck, Limit: limit})
	if err != nil {
		return nil, err
	}
	if resp.Status != wire.StatusOK {
		return nil, &Error{Kind: Unreachable, Op: "check messages", Err: errors.New(resp.Error)}
	}
	return resp.Inbound, nil
}

// Close closes the socket connection.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetLocked()
}

// roundTripLocked writes req and reads one response. A broken connection is
// redialed once; a timeout returns at once and is left to the caller.
func (a *Agent) roundTripLocked(ctx context.Context, op string, req *wire.Frame) (*wire.Frame, *Error) {
	var lastErr error
	for try := 0; try < 2; try++ {
		if ctx.Err() != nil {
			return nil, &Error{Kind: kindForContext(ctx.Err()), Op: op, Err: ctx.Err()}
		}
		conn, err := a.connLocked(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := a.exchange(ctx, conn, req)
		if err == nil {
			return resp, nil
		}
		_ = a.resetLocked()
		if isTimeout(err) {
			return nil, &Error{Kind: Timeout, Op: op, Err: err}
		}
		lastErr = err
		a.logger.Debug("transport: agent connection lost", "socket", a.socket, "err", err)
	}
	return nil, &Error{Kind: Unreachable, Op: op, Err: lastErr}
}

func (a *Agent) exchange(ctx context.Context, conn net.Conn, req *wire.Frame) (*wire.Frame, error) {
	deadline := time.Now().Add(attemptTimeout(ctx, a.timeout))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, req); err != nil {
		return nil, err
	}
	return wire.ReadFrame(conn)
}

func (a *Agent) connLocked(ctx context.Context) (net.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, attemptTimeout(ctx, a.timeout))
	defer cancel()
	conn, err := a.dial(dialCtx, a.socket)
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return conn, nil
}

func (a *Agent) resetLocked() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func kindForContext(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unreachable
}
