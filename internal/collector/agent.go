package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tendrl-inc-labs/go-sdk/internal/wire"
)

// AgentServer serves the framed agent protocol on top of a Receiver.
type AgentServer struct {
	receiver *Receiver
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewAgentServer wraps r.
func NewAgentServer(r *Receiver, logger *slog.Logger) *AgentServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentServer{receiver: r, logger: logger}
}

// Serve accepts connections on lis until ctx is cancelled or lis fails.
// It closes lis and waits for open connections before returning.
func (a *AgentServer) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()

	var conns sync.Map
	defer func() {
		conns.Range(func(k, _ any) bool {
			k.(net.Conn).Close()
			return true
		})
		a.wg.Wait()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		conns.Store(conn, struct{}{})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer conns.Delete(conn)
			a.serveConn(conn)
		}()
	}
}

func (a *AgentServer) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.logger.Debug("collector: agent connection closed", "err", err)
			}
			return
		}
		if err := wire.WriteFrame(conn, a.handle(req)); err != nil {
			a.logger.Debug("collector: agent write failed", "err", err)
			return
		}
	}
}

func (a *AgentServer) handle(req *wire.Frame) *wire.Frame {
	resp := &wire.Frame{MsgType: wire.FrameAck, Status: wire.StatusOK}
	switch req.MsgType {
	case wire.FramePublish:
		ack, err := a.receiver.accept(SourceAgent, req.Messages)
		if err != nil {
			return errorFrame(err)
		}
		resp.Accepted = ack.Accepted
		resp.IDs = ack.IDs
	case wire.FrameMsgCheck:
		if a.receiver.outage.Load() {
			return errorFrame(status.Error(codes.Unavailable, "collector outage"))
		}
		resp.Inbound = a.receiver.pop(req.Limit)
	case wire.FramePing:
		if a.receiver.outage.Load() {
			return errorFrame(status.Error(codes.Unavailable, "collector outage"))
		}
	default:
		resp.Status = wire.StatusRejected
		resp.Error = "unknown msg_type " + req.MsgType
	}
	return resp
}

func errorFrame(err error) *wire.Frame {
	f := &wire.Frame{MsgType: wire.FrameAck, Status: wire.StatusError, Error: status.Convert(err).Message()}
	if status.Code(err) == codes.InvalidArgument {
		f.Status = wire.StatusRejected
	}
	return f
}
