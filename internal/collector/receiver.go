package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tendrl-inc-labs/go-sdk/internal/wire"
)

// Sources recorded on store entries.
const (
	SourceGRPC  = "grpc"
	SourceAgent = "agent"
)

// Receiver implements wire.CollectorServer.
type Receiver struct {
	store  *Store
	logger *slog.Logger
	outage atomic.Bool

	mu     sync.Mutex
	outbox []json.RawMessage

	received *prometheus.CounterVec
	rejected prometheus.Counter
}

// NewReceiver creates a Receiver that records accepted messages in st.
// Its counters are registered on reg when reg is non-nil.
func NewReceiver(st *Store, logger *slog.Logger, reg prometheus.Registerer) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{
		store:  st,
		logger: logger,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tendrl_collector", Name: "messages_received_total",
			Help: "Messages accepted, by source.",
		}, []string{"source"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tendrl_collector", Name: "batches_rejected_total",
			Help: "Batches refused as invalid.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.received, r.rejected)
	}
	return r
}

// Store returns the store accepted messages are written to.
func (r *Receiver) Store() *Store { return r.store }

// SetOutage toggles simulated unavailability.
func (r *Receiver) SetOutage(down bool) {
	r.outage.Store(down)
	r.logger.Info("collector: outage toggled", "down", down)
}

// Outage reports whether simulated unavailability is on.
func (r *Receiver) Outage() bool { return r.outage.Load() }

// Push queues a server-to-client message for the next CheckMessages call.
func (r *Receiver) Push(msg json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox = append(r.outbox, msg)
}

// PublishBatch validates every message, then stores the whole batch.
// A single invalid message rejects the batch.
func (r *Receiver) PublishBatch(_ context.Context, in *wire.Batch) (*wire.Ack, error) {
	return r.accept(SourceGRPC, in.Messages)
}

func (r *Receiver) accept(source string, msgs []wire.Message) (*wire.Ack, error) {
	if r.outage.Load() {
		return nil, status.Error(codes.Unavailable, "collector outage")
	}
	for i, m := range msgs {
		if err := validate(m); err != nil {
			r.rejected.Inc()
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("messages[%d]: %v", i, err))
		}
	}

	r.store.Add(source, msgs)
	r.received.WithLabelValues(source).Add(float64(len(msgs)))

	ack := &wire.Ack{Accepted: len(msgs), IDs: make([]string, len(msgs))}
	for i, m := range msgs {
		ack.IDs[i] = m.ID
		if m.Context != nil && m.Context.Wait {
			ack.Response, _ = json.Marshal(map[string]string{"status": "received", "id": m.ID})
		}
	}

	r.logger.Debug("collector: batch stored", "source", source, "count", len(msgs))
	return ack, nil
}

func validate(m wire.Message) error {
	switch {
	case m.ID == "":
		return fmt.Errorf("id is required")
	case len(m.Data) == 0 || string(m.Data) == "null":
		return fmt.Errorf("message %s: data is required", m.ID)
	case !json.Valid(m.Data):
		return fmt.Errorf("message %s: data is not valid JSON", m.ID)
	}
	return nil
}

// CheckMessages pops up to in.Limit queued server-to-client messages.
func (r *Receiver) CheckMessages(_ context.Context, in *wire.CheckRequest) (*wire.CheckResponse, error) {
	if r.outage.Load() {
		return nil, status.Error(codes.Unavailable, "collector outage")
	}
	return &wire.CheckResponse{Messages: r.pop(in.Limit)}, nil
}

func (r *Receiver) pop(limit int) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.outbox) {
		limit = len(r.outbox)
	}
	out := r.outbox[:limit:limit]
	r.outbox = r.outbox[limit:]
	return out
}

// Ping reports readiness.
func (r *Receiver) Ping(context.Context, *wire.PingRequest) (*wire.PingResponse, error) {
	if r.outage.Load() {
		return nil, status.Error(codes.Unavailable, "collector outage")
	}
	return &wire.PingResponse{OK: true}, nil
}
