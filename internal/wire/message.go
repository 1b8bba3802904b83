package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// MsgTypePublish is the msg_type of telemetry messages.
const MsgTypePublish = "publish"

// TimestampLayout is ISO 8601 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is the collector's JSON view of a telemetry message.
type Message struct {
	ID        string          `json:"id"`
	MsgType   string          `json:"msg_type"`
	Data      json.RawMessage `json:"data"`
	Context   *Context        `json:"context,omitempty"`
	Dest      string          `json:"dest,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Context carries tags and the synchronous-response flag.
type Context struct {
	Tags []string `json:"tags,omitempty"`
	Wait bool     `json:"wait,omitempty"`
}

// Batch is the PublishBatch request.
type Batch struct {
	Messages []Message `json:"messages"`
}

// Ack is the PublishBatch response.
type Ack struct {
	Accepted int             `json:"accepted"`
	IDs      []string        `json:"ids,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// CheckRequest asks for pending server-to-client messages.
type CheckRequest struct {
	Limit int `json:"limit"`
}

// CheckResponse carries pending server-to-client messages.
type CheckResponse struct {
	Messages []json.RawMessage `json:"messages,omitempty"`
}

// PingRequest is the health probe request.
type PingRequest struct{}

// PingResponse is the health probe response.
type PingResponse struct {
	OK bool `json:"ok"`
}

// FromMessage converts an engine message into its wire form.
// The wait flag is only set for messages without a destination entity.
func FromMessage(m *types.Message) Message {
	w := Message{
		ID:        m.ID,
		MsgType:   MsgTypePublish,
		Data:      m.Payload,
		Dest:      m.Entity,
		Timestamp: m.CreatedAt.UTC().Format(TimestampLayout),
	}
	wait := m.WaitResponse && m.Entity == ""
	if len(m.Tags) > 0 || wait {
		w.Context = &Context{Tags: m.Tags, Wait: wait}
	}
	return w
}

// FromBatch converts a batch in order.
func FromBatch(batch []*types.Message) Batch {
	out := Batch{Messages: make([]Message, len(batch))}
	for i, m := range batch {
		out.Messages[i] = FromMessage(m)
	}
	return out
}

// ToMessage converts a wire message back into an engine message.
func ToMessage(w Message) (*types.Message, error) {
	ts, err := time.Parse(TimestampLayout, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("message %q: parse timestamp: %w", w.ID, err)
	}
	m := &types.Message{
		ID:        w.ID,
		Payload:   w.Data,
		Entity:    w.Dest,
		CreatedAt: ts,
	}
	if w.Context != nil {
		m.Tags = types.NormalizeTags(w.Context.Tags)
		m.WaitResponse = w.Context.Wait
	}
	return m, nil
}

// AckFrom converts a wire ack.
func AckFrom(a *Ack) *types.Ack {
	return &types.Ack{Accepted: a.Accepted, IDs: a.IDs, Response: a.Response}
}
