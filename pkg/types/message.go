package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPayload is returned by NewMessage for payloads that cannot be
// represented as JSON.
var ErrInvalidPayload = errors.New("invalid payload")

// Message is a single unit of telemetry. The engine never inspects Payload.
type Message struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Tags      []string        `json:"tags,omitempty"`
	Entity    string          `json:"entity,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// Attempts counts delivery attempts made by the dispatcher.
	Attempts int `json:"attempts"`

	// TTL bounds how long the message may wait in the offline store.
	// Zero means the store default.
	TTL time.Duration `json:"ttl,omitempty"`

	// WaitResponse marks messages published on the synchronous path.
	WaitResponse bool `json:"wait,omitempty"`
}

// NewMessage builds a Message with a fresh id and the current UTC time.
// payload may be a string, []byte or json.RawMessage holding valid JSON, or
// any value encoding/json can marshal.
func NewMessage(payload any, tags []string, entity string) (*Message, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.NewString(),
		Payload:   raw,
		Tags:      NormalizeTags(tags),
		Entity:    entity,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// EncodePayload converts a caller payload into raw JSON.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidPayload)
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: raw message is not valid json", ErrInvalidPayload)
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: bytes are not valid json", ErrInvalidPayload)
		}
		return append(json.RawMessage(nil), p...), nil
	case string:
		b, _ := json.Marshal(p)
		return b, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return b, nil
	}
}

// NormalizeTags collapses duplicates and empty strings and returns the tags
// sorted, so equal tag sets always compare equal.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// Batch is an ordered group of messages selected for one transport attempt.
type Batch []*Message

// IDs returns the message ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b))
	for i, m := range b {
		ids[i] = m.ID
	}
	return ids
}

// ResourceSample is one system load reading. Percentages are in [0, 100].
type ResourceSample struct {
	CPUPercent float64
	MemPercent float64
	SampledAt  time.Time
}

// Ack is the collector's acknowledgement of a delivered batch.
type Ack struct {
	Accepted int             `json:"accepted"`
	IDs      []string        `json:"ids,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}
