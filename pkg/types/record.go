package types

import (
	"encoding/json"
	"time"
)

// OfflineRecord is the durable form of a Message awaiting delivery.
// Seq is the store's insertion sequence and defines replay order.
type OfflineRecord struct {
	Seq        int64
	ID         string
	Payload    json.RawMessage
	Tags       []string
	Entity     string
	CreatedAt  time.Time
	InsertedAt time.Time
	TTL        time.Duration
	Attempts   int
}

// Expired reports whether the record outlived its TTL at now.
func (r OfflineRecord) Expired(now time.Time) bool {
	return now.Sub(r.InsertedAt) > r.TTL
}

// Message converts the record back into a Message for replay. The original
// id, tags and creation time are preserved.
func (r OfflineRecord) Message() *Message {
	return &Message{
		ID:        r.ID,
		Payload:   r.Payload,
		Tags:      r.Tags,
		Entity:    r.Entity,
		CreatedAt: r.createdAt(),
		Attempts:  r.Attempts,
		TTL:       r.TTL,
	}
}

func (r OfflineRecord) createdAt() time.Time {
	if r.CreatedAt.IsZero() {
		return r.InsertedAt
	}
	return r.CreatedAt
}
