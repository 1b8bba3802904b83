package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/internal/wire"
)

// Entry is a received message together with how and when it arrived.
type Entry struct {
	Message    wire.Message
	Source     string
	ReceivedAt time.Time
}

// Store is a thread-safe in-memory log of received messages, in arrival
// order. A background goroutine (Run) evicts entries older than the TTL.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	ttl     time.Duration
	now     func() time.Time // injectable for deterministic tests
}

// NewStore creates a Store with the given TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, now: time.Now}
}

// Add appends msgs received from source.
func (s *Store) Add(source string, msgs []wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now()
	for _, m := range msgs {
		s.entries = append(s.entries, Entry{Message: m, Source: source, ReceivedAt: at})
	}
}

// List returns the entries still within the TTL, oldest first.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ReceivedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// IDs returns the ids of List in order.
func (s *Store) IDs() []string {
	entries := s.List()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.ID
	}
	return out
}

// Count returns the number of entries held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Evict removes entries older than now minus TTL and returns how many were
// removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	// Entries are in arrival order, so the stale ones form a prefix.
	n := 0
	for n < len(s.entries) && !s.entries[n].ReceivedAt.After(cutoff) {
		n++
	}
	s.entries = append(s.entries[:0:0], s.entries[n:]...)
	return n
}

// Run starts the background eviction loop. It ticks at half the TTL
// (minimum 1 second) and blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				logger.Debug("collector: evicted stale messages", "count", n)
			}
		}
	}
}
