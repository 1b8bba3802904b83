package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// DriverName is the database/sql driver used by Open.
const DriverName = "sqlite"

// DefaultReplayLimit is how many records a replay cycle fetches.
const DefaultReplayLimit = 50

// ErrFull is returned when persisting would exceed Options.MaxRecords.
var ErrFull = errors.New("offline store full")

// Error wraps every failure of a store operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("offline: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Store.
type Options struct {
	// DefaultTTL applies to messages without their own TTL.
	DefaultTTL time.Duration
	// MaxRecords bounds the table; zero means unbounded.
	MaxRecords int
	// Now overrides the clock used for insertion and expiry.
	Now func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS offline_messages (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT    NOT NULL UNIQUE,
		payload     BLOB    NOT NULL,
		tags        TEXT    NOT NULL DEFAULT '[]',
		entity      TEXT    NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL DEFAULT 0,
		inserted_at INTEGER NOT NULL,
		ttl         INTEGER NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		expires_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_offline_messages_expires_at ON offline_messages (expires_at)`,
}

// Store is a durable FIFO of undelivered messages.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	opts Options
	now  func() time.Time // injectable for deterministic tests
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, &Error{Op: "open", Err: err}
	}
	s, err := NewWithDB(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle and ensures the schema exists.
func NewWithDB(db *sql.DB, opts Options) (*Store, error) {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, &Error{Op: "migrate", Err: err}
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, opts: opts, now: now}, nil
}

// Persist appends batch in order. A message already present keeps its
// position and has its attempt counter updated.
func (s *Store) Persist(ctx context.Context, batch []*types.Message) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.MaxRecords > 0 {
		n, err := s.countLocked(ctx)
		if err != nil {
			return &Error{Op: "persist", Err: err}
		}
		if n+len(batch) > s.opts.MaxRecords {
			return &Error{Op: "persist", Err: fmt.Errorf("%w: %d stored, %d incoming, max %d", ErrFull, n, len(batch), s.opts.MaxRecords)}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "persist", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO offline_messages
		(id, payload, tags, entity, created_at, inserted_at, ttl, attempts, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET attempts = excluded.attempts`)
	if err != nil {
		return &Error{Op: "persist", Err: err}
	}
	defer stmt.Close()

	now := s.now()
	for _, m := range batch {
		ttl := m.TTL
		if ttl <= 0 {
			ttl = s.opts.DefaultTTL
		}
		tags, err := encodeTags(m.Tags)
		if err != nil {
			return &Error{Op: "persist", Err: err}
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, []byte(m.Payload), tags, m.Entity,
			createdAt(m, now).UnixNano(), now.UnixNano(), int64(ttl), m.Attempts, now.Add(ttl).UnixNano(),
		); err != nil {
			return &Error{Op: "persist", Err: fmt.Errorf("message %s: %w", m.ID, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Op: "persist", Err: err}
	}
	return nil
}

func createdAt(m *types.Message, now time.Time) time.Time {
	if m.CreatedAt.IsZero() {
		return now
	}
	return m.CreatedAt
}

// Replay returns up to limit non-expired records, oldest first. Records stay
// in the store until Delete is called for them.
func (s *Store) Replay(ctx context.Context, limit int) ([]types.OfflineRecord, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, payload, tags, entity, created_at, inserted_at, ttl, attempts
		FROM offline_messages
		WHERE expires_at >= ?
		ORDER BY seq
		LIMIT ?`, s.now().UnixNano(), limit)
	if err != nil {
		return nil, &Error{Op: "replay", Err: err}
	}
	defer rows.Close()

	var out []types.OfflineRecord
	for rows.Next() {
		var (
			rec      types.OfflineRecord
			payload  []byte
			tags     string
			created  int64
			inserted int64
			ttl      int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &payload, &tags, &rec.Entity, &created, &inserted, &ttl, &rec.Attempts); err != nil {
			return nil, &Error{Op: "replay", Err: err}
		}
		rec.Payload = json.RawMessage(payload)
		rec.InsertedAt = time.Unix(0, inserted)
		rec.CreatedAt = rec.InsertedAt
		if created != 0 {
			rec.CreatedAt = time.Unix(0, created)
		}
		rec.TTL = time.Duration(ttl)
		if rec.Tags, err = decodeTags(tags); err != nil {
			return nil, &Error{Op: "replay", Err: fmt.Errorf("record %s: %w", rec.ID, err)}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "replay", Err: err}
	}
	return out, nil
}

// Delete removes records by message ID. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	return s.execEach(ctx, "delete", `DELETE FROM offline_messages WHERE id = ?`, ids)
}

// MarkAttempt increments the attempt counter of each record.
func (s *Store) MarkAttempt(ctx context.Context, ids []string) error {
	return s.execEach(ctx, "mark attempt", `UPDATE offline_messages SET attempts = attempts + 1 WHERE id = ?`, ids)
}

func (s *Store) execEach(ctx context.Context, op, query string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return &Error{Op: op, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}

// PurgeExpired deletes records whose TTL has elapsed and returns how many
// were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_messages WHERE expires_at < ?`, s.now().UnixNano())
	if err != nil {
		return 0, &Error{Op: "purge", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &Error{Op: "purge", Err: err}
	}
	return n, nil
}

// Count returns the number of stored records, expired or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.countLocked(ctx)
	if err != nil {
		return 0, &Error{Op: "count", Err: err}
	}
	return n, nil
}

func (s *Store) countLocked(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_messages`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(s string) ([]string, error) {
	if s == "" || s == "[]" || s == "null" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return tags, nil
}
