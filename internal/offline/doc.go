// Package offline persists messages that could not be delivered so they can
// be replayed once the collector is reachable again.
//
// Records live in a single SQLite table ordered by an autoincrement sequence,
// so replay returns them in the order they were persisted. Each record
// carries its own TTL; a record is never returned by Replay once
// now - InsertedAt exceeds its TTL, and PurgeExpired deletes such records.
//
// The store is opened through database/sql with the pure-Go
// modernc.org/sqlite driver. Access is serialized by a mutex and a single
// open connection.
package offline
