// Package queue provides the bounded in-memory buffer that holds messages
// between Publish and the dispatch loop.
//
// Enqueue never evicts: when the queue is at capacity the newest message is
// rejected with ErrFull and the caller decides what to do with it. DequeueUpTo
// is non-blocking and FIFO. Ready() delivers an edge-triggered signal each
// time a message is added, which the dispatcher uses as its "queue non-empty"
// wake-up.
//
// The queue is safe for any number of concurrent producers and a single
// consumer.
package queue
