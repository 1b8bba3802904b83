// Package transport delivers batches of messages to the collector.
//
// Two variants implement Transport:
//   - Direct: unary gRPC calls to the collector over one pooled connection,
//     with a per-attempt timeout and truncated exponential backoff
//   - Agent: length-prefixed JSON frames over a Unix socket to a co-located
//     agent, in fixed-size sub-batches
//
// Every failure is an *Error whose Kind (Unreachable, Rejected, Timeout)
// tells the caller whether the batch is worth keeping. Rejected batches are
// never retried.
package transport
