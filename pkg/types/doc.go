// Package types defines the Go types shared by the SDK engine, its transports
// and the development collector. These are the canonical in-memory
// representations of telemetry messages, separate from the JSON wire format
// in internal/wire.
//
// Top-level types:
//   - Message: one unit of telemetry (id, opaque JSON payload, tag set,
//     optional entity, creation time, attempt counter, offline TTL)
//   - Batch: an ordered slice of messages sent in one transport attempt
//   - ResourceSample: one CPU/memory reading consumed by the scheduler
//   - OfflineRecord: the durable projection of a Message in the offline store
//   - Ack: the collector's acknowledgement of a batch
package types
