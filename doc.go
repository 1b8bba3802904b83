// Package tendrl is a telemetry client that buffers, batches and delivers
// messages to a collector, adapting batch size and cadence to system load.
//
// A Client owns one dispatch goroutine. Publish never blocks on I/O unless
// the client is headless or the caller asks for a synchronous response; in
// those cases the transport is called inline and errors come back directly.
// A headless client runs no goroutines at all; ReplayOffline drains its
// stored messages on demand.
// Otherwise messages go through a bounded queue, and messages that cannot be
// delivered are persisted to a local SQLite store (when enabled) and
// replayed in order once the collector is reachable again.
//
//	c, err := tendrl.New(tendrl.DefaultConfig())
//	if err != nil { ... }
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Stop(context.Background())
//
//	id, err := c.Publish(ctx, map[string]any{"temp": 21.5}, tendrl.Tags("sensor"))
package tendrl
