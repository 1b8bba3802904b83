// Package scheduler decides how large the next batch is and when it is due.
//
// The load factor is the weighted maximum of cpu/target_cpu and
// mem/target_mem. With headroom (L ≤ 1) the batch size grows toward
// MaxBatchSize and the flush interval shrinks toward MinInterval; under load
// (L > 1) the batch size shrinks toward MinBatchSize and the interval grows
// toward MaxInterval. Each new ResourceSample moves the state by
// clamp(|1-L|, 0.1, 1) of the remaining distance, and every output is clamped
// to its configured bounds.
//
// A flush is due when the queue depth reaches the current batch size or the
// current interval has elapsed since the last flush, whichever comes first.
// When both hold at once the larger available batch is taken.
//
// Next receives now explicitly so callers (and tests) control the clock.
package scheduler
