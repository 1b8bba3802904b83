// Package dispatch owns the single delivery loop of the engine.
//
// The Dispatcher repeatedly asks the scheduler whether a flush is due, takes
// up to the decided batch size from the queue and hands it to the transport.
// Each batch ends in exactly one terminal state:
//
//	Pending -> Sending -> Delivered
//	                   -> Offlined  (transient failure, offline store enabled)
//	                   -> Dropped   (rejected, or nowhere to keep it)
//
// When the queue is empty the loop replays the offline store, oldest first.
// After a transient failure the transport is considered unhealthy; until the
// next probe, live batches go straight to the offline store. Failures reach
// the Handler once per batch as a *DeliveryError.
package dispatch
