// Package monitor samples host CPU and memory load for the batch scheduler.
//
// Monitor.Run takes a reading on a fixed ticker, independent of the dispatch
// loop, so a slow platform call never stalls delivery. Sample never fails the
// caller: when the Sampler errors it returns the last good reading, or a
// neutral 50%/50% sample if there has never been one. Smoothed exposes an
// exponential moving average over the last K readings so that a single spike
// does not make the scheduler oscillate.
//
// The default Sampler is backed by gopsutil; tests inject their own.
package monitor
