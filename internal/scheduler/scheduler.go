package scheduler

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// minStep is the smallest fraction of the remaining distance moved per sample.
const minStep = 0.1

// Bounds holds the scheduler targets and clamp limits.
type Bounds struct {
	TargetCPUPercent float64
	TargetMemPercent float64

	// CPUWeight and MemWeight scale each ratio before the max is taken.
	// Zero means 1.
	CPUWeight float64
	MemWeight float64

	MinBatchSize int
	MaxBatchSize int
	MinInterval  time.Duration
	MaxInterval  time.Duration
}

// Validate checks the bounds are usable.
func (b Bounds) Validate() error {
	var errs []error
	if b.TargetCPUPercent <= 0 || b.TargetCPUPercent > 100 {
		errs = append(errs, fmt.Errorf("target cpu percent %v must be in (0, 100]", b.TargetCPUPercent))
	}
	if b.TargetMemPercent <= 0 || b.TargetMemPercent > 100 {
		errs = append(errs, fmt.Errorf("target mem percent %v must be in (0, 100]", b.TargetMemPercent))
	}
	if b.CPUWeight < 0 || b.MemWeight < 0 {
		errs = append(errs, errors.New("weights must not be negative"))
	}
	if b.MinBatchSize < 1 {
		errs = append(errs, fmt.Errorf("min batch size %d must be >= 1", b.MinBatchSize))
	}
	if b.MaxBatchSize < b.MinBatchSize {
		errs = append(errs, fmt.Errorf("max batch size %d is below min %d", b.MaxBatchSize, b.MinBatchSize))
	}
	if b.MinInterval <= 0 {
		errs = append(errs, fmt.Errorf("min batch interval %v must be positive", b.MinInterval))
	}
	if b.MaxInterval < b.MinInterval {
		errs = append(errs, fmt.Errorf("max batch interval %v is below min %v", b.MaxInterval, b.MinInterval))
	}
	return errors.Join(errs...)
}

// State is the scheduler's mutable state. Only the Scheduler changes it.
type State struct {
	BatchSize   int
	Interval    time.Duration
	LastFlushAt time.Time
}

// Decision is the outcome of one Next call.
type Decision struct {
	// Flush is true when a batch of up to BatchSize should be dequeued now.
	Flush bool

	// BatchSize is always within [MinBatchSize, MaxBatchSize].
	BatchSize int

	// WaitUntil is the flush deadline for the current interval.
	WaitUntil time.Time

	// Load is the load factor computed from the sample.
	Load float64
}

// Scheduler computes batch decisions from resource samples and queue depth.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	mu           sync.Mutex
	bounds       Bounds
	state        State
	lastSampleAt time.Time
	adapted      bool
}

// New validates b and returns a Scheduler starting at the largest batch and
// shortest interval.
func New(b Bounds) (*Scheduler, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		bounds: b,
		state:  State{BatchSize: b.MaxBatchSize, Interval: b.MinInterval},
	}, nil
}

// LoadFactor returns the weighted max of the cpu and memory target ratios.
func LoadFactor(s types.ResourceSample, b Bounds) float64 {
	cw, mw := b.CPUWeight, b.MemWeight
	if cw == 0 {
		cw = 1
	}
	if mw == 0 {
		mw = 1
	}
	cpu := cw * sanitize(s.CPUPercent) / b.TargetCPUPercent
	mem := mw * sanitize(s.MemPercent) / b.TargetMemPercent
	return math.Max(cpu, mem)
}

// Next adapts to sample (once per distinct SampledAt) and decides whether a
// flush is due at now with depth messages queued.
func (s *Scheduler) Next(sample types.ResourceSample, depth int, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	load := LoadFactor(sample, s.bounds)
	if !s.adapted || sample.SampledAt.After(s.lastSampleAt) {
		s.adaptLocked(load)
		s.lastSampleAt = sample.SampledAt
		s.adapted = true
	}

	deadline := s.state.LastFlushAt.Add(s.state.Interval)
	sizeReady := depth >= s.state.BatchSize
	timeReady := !now.Before(deadline)

	d := Decision{BatchSize: s.state.BatchSize, WaitUntil: deadline, Load: load}
	switch {
	case sizeReady && timeReady:
		d.Flush = true
		d.BatchSize = clampInt(depth, s.state.BatchSize, s.bounds.MaxBatchSize)
	case sizeReady, timeReady:
		d.Flush = true
	}
	return d
}

// MarkFlushed records that a flush cycle ran at now.
func (s *Scheduler) MarkFlushed(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastFlushAt = now
}

// State returns a copy of the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bounds returns the active bounds.
func (s *Scheduler) Bounds() Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// SetBounds replaces the bounds and re-clamps the state into them.
func (s *Scheduler) SetBounds(b Bounds) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = b
	s.state.BatchSize = clampInt(s.state.BatchSize, b.MinBatchSize, b.MaxBatchSize)
	s.state.Interval = clampDur(s.state.Interval, b.MinInterval, b.MaxInterval)
	return nil
}

func (s *Scheduler) adaptLocked(load float64) {
	b := s.bounds
	step := math.Min(1, math.Max(minStep, math.Abs(1-load)))

	if load <= 1 {
		grow := int(math.Ceil(float64(b.MaxBatchSize-s.state.BatchSize) * step))
		s.state.BatchSize += grow
		s.state.Interval -= scaleDur(s.state.Interval-b.MinInterval, step)
	} else {
		shrink := int(math.Ceil(float64(s.state.BatchSize-b.MinBatchSize) * step))
		s.state.BatchSize -= shrink
		s.state.Interval += scaleDur(b.MaxInterval-s.state.Interval, step)
	}

	s.state.BatchSize = clampInt(s.state.BatchSize, b.MinBatchSize, b.MaxBatchSize)
	s.state.Interval = clampDur(s.state.Interval, b.MinInterval, b.MaxInterval)
}

// scaleDur rounds up so the state reaches its bound instead of creeping toward it.
func scaleDur(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Ceil(float64(d) * f))
}

func sanitize(pct float64) float64 {
	switch {
	case math.IsNaN(pct) || pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDur(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
