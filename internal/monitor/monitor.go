package monitor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// NeutralPercent is reported for CPU and memory before any reading succeeds.
const NeutralPercent = 50.0

var errNaN = errors.New("sampler returned NaN")

const (
	defaultInterval = time.Second
	defaultWindow   = 5
)

// Monitor keeps the latest and the smoothed resource reading.
//
// All exported methods are safe for concurrent use.
type Monitor struct {
	logger   *slog.Logger
	sampler  Sampler
	interval time.Duration
	alpha    float64
	now      func() time.Time // injectable for deterministic tests

	mu       sync.RWMutex
	last     types.ResourceSample
	smoothed types.ResourceSample
	have     bool
}

// New returns a Monitor that samples every interval and smooths over window
// readings. Non-positive values fall back to 1s and 5.
func New(sampler Sampler, interval time.Duration, window int, logger *slog.Logger) *Monitor {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if window <= 0 {
		window = defaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		sampler:  sampler,
		interval: interval,
		alpha:    2 / (float64(window) + 1),
		now:      time.Now,
	}
}

// Sample takes one reading and folds it into the moving average. On failure it
// returns the previous reading, or the neutral default.
func (m *Monitor) Sample(ctx context.Context) types.ResourceSample {
	cpuPct, memPct, err := m.sampler.Sample(ctx)
	if err == nil && (math.IsNaN(cpuPct) || math.IsNaN(memPct)) {
		err = errNaN
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.logger.Debug("monitor: sample failed, reusing last reading", "err", err, "have_last", m.have)
		if m.have {
			return m.last
		}
		return neutral()
	}

	s := types.ResourceSample{
		CPUPercent: clampPct(cpuPct),
		MemPercent: clampPct(memPct),
		SampledAt:  m.now(),
	}
	if !m.have {
		m.smoothed = s
		m.have = true
	} else {
		m.smoothed = types.ResourceSample{
			CPUPercent: m.alpha*s.CPUPercent + (1-m.alpha)*m.smoothed.CPUPercent,
			MemPercent: m.alpha*s.MemPercent + (1-m.alpha)*m.smoothed.MemPercent,
			SampledAt:  s.SampledAt,
		}
	}
	m.last = s
	return s
}

// Last returns the most recent successful reading, or the neutral default.
func (m *Monitor) Last() types.ResourceSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.have {
		return neutral()
	}
	return m.last
}

// Smoothed returns the moving average, or the neutral default.
func (m *Monitor) Smoothed() types.ResourceSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.have {
		return neutral()
	}
	return m.smoothed
}

// Run samples once immediately and then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Sample(ctx)

	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sample(ctx)
		}
	}
}

func neutral() types.ResourceSample {
	return types.ResourceSample{CPUPercent: NeutralPercent, MemPercent: NeutralPercent}
}

func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
