package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler takes one CPU and memory utilisation reading, both in percent.
type Sampler interface {
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// SamplerFunc adapts a plain function to Sampler.
type SamplerFunc func(ctx context.Context) (float64, float64, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (float64, float64, error) { return f(ctx) }

// SystemSampler reads host-wide utilisation through gopsutil.
// CPU usage is measured since the previous call.
type SystemSampler struct{}

// Sample implements Sampler.
func (SystemSampler) Sample(ctx context.Context) (float64, float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pcts) == 0 {
		return 0, 0, fmt.Errorf("cpu percent: no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("virtual memory: %w", err)
	}
	return pcts[0], vm.UsedPercent, nil
}
