package resources

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// ProcessProbe samples the current process. It suits tools hosted in-process,
// where the process footprint is the tool's footprint.
type ProcessProbe struct {
	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

func NewProcessProbe() *ProcessProbe {
	return &ProcessProbe{
		lastCPU:  processCPUTime(),
		lastWall: time.Now(),
	}
}

// Sample reports heap in use and the CPU share consumed since the previous
// sample, as a percentage of one core.
func (p *ProcessProbe) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	cpu, now := processCPUTime(), time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	var percent float64
	if wall := now.Sub(p.lastWall); wall > 0 && cpu >= p.lastCPU {
		percent = 100 * float64(cpu-p.lastCPU) / float64(wall)
	}
	p.lastCPU, p.lastWall = cpu, now

	return Sample{
		MemoryMB:   float64(memStats.HeapInuse) / (1 << 20),
		CPUPercent: percent,
	}, nil
}

var _ Probe = (*ProcessProbe)(nil)
