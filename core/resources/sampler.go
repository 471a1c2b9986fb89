package resources

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const DefaultSampleInterval = time.Second

// Sample is what a probe reports for one tool at one instant.
type Sample struct {
	MemoryMB   float64
	CPUPercent float64
}

// Probe measures a tool's instantaneous memory and CPU.
type Probe interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (Sample, error)

func (f ProbeFunc) Sample(ctx context.Context) (Sample, error) {
	return f(ctx)
}

// RecordFunc receives the measurements produced by sampling.
type RecordFunc func(ctx context.Context, toolID string, m Measurement) error

type SamplerConfig struct {
	Interval time.Duration
	Record   RecordFunc
	Logger   *slog.Logger
}

// Sampler periodically polls registered probes and records absolute memory
// and CPU measurements.
type Sampler struct {
	cfg    SamplerConfig
	mu     sync.RWMutex
	probes map[string]Probe

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSampleInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sampler{
		cfg:    cfg,
		probes: make(map[string]Probe),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Sampler) Attach(toolID string, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[toolID] = probe
}

func (s *Sampler) Detach(toolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.probes, toolID)
}

// SampleOnce polls every probe a single time.
func (s *Sampler) SampleOnce(ctx context.Context) {
	for _, id := range s.toolIDs() {
		s.mu.RLock()
		probe, ok := s.probes[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		s.sampleTool(ctx, id, probe)
	}
}

func (s *Sampler) sampleTool(ctx context.Context, toolID string, probe Probe) {
	sample, err := probe.Sample(ctx)
	if err != nil {
		s.cfg.Logger.Debug("probe failed", "tool_id", toolID, "error", err)
		return
	}
	if s.cfg.Record == nil {
		return
	}
	for _, m := range []Measurement{MemoryAbsolute(sample.MemoryMB), CPUAbsolute(sample.CPUPercent)} {
		if err := s.cfg.Record(ctx, toolID, m); err != nil {
			s.cfg.Logger.Debug("sample not recorded", "tool_id", toolID, "field", m.Field.String(), "error", err)
		}
	}
}

func (s *Sampler) toolIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.probes))
	for id := range s.probes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start runs the sampling loop until ctx ends or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// Stop ends the loop and waits for it to exit. It must follow Start.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}
