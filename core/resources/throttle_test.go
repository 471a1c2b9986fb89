package resources

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottler_NormalAdmitsImmediately(t *testing.T) {
	th := NewThrottler(DefaultThrottleConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, th.Wait(ctx, "t1"))
	}
	assert.Equal(t, StatusNormal, th.Status("t1"))
}

func TestThrottler_UpdateReportsRateChanges(t *testing.T) {
	th := NewThrottler(DefaultThrottleConfig())

	assert.False(t, th.Update("t1", StatusWarning))
	assert.True(t, th.Update("t1", StatusThrottle))
	assert.False(t, th.Update("t1", StatusThrottle))
	assert.True(t, th.Update("t1", StatusViolation))
	assert.False(t, th.Update("t1", StatusEmergency))
	assert.True(t, th.Update("t1", StatusNormal))
	assert.Equal(t, StatusNormal, th.Status("t1"))
}

func TestThrottler_ViolationSlowsAdmission(t *testing.T) {
	th := NewThrottler(ThrottleConfig{Rate: 2, ViolationRate: 0.5, Burst: 1})
	th.Update("t1", StatusViolation)

	require.NoError(t, th.Wait(context.Background(), "t1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, th.Wait(ctx, "t1"))

	require.NoError(t, th.Wait(context.Background(), "other"))
}

func TestThrottler_ConfigNormalized(t *testing.T) {
	th := NewThrottler(ThrottleConfig{Rate: 4, ViolationRate: 40})
	assert.Equal(t, 1.0, th.cfg.ViolationRate)
	assert.Equal(t, 1, th.cfg.Burst)
}

type fixedProbe struct {
	sample Sample
}

func (p fixedProbe) Sample(context.Context) (Sample, error) {
	return p.sample, nil
}

func TestSampler_SampleOnceRecordsAbsoluteValues(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Register("t1")

	sampler := NewSampler(SamplerConfig{
		Logger: discardLogger(),
		Record: func(_ context.Context, toolID string, m Measurement) error {
			return tracker.Record(toolID, m)
		},
	})
	sampler.Attach("t1", fixedProbe{sample: Sample{MemoryMB: 48, CPUPercent: 12}})
	sampler.Attach("ghost", fixedProbe{sample: Sample{MemoryMB: 1}})

	sampler.SampleOnce(context.Background())
	sampler.SampleOnce(context.Background())

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, 48.0, usage.MemoryMB)
	assert.Equal(t, 12.0, usage.CPUPercent)
}

func TestSampler_LoopStops(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	sampler := NewSampler(SamplerConfig{
		Interval: 5 * time.Millisecond,
		Logger:   discardLogger(),
		Record: func(context.Context, string, Measurement) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
	})
	sampler.Attach("t1", ProbeFunc(func(context.Context) (Sample, error) {
		return Sample{MemoryMB: 1}, nil
	}))

	sampler.Start(context.Background())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)
	sampler.Stop()
}
