package resources

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(DefaultThresholds())
	require.NoError(t, err)
	return e
}

func TestEnforcer_BoundariesAreInclusive(t *testing.T) {
	e := newTestEnforcer(t)
	limits := ResourceLimits{MaxMemoryMB: 100}

	tests := []struct {
		memory float64
		want   Status
	}{
		{0, StatusNormal},
		{74.9, StatusNormal},
		{75, StatusWarning},
		{89.9, StatusWarning},
		{90, StatusThrottle},
		{99.9, StatusThrottle},
		{100, StatusViolation},
		{149.9, StatusViolation},
		{150, StatusEmergency},
		{400, StatusEmergency},
	}

	for _, tt := range tests {
		got := e.Evaluate(ResourceUsage{MemoryMB: tt.memory}, limits)
		assert.Equal(t, tt.want, got.Status, "memory=%v", tt.memory)
	}
}

func TestEnforcer_IntegerBoundaries(t *testing.T) {
	e := newTestEnforcer(t)
	limits := ResourceLimits{MaxFileHandles: 20}

	assert.Equal(t, StatusWarning, e.Evaluate(ResourceUsage{FileHandles: 15}, limits).Status)
	assert.Equal(t, StatusThrottle, e.Evaluate(ResourceUsage{FileHandles: 18}, limits).Status)
	assert.Equal(t, StatusViolation, e.Evaluate(ResourceUsage{FileHandles: 20}, limits).Status)
	assert.Equal(t, StatusEmergency, e.Evaluate(ResourceUsage{FileHandles: 30}, limits).Status)
}

func TestEnforcer_FileHandleScenario(t *testing.T) {
	tracker, _ := newTestTracker()
	e := newTestEnforcer(t)
	limits := ResourceLimits{MaxFileHandles: 10}
	tracker.Register("t1")

	for i := 0; i < 8; i++ {
		require.NoError(t, tracker.Record("t1", FileOpened()))
	}
	usage, _ := tracker.Snapshot("t1")
	eval := e.Evaluate(usage, limits)
	assert.Equal(t, StatusWarning, eval.Status)
	assert.Equal(t, FieldFileHandles, eval.Field)
	assert.InDelta(t, 0.8, eval.Ratio, 1e-9)

	require.NoError(t, tracker.Record("t1", FileOpened()))
	require.NoError(t, tracker.Record("t1", FileOpened()))
	usage, _ = tracker.Snapshot("t1")
	assert.Equal(t, StatusViolation, e.Evaluate(usage, limits).Status)
}

func TestEnforcer_MostSevereFieldWins(t *testing.T) {
	e := newTestEnforcer(t)
	limits := ResourceLimits{MaxMemoryMB: 100, MaxNetworkConnections: 4, MaxCPUPercent: 50}
	usage := ResourceUsage{MemoryMB: 80, NetworkConnections: 4, CPUPercent: 10}

	eval := e.Evaluate(usage, limits)

	assert.Equal(t, StatusViolation, eval.Status)
	assert.Equal(t, FieldNetworkConnections, eval.Field)
}

func TestEnforcer_UnlimitedFieldsIgnored(t *testing.T) {
	e := newTestEnforcer(t)
	usage := ResourceUsage{MemoryMB: 1e9, FileHandles: 1}

	eval := e.Evaluate(usage, ResourceLimits{MaxFileHandles: 100})

	assert.Equal(t, StatusNormal, eval.Status)
}

func TestEnforcer_CustomThresholds(t *testing.T) {
	e, err := NewEnforcer(Thresholds{Warning: 0.5, Throttle: 0.6, Violation: 0.7, Emergency: 0.8})
	require.NoError(t, err)

	eval := e.Evaluate(ResourceUsage{CPUPercent: 60}, ResourceLimits{MaxCPUPercent: 100})
	assert.Equal(t, StatusThrottle, eval.Status)
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Warning: 0.9, Throttle: 0.75, Violation: 1, Emergency: 1.5}.Validate())
	assert.Error(t, Thresholds{Warning: 0, Throttle: 0.75, Violation: 1, Emergency: 1.5}.Validate())

	_, err := NewEnforcer(Thresholds{})
	assert.Error(t, err)
}
