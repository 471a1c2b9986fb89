package resources

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu              sync.Mutex
	alerts          []Alert
	inconsistencies []Inconsistency
}

func (r *recordingSink) ResourceAlert(alert Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingSink) AccountingInconsistency(inc Inconsistency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inconsistencies = append(r.inconsistencies, inc)
}

func (r *recordingSink) inconsistencyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inconsistencies)
}

func newTestTracker() (*Tracker, *recordingSink) {
	sink := &recordingSink{}
	return NewTracker(TrackerConfig{Alerts: sink, Logger: discardLogger()}), sink
}

func TestTracker_RecordAndSnapshot(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Register("t1")

	require.NoError(t, tracker.Record("t1", FileOpened()))
	require.NoError(t, tracker.Record("t1", FileOpened()))
	require.NoError(t, tracker.Record("t1", ConnectionOpened()))
	require.NoError(t, tracker.Record("t1", MemoryDelta(12.5)))
	require.NoError(t, tracker.Record("t1", CPUAbsolute(40)))
	require.NoError(t, tracker.Record("t1", ExecutionElapsed(250*time.Millisecond)))
	require.NoError(t, tracker.Record("t1", TempStorageDelta(3)))

	usage, ok := tracker.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, int64(2), usage.FileHandles)
	assert.Equal(t, int64(1), usage.NetworkConnections)
	assert.Equal(t, 12.5, usage.MemoryMB)
	assert.Equal(t, 40.0, usage.CPUPercent)
	assert.Equal(t, int64(250), usage.ExecutionTimeMS)
	assert.Equal(t, 3.0, usage.TempStorageMB)
}

func TestTracker_UnknownTool(t *testing.T) {
	tracker, _ := newTestTracker()

	err := tracker.Record("missing", FileOpened())
	assert.ErrorIs(t, err, ErrToolNotTracked)

	_, ok := tracker.Snapshot("missing")
	assert.False(t, ok)
}

func TestTracker_CloseBelowZeroClampsAndWarns(t *testing.T) {
	tracker, sink := newTestTracker()
	tracker.Register("t1")

	require.NoError(t, tracker.Record("t1", FileOpened()))
	require.NoError(t, tracker.Record("t1", FileClosed()))
	require.NoError(t, tracker.Record("t1", FileClosed()))

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, int64(0), usage.FileHandles)
	require.Equal(t, 1, sink.inconsistencyCount())
	assert.Equal(t, "t1", sink.inconsistencies[0].ToolID)
	assert.Equal(t, FieldFileHandles, sink.inconsistencies[0].Field)
	assert.Equal(t, -1.0, sink.inconsistencies[0].Attempted)
}

func TestTracker_NegativeAbsoluteClamps(t *testing.T) {
	tracker, sink := newTestTracker()
	tracker.Register("t1")

	require.NoError(t, tracker.Record("t1", MemoryAbsolute(-4)))

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, 0.0, usage.MemoryMB)
	assert.Equal(t, 1, sink.inconsistencyCount())
}

func TestTracker_ExecutionTimeNeverDecreases(t *testing.T) {
	tracker, sink := newTestTracker()
	tracker.Register("t1")

	require.NoError(t, tracker.Record("t1", ExecutionElapsed(time.Second)))
	require.NoError(t, tracker.Record("t1", Measurement{Field: FieldExecutionTime, Kind: Delta, Value: -500}))
	require.NoError(t, tracker.Record("t1", Measurement{Field: FieldExecutionTime, Kind: Absolute, Value: 10}))

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, int64(1000), usage.ExecutionTimeMS)
	assert.Equal(t, 2, sink.inconsistencyCount())
}

func TestTracker_ClearKeepsRegistration(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Register("t1")
	require.NoError(t, tracker.Record("t1", FileOpened()))

	tracker.Clear("t1")

	usage, ok := tracker.Snapshot("t1")
	assert.True(t, ok)
	assert.True(t, usage.IsZero())

	tracker.Remove("t1")
	assert.False(t, tracker.IsTracked("t1"))
}

func TestTracker_RegisterTwiceKeepsRecord(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Register("t1")
	require.NoError(t, tracker.Record("t1", FileOpened()))

	tracker.Register("t1")

	usage, _ := tracker.Snapshot("t1")
	assert.Equal(t, int64(1), usage.FileHandles)
}

func TestTracker_ConcurrentOpenCloseNeverNegative(t *testing.T) {
	tracker, _ := newTestTracker()
	tools := []string{"a", "b", "c", "d"}
	for _, id := range tools {
		tracker.Register(id)
	}

	var wg sync.WaitGroup
	for _, id := range tools {
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(toolID string) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					_ = tracker.Record(toolID, FileOpened())
					_ = tracker.Record(toolID, FileClosed())
					usage, _ := tracker.Snapshot(toolID)
					if usage.FileHandles < 0 {
						t.Errorf("negative file handles for %s", toolID)
					}
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range tools {
		usage, _ := tracker.Snapshot(id)
		assert.Equal(t, int64(0), usage.FileHandles, id)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, tracker.Tools())
}

func TestTracker_HistoryRecordsEvents(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Register("t1")

	require.NoError(t, tracker.Record("t1", FileOpened()))
	require.NoError(t, tracker.Record("t1", CPUAbsolute(30)))
	require.NoError(t, tracker.Record("t1", FileClosed()))
	tracker.LimitExceeded("t1", Evaluation{Status: StatusViolation, Field: FieldCPU, Ratio: 1.2})
	tracker.Clear("t1")

	events := tracker.History("t1")
	require.Len(t, events, 5)

	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
		assert.Equal(t, "t1", e.ToolID)
		assert.False(t, e.At.IsZero())
	}
	assert.Equal(t, []EventKind{EventAllocate, EventSample, EventRelease, EventLimitExceeded, EventReset}, kinds)
	assert.Equal(t, 1.0, events[0].Total)
	assert.Equal(t, 0.0, events[2].Total)
	assert.Equal(t, "file_close", events[2].Source)
	assert.Equal(t, 30.0, events[3].Total)
	assert.Equal(t, "violation", events[3].Source)

	assert.Nil(t, tracker.History("ghost"))
}

func TestTracker_HistoryIsBounded(t *testing.T) {
	tracker := NewTracker(TrackerConfig{EventHistory: 3, Logger: discardLogger()})
	tracker.Register("t1")

	for i := 0; i < 5; i++ {
		require.NoError(t, tracker.Record("t1", FileOpened()))
	}
	events := tracker.History("t1")
	require.Len(t, events, 3)
	assert.Equal(t, 3.0, events[0].Total)
	assert.Equal(t, 5.0, events[2].Total)

	off := NewTracker(TrackerConfig{EventHistory: -1, Logger: discardLogger()})
	off.Register("t1")
	require.NoError(t, off.Record("t1", FileOpened()))
	assert.Nil(t, off.History("t1"))

	tracker.Remove("t1")
	assert.Nil(t, tracker.History("t1"))
}
