package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/toolrt/core/cleanup"
	"github.com/adalundhe/toolrt/core/recovery"
	"github.com/adalundhe/toolrt/core/resources"
)

func openTestJournal(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := Open(Config{
		Path:   path,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func attempt(id, tool string, step int, s recovery.Strategy, ok bool, at time.Time) recovery.Attempt {
	return recovery.Attempt{
		ID:        id,
		ToolID:    tool,
		EpisodeID: "ep-" + tool,
		Step:      step,
		Strategy:  s,
		Success:   ok,
		Cause:     "boom",
		StartedAt: at,
		Duration:  3 * time.Millisecond,
	}
}

func TestJournal_AttemptsRoundTrip(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal.db"))
	ctx := context.Background()
	base := time.Now()

	first := attempt("a1", "t1", 1, recovery.StrategyRetry, false, base)
	first.Err = "retry failed"
	first.Usage = &resources.ResourceUsage{FileHandles: 3, MemoryMB: 12.5}
	j.AttemptRecorded(first, nil)
	j.AttemptRecorded(attempt("a2", "t1", 2, recovery.StrategyReset, true, base.Add(time.Millisecond)), nil)
	j.AttemptRecorded(attempt("b1", "t2", 1, recovery.StrategyRetry, true, base), nil)

	got, err := j.Attempts(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, recovery.StrategyReset, got[0].Strategy)
	assert.True(t, got[0].Success)
	assert.Nil(t, got[0].Usage)

	assert.Equal(t, "retry failed", got[1].Err)
	require.NotNil(t, got[1].Usage)
	assert.Equal(t, int64(3), got[1].Usage.FileHandles)
	assert.Equal(t, 3*time.Millisecond, got[1].Duration)
	assert.Equal(t, base.UnixNano(), got[1].StartedAt.UnixNano())

	limited, err := j.Attempts(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJournal_AttemptLookup(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal.db"))
	ctx := context.Background()

	j.AttemptRecorded(attempt("a1", "t1", 1, recovery.StrategyIsolate, false, time.Now()), nil)
	j.cache.Wait()

	got, err := j.Attempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, recovery.StrategyIsolate, got.Strategy)

	j.cache.Del("a1")
	got, err = j.Attempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ToolID)

	_, err = j.Attempt(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournal_Rates(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal.db"))
	now := time.Now()

	j.AttemptRecorded(attempt("1", "t1", 1, recovery.StrategyRetry, false, now), nil)
	j.AttemptRecorded(attempt("2", "t1", 2, recovery.StrategyReset, true, now), nil)
	j.AttemptRecorded(attempt("3", "t1", 1, recovery.StrategyRetry, true, now), nil)

	rates, err := j.Rates(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, recovery.Rate{Attempts: 2, Successes: 1}, rates[recovery.StrategyRetry])
	assert.Equal(t, recovery.Rate{Attempts: 1, Successes: 1}, rates[recovery.StrategyReset])
	assert.Equal(t, 3, rates.Overall().Attempts)
}

func TestJournal_CleanupRuns(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal.db"))

	j.CleanupCompleted(cleanup.Result{
		ToolID: "t1",
		Categories: []cleanup.CategoryResult{
			{Category: cleanup.CategoryFileHandles, Released: 2},
		},
		StartedAt: time.Now(),
		Duration:  time.Millisecond,
	})
	j.CleanupCompleted(cleanup.Result{
		ToolID: "t1",
		Categories: []cleanup.CategoryResult{
			{Category: cleanup.CategoryFileHandles, Failed: 1, Errors: []error{errors.New("eio")}},
		},
		Partial:   1,
		Cancelled: true,
		StartedAt: time.Now(),
	})

	runs, err := j.Cleanups(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 1, runs[0].Failed)
	assert.True(t, runs[0].Cancelled)
	assert.Contains(t, runs[0].Err, "eio")
	assert.Equal(t, 2, runs[1].Released)
	assert.Empty(t, runs[1].Err)
}

func TestJournal_Alerts(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), "journal.db"))
	start := time.Now()

	j.ResourceAlert(resources.Alert{
		ToolID:     "t1",
		Evaluation: resources.Evaluation{Status: resources.StatusWarning, Field: resources.FieldFileHandles, Ratio: 0.8},
		At:         start,
	})
	j.ResourceAlert(resources.Alert{
		ToolID:     "t1",
		Evaluation: resources.Evaluation{Status: resources.StatusViolation, Field: resources.FieldFileHandles, Ratio: 1},
		At:         start.Add(time.Second),
	})

	alerts, err := j.Alerts(context.Background(), "t1", start.Add(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, resources.StatusViolation, alerts[0].Status)
	assert.Equal(t, resources.FieldFileHandles, alerts[0].Field)
}

func TestJournal_UnrecoverableSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(Config{Path: path})
	require.NoError(t, err)
	last := attempt("u1", "t2", 5, recovery.StrategyUnregister, true, time.Now())
	j.AttemptRecorded(last, nil)
	j.ToolUnrecoverable("t2", last)
	require.NoError(t, j.Close())

	reopened := openTestJournal(t, path)
	_, retired, err := reopened.Unrecoverable(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, retired)

	history, err := reopened.Attempts(ctx, "t2", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	require.NoError(t, reopened.Revive(ctx, "t2"))
	_, retired, err = reopened.Unrecoverable(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, retired)
}

func TestJournal_InMemory(t *testing.T) {
	j := openTestJournal(t, ":memory:")
	j.AttemptRecorded(attempt("m1", "t1", 1, recovery.StrategyRetry, true, time.Now()), nil)

	got, err := j.Attempts(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
